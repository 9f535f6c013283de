// Package stream provides camera frames to the orchestrator.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/care/visionx/internal/types"
)

var (
	// ErrNoFrame means the source has not produced a frame yet.
	ErrNoFrame = errors.New("stream: no frame available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("stream: source closed")
)

// Source yields the most recent frame on demand.
type Source interface {
	Capture(ctx context.Context) (types.Frame, error)
	Close() error
}

// Config selects and configures the frame source.
type Config struct {
	Enabled  bool   // use the camera; false means blank frames
	Device   string // v4l2 device (default: /dev/video0)
	Width    int    // default: 320
	Height   int    // default: 320
	FPS      int    // default: 15
	Pipeline string // optional full gst-launch description ending in "appsink name=sink"
}

func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Width <= 0 {
		c.Width = 320
	}
	if c.Height <= 0 {
		c.Height = 320
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
}

// Open starts the camera when enabled. A camera that fails to start
// degrades to blank frames so the loop keeps running.
func Open(ctx context.Context, cfg Config) Source {
	cfg.applyDefaults()
	if !cfg.Enabled {
		slog.Info("stream: camera disabled, using blank frames",
			"width", cfg.Width,
			"height", cfg.Height,
		)
		return NewBlank(cfg.Width, cfg.Height)
	}

	cam := NewCamera(cfg)
	if err := cam.Start(ctx); err != nil {
		slog.Warn("stream: camera unavailable, using blank frames", "error", err)
		return NewBlank(cfg.Width, cfg.Height)
	}
	return cam
}

// Blank produces black frames of a fixed size.
type Blank struct {
	width, height int
	seq           atomic.Uint64
}

// NewBlank creates a blank source.
func NewBlank(width, height int) *Blank {
	return &Blank{width: width, height: height}
}

// Capture returns a fresh black frame.
func (b *Blank) Capture(context.Context) (types.Frame, error) {
	f := types.BlankFrame(b.width, b.height)
	f.Seq = b.seq.Add(1)
	f.Timestamp = time.Now()
	return f, nil
}

// Close is a no-op.
func (b *Blank) Close() error { return nil }
