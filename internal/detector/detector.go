// Package detector runs object detection on frames.
//
// The production detector is an external process speaking a
// length-prefixed msgpack protocol on stdin/stdout. Without a configured
// command the Noop detector is used and the pipeline runs in mock mode.
package detector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/care/visionx/internal/types"
)

var (
	// ErrNotReady means the detector process is not running.
	ErrNotReady = errors.New("detector: not ready")
	// ErrTimeout means one detection exceeded its deadline.
	ErrTimeout = errors.New("detector: timeout")
)

// Detector finds objects in a frame. Implementations must return within
// their own timeout even if ctx has no deadline.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
	Close() error
}

// Noop returns no detections. Used when no model is configured.
type Noop struct{}

// Detect always returns an empty list.
func (Noop) Detect(context.Context, types.Frame) ([]types.Detection, error) {
	return nil, nil
}

// Close is a no-op.
func (Noop) Close() error { return nil }

// New starts a Process detector when cfg names a command, else returns Noop.
// A process that fails to start degrades to Noop with a warning.
func New(ctx context.Context, cfg ProcessConfig) Detector {
	if cfg.Command == "" {
		slog.Warn("detector: no command configured, running without detection (mock mode)")
		return Noop{}
	}

	p := NewProcess(cfg)
	if err := p.Start(ctx); err != nil {
		slog.Error("detector: failed to start, running without detection",
			"command", cfg.Command,
			"error", err,
		)
		return Noop{}
	}
	return p
}
