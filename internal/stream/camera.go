package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/visionx/internal/types"
)

// sinkName is the appsink element name every pipeline description must use.
const sinkName = "sink"

// PipelineDescription builds the gst-launch description for cfg.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
//
// appsink keeps one buffer and drops older ones, so Capture always sees
// the newest frame.
func PipelineDescription(cfg Config) string {
	if cfg.Pipeline != "" {
		return cfg.Pipeline
	}
	return fmt.Sprintf(
		"v4l2src device=%s ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1 ! "+
			"appsink name=%s sync=false max-buffers=1 drop=true",
		cfg.Device, cfg.Width, cfg.Height, cfg.FPS, sinkName,
	)
}

// CameraStats is a snapshot of capture counters.
type CameraStats struct {
	Frames    uint64
	BytesRead uint64
	Errors    uint64
	Playing   bool
}

// Camera captures RGB frames from a V4L2 device through GStreamer.
type Camera struct {
	cfg    Config
	latest latestFrame

	pipeline *gst.Pipeline
	sink     *app.Sink

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	frameCount atomic.Uint64
	bytesRead  atomic.Uint64
	errors     atomic.Uint64
	playing    atomic.Bool
}

// NewCamera creates a camera; Start builds and plays the pipeline.
func NewCamera(cfg Config) *Camera {
	cfg.applyDefaults()
	return &Camera{cfg: cfg}
}

// Start creates the pipeline, installs the sample callback and sets it
// to PLAYING. Frames arrive asynchronously afterwards.
func (c *Camera) Start(ctx context.Context) error {
	gst.Init(nil)

	desc := PipelineDescription(c.cfg)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("stream: failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("stream: appsink %q not found: %w", sinkName, err)
	}
	sink := app.SinkFromElement(elem)

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("stream: failed to start pipeline: %w", err)
	}

	c.pipeline = pipeline
	c.sink = sink

	monitorCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.monitorBus(monitorCtx)

	slog.Info("stream: camera started",
		"device", c.cfg.Device,
		"width", c.cfg.Width,
		"height", c.cfg.Height,
		"fps", c.cfg.FPS,
	)
	return nil
}

// onNewSample copies the mapped buffer into a Frame. GStreamer reuses
// buffers, so the copy is required.
func (c *Camera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("stream: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("stream: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := c.frameCount.Add(1)
	c.bytesRead.Add(uint64(len(frameData)))

	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Data:      frameData,
		Source:    c.cfg.Device,
		TraceID:   uuid.New().String(),
	}
	if err := c.latest.set(frame); err != nil {
		return gst.FlowEOS
	}
	return gst.FlowOK
}

// monitorBus polls the pipeline bus until ctx is cancelled. Errors and
// EOS mark the camera as not playing; Capture then returns ErrNoFrame
// and the caller substitutes a blank frame.
func (c *Camera) monitorBus(ctx context.Context) {
	defer c.wg.Done()

	bus := c.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.playing.Store(false)
			slog.Warn("stream: end of stream", "device", c.cfg.Device, "frames", c.frameCount.Load())
		case gst.MessageError:
			gerr := msg.ParseError()
			c.errors.Add(1)
			c.playing.Store(false)
			slog.Error("stream: pipeline error",
				"device", c.cfg.Device,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
		case gst.MessageStateChanged:
			if msg.Source() == c.pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				c.playing.Store(newState == gst.StatePlaying)
				slog.Debug("stream: pipeline state changed", "state", newState)
			}
		}
	}
}

// Capture returns the newest frame. Stale frames are not returned once
// the pipeline has stopped playing.
func (c *Camera) Capture(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	frame, _, err := c.latest.get()
	if err != nil {
		return types.Frame{}, err
	}
	if !c.playing.Load() && c.frameCount.Load() > 0 && time.Since(frame.Timestamp) > time.Second {
		return types.Frame{}, ErrNoFrame
	}
	return frame, nil
}

// Close stops the pipeline and the bus monitor. Idempotent.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() {
		c.latest.close()
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if c.pipeline != nil {
			if err := c.pipeline.SetState(gst.StateNull); err != nil {
				slog.Warn("stream: failed to stop pipeline", "error", err)
			}
		}
		slog.Info("stream: camera closed", "frames", c.frameCount.Load())
	})
	return nil
}

// Stats returns a snapshot of capture counters.
func (c *Camera) Stats() CameraStats {
	return CameraStats{
		Frames:    c.frameCount.Load(),
		BytesRead: c.bytesRead.Load(),
		Errors:    c.errors.Load(),
		Playing:   c.playing.Load(),
	}
}
