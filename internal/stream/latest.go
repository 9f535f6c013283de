package stream

import (
	"sync"

	"github.com/care/visionx/internal/types"
)

// latestFrame keeps only the newest frame. The GStreamer callback
// overwrites it; Capture reads it without blocking.
type latestFrame struct {
	mu     sync.RWMutex
	frame  *types.Frame
	seq    uint64
	closed bool
}

func (h *latestFrame) set(frame types.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.frame = &frame
	h.seq++
	return nil
}

// get returns the newest frame and how many frames were set in total.
func (h *latestFrame) get() (types.Frame, uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return types.Frame{}, h.seq, ErrClosed
	}
	if h.frame == nil {
		return types.Frame{}, 0, ErrNoFrame
	}
	return *h.frame, h.seq, nil
}

func (h *latestFrame) close() {
	h.mu.Lock()
	h.closed = true
	h.frame = nil
	h.mu.Unlock()
}
