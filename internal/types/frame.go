package types

import "time"

// Frame represents a single camera frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels (Width*Height*3 bytes)
	Data []byte
	// Source identifies where the frame came from (camera, blank)
	Source string
	// TraceID correlates the frame across detection and snapshot logs
	TraceID string
}

// BlankFrame returns an all-black RGB frame of the given size.
// Used when no camera is available so the loop keeps its cadence.
func BlankFrame(width, height int) Frame {
	return Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      make([]byte, width*height*3),
		Source:    "blank",
	}
}

// Valid reports whether Data matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}
