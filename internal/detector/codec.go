package detector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/visionx/internal/types"
)

// MaxMessageBytes bounds one framed message (a 1080p RGB frame is ~6 MiB).
const MaxMessageBytes = 32 << 20

// ErrMessageTooLarge is returned when a length prefix exceeds MaxMessageBytes.
var ErrMessageTooLarge = errors.New("detector: message too large")

// Request is sent to the detector process for every frame.
type Request struct {
	FrameData  []byte      `msgpack:"frame_data"`
	Width      int         `msgpack:"width"`
	Height     int         `msgpack:"height"`
	Confidence float64     `msgpack:"confidence"`
	NMS        float64     `msgpack:"nms"`
	Meta       RequestMeta `msgpack:"meta"`
}

// RequestMeta is echoed back by the process for correlation.
type RequestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

// Response is one detection result.
type Response struct {
	Detections []types.Detection `msgpack:"detections"`
	Error      string            `msgpack:"error,omitempty"`
	LatencyMS  float64           `msgpack:"latency_ms"`
	Meta       RequestMeta       `msgpack:"meta"`
}

// WriteMessage writes v as a 4-byte big-endian length prefix followed by msgpack.
func WriteMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(data) > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
