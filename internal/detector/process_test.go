package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/visionx/internal/types"
)

// TestHelperProcess is not a real test. It is re-executed by the tests
// below as a fake detector speaking the framed msgpack protocol.
//
// Frame width selects the behavior: 1 hangs, 2 replies with an error,
// 3 exits, anything else returns one person detection.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("VISIONX_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	fmt.Fprintln(os.Stderr, "[WARNING] fake detector warming up")
	for {
		var req Request
		if err := ReadMessage(os.Stdin, &req); err != nil {
			return
		}
		switch req.Width {
		case 1:
			time.Sleep(time.Minute)
		case 2:
			WriteMessage(os.Stdout, Response{Error: "model not loaded", Meta: req.Meta})
		case 3:
			os.Exit(3)
		default:
			WriteMessage(os.Stdout, Response{
				Detections: []types.Detection{{
					Label:      "person",
					Confidence: 0.9,
					Box:        [4]int{10, 20, 100, 200},
				}},
				LatencyMS: 1.5,
				Meta:      req.Meta,
			})
		}
	}
}

func helperConfig() ProcessConfig {
	return ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     []string{"VISIONX_HELPER_PROCESS=1"},
		Timeout: 500 * time.Millisecond,
	}
}

func frameOfWidth(w int) types.Frame {
	return types.Frame{Seq: 7, Timestamp: time.Now(), Width: w, Height: 1, Data: make([]byte, w*3), TraceID: "trace-1"}
}

func TestProcessDetect(t *testing.T) {
	p := NewProcess(helperConfig())
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	dets, err := p.Detect(context.Background(), frameOfWidth(320))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-9)
	assert.Equal(t, [4]int{10, 20, 100, 200}, dets[0].Box)
	assert.Equal(t, 100, dets[0].Width())
	assert.Equal(t, 200, dets[0].Height())

	stats := p.Stats()
	assert.True(t, stats.Running)
	assert.EqualValues(t, 1, stats.Requests)
	assert.EqualValues(t, 1, stats.Detections)
}

func TestProcessErrorReply(t *testing.T) {
	p := NewProcess(helperConfig())
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	_, err := p.Detect(context.Background(), frameOfWidth(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	// the stream stays in sync after an error reply
	dets, err := p.Detect(context.Background(), frameOfWidth(320))
	require.NoError(t, err)
	assert.Len(t, dets, 1)
}

func TestProcessTimeoutKillsProcess(t *testing.T) {
	p := NewProcess(helperConfig())
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	start := time.Now()
	_, err := p.Detect(context.Background(), frameOfWidth(1))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = p.Detect(context.Background(), frameOfWidth(320))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.EqualValues(t, 1, p.Stats().Timeouts)
}

func TestProcessExitReportsNotReady(t *testing.T) {
	p := NewProcess(helperConfig())
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	_, err := p.Detect(context.Background(), frameOfWidth(3))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestProcessCloseIdempotent(t *testing.T) {
	p := NewProcess(helperConfig())
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Detect(context.Background(), frameOfWidth(320))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNewFallsBackToNoop(t *testing.T) {
	d := New(context.Background(), ProcessConfig{})
	assert.IsType(t, Noop{}, d)

	d = New(context.Background(), ProcessConfig{Command: "/nonexistent/detector"})
	assert.IsType(t, Noop{}, d)

	dets, err := d.Detect(context.Background(), frameOfWidth(320))
	assert.NoError(t, err)
	assert.Empty(t, dets)
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := Response{
		Detections: []types.Detection{{Label: "car", Confidence: 0.5, Box: [4]int{1, 2, 3, 4}}},
		Meta:       RequestMeta{Seq: 42},
	}
	require.NoError(t, WriteMessage(&buf, in))
	require.NoError(t, WriteMessage(&buf, Response{Error: "second"}))

	// 4-byte big-endian prefix matches body length
	raw := buf.Bytes()
	n := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	assert.Greater(t, n, 0)

	var first, second Response
	require.NoError(t, ReadMessage(&buf, &first))
	require.NoError(t, ReadMessage(&buf, &second))
	assert.Equal(t, "car", first.Detections[0].Label)
	assert.EqualValues(t, 42, first.Meta.Seq)
	assert.Equal(t, "second", second.Error)

	assert.ErrorIs(t, ReadMessage(&buf, &first), io.EOF)
}

func TestMessageTooLarge(t *testing.T) {
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	var resp Response
	err := ReadMessage(r, &resp)
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
}
