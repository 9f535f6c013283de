package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/visionx/internal/types"
)

// ProcessConfig configures an external detector process.
type ProcessConfig struct {
	Command     string        // executable, e.g. "models/run_detector.sh"
	Args        []string      // extra arguments
	Env         []string      // extra environment (KEY=VALUE)
	Confidence  float64       // score threshold sent with every request (default: 0.35)
	NMS         float64       // IoU threshold for non-max suppression (default: 0.35)
	Timeout     time.Duration // per-frame deadline (default: 2s)
	StopTimeout time.Duration // graceful exit window before kill (default: 2s)
}

// Stats is a snapshot of process detector counters.
type Stats struct {
	Running     bool
	Requests    uint64
	Detections  uint64
	Failures    uint64
	Timeouts    uint64
	LastLatency time.Duration
}

// Process manages a detector subprocess. Requests are serialized: one
// frame in flight at a time, matching the single orchestrator loop.
//
// Protocol (stdin/stdout, both directions):
//
//	[4 bytes big-endian length][msgpack body]
//
// stderr lines are forwarded to slog with level taken from "[ERROR]",
// "[WARNING]" markers.
type Process struct {
	cfg ProcessConfig

	mu     sync.Mutex // serializes Detect and guards the pipes
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exited chan struct{}

	running     atomic.Bool
	requests    atomic.Uint64
	detections  atomic.Uint64
	failures    atomic.Uint64
	timeouts    atomic.Uint64
	lastLatency atomic.Int64
}

// NewProcess creates a detector process with defaults applied. Call Start to spawn it.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.35
	}
	if cfg.NMS <= 0 {
		cfg.NMS = 0.35
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Process{cfg: cfg}
}

// Start spawns the subprocess.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cmd = exec.CommandContext(p.ctx, p.cfg.Command, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		p.cmd.Env = append(p.cmd.Environ(), p.cfg.Env...)
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.cancel()
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	p.stdin = stdin
	p.stdout = bufio.NewReaderSize(stdout, 64*1024)
	p.exited = make(chan struct{})
	p.running.Store(true)

	slog.Info("detector process spawned",
		"command", p.cfg.Command,
		"pid", p.cmd.Process.Pid,
	)

	p.wg.Add(2)
	go p.logStderr(stderr)
	go p.waitProcess()

	return nil
}

// Detect sends one frame and waits for the result.
//
// On timeout the process is killed: a late reply would desynchronize the
// stream, so the detector is unusable until restarted.
func (p *Process) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return nil, ErrNotReady
	}

	req := Request{
		FrameData:  frame.Data,
		Width:      frame.Width,
		Height:     frame.Height,
		Confidence: p.cfg.Confidence,
		NMS:        p.cfg.NMS,
		Meta: RequestMeta{
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	p.requests.Add(1)
	start := time.Now()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if err := WriteMessage(p.stdin, req); err != nil {
			r.err = err
		} else {
			r.err = ReadMessage(p.stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			p.failures.Add(1)
			if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) || errors.Is(r.err, os.ErrClosed) {
				p.running.Store(false)
				return nil, fmt.Errorf("%w: process closed stdout", ErrNotReady)
			}
			return nil, r.err
		}
		if r.resp.Error != "" {
			p.failures.Add(1)
			return nil, fmt.Errorf("detector: process error: %s", r.resp.Error)
		}

		latency := time.Since(start)
		p.lastLatency.Store(int64(latency))
		p.detections.Add(uint64(len(r.resp.Detections)))
		slog.Debug("detection completed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"detections", len(r.resp.Detections),
			"latency", latency,
			"model_latency_ms", r.resp.LatencyMS,
		)
		return r.resp.Detections, nil

	case <-timer.C:
		p.timeouts.Add(1)
		slog.Warn("detector timeout, killing process (may be hung)",
			"timeout", p.cfg.Timeout,
			"seq", frame.Seq,
		)
		p.kill()
		return nil, ErrTimeout

	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}
}

// kill terminates the process; the I/O goroutine unblocks on pipe close.
func (p *Process) kill() {
	p.running.Store(false)
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			slog.Debug("detector kill", "error", err)
		}
	}
}

func (p *Process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("detector process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("detector process warning", "log", line)
		default:
			slog.Debug("detector process log", "log", line)
		}
	}
}

func (p *Process) waitProcess() {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()
	p.running.Store(false)

	select {
	case <-p.ctx.Done():
		slog.Debug("detector process exited (shutdown)", "pid", p.cmd.Process.Pid)
	default:
		if err != nil {
			slog.Error("detector process exited unexpectedly",
				"pid", p.cmd.Process.Pid,
				"error", err,
			)
		} else {
			slog.Info("detector process exited", "pid", p.cmd.Process.Pid)
		}
	}
}

// Close asks the process to exit by closing stdin, then kills it after
// StopTimeout. Idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	exited := p.exited
	p.stdin = nil
	p.mu.Unlock()

	if cmd == nil || stdin == nil {
		return nil
	}

	p.running.Store(false)
	stdin.Close()

	select {
	case <-exited:
	case <-time.After(p.cfg.StopTimeout):
		slog.Warn("detector stop timeout, force killing process")
		if err := cmd.Process.Kill(); err != nil {
			slog.Error("failed to kill detector process", "error", err)
		}
	}
	p.cancel()
	p.wg.Wait()

	slog.Info("detector stopped",
		"requests", p.requests.Load(),
		"detections", p.detections.Load(),
		"failures", p.failures.Load(),
	)
	return nil
}

// Stats returns a snapshot of counters.
func (p *Process) Stats() Stats {
	return Stats{
		Running:     p.running.Load(),
		Requests:    p.requests.Load(),
		Detections:  p.detections.Load(),
		Failures:    p.failures.Load(),
		Timeouts:    p.timeouts.Load(),
		LastLatency: time.Duration(p.lastLatency.Load()),
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
