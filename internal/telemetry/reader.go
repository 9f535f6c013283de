package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/visionx/internal/types"
)

var (
	// ErrAlreadyStarted is returned by Start on a second call.
	ErrAlreadyStarted = errors.New("telemetry: reader already started")
	// ErrStopTimeout is returned by Stop when the read goroutine did not exit in time.
	ErrStopTimeout = errors.New("telemetry: reader stop timeout")
)

// maxLineBytes bounds a line without a newline before it is discarded.
const maxLineBytes = 64 * 1024

// Config configures a Reader.
type Config struct {
	// Ports are tried in order; the first that opens is used
	Ports []string
	// BaudRate for serial ports (default: 9600)
	BaudRate int
	// ReadTimeout for one serial read (default: 1s)
	ReadTimeout time.Duration
	// MockSerial skips serial entirely and reads from Substitute
	MockSerial bool
	// Substitute is the fallback line source (stdin in production)
	Substitute io.Reader
	// SerialIdle is the pause after an empty serial read (default: 10ms)
	SerialIdle time.Duration
	// SubstituteIdle is the pause after an empty substitute read (default: 50ms)
	SubstituteIdle time.Duration
	// Reconnect controls serial reopen attempts after a read error
	Reconnect ReconnectConfig
	// StopTimeout bounds Stop (default: 2s)
	StopTimeout time.Duration
	// Open opens a serial port; nil means OpenSerial
	Open OpenFunc
	// Now is the arrival clock; nil means time.Now
	Now func() time.Time
}

// Stats is a snapshot of reader counters.
type Stats struct {
	Source       string
	Lines        uint64
	Published    uint64
	Dropped      uint64
	DecodeErrors uint64
	Reconnects   uint64
	Pending      int
}

// Reader consumes newline-delimited text from a serial port or a
// substitute stream and publishes every embedded JSON object to an
// unbounded mailbox.
//
// Thread-safety:
//   - One goroutine reads; Poll and Drain may be called from any goroutine
//   - The mailbox never blocks the read loop
type Reader struct {
	cfg Config
	box mailbox

	mu         sync.Mutex
	src        io.Reader
	srcName    string
	serialPort string
	isSerial   bool

	lifeMu   sync.Mutex // guards started and cancel
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	lines        atomic.Uint64
	published    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
}

// New creates a Reader with defaults applied.
func New(cfg Config) *Reader {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.SerialIdle <= 0 {
		cfg.SerialIdle = 10 * time.Millisecond
	}
	if cfg.SubstituteIdle <= 0 {
		cfg.SubstituteIdle = 50 * time.Millisecond
	}
	if cfg.Reconnect.MaxRetries <= 0 && cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reader{
		cfg:     cfg,
		srcName: "none",
		done:    make(chan struct{}),
	}
}

// Start selects the input source and begins reading in the background.
//
// Source selection:
//  1. Unless MockSerial, try each port in order; first success wins
//  2. Otherwise fall back to Substitute (logged, not fatal)
//  3. With no Substitute the reader idles until stopped
func (r *Reader) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	if !r.cfg.MockSerial {
		for _, port := range r.cfg.Ports {
			if err := r.openSerial(port); err != nil {
				slog.Debug("telemetry: serial port unavailable", "port", port, "error", err)
				continue
			}
			break
		}
		if !r.isSerial {
			slog.Warn("telemetry: no serial port available, using substitute stream",
				"ports", r.cfg.Ports,
			)
		}
	}

	if !r.isSerial {
		r.mu.Lock()
		if r.cfg.Substitute != nil {
			r.src = r.cfg.Substitute
			r.srcName = "substitute"
		} else {
			slog.Warn("telemetry: no substitute stream configured, reader idle")
		}
		r.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(runCtx)

	slog.Info("telemetry reader started", "source", r.sourceName())
	return nil
}

func (r *Reader) openSerial(port string) error {
	rc, err := r.cfg.Open(port, r.cfg.BaudRate, r.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.src = rc
	r.srcName = "serial:" + port
	r.serialPort = port
	r.isSerial = true
	r.mu.Unlock()
	slog.Info("telemetry: serial port opened", "port", port, "baud", r.cfg.BaudRate)
	return nil
}

// run is the read loop.
//
// Empty reads (no bytes, or EOF on the substitute) sleep briefly. A read
// error on serial closes the port and reopens with backoff; when retries
// are exhausted the loop idles until stopped.
func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	defer r.closeSource()

	buf := make([]byte, 1024)
	var pending []byte
	attempts := 0

	for ctx.Err() == nil {
		src, serialSrc := r.current()
		if src == nil {
			r.idle(ctx, r.cfg.SerialIdle)
			continue
		}

		n, err := src.Read(buf)
		if n > 0 {
			pending = r.consume(append(pending, buf[:n]...))
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if serialSrc {
				slog.Warn("telemetry: serial read failed", "port", r.serialPort, "error", err)
				r.closeSource()
				pending = nil
				if rerr := reopenWithBackoff(ctx, func() error {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return r.openSerial(r.serialPort)
				}, r.cfg.Reconnect, &attempts); rerr != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Error("telemetry: giving up on serial port", "port", r.serialPort, "error", rerr)
					continue
				}
				r.reconnects.Add(1)
				continue
			}

			if errors.Is(err, io.EOF) && len(pending) > 0 {
				r.handleLine(pending)
				pending = nil
			} else if !errors.Is(err, io.EOF) {
				slog.Debug("telemetry: substitute read error", "error", err)
			}
			r.idle(ctx, r.cfg.SubstituteIdle)
			continue
		}

		if n == 0 {
			if serialSrc {
				r.idle(ctx, r.cfg.SerialIdle)
			} else {
				r.idle(ctx, r.cfg.SubstituteIdle)
			}
		}
	}
}

// consume handles every complete line in data and returns the remainder.
func (r *Reader) consume(data []byte) []byte {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		r.handleLine(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxLineBytes {
		r.dropped.Add(1)
		slog.Warn("telemetry: discarding oversized line", "bytes", len(data))
		return nil
	}
	return append([]byte(nil), data...)
}

func (r *Reader) handleLine(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	r.lines.Add(1)

	obj, err := ExtractObject(line)
	if err != nil {
		if errors.Is(err, ErrDecode) {
			r.decodeErrors.Add(1)
		} else {
			r.dropped.Add(1)
		}
		slog.Debug("telemetry: line dropped", "error", err)
		return
	}

	now := r.cfg.Now()
	obj[types.ArrivalField] = float64(now.UnixNano()) / 1e9
	r.box.publish(types.TelemetryMessage{Fields: obj, ArrivedAt: now})
	r.published.Add(1)
}

func (r *Reader) idle(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (r *Reader) current() (io.Reader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src, r.isSerial
}

func (r *Reader) closeSource() {
	r.mu.Lock()
	src := r.src
	r.src = nil
	r.mu.Unlock()

	if c, ok := src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Debug("telemetry: close source", "error", err)
		}
	}
}

func (r *Reader) sourceName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.srcName
}

// Poll returns the oldest pending message without blocking.
func (r *Reader) Poll() (types.TelemetryMessage, bool) {
	return r.box.poll()
}

// Drain returns all pending messages in arrival order.
func (r *Reader) Drain() []types.TelemetryMessage {
	return r.box.drain()
}

// Stop cancels the read loop, releases the source and waits up to
// StopTimeout for the goroutine to exit. A read already in progress is
// allowed to finish. Idempotent. A Stop racing Start waits for Start to
// finish.
func (r *Reader) Stop() error {
	r.lifeMu.Lock()
	cancel := r.cancel
	r.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}

	var err error
	r.stopOnce.Do(func() {
		cancel()
		r.closeSource()

		select {
		case <-r.done:
			slog.Info("telemetry reader stopped",
				"lines", r.lines.Load(),
				"published", r.published.Load(),
			)
		case <-time.After(r.cfg.StopTimeout):
			slog.Warn("telemetry reader stop timeout", "timeout", r.cfg.StopTimeout)
			err = ErrStopTimeout
		}
	})
	return err
}

// Stats returns a snapshot of reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Source:       r.sourceName(),
		Lines:        r.lines.Load(),
		Published:    r.published.Load(),
		Dropped:      r.dropped.Load(),
		DecodeErrors: r.decodeErrors.Load(),
		Reconnects:   r.reconnects.Load(),
		Pending:      r.box.len(),
	}
}
