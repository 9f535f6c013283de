package alert

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStopTimeout is returned by Stop when the worker did not exit in time.
	ErrStopTimeout = errors.New("alert: worker stop timeout")
	// ErrAlreadyStarted is returned by Start on a second call.
	ErrAlreadyStarted = errors.New("alert: queue already started")
)

// Speaker renders alert text. Implementations may block for the
// duration of the utterance; the queue calls Speak from a single
// goroutine and never while holding its lock.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Config holds queue tunables.
type Config struct {
	// Capacity is the maximum number of pending requests (default: 20)
	Capacity int
	// DedupeWindow suppresses a key for this long after it was last spoken,
	// and while it is pending or being spoken (default: 5s)
	DedupeWindow time.Duration
	// StopTimeout bounds Stop(wait=true) (default: 2s)
	StopTimeout time.Duration
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     20,
		DedupeWindow: 5 * time.Second,
		StopTimeout:  2 * time.Second,
	}
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pending          int
	Submitted        uint64
	Accepted         uint64
	RejectedDedupe   uint64
	RejectedCapacity uint64
	RejectedStopped  uint64
	Evicted          uint64
	Spoken           uint64
	SpeakFailures    uint64
	Discarded        uint64
}

// Queue is a bounded, priority-ordered, deduplicating alert queue with a
// single background speaking worker.
//
// Thread-safety:
//   - Submit, Len, Stats and Stop are safe for concurrent use
//   - heap and lastSpoken are guarded by mu; Speak runs outside mu
type Queue struct {
	cfg     Config
	speaker Speaker

	mu         sync.Mutex
	cond       *sync.Cond
	items      requestHeap
	lastSpoken map[string]time.Time
	inflight   map[string]int // keys pending or being spoken
	seq        uint64
	stopping   bool
	started    bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	submitted        atomic.Uint64
	accepted         atomic.Uint64
	rejectedDedupe   atomic.Uint64
	rejectedCapacity atomic.Uint64
	rejectedStopped  atomic.Uint64
	evicted          atomic.Uint64
	spoken           atomic.Uint64
	speakFailures    atomic.Uint64
	discarded        atomic.Uint64
}

// New creates a queue. The worker is not running until Start is called,
// so requests submitted before Start are ordered but not yet spoken.
func New(speaker Speaker, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DedupeWindow < 0 {
		cfg.DedupeWindow = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		speaker:    speaker,
		items:      make(requestHeap, 0, cfg.Capacity),
		lastSpoken: make(map[string]time.Time),
		inflight:   make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the speaking worker.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true

	go q.run()

	slog.Info("alert queue started",
		"capacity", q.cfg.Capacity,
		"dedupe_window", q.cfg.DedupeWindow,
	)
	return nil
}

// Submit enqueues an alert. An empty dedupeKey defaults to text.
//
// Algorithm:
//  1. Lock
//  2. Reject if the key was spoken less than DedupeWindow ago, or is
//     still pending or being spoken (window > 0 only)
//  3. If full: reject unless priority > current minimum, else evict one minimum item
//  4. Assign Seq, push, Signal the worker
//  5. Unlock
//
// Returns false when the request was rejected; a rejection has no side effect.
func (q *Queue) Submit(text string, priority int, dedupeKey string) bool {
	if dedupeKey == "" {
		dedupeKey = text
	}
	q.submitted.Add(1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		q.rejectedStopped.Add(1)
		return false
	}

	now := q.cfg.Now()
	if last, ok := q.lastSpoken[dedupeKey]; ok && now.Sub(last) < q.cfg.DedupeWindow {
		q.rejectedDedupe.Add(1)
		slog.Debug("alert rejected: dedupe window",
			"key", dedupeKey,
			"since_last", now.Sub(last),
		)
		return false
	}
	if q.cfg.DedupeWindow > 0 && q.inflight[dedupeKey] > 0 {
		q.rejectedDedupe.Add(1)
		slog.Debug("alert rejected: key already queued", "key", dedupeKey)
		return false
	}

	if len(q.items) >= q.cfg.Capacity {
		idx := q.items.minIndex()
		victim := q.items[idx]
		if priority <= victim.Priority {
			q.rejectedCapacity.Add(1)
			slog.Debug("alert rejected: queue full",
				"key", dedupeKey,
				"priority", priority,
				"min_priority", victim.Priority,
			)
			return false
		}
		heap.Remove(&q.items, idx)
		q.release(victim.DedupeKey)
		q.evicted.Add(1)
		slog.Debug("alert evicted",
			"id", victim.ID,
			"key", victim.DedupeKey,
			"priority", victim.Priority,
		)
	}

	q.seq++
	req := &Request{
		ID:          uuid.New().String(),
		Text:        text,
		Priority:    priority,
		DedupeKey:   dedupeKey,
		SubmittedAt: now,
		Seq:         q.seq,
	}
	heap.Push(&q.items, req)
	q.inflight[dedupeKey]++
	q.accepted.Add(1)
	q.cond.Signal()

	slog.Debug("alert accepted",
		"id", req.ID,
		"key", dedupeKey,
		"priority", priority,
		"pending", len(q.items),
	)
	return true
}

// run is the worker loop. It blocks on cond while the heap is empty.
func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.stopping {
			n := len(q.items)
			for _, r := range q.items {
				q.release(r.DedupeKey)
			}
			q.items = q.items[:0]
			q.mu.Unlock()
			if n > 0 {
				q.discarded.Add(uint64(n))
				slog.Info("alert queue discarded pending alerts", "count", n)
			}
			return
		}
		req := heap.Pop(&q.items).(*Request)
		q.mu.Unlock()

		q.speak(req)

		q.mu.Lock()
		now := q.cfg.Now()
		if prev, ok := q.lastSpoken[req.DedupeKey]; !ok || now.After(prev) {
			q.lastSpoken[req.DedupeKey] = now
		}
		q.release(req.DedupeKey)
		q.mu.Unlock()
	}
}

// release drops one in-flight reference to key. Caller holds mu.
func (q *Queue) release(key string) {
	if n := q.inflight[key]; n > 1 {
		q.inflight[key] = n - 1
	} else {
		delete(q.inflight, key)
	}
}

// speak invokes the speaker, absorbing errors and panics.
func (q *Queue) speak(req *Request) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("speaker panic: %v", r)
			}
		}()
		return q.speaker.Speak(q.ctx, req.Text)
	}()

	if err != nil {
		q.speakFailures.Add(1)
		slog.Warn("speech failed",
			"id", req.ID,
			"key", req.DedupeKey,
			"error", err,
		)
		return
	}

	q.spoken.Add(1)
	slog.Info("alert spoken",
		"id", req.ID,
		"text", req.Text,
		"priority", req.Priority,
		"queued_for", start.Sub(req.SubmittedAt),
		"duration", time.Since(start),
	)
}

// Stop signals the worker to exit after its current item. Pending
// requests are discarded and later Submits are rejected. With wait set,
// Stop blocks until the worker exits or StopTimeout elapses; on timeout
// the speaker context is cancelled and ErrStopTimeout returned.
//
// Idempotent: calls after the first return nil immediately.
func (q *Queue) Stop(wait bool) error {
	var err error
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		started := q.started
		q.cond.Broadcast()
		q.mu.Unlock()

		if !started {
			q.cancel()
			return
		}
		if !wait {
			return
		}

		select {
		case <-q.done:
			slog.Info("alert queue stopped", "spoken", q.spoken.Load())
		case <-time.After(q.cfg.StopTimeout):
			slog.Warn("alert queue stop timeout, cancelling speech", "timeout", q.cfg.StopTimeout)
			err = ErrStopTimeout
		}
		q.cancel()
	})
	return err
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LastSpoken returns when key was last spoken and whether it ever was.
func (q *Queue) LastSpoken(key string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.lastSpoken[key]
	return t, ok
}

// Pending returns a copy of pending requests in dequeue order.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	cp := make(requestHeap, len(q.items))
	for i, r := range q.items {
		c := *r
		cp[i] = &c
	}
	q.mu.Unlock()

	out := make([]Request, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*Request))
	}
	return out
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pending:          q.Len(),
		Submitted:        q.submitted.Load(),
		Accepted:         q.accepted.Load(),
		RejectedDedupe:   q.rejectedDedupe.Load(),
		RejectedCapacity: q.rejectedCapacity.Load(),
		RejectedStopped:  q.rejectedStopped.Load(),
		Evicted:          q.evicted.Load(),
		Spoken:           q.spoken.Load(),
		SpeakFailures:    q.speakFailures.Load(),
		Discarded:        q.discarded.Load(),
	}
}
