package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSpeaker records spoken text and signals each utterance.
type recordingSpeaker struct {
	mu     sync.Mutex
	spoken []string
	calls  chan string
	delay  time.Duration
	err    error
}

func newRecordingSpeaker() *recordingSpeaker {
	return &recordingSpeaker{calls: make(chan string, 64)}
}

func (s *recordingSpeaker) Speak(ctx context.Context, text string) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	s.calls <- text
	return s.err
}

func (s *recordingSpeaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitSpoken(t *testing.T, s *recordingSpeaker, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.calls:
		case <-deadline:
			t.Fatalf("timeout waiting for %d utterances, got %v", n, s.Spoken())
		}
	}
	return s.Spoken()
}

// waitLastSpoken waits until the worker records key after speaking.
func waitLastSpoken(t *testing.T, q *Queue, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := q.LastSpoken(key); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key %q never recorded as spoken", key)
}

// TestHigherPrioritySpokenFirst: p_low (10) then p_high (100), both queued
// before the worker starts, p_high is spoken first.
func TestHigherPrioritySpokenFirst(t *testing.T) {
	speaker := newRecordingSpeaker()
	q := New(speaker, DefaultConfig())
	defer q.Stop(true)

	if !q.Submit("low", 10, "p_low") {
		t.Fatal("p_low rejected")
	}
	if !q.Submit("high", 100, "p_high") {
		t.Fatal("p_high rejected")
	}

	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	got := waitSpoken(t, speaker, 2)
	if got[0] != "high" || got[1] != "low" {
		t.Errorf("spoken order = %v, want [high low]", got)
	}

	t.Logf("✅ priority order: %v", got)
}

// TestDuplicateRejectedWithinWindow: "X" with key dup twice within one
// second under a 5s window, the second submission is rejected.
func TestDuplicateRejectedWithinWindow(t *testing.T) {
	clock := newFakeClock()
	speaker := newRecordingSpeaker()
	q := New(speaker, Config{Capacity: 20, DedupeWindow: 5 * time.Second, Now: clock.Now})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	if !q.Submit("X", 50, "dup") {
		t.Fatal("first submission rejected")
	}
	waitSpoken(t, speaker, 1)
	waitLastSpoken(t, q, "dup")

	clock.Advance(500 * time.Millisecond)
	if q.Submit("X", 50, "dup") {
		t.Fatal("second submission within window accepted")
	}

	stats := q.Stats()
	if stats.RejectedDedupe != 1 {
		t.Errorf("RejectedDedupe = %d, want 1", stats.RejectedDedupe)
	}

	t.Logf("✅ duplicate rejected: %+v", stats)
}

// TestDuplicateRejectedWhileQueued: the first "X" is still waiting behind
// a busy speaker when the second arrives; only one "X" is ever spoken.
func TestDuplicateRejectedWhileQueued(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.delay = 200 * time.Millisecond
	q := New(speaker, Config{Capacity: 20, DedupeWindow: 5 * time.Second})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	if !q.Submit("busy", 50, "busy") {
		t.Fatal("busy rejected")
	}
	if !q.Submit("X", 50, "dup") {
		t.Fatal("first submission rejected")
	}
	time.Sleep(100 * time.Millisecond)
	if q.Submit("X", 50, "dup") {
		t.Fatal("second submission accepted while the first is pending")
	}

	waitSpoken(t, speaker, 2)
	time.Sleep(250 * time.Millisecond) // room for a stray third utterance
	got := speaker.Spoken()
	if len(got) != 2 || got[0] != "busy" || got[1] != "X" {
		t.Errorf("spoken = %v, want [busy X]", got)
	}
	if r := q.Stats().RejectedDedupe; r != 1 {
		t.Errorf("RejectedDedupe = %d, want 1", r)
	}

	t.Logf("✅ pending duplicate rejected: %v", got)
}

// TestDuplicateRejectedWhileSpeaking: a key is held from dequeue until
// its utterance completes.
func TestDuplicateRejectedWhileSpeaking(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.delay = 150 * time.Millisecond
	q := New(speaker, Config{DedupeWindow: 5 * time.Second})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	q.Submit("X", 50, "dup")
	time.Sleep(50 * time.Millisecond) // worker is inside Speak("X")
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 while speaking", q.Len())
	}
	if q.Submit("X", 50, "dup") {
		t.Fatal("submission accepted while the same key is being spoken")
	}
}

// TestEvictedKeyCanBeResubmitted verifies eviction releases the key.
func TestEvictedKeyCanBeResubmitted(t *testing.T) {
	q := New(newRecordingSpeaker(), Config{Capacity: 2, DedupeWindow: 5 * time.Second})
	defer q.Stop(false)

	q.Submit("a", 10, "a")
	q.Submit("b", 10, "b")
	if !q.Submit("urgent", 90, "urgent") {
		t.Fatal("urgent rejected")
	}
	if q.Submit("a again", 60, "a") {
		t.Fatal("key a is still queued and must be rejected")
	}
	if !q.Submit("b again", 50, "b") {
		t.Fatal("evicted key still treated as queued")
	}
}

// TestDedupeWindowAnchoredToSpeech verifies repeated submissions during the
// window do not extend it, and a submission after the window is accepted.
func TestDedupeWindowAnchoredToSpeech(t *testing.T) {
	clock := newFakeClock()
	speaker := newRecordingSpeaker()
	q := New(speaker, Config{DedupeWindow: 5 * time.Second, Now: clock.Now})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	q.Submit("X", 50, "dup")
	waitSpoken(t, speaker, 1)
	waitLastSpoken(t, q, "dup")

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		if q.Submit("X", 50, "dup") {
			t.Fatalf("submission %d inside window accepted", i)
		}
	}

	clock.Advance(time.Second) // 5s since speech
	if !q.Submit("X", 50, "dup") {
		t.Fatal("submission after window rejected")
	}
	waitSpoken(t, speaker, 1)

	t.Logf("✅ window anchored to last spoken")
}

// TestEmptyKeyDefaultsToText verifies dedupe on text when no key is given.
func TestEmptyKeyDefaultsToText(t *testing.T) {
	clock := newFakeClock()
	speaker := newRecordingSpeaker()
	q := New(speaker, Config{DedupeWindow: 5 * time.Second, Now: clock.Now})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	q.Submit("hello", 50, "")
	waitSpoken(t, speaker, 1)
	waitLastSpoken(t, q, "hello")

	if q.Submit("hello", 50, "") {
		t.Error("same text without key accepted inside window")
	}
	if !q.Submit("other", 50, "") {
		t.Error("different text rejected")
	}
}

// TestCapacityEviction covers the priority-eviction rule at capacity.
func TestCapacityEviction(t *testing.T) {
	tests := []struct {
		name         string
		existing     []int
		priority     int
		wantAccepted bool
		wantEvicted  int // priority of the removed item, -1 if none
	}{
		{"lower rejected", []int{50, 60, 70}, 40, false, -1},
		{"tie with min rejected", []int{50, 60, 70}, 50, false, -1},
		{"strictly higher evicts min", []int{50, 60, 70}, 51, true, 50},
		{"highest evicts min", []int{10, 10, 90}, 100, true, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(newRecordingSpeaker(), Config{Capacity: len(tt.existing)})
			defer q.Stop(false)

			for i, p := range tt.existing {
				if !q.Submit("msg", p, string(rune('a'+i))) {
					t.Fatalf("setup submit %d rejected", i)
				}
			}
			before := q.Pending()

			got := q.Submit("new", tt.priority, "new")
			if got != tt.wantAccepted {
				t.Fatalf("Submit() = %v, want %v", got, tt.wantAccepted)
			}

			after := q.Pending()
			if len(after) != len(tt.existing) {
				t.Fatalf("size = %d, want %d", len(after), len(tt.existing))
			}

			if !tt.wantAccepted {
				for i := range before {
					if before[i].ID != after[i].ID {
						t.Fatalf("queue changed after rejection")
					}
				}
				return
			}

			removed := 0
			for _, b := range before {
				found := false
				for _, a := range after {
					if a.ID == b.ID {
						found = true
						break
					}
				}
				if !found {
					removed++
					if b.Priority != tt.wantEvicted {
						t.Errorf("evicted priority %d, want %d", b.Priority, tt.wantEvicted)
					}
				}
			}
			if removed != 1 {
				t.Errorf("removed %d items, want 1", removed)
			}
		})
	}
}

// TestEvictionKeepsOlderEqualPriority verifies the newest minimum item is
// the one evicted when several share the minimum priority.
func TestEvictionKeepsOlderEqualPriority(t *testing.T) {
	q := New(newRecordingSpeaker(), Config{Capacity: 2})
	defer q.Stop(false)

	q.Submit("first", 10, "first")
	q.Submit("second", 10, "second")
	q.Submit("urgent", 90, "urgent")

	pending := q.Pending()
	if len(pending) != 2 || pending[0].Text != "urgent" || pending[1].Text != "first" {
		t.Errorf("pending = %+v, want [urgent first]", pending)
	}
}

// TestFIFOTieBreak verifies equal priorities dequeue in submission order.
func TestFIFOTieBreak(t *testing.T) {
	speaker := newRecordingSpeaker()
	q := New(speaker, DefaultConfig())
	defer q.Stop(true)

	texts := []string{"one", "two", "three", "four", "five"}
	for _, s := range texts {
		q.Submit(s, 50, s)
	}
	q.Submit("urgent", 80, "urgent")

	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	got := waitSpoken(t, speaker, len(texts)+1)

	want := append([]string{"urgent"}, texts...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	t.Logf("✅ FIFO among equal priority: %v", got)
}

// TestSpeakerFailureDoesNotStallQueue verifies errors are absorbed and the
// key is still recorded as spoken.
func TestSpeakerFailureDoesNotStallQueue(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.err = errors.New("audio device busy")
	q := New(speaker, DefaultConfig())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	q.Submit("a", 50, "a")
	q.Submit("b", 50, "b")
	waitSpoken(t, speaker, 2)
	waitLastSpoken(t, q, "b")

	if f := q.Stats().SpeakFailures; f != 2 {
		t.Errorf("SpeakFailures = %d, want 2", f)
	}
	if q.Submit("a", 50, "a") {
		t.Error("key accepted right after failed speech")
	}
}

type panicSpeaker struct{ calls chan struct{} }

func (p *panicSpeaker) Speak(context.Context, string) error {
	p.calls <- struct{}{}
	panic("boom")
}

// TestSpeakerPanicRecovered verifies a panicking speaker does not kill the worker.
func TestSpeakerPanicRecovered(t *testing.T) {
	sp := &panicSpeaker{calls: make(chan struct{}, 4)}
	q := New(sp, DefaultConfig())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer q.Stop(true)

	q.Submit("a", 50, "a")
	q.Submit("b", 50, "b")

	for i := 0; i < 2; i++ {
		select {
		case <-sp.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker stopped after panic (calls=%d)", i)
		}
	}
}

// TestStopIdempotentAndBounded verifies repeated Stop and rejection after stop.
func TestStopIdempotentAndBounded(t *testing.T) {
	speaker := newRecordingSpeaker()
	q := New(speaker, DefaultConfig())
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	start := time.Now()
	if err := q.Stop(true); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := q.Stop(true); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}

	if q.Submit("late", 100, "late") {
		t.Error("Submit accepted after Stop")
	}
}

// TestStopLetsCurrentSpeechFinish verifies the in-flight item completes and
// pending items are discarded.
func TestStopLetsCurrentSpeechFinish(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.delay = 100 * time.Millisecond
	q := New(speaker, DefaultConfig())

	q.Submit("first", 90, "first")
	q.Submit("second", 10, "second")
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // worker is inside Speak("first")

	if err := q.Stop(true); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	got := speaker.Spoken()
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("spoken = %v, want [first]", got)
	}
	if d := q.Stats().Discarded; d != 1 {
		t.Errorf("Discarded = %d, want 1", d)
	}
}

// TestStopTimeout verifies Stop returns after StopTimeout with a hung speaker.
func TestStopTimeout(t *testing.T) {
	speaker := newRecordingSpeaker()
	speaker.delay = 10 * time.Second
	q := New(speaker, Config{StopTimeout: 50 * time.Millisecond})
	q.Submit("slow", 50, "slow")
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	err := q.Stop(true)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop() = %v, want ErrStopTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
}

// TestConcurrentSubmitRespectsCapacity hammers Submit from many goroutines.
func TestConcurrentSubmitRespectsCapacity(t *testing.T) {
	q := New(newRecordingSpeaker(), Config{Capacity: 8})
	defer q.Stop(false)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Submit("x", (g*100+i)%37, string(rune('A'+g))+string(rune(i)))
				if n := q.Len(); n > 8 {
					t.Errorf("Len() = %d exceeds capacity", n)
				}
			}
		}(g)
	}
	wg.Wait()

	s := q.Stats()
	if s.Accepted-s.Evicted != uint64(s.Pending) {
		t.Errorf("accepted(%d) - evicted(%d) != pending(%d)", s.Accepted, s.Evicted, s.Pending)
	}
	t.Logf("✅ concurrent submits: %+v", s)
}
