package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DryRun logs alerts instead of playing audio. Delay simulates
// utterance length so queue timing stays realistic.
type DryRun struct {
	Delay time.Duration

	mu     sync.Mutex
	spoken []string
}

// Speak logs text and waits Delay.
func (d *DryRun) Speak(ctx context.Context, text string) error {
	slog.Info("speech (dry run)", "text", text)

	d.mu.Lock()
	d.spoken = append(d.spoken, text)
	d.mu.Unlock()

	if d.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(d.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spoken returns everything passed to Speak so far.
func (d *DryRun) Spoken() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.spoken...)
}
