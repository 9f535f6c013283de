// Package speech renders alert text as audio.
package speech

import (
	"context"
	"log/slog"
	"os/exec"
)

// Speaker renders one utterance, blocking until it is done.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Options selects a speaker implementation.
type Options struct {
	DryRun bool
	ESpeak ESpeakConfig
}

// New returns the espeak renderer, or DryRun when requested or when
// espeak-ng is not installed.
func New(opts Options) Speaker {
	if opts.DryRun {
		slog.Info("speech: dry run enabled")
		return &DryRun{}
	}
	e := NewESpeak(opts.ESpeak)
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		slog.Warn("speech: synthesizer not found, falling back to dry run",
			"binary", e.cfg.Binary,
			"error", err,
		)
		return &DryRun{}
	}
	return e
}
