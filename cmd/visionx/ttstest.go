package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/care/visionx/internal/alert"
	"github.com/care/visionx/internal/config"
)

// queueProbe is one scripted submission.
type queueProbe struct {
	text     string
	priority int
	key      string
	pause    time.Duration // wait before submitting
}

// queueScript exercises priority ordering and dedupe of a repeated key.
var queueScript = []queueProbe{
	{text: "Low priority", priority: 10, key: "p_low"},
	{text: "High priority", priority: 100, key: "p_high"},
	{text: "Low duplicate", priority: 10, key: "dup", pause: 200 * time.Millisecond},
	{text: "Low duplicate", priority: 10, key: "dup", pause: 100 * time.Millisecond},
}

func newTTSTestCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tts-test",
		Short: "Exercise the alert queue with a scripted sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logCloser := opts.setupLogging(cfg, os.Stderr)
			defer logCloser.Close()

			queue := alert.New(newSpeaker(cfg, dryRun || cfg.TTS.DryRun), alert.Config{
				Capacity:     cfg.TTS.QueueMax,
				DedupeWindow: config.Seconds(cfg.TTS.DedupeS),
			})
			if err := queue.Start(); err != nil {
				return err
			}
			return runQueueScript(cmd.Context(), cmd.OutOrStdout(), queue, queueScript, wait)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log alerts instead of playing audio")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "time to let the queue drain before stopping")
	return cmd
}

// runQueueScript submits each probe, reports the outcome, waits for the
// queue to drain and stops it.
func runQueueScript(ctx context.Context, w io.Writer, q *alert.Queue, script []queueProbe, wait time.Duration) error {
	accepted := color.New(color.FgGreen).Sprint("accepted")
	rejected := color.New(color.FgYellow).Sprint("rejected")

	for _, p := range script {
		if p.pause > 0 {
			select {
			case <-ctx.Done():
				return q.Stop(false)
			case <-time.After(p.pause):
			}
		}
		outcome := rejected
		if q.Submit(p.text, p.priority, p.key) {
			outcome = accepted
		}
		fmt.Fprintf(w, "  %-14s priority=%-3d key=%-6s %s\n", p.text, p.priority, p.key, outcome)
	}

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
	err := q.Stop(true)

	s := q.Stats()
	fmt.Fprintf(w, "\nspoken=%d failures=%d dedupe_rejects=%d discarded=%d\n",
		s.Spoken, s.SpeakFailures, s.RejectedDedupe, s.Discarded)
	fmt.Fprintln(w, color.New(color.FgGreen).Sprint("queue test done"))
	return err
}
