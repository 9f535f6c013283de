package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/care/visionx/internal/alert"
	"github.com/care/visionx/internal/config"
	"github.com/care/visionx/internal/detector"
	"github.com/care/visionx/internal/types"
)

const (
	drainPollInterval = 200 * time.Millisecond
	drainTimeout      = 30 * time.Second
)

// latencyStats summarizes a set of timing samples.
type latencyStats struct {
	Samples int
	Errors  int
	Mean    time.Duration
	StdDev  time.Duration
	Min     time.Duration
	Max     time.Duration
}

// calculateLatencyStats computes mean, population stddev, min and max.
func calculateLatencyStats(samples []time.Duration) latencyStats {
	n := len(samples)
	if n == 0 {
		return latencyStats{}
	}

	minD, maxD := samples[0], samples[0]
	var sum float64
	for _, s := range samples {
		sum += s.Seconds()
		minD = min(minD, s)
		maxD = max(maxD, s)
	}
	mean := sum / float64(n)

	var sumSquares float64
	for _, s := range samples {
		diff := s.Seconds() - mean
		sumSquares += diff * diff
	}
	stddev := math.Sqrt(sumSquares / float64(n))

	return latencyStats{
		Samples: n,
		Mean:    time.Duration(mean * float64(time.Second)),
		StdDev:  time.Duration(stddev * float64(time.Second)),
		Min:     minD,
		Max:     maxD,
	}
}

func newLatencyCmd(opts *rootOptions) *cobra.Command {
	var (
		frames   int
		messages int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Measure detection latency and speech queue drain time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logCloser := opts.setupLogging(cfg, os.Stderr)
			defer logCloser.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Measuring inference...")
			det := detector.New(ctx, detectorConfig(cfg))
			frame := types.BlankFrame(cfg.Camera.Width, cfg.Camera.Height)
			inf := measureDetection(ctx, det, frame, frames)
			det.Close()
			printLatency(out, "inference", inf)

			fmt.Fprintln(out, "Measuring speech queue...")
			queue := alert.New(newSpeaker(cfg, dryRun || cfg.TTS.DryRun), alert.Config{
				Capacity:     cfg.TTS.QueueMax,
				DedupeWindow: config.Seconds(cfg.TTS.DedupeS),
			})
			if err := queue.Start(); err != nil {
				return err
			}
			elapsed := measureQueueDrain(ctx, queue, messages)
			stopErr := queue.Stop(true)
			fmt.Fprintf(out, "  %s %d messages in %s\n",
				color.New(color.FgCyan).Sprint("speech:"), messages, elapsed.Round(time.Millisecond))
			return stopErr
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 10, "number of blank frames to detect on")
	cmd.Flags().IntVar(&messages, "messages", 2, "number of alerts to speak")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log alerts instead of playing audio")
	return cmd
}

// measureDetection times n detections on frame.
func measureDetection(ctx context.Context, det detector.Detector, frame types.Frame, n int) latencyStats {
	samples := make([]time.Duration, 0, n)
	errs := 0
	for i := 0; i < n && ctx.Err() == nil; i++ {
		start := time.Now()
		if _, err := det.Detect(ctx, frame); err != nil {
			errs++
			continue
		}
		samples = append(samples, time.Since(start))
	}
	stats := calculateLatencyStats(samples)
	stats.Errors = errs
	return stats
}

// measureQueueDrain submits n distinct alerts and returns the time until
// all of them were spoken or failed, bounded by drainTimeout.
func measureQueueDrain(ctx context.Context, q *alert.Queue, n int) time.Duration {
	start := time.Now()
	base := q.Stats()
	accepted := 0
	for i := 0; i < n; i++ {
		if q.Submit(fmt.Sprintf("Latency test %d", i+1), 10, fmt.Sprintf("lat_%d", i)) {
			accepted++
		}
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	deadline := time.After(drainTimeout)
	for {
		s := q.Stats()
		done := int((s.Spoken - base.Spoken) + (s.SpeakFailures - base.SpeakFailures))
		if done >= accepted {
			return time.Since(start)
		}
		select {
		case <-ctx.Done():
			return time.Since(start)
		case <-deadline:
			return time.Since(start)
		case <-ticker.C:
		}
	}
}

func printLatency(w io.Writer, label string, s latencyStats) {
	head := color.New(color.FgCyan).Sprintf("%s:", label)
	if s.Samples == 0 {
		fmt.Fprintf(w, "  %s %s (errors=%d)\n", head, color.New(color.FgRed).Sprint("no successful samples"), s.Errors)
		return
	}
	fmt.Fprintf(w, "  %s n=%d mean=%s stddev=%s min=%s max=%s errors=%d\n",
		head, s.Samples,
		s.Mean.Round(time.Microsecond),
		s.StdDev.Round(time.Microsecond),
		s.Min.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.Errors,
	)
}
