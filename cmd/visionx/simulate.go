package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// sensorLine is one line of the sensor board's telemetry protocol.
type sensorLine struct {
	D1CM float64 `json:"d1_cm"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Sats int     `json:"sats"`
}

// sensorSimulator produces plausible readings around a fixed location.
type sensorSimulator struct {
	rng *rand.Rand
}

func newSensorSimulator(seed uint64) *sensorSimulator {
	return &sensorSimulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *sensorSimulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (s *sensorSimulator) next() sensorLine {
	return sensorLine{
		D1CM: round(s.uniform(80, 250), 1),
		Lat:  round(23.18+s.uniform(-0.02, 0.02), 6),
		Lng:  round(72.62+s.uniform(-0.02, 0.02), 6),
		Sats: s.rng.IntN(13),
	}
}

// emit writes count lines (0 means until ctx ends), pausing interval
// between them.
func (s *sensorSimulator) emit(ctx context.Context, w io.Writer, interval time.Duration, count int) error {
	enc := json.NewEncoder(w)
	for i := 0; count == 0 || i < count; i++ {
		if err := enc.Encode(s.next()); err != nil {
			return fmt.Errorf("failed to write telemetry line: %w", err)
		}
		if count > 0 && i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		count    int
		seed     uint64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Emit simulated sensor board telemetry on stdout",
		Long: "Writes one JSON telemetry line per interval, for example:\n\n" +
			"  visionx simulate | visionx run --mock-serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			// stdout carries telemetry; logs go to stderr
			logCloser := opts.setupLogging(cfg, os.Stderr)
			defer logCloser.Close()

			if f, ok := cmd.OutOrStdout().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				slog.Warn("stdout is a terminal; pipe into 'visionx run --mock-serial'")
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}

			slog.Info("simulating sensor board", "interval", interval, "count", count)
			return newSensorSimulator(seed).emit(cmd.Context(), cmd.OutOrStdout(), interval, count)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "pause between lines")
	cmd.Flags().IntVar(&count, "count", 0, "number of lines to write (0 = until interrupted)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 = time based)")
	return cmd
}
