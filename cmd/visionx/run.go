package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/care/visionx/internal/alert"
	"github.com/care/visionx/internal/config"
	"github.com/care/visionx/internal/core"
	"github.com/care/visionx/internal/detector"
	"github.com/care/visionx/internal/eventlog"
	"github.com/care/visionx/internal/metrics"
	"github.com/care/visionx/internal/snapshot"
	"github.com/care/visionx/internal/speech"
	"github.com/care/visionx/internal/stream"
	"github.com/care/visionx/internal/telemetry"
)

const (
	snapshotQuality = 90
	statsInterval   = 10 * time.Second
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var mockSerial bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the alerting pipeline",
		Long: "Reads sensor telemetry (serial, or stdin with --mock-serial), detects objects\n" +
			"in camera frames and speaks distance alerts. Stops on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), opts, mockSerial)
		},
	}
	cmd.Flags().BoolVar(&mockSerial, "mock-serial", false, "read telemetry lines from stdin instead of the serial ports")
	return cmd
}

func runService(ctx context.Context, opts *rootOptions, mockSerial bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logCloser := opts.setupLogging(cfg, os.Stdout)
	defer logCloser.Close()

	slog.Info("starting visionx",
		"version", version,
		"config", opts.configPath,
		"mock_serial", mockSerial,
		"out_dir", cfg.Paths.OutDir,
	)

	if err := os.MkdirAll(cfg.Paths.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Speech worker
	speaker := newSpeaker(cfg, cfg.TTS.DryRun)
	queue := alert.New(speaker, alert.Config{
		Capacity:     cfg.TTS.QueueMax,
		DedupeWindow: config.Seconds(cfg.TTS.DedupeS),
		StopTimeout:  2 * time.Second,
	})
	if err := queue.Start(); err != nil {
		return fmt.Errorf("failed to start alert queue: %w", err)
	}

	// Telemetry reader
	if !mockSerial {
		if ports, err := telemetry.ListPorts(); err == nil {
			slog.Debug("serial ports detected", "ports", ports)
		}
	}
	reader := telemetry.New(telemetry.Config{
		Ports:       cfg.Serial.Ports,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: config.Seconds(cfg.Serial.ReadTimeoutS),
		MockSerial:  mockSerial,
		Substitute:  os.Stdin,
	})
	if err := reader.Start(ctx); err != nil {
		queue.Stop(false)
		return fmt.Errorf("failed to start telemetry reader: %w", err)
	}

	frames := stream.Open(ctx, stream.Config{
		Enabled:  cfg.Camera.Enabled,
		Device:   cfg.Camera.Device,
		Width:    cfg.Camera.Width,
		Height:   cfg.Camera.Height,
		FPS:      cfg.Camera.FPS,
		Pipeline: cfg.Camera.Pipeline,
	})
	defer frames.Close()

	det := detector.New(ctx, detectorConfig(cfg))
	defer det.Close()

	saver, err := snapshot.NewSaver(cfg.Paths.OutDir, snapshotQuality, cfg.Paths.AnnotateSnapshot)
	if err != nil {
		reader.Stop()
		queue.Stop(false)
		return err
	}

	journal, err := eventlog.Open(cfg.EventLogPath())
	if err != nil {
		reader.Stop()
		queue.Stop(false)
		return err
	}
	defer journal.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		registerComponentMetrics(collector, queue, reader, journal, saver)
		go collector.Run(ctx, cfg.MetricsPath(), config.Seconds(cfg.Metrics.IntervalS))
	}

	orch, err := core.New(core.Deps{
		Telemetry:   reader,
		Alerts:      queue,
		Frames:      frames,
		Detector:    det,
		Snapshots:   saver,
		Events:      journal,
		Metrics:     collector,
		FrameWidth:  cfg.Camera.Width,
		FrameHeight: cfg.Camera.Height,
		StatsEvery:  statsInterval,
	}, core.TunablesFromConfig(cfg))
	if err != nil {
		reader.Stop()
		queue.Stop(false)
		return err
	}

	if _, err := os.Stat(opts.configPath); err == nil {
		go func() {
			err := config.Watch(ctx, opts.configPath, func(updated *config.Config) {
				if err := orch.UpdateTunables(core.TunablesFromConfig(updated)); err != nil {
					slog.Warn("config reload rejected", "error", err)
				}
			})
			if err != nil {
				slog.Warn("config hot reload disabled", "error", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- orch.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-errChan:
		return runErr
	}

	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	select {
	case runErr = <-errChan:
	case <-time.After(timeout):
		return errors.New("shutdown timed out")
	}
	if runErr != nil {
		slog.Error("shutdown failed", "error", runErr)
		return runErr
	}

	if cam, ok := frames.(*stream.Camera); ok {
		cs := cam.Stats()
		slog.Info("camera stats", "frames", cs.Frames, "bytes", cs.BytesRead, "errors", cs.Errors)
	}
	slog.Info("visionx stopped successfully",
		"events", journal.Count(),
		"snapshots", saver.Saved(),
	)
	return nil
}

func newSpeaker(cfg *config.Config, dryRun bool) speech.Speaker {
	return speech.New(speech.Options{
		DryRun: dryRun,
		ESpeak: speech.ESpeakConfig{
			Binary: cfg.TTS.Binary,
			Player: cfg.TTS.Player,
			Rate:   cfg.TTS.Rate,
			Voice:  cfg.TTS.Voice,
			Device: cfg.TTS.Device,
		},
	})
}

func detectorConfig(cfg *config.Config) detector.ProcessConfig {
	return detector.ProcessConfig{
		Command:    cfg.Detector.Command,
		Args:       cfg.Detector.Args,
		Confidence: cfg.Detector.Confidence,
		NMS:        cfg.Detector.NMS,
		Timeout:    config.Seconds(cfg.Detector.TimeoutS),
	}
}

// registerComponentMetrics exposes component counters read at write time.
func registerComponentMetrics(c *metrics.Collector, q *alert.Queue, r *telemetry.Reader, j *eventlog.Journal, s *snapshot.Saver) {
	c.GaugeFunc("alerts", "pending", "Alerts waiting to be spoken.", func() float64 {
		return float64(q.Len())
	})
	c.CounterFunc("alerts", "spoken_total", "Alerts spoken.", func() float64 {
		return float64(q.Stats().Spoken)
	})
	c.CounterFunc("alerts", "rejected_dedupe_total", "Alerts rejected inside the dedupe window.", func() float64 {
		return float64(q.Stats().RejectedDedupe)
	})
	c.CounterFunc("alerts", "evicted_total", "Pending alerts evicted by higher priority ones.", func() float64 {
		return float64(q.Stats().Evicted)
	})
	c.CounterFunc("telemetry", "messages_total", "Telemetry objects published.", func() float64 {
		return float64(r.Stats().Published)
	})
	c.CounterFunc("telemetry", "decode_errors_total", "Telemetry lines without a valid object.", func() float64 {
		return float64(r.Stats().DecodeErrors)
	})
	c.CounterFunc("telemetry", "reconnects_total", "Serial reconnects.", func() float64 {
		return float64(r.Stats().Reconnects)
	})
	c.CounterFunc("events", "written_total", "Event log records appended.", func() float64 {
		return float64(j.Count())
	})
	c.CounterFunc("snapshot", "saved_total", "Snapshots written.", func() float64 {
		return float64(s.Saved())
	})
}
