package config

import (
	"fmt"
	"strings"
)

// maxHits mirrors the hysteresis counter ceiling; a higher threshold could never fire.
const maxHits = 5

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be > 0")
	}
	if cfg.Serial.ReadTimeoutS <= 0 {
		cfg.Serial.ReadTimeoutS = 1.0
	}

	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must be > 0")
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 15
	}

	if cfg.Detector.FrameStride < 1 {
		return fmt.Errorf("detector.frame_stride must be >= 1")
	}
	if cfg.Detector.Confidence <= 0 || cfg.Detector.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be in (0, 1]")
	}
	if cfg.Detector.NMS <= 0 || cfg.Detector.NMS > 1 {
		return fmt.Errorf("detector.nms must be in (0, 1]")
	}
	if cfg.Detector.TargetClass == "" {
		return fmt.Errorf("detector.target_class is required")
	}
	if cfg.Detector.TimeoutS <= 0 {
		cfg.Detector.TimeoutS = 2.0
	}

	if err := ValidateAlerts(cfg.Alerts); err != nil {
		return err
	}

	if cfg.TTS.QueueMax < 1 {
		return fmt.Errorf("tts.queue_max must be >= 1")
	}
	if cfg.TTS.DedupeS < 0 {
		return fmt.Errorf("tts.dedupe_s must be >= 0")
	}
	if cfg.TTS.Rate <= 0 {
		return fmt.Errorf("tts.rate must be > 0")
	}

	if cfg.Paths.OutDir == "" {
		return fmt.Errorf("paths.out_dir is required")
	}
	if cfg.Paths.EventLog == "" {
		cfg.Paths.EventLog = "events.jsonl"
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("log.format must be auto, json or text (got %q)", cfg.Log.Format)
	}

	if cfg.Metrics.IntervalS <= 0 {
		cfg.Metrics.IntervalS = 10
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	return nil
}

// ValidateAlerts checks the hot-reloadable alert tunables.
func ValidateAlerts(a AlertsConfig) error {
	if a.HitsRequired < 1 || a.HitsRequired > maxHits {
		return fmt.Errorf("alerts.hits_required must be in [1, %d]", maxHits)
	}
	if a.CooldownS < 0 {
		return fmt.Errorf("alerts.cooldown_s must be >= 0")
	}
	if a.SaveIntervalS < 0 {
		return fmt.Errorf("alerts.save_interval_s must be >= 0")
	}
	if a.PollIntervalS <= 0 {
		return fmt.Errorf("alerts.poll_interval_s must be > 0")
	}
	if a.DedupeKey == "" {
		return fmt.Errorf("alerts.dedupe_key is required")
	}
	if !strings.Contains(a.Template, "%") {
		return fmt.Errorf("alerts.template must contain a verb for the distance")
	}
	return nil
}
