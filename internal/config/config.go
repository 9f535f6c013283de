package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when --config is not given. A missing default file
// is not an error.
const DefaultPath = "config/visionx.yaml"

// Config represents the complete visionx configuration
type Config struct {
	Serial           SerialConfig   `yaml:"serial" toml:"serial"`
	Camera           CameraConfig   `yaml:"camera" toml:"camera"`
	Detector         DetectorConfig `yaml:"detector" toml:"detector"`
	Alerts           AlertsConfig   `yaml:"alerts" toml:"alerts"`
	TTS              TTSConfig      `yaml:"tts" toml:"tts"`
	Paths            PathsConfig    `yaml:"paths" toml:"paths"`
	Log              LogConfig      `yaml:"log" toml:"log"`
	Metrics          MetricsConfig  `yaml:"metrics" toml:"metrics"`
	ShutdownTimeoutS float64        `yaml:"shutdown_timeout_s" toml:"shutdown_timeout_s"`
}

// SerialConfig contains sensor board link settings
type SerialConfig struct {
	Ports        []string `yaml:"ports" toml:"ports"`
	BaudRate     int      `yaml:"baud_rate" toml:"baud_rate"`
	ReadTimeoutS float64  `yaml:"read_timeout_s" toml:"read_timeout_s"`
}

// CameraConfig contains frame source settings
type CameraConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Device   string `yaml:"device" toml:"device"`
	Width    int    `yaml:"width" toml:"width"`
	Height   int    `yaml:"height" toml:"height"`
	FPS      int    `yaml:"fps" toml:"fps"`
	Pipeline string `yaml:"pipeline" toml:"pipeline"` // optional gst-launch override
}

// DetectorConfig contains detection process settings
type DetectorConfig struct {
	Command     string   `yaml:"command" toml:"command"` // empty = no detection (mock mode)
	Args        []string `yaml:"args" toml:"args"`
	TargetClass string   `yaml:"target_class" toml:"target_class"`
	Confidence  float64  `yaml:"confidence" toml:"confidence"`
	NMS         float64  `yaml:"nms" toml:"nms"`
	FrameStride int      `yaml:"frame_stride" toml:"frame_stride"` // detect on every Nth frame
	TimeoutS    float64  `yaml:"timeout_s" toml:"timeout_s"`
}

// AlertsConfig contains fusion and hysteresis tunables
type AlertsConfig struct {
	HitsRequired  int     `yaml:"hits_required" toml:"hits_required"`
	CooldownS     float64 `yaml:"cooldown_s" toml:"cooldown_s"`
	SaveIntervalS float64 `yaml:"save_interval_s" toml:"save_interval_s"`
	PollIntervalS float64 `yaml:"poll_interval_s" toml:"poll_interval_s"`
	Priority      int     `yaml:"priority" toml:"priority"`
	DedupeKey     string  `yaml:"dedupe_key" toml:"dedupe_key"`
	Template      string  `yaml:"template" toml:"template"` // fmt verb receives distance in meters
}

// TTSConfig contains speech queue and renderer settings
type TTSConfig struct {
	Rate     int     `yaml:"rate" toml:"rate"`
	Voice    string  `yaml:"voice" toml:"voice"`
	DedupeS  float64 `yaml:"dedupe_s" toml:"dedupe_s"`
	QueueMax int     `yaml:"queue_max" toml:"queue_max"`
	DryRun   bool    `yaml:"dry_run" toml:"dry_run"`
	Binary   string  `yaml:"binary" toml:"binary"`
	Player   string  `yaml:"player" toml:"player"`
	Device   string  `yaml:"device" toml:"device"`
}

// PathsConfig contains output locations
type PathsConfig struct {
	OutDir           string `yaml:"out_dir" toml:"out_dir"`
	EventLog         string `yaml:"event_log" toml:"event_log"` // relative to out_dir unless absolute
	AnnotateSnapshot bool   `yaml:"annotate_snapshot" toml:"annotate_snapshot"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" toml:"format"` // auto, json, text
	File       string `yaml:"file" toml:"file"`     // optional rotated log file
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig contains textfile metrics settings
type MetricsConfig struct {
	Enabled   bool    `yaml:"enabled" toml:"enabled"`
	File      string  `yaml:"file" toml:"file"` // default: <out_dir>/visionx.prom
	IntervalS float64 `yaml:"interval_s" toml:"interval_s"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Ports:        []string{"/dev/ttyUSB0", "/dev/ttyUSB1"},
			BaudRate:     9600,
			ReadTimeoutS: 1.0,
		},
		Camera: CameraConfig{
			Device: "/dev/video0",
			Width:  320,
			Height: 320,
			FPS:    15,
		},
		Detector: DetectorConfig{
			TargetClass: "person",
			Confidence:  0.35,
			NMS:         0.35,
			FrameStride: 2,
			TimeoutS:    2.0,
		},
		Alerts: AlertsConfig{
			HitsRequired:  2,
			CooldownS:     2.0,
			SaveIntervalS: 3.0,
			PollIntervalS: 0.03,
			Priority:      100,
			DedupeKey:     "person_ahead",
			Template:      "Person ahead, %.1f meters",
		},
		TTS: TTSConfig{
			Rate:     160,
			Voice:    "en",
			DedupeS:  5.0,
			QueueMax: 20,
		},
		Paths: PathsConfig{
			OutDir:   "out",
			EventLog: "events.jsonl",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			IntervalS: 10,
		},
		ShutdownTimeoutS: 5,
	}
}

// Load reads a YAML or TOML file (chosen by extension) over the defaults,
// applies VISIONX_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load, but a missing file yields defaults
// (with environment overrides) instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		ApplyEnv(cfg, os.LookupEnv)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Seconds converts a float seconds setting to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// EventLogPath resolves the journal path against OutDir.
func (c *Config) EventLogPath() string {
	if filepath.IsAbs(c.Paths.EventLog) {
		return c.Paths.EventLog
	}
	return filepath.Join(c.Paths.OutDir, c.Paths.EventLog)
}

// MetricsPath resolves the metrics textfile path.
func (c *Config) MetricsPath() string {
	if c.Metrics.File != "" {
		return c.Metrics.File
	}
	return filepath.Join(c.Paths.OutDir, "visionx.prom")
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return Seconds(c.ShutdownTimeoutS)
}
