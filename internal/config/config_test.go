package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsMatchFieldDeployment(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, cfg.Serial.Ports)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, 2, cfg.Detector.FrameStride)
	assert.Equal(t, 0.35, cfg.Detector.Confidence)
	assert.Equal(t, 2, cfg.Alerts.HitsRequired)
	assert.Equal(t, 3*time.Second, Seconds(cfg.Alerts.SaveIntervalS))
	assert.Equal(t, 30*time.Millisecond, Seconds(cfg.Alerts.PollIntervalS))
	assert.Equal(t, 5*time.Second, Seconds(cfg.TTS.DedupeS))
	assert.Equal(t, 20, cfg.TTS.QueueMax)
	assert.Equal(t, filepath.Join("out", "events.jsonl"), cfg.EventLogPath())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "visionx.yaml", `
serial:
  ports: ["/dev/ttyACM0"]
detector:
  frame_stride: 3
alerts:
  hits_required: 3
  cooldown_s: 4.5
tts:
  voice: "en-us"
paths:
  out_dir: /var/lib/visionx
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyACM0"}, cfg.Serial.Ports)
	assert.Equal(t, 3, cfg.Detector.FrameStride)
	assert.Equal(t, 3, cfg.Alerts.HitsRequired)
	assert.Equal(t, 4500*time.Millisecond, Seconds(cfg.Alerts.CooldownS))
	assert.Equal(t, "en-us", cfg.TTS.Voice)
	assert.Equal(t, 160, cfg.TTS.Rate, "unset fields keep defaults")
	assert.Equal(t, "/var/lib/visionx/events.jsonl", cfg.EventLogPath())
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "visionx.toml", `
[tts]
rate = 140
dry_run = true

[alerts]
hits_required = 4
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 140, cfg.TTS.Rate)
	assert.True(t, cfg.TTS.DryRun)
	assert.Equal(t, 4, cfg.Alerts.HitsRequired)
	assert.Equal(t, "person", cfg.Detector.TargetClass)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero stride", func(c *Config) { c.Detector.FrameStride = 0 }},
		{"threshold above counter ceiling", func(c *Config) { c.Alerts.HitsRequired = 6 }},
		{"negative cooldown", func(c *Config) { c.Alerts.CooldownS = -1 }},
		{"confidence above one", func(c *Config) { c.Detector.Confidence = 1.5 }},
		{"empty queue", func(c *Config) { c.TTS.QueueMax = 0 }},
		{"template without verb", func(c *Config) { c.Alerts.Template = "Person ahead" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"no out dir", func(c *Config) { c.Paths.OutDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VISIONX_SERIAL_PORTS":     "/dev/ttyS0, /dev/ttyS1",
		"VISIONX_DRY_RUN":          "1",
		"VISIONX_OUT_DIR":          "/tmp/vx",
		"VISIONX_DETECTOR_COMMAND": "models/run_detector.sh",
		"VISIONX_METRICS":          "not-a-bool",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	ApplyEnv(cfg, lookup)

	assert.Equal(t, []string{"/dev/ttyS0", "/dev/ttyS1"}, cfg.Serial.Ports)
	assert.True(t, cfg.TTS.DryRun)
	assert.Equal(t, "/tmp/vx", cfg.Paths.OutDir)
	assert.Equal(t, "models/run_detector.sh", cfg.Detector.Command)
	assert.False(t, cfg.Metrics.Enabled, "invalid bool ignored")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Alerts.HitsRequired)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "visionx.yaml", "alerts:\n  hits_required: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, p, func(c *Config) { changes <- c }) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "visionx.yaml", "alerts:\n  hits_required: 4\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, 4, cfg.Alerts.HitsRequired)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	// invalid content is skipped
	writeFile(t, dir, "visionx.yaml", "alerts:\n  hits_required: 9\n")
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg.Alerts)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
