package config

import (
	"log/slog"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from VISIONX_* variables. Unparseable values are
// logged and ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if v, ok := lookup("VISIONX_SERIAL_PORTS"); ok && v != "" {
		var ports []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				ports = append(ports, p)
			}
		}
		cfg.Serial.Ports = ports
	}
	if v, ok := lookup("VISIONX_OUT_DIR"); ok && v != "" {
		cfg.Paths.OutDir = v
	}
	if v, ok := lookup("VISIONX_DETECTOR_COMMAND"); ok {
		cfg.Detector.Command = v
	}
	if v, ok := lookup("VISIONX_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("VISIONX_CAMERA_DEVICE"); ok && v != "" {
		cfg.Camera.Device = v
		cfg.Camera.Enabled = true
	}
	envBool(lookup, "VISIONX_DRY_RUN", &cfg.TTS.DryRun)
	envBool(lookup, "VISIONX_METRICS", &cfg.Metrics.Enabled)
}

func envBool(lookup LookupFunc, key string, dst *bool) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: ignoring invalid boolean", "key", key, "value", v)
		return
	}
	*dst = b
}
