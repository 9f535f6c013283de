package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/care/visionx/internal/config"
	"github.com/care/visionx/internal/logging"
)

const version = "v0.3.0"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "visionx",
		Short:         "Obstacle alerting for a wearable camera and sensor board",
		Long:          "visionx fuses ultrasonic distance and GPS telemetry with camera detections\nand speaks prioritized, deduplicated alerts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("visionx {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "path to configuration file (YAML or TOML)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newSimulateCmd(opts),
		newTTSTestCmd(opts),
		newLatencyCmd(opts),
	)
	return cmd
}

// loadConfig reads the configuration. The default path may be absent.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == config.DefaultPath {
		return config.LoadOrDefault(o.configPath)
	}
	return config.Load(o.configPath)
}

// setupLogging installs the default slog logger writing to out.
func (o *rootOptions) setupLogging(cfg *config.Config, out *os.File) io.Closer {
	lo := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if o.debug {
		lo.Level = "debug"
	}
	return logging.Setup(lo, out)
}
