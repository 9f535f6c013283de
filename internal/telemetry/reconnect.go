package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig controls exponential backoff after a serial disconnect.
type ReconnectConfig struct {
	MaxRetries    int           // Maximum reopen attempts (default: 5)
	RetryDelay    time.Duration // Initial delay (default: 1s)
	MaxRetryDelay time.Duration // Delay cap (default: 30s)
}

// DefaultReconnectConfig returns the reconnect defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// reopenWithBackoff calls openFn until it succeeds, retries run out or
// ctx is cancelled.
//
// Schedule with defaults: 1s, 2s, 4s, 8s, 16s, then give up.
func reopenWithBackoff(ctx context.Context, openFn func() error, cfg ReconnectConfig, attempts *int) error {
	for {
		if *attempts >= cfg.MaxRetries {
			return fmt.Errorf("telemetry: max retries exceeded (%d attempts)", cfg.MaxRetries)
		}
		*attempts++

		delay := calculateBackoff(*attempts, cfg)
		slog.Warn("telemetry: reopening serial port",
			"attempt", *attempts,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := openFn(); err != nil {
			slog.Error("telemetry: reopen failed", "attempt", *attempts, "error", err)
			continue
		}
		*attempts = 0
		return nil
	}
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
