// Package metrics exposes pipeline counters in Prometheus text format.
//
// There is no HTTP listener: the registry is written periodically to a
// textfile for node_exporter's textfile collector.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "visionx"

// Collector owns a private registry and the pipeline's metric families.
type Collector struct {
	reg *prometheus.Registry

	DetectionLatency prometheus.Histogram
	AlertDecisions   *prometheus.CounterVec
	Hits             prometheus.Gauge
	DistanceMeters   prometheus.Gauge
}

// New creates a collector with the pipeline families registered.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		DetectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "latency_seconds",
			Help:      "Wall time of one detection call.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		AlertDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "alert_decisions_total",
			Help:      "Alert submissions by outcome.",
		}, []string{"outcome"}),
		Hits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "hits",
			Help:      "Current hysteresis hit counter.",
		}),
		DistanceMeters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "distance_meters",
			Help:      "Latest distance estimate, -1 when unknown.",
		}),
	}
	c.DistanceMeters.Set(-1)
	c.reg.MustRegister(c.DetectionLatency, c.AlertDecisions, c.Hits, c.DistanceMeters)
	return c
}

// CounterFunc registers a counter read from fn at scrape time.
func (c *Collector) CounterFunc(subsystem, name, help string, fn func() float64) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (c *Collector) GaugeFunc(subsystem, name, help string, fn func() float64) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WriteFile writes the registry atomically to path.
func (c *Collector) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics: create directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

// Run writes path every interval until ctx is cancelled, then once more.
func (c *Collector) Run(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("metrics: writing textfile", "path", path, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			if err := c.WriteFile(path); err != nil {
				slog.Warn("metrics: final write failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := c.WriteFile(path); err != nil {
				slog.Warn("metrics: write failed", "error", err)
			}
		}
	}
}
