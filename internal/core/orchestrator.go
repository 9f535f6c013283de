package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/care/visionx/internal/config"
	"github.com/care/visionx/internal/eventlog"
	"github.com/care/visionx/internal/metrics"
	"github.com/care/visionx/internal/types"
)

// TelemetrySource delivers pending sensor messages without blocking.
type TelemetrySource interface {
	Drain() []types.TelemetryMessage
	Stop() error
}

// AlertSink accepts spoken alerts; false means the alert will never be spoken.
type AlertSink interface {
	Submit(text string, priority int, dedupeKey string) bool
	Stop(wait bool) error
}

// FrameSource returns the newest camera frame.
type FrameSource interface {
	Capture(ctx context.Context) (types.Frame, error)
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
}

// SnapshotWriter persists the most recent interesting frame.
type SnapshotWriter interface {
	Save(frame types.Frame, det *types.Detection) error
}

// EventAppender journals accepted alerts.
type EventAppender interface {
	Append(rec types.EventRecord) error
}

// Tunables are the alert decision parameters. They can be replaced at
// runtime with UpdateTunables.
type Tunables struct {
	HitsRequired int
	Cooldown     time.Duration
	SaveInterval time.Duration
	PollInterval time.Duration
	SkipInterval time.Duration // pause after a frame skipped by the stride
	FrameStride  int
	TargetClass  string
	Priority     int
	DedupeKey    string
	Template     string // receives the distance in meters
	EventKind    string
}

// DefaultTunables returns the field-tested decision parameters.
func DefaultTunables() Tunables {
	return TunablesFromConfig(config.Default())
}

// TunablesFromConfig extracts decision parameters from cfg.
func TunablesFromConfig(cfg *config.Config) Tunables {
	return Tunables{
		HitsRequired: cfg.Alerts.HitsRequired,
		Cooldown:     config.Seconds(cfg.Alerts.CooldownS),
		SaveInterval: config.Seconds(cfg.Alerts.SaveIntervalS),
		PollInterval: config.Seconds(cfg.Alerts.PollIntervalS),
		SkipInterval: 10 * time.Millisecond,
		FrameStride:  cfg.Detector.FrameStride,
		TargetClass:  cfg.Detector.TargetClass,
		Priority:     cfg.Alerts.Priority,
		DedupeKey:    cfg.Alerts.DedupeKey,
		Template:     cfg.Alerts.Template,
		EventKind:    cfg.Detector.TargetClass,
	}
}

// Deps are the collaborators of an Orchestrator. Snapshots, Events and
// Metrics are optional.
type Deps struct {
	Telemetry TelemetrySource
	Alerts    AlertSink
	Frames    FrameSource
	Detector  Detector
	Snapshots SnapshotWriter
	Events    EventAppender
	Metrics   *metrics.Collector

	FrameWidth  int // blank frame size when capture fails (default: 320)
	FrameHeight int
	StatsEvery  time.Duration // periodic stats log; 0 disables

	Now func() time.Time
}

// StepResult describes what one iteration did.
type StepResult struct {
	Messages    int
	Skipped     bool // frame not on the detection stride
	Detections  int
	Best        *types.Detection
	Saved       bool
	AlertText   string
	AlertQueued bool
}

// Status is a snapshot for logging.
type Status struct {
	Hits           int
	Distance       *float64
	GPS            string
	FrameCounter   uint64
	AlertsAccepted uint64
	AlertsRejected uint64
	Snapshots      uint64
	DetectErrors   uint64
	Started        time.Time
}

// Orchestrator runs the fixed-period fusion loop.
//
// Algorithm (one iteration):
//  1. Drain telemetry and fold every message into State
//  2. Capture a frame (blank on failure)
//  3. Skip detection unless FrameCounter is on the stride
//  4. Detect; errors count as no detections
//  5. Pick the best candidate and update the hit counter
//  6. Save a snapshot when a candidate exists and SaveInterval has passed
//  7. Alert when hits reach the threshold, distance is known and the
//     cooldown has passed; journal only accepted alerts
//
// Thread-safety:
//   - State is owned by the loop goroutine (Step callers must not overlap)
//   - UpdateTunables and Status are safe from any goroutine
type Orchestrator struct {
	deps     Deps
	tunables Tunables
	state    State
	pending  chan Tunables

	statusMu sync.Mutex
	status   Status

	shutdownOnce sync.Once
}

// New validates deps and returns an orchestrator in the initial state.
func New(deps Deps, tunables Tunables) (*Orchestrator, error) {
	if deps.Telemetry == nil || deps.Alerts == nil || deps.Frames == nil || deps.Detector == nil {
		return nil, errors.New("core: telemetry, alerts, frames and detector are required")
	}
	if err := validateTunables(tunables); err != nil {
		return nil, err
	}
	if deps.FrameWidth <= 0 || deps.FrameHeight <= 0 {
		deps.FrameWidth, deps.FrameHeight = 320, 320
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	o := &Orchestrator{
		deps:     deps,
		tunables: tunables,
		state:    NewState(),
		pending:  make(chan Tunables, 1),
	}
	o.status.GPS = o.state.GPS
	return o, nil
}

func validateTunables(t Tunables) error {
	if t.FrameStride < 1 {
		return fmt.Errorf("core: frame stride must be >= 1 (got %d)", t.FrameStride)
	}
	if t.HitsRequired < 1 || t.HitsRequired > MaxHits {
		return fmt.Errorf("core: hits required must be in [1, %d] (got %d)", MaxHits, t.HitsRequired)
	}
	if t.PollInterval <= 0 {
		return fmt.Errorf("core: poll interval must be > 0")
	}
	return nil
}

// UpdateTunables schedules new parameters for the next iteration. A
// newer update replaces one not yet applied.
func (o *Orchestrator) UpdateTunables(t Tunables) error {
	if err := validateTunables(t); err != nil {
		return err
	}
	for {
		select {
		case o.pending <- t:
			return nil
		default:
			select {
			case <-o.pending:
			default:
			}
		}
	}
}

func (o *Orchestrator) applyPendingTunables() {
	select {
	case t := <-o.pending:
		slog.Info("orchestrator tunables updated",
			"hits_required", t.HitsRequired,
			"cooldown", t.Cooldown,
			"save_interval", t.SaveInterval,
			"frame_stride", t.FrameStride,
		)
		o.tunables = t
	default:
	}
}

// State returns a copy of the hysteresis state. Only safe from the loop
// goroutine or when the loop is not running.
func (o *Orchestrator) State() State {
	s := o.state
	if s.Distance != nil {
		d := *s.Distance
		s.Distance = &d
	}
	return s
}

// Step runs one iteration without sleeping.
func (o *Orchestrator) Step(ctx context.Context) StepResult {
	var res StepResult
	o.applyPendingTunables()
	t := o.tunables

	msgs := o.deps.Telemetry.Drain()
	for _, m := range msgs {
		o.state.ApplyTelemetry(m)
	}
	res.Messages = len(msgs)
	if o.deps.Metrics != nil && o.state.Distance != nil {
		o.deps.Metrics.DistanceMeters.Set(*o.state.Distance)
	}

	frame, err := o.deps.Frames.Capture(ctx)
	if err != nil || !frame.Valid() {
		frame = types.BlankFrame(o.deps.FrameWidth, o.deps.FrameHeight)
	}

	o.state.FrameCounter++
	if o.state.FrameCounter%uint64(t.FrameStride) != 0 {
		res.Skipped = true
		o.publishStatus(func(s *Status) {})
		return res
	}

	start := time.Now()
	dets, err := o.deps.Detector.Detect(ctx, frame)
	if o.deps.Metrics != nil {
		o.deps.Metrics.DetectionLatency.Observe(time.Since(start).Seconds())
	}
	detectFailed := err != nil
	if detectFailed {
		slog.Debug("detection failed", "seq", frame.Seq, "error", err)
		dets = nil
	}
	res.Detections = len(dets)

	best := SelectBest(dets, t.TargetClass)
	res.Best = best
	o.state.RecordDetection(best != nil && best.Label == t.TargetClass)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Hits.Set(float64(o.state.Hits))
	}

	now := o.deps.Now()

	if best != nil && o.deps.Snapshots != nil && Elapsed(now, o.state.LastSave, t.SaveInterval) {
		if err := o.deps.Snapshots.Save(frame, best); err != nil {
			slog.Warn("snapshot failed", "error", err)
		} else {
			o.state.LastSave = now
			res.Saved = true
		}
	}

	if o.state.Hits >= t.HitsRequired && o.state.Distance != nil && *o.state.Distance > 0 &&
		Elapsed(now, o.state.LastSpeech, t.Cooldown) {
		res.AlertText = fmt.Sprintf(t.Template, *o.state.Distance)
		res.AlertQueued = o.deps.Alerts.Submit(res.AlertText, t.Priority, t.DedupeKey)
		o.recordDecision(res.AlertQueued)

		if res.AlertQueued {
			o.state.LastSpeech = now
			o.journal(now, best, res.AlertText)
			slog.Info("alert queued",
				"text", res.AlertText,
				"hits", o.state.Hits,
				"gps", o.state.GPS,
			)
		} else {
			slog.Debug("alert rejected by queue", "text", res.AlertText)
		}
	}

	o.publishStatus(func(s *Status) {
		if detectFailed {
			s.DetectErrors++
		}
		if res.Saved {
			s.Snapshots++
		}
		if res.AlertText != "" {
			if res.AlertQueued {
				s.AlertsAccepted++
			} else {
				s.AlertsRejected++
			}
		}
	})
	return res
}

func (o *Orchestrator) recordDecision(accepted bool) {
	if o.deps.Metrics == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	o.deps.Metrics.AlertDecisions.WithLabelValues(outcome).Inc()
}

func (o *Orchestrator) journal(now time.Time, best *types.Detection, text string) {
	if o.deps.Events == nil {
		return
	}
	var conf float64
	if best != nil {
		conf = best.Confidence
	}
	dist := *o.state.Distance
	rec := types.EventRecord{
		Timestamp:  eventlog.FormatTimestamp(now),
		Event:      o.tunables.EventKind,
		Confidence: conf,
		DistanceM:  &dist,
		GPS:        o.state.GPS,
		TTS:        text,
	}
	if err := o.deps.Events.Append(rec); err != nil {
		slog.Warn("event journal append failed", "error", err)
	}
}

func (o *Orchestrator) publishStatus(update func(*Status)) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	o.status.Hits = o.state.Hits
	o.status.GPS = o.state.GPS
	o.status.FrameCounter = o.state.FrameCounter
	if o.state.Distance != nil {
		d := *o.state.Distance
		o.status.Distance = &d
	}
	update(&o.status)
}

// Status returns a snapshot safe to read from any goroutine.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

// Run loops until ctx is cancelled, then shuts down the telemetry reader
// and the alert queue before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.statusMu.Lock()
	o.status.Started = time.Now()
	o.statusMu.Unlock()

	slog.Info("orchestrator running",
		"hits_required", o.tunables.HitsRequired,
		"frame_stride", o.tunables.FrameStride,
		"poll_interval", o.tunables.PollInterval,
	)

	var statsTick <-chan time.Time
	if o.deps.StatsEvery > 0 {
		ticker := time.NewTicker(o.deps.StatsEvery)
		defer ticker.Stop()
		statsTick = ticker.C
	}

	for ctx.Err() == nil {
		res := o.Step(ctx)

		pause := o.tunables.PollInterval
		if res.Skipped {
			pause = o.tunables.SkipInterval
		}

		// stats ride along with the pause, never shorten it
		select {
		case <-statsTick:
			o.logStats()
		default:
		}

		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}

	slog.Info("orchestrator loop exiting")
	return o.Shutdown()
}

func (o *Orchestrator) logStats() {
	s := o.Status()
	dist := -1.0
	if s.Distance != nil {
		dist = *s.Distance
	}
	slog.Info("orchestrator stats",
		"frames", s.FrameCounter,
		"hits", s.Hits,
		"distance_m", dist,
		"gps", s.GPS,
		"alerts_accepted", s.AlertsAccepted,
		"alerts_rejected", s.AlertsRejected,
		"snapshots", s.Snapshots,
		"detect_errors", s.DetectErrors,
	)
}

// Shutdown stops the telemetry reader, then the alert queue (letting the
// current utterance finish). Idempotent.
func (o *Orchestrator) Shutdown() error {
	var errs []error
	o.shutdownOnce.Do(func() {
		slog.Info("stopping telemetry reader")
		if err := o.deps.Telemetry.Stop(); err != nil {
			slog.Error("failed to stop telemetry reader", "error", err)
			errs = append(errs, err)
		}

		slog.Info("stopping alert queue")
		if err := o.deps.Alerts.Stop(true); err != nil {
			slog.Error("failed to stop alert queue", "error", err)
			errs = append(errs, err)
		}

		s := o.Status()
		uptime := time.Duration(0)
		if !s.Started.IsZero() {
			uptime = time.Since(s.Started)
		}
		slog.Info("orchestrator shutdown complete",
			"uptime", uptime,
			"frames", s.FrameCounter,
			"alerts_accepted", s.AlertsAccepted,
		)
	})
	return errors.Join(errs...)
}
