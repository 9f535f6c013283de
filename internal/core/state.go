package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/care/visionx/internal/types"
)

const (
	// MaxHits is the ceiling of the hysteresis counter.
	MaxHits = 5
	// NoFix is the GPS text when a message lacks lat/lng.
	NoFix = "no fix"
)

// State is the orchestrator's fusion and hysteresis state. It is owned
// by the loop goroutine and never shared.
type State struct {
	Hits         int
	LastSpeech   time.Time // zero means never
	LastSave     time.Time // zero means never
	Distance     *float64  // meters, nil until a positive reading arrives
	GPS          string
	FrameCounter uint64
}

// NewState returns the initial state.
func NewState() State {
	return State{GPS: NoFix}
}

// ApplyTelemetry folds one message into the state.
//
// Distance becomes the smallest positive d1_cm/d2_cm in meters and is
// left unchanged when neither is present. GPS is rewritten on every
// message: "lat, lng, sats=N" when both coordinates are numeric, else
// "no fix".
func (s *State) ApplyTelemetry(msg types.TelemetryMessage) {
	var best float64
	found := false
	for _, key := range []string{"d1_cm", "d2_cm"} {
		cm, ok := msg.Number(key)
		if !ok || cm <= 0 {
			continue
		}
		m := cm / 100.0
		if !found || m < best {
			best = m
			found = true
		}
	}
	if found {
		s.Distance = &best
	}

	lat, latOK := msg.Number("lat")
	lng, lngOK := msg.Number("lng")
	if latOK && lngOK {
		s.GPS = fmt.Sprintf("%.6f, %.6f, sats=%s", lat, lng, formatSats(msg))
	} else {
		s.GPS = NoFix
	}
}

// formatSats renders the satellite count as received; "?" when absent.
func formatSats(msg types.TelemetryMessage) string {
	if n, ok := msg.Number("sats"); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	if msg.Has("sats") {
		return fmt.Sprint(msg.Fields["sats"])
	}
	return "?"
}

// RecordDetection moves the hit counter one step toward MaxHits when the
// best candidate is the target class, else one step toward zero.
func (s *State) RecordDetection(isTarget bool) {
	if isTarget {
		s.Hits = min(s.Hits+1, MaxHits)
	} else {
		s.Hits = max(s.Hits-1, 0)
	}
}

// Elapsed reports whether at least d has passed since t. A zero t
// (never) always counts as elapsed.
func Elapsed(now, t time.Time, d time.Duration) bool {
	return t.IsZero() || now.Sub(t) >= d
}

// SelectBest picks the highest-confidence detection of the target
// class, or failing that the highest-confidence detection of any class.
// Equal confidences keep the earlier detection. Returns nil for no
// detections.
func SelectBest(dets []types.Detection, target string) *types.Detection {
	var bestTarget, bestAny *types.Detection
	for i := range dets {
		d := &dets[i]
		if d.Label == target && (bestTarget == nil || d.Confidence > bestTarget.Confidence) {
			bestTarget = d
		}
		if bestAny == nil || d.Confidence > bestAny.Confidence {
			bestAny = d
		}
	}
	if bestTarget != nil {
		return bestTarget
	}
	return bestAny
}
