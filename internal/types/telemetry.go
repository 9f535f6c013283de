package types

import (
	"math"
	"time"
)

// ArrivalField is the key stamped into every telemetry object on arrival.
const ArrivalField = "_ts"

// TelemetryMessage is one JSON object received from the sensor board.
// Fields is free-form; the reader enforces no schema.
type TelemetryMessage struct {
	Fields    map[string]any
	ArrivedAt time.Time
}

// Number returns the field as float64 if it is present and numeric.
// JSON numbers decode as float64; ints are accepted for hand-built messages.
func (m TelemetryMessage) Number(key string) (float64, bool) {
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Has reports whether key is present with a non-null value.
func (m TelemetryMessage) Has(key string) bool {
	v, ok := m.Fields[key]
	return ok && v != nil
}
