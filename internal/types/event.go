package types

// EventRecord is one line of the append-only event journal.
type EventRecord struct {
	Timestamp  string   `json:"timestamp"`
	Event      string   `json:"event"`
	Confidence float64  `json:"conf"`
	DistanceM  *float64 `json:"dist_m"`
	GPS        string   `json:"gps"`
	TTS        string   `json:"tts"`
}
