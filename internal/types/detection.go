package types

// Detection is one object found by the detector
type Detection struct {
	// Label is the class name (e.g. "person")
	Label string `msgpack:"label" json:"label"`
	// Confidence in [0.0, 1.0]
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	// Box is [x, y, w, h] in pixels, origin at the top-left corner
	Box [4]int `msgpack:"box" json:"box"`
}

// Width of the bounding box in pixels
func (d Detection) Width() int {
	return d.Box[2]
}

// Height of the bounding box in pixels
func (d Detection) Height() int {
	return d.Box[3]
}
