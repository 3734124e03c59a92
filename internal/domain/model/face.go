package model

// Identity is a known person. ID doubles as the match label.
type Identity struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Embeddings  [][]float32 `json:"embeddings"`
}

// Box is an axis-aligned face box in frame pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one face returned by the inference engine.
type Detection struct {
	Box       Box       `json:"box"`
	Score     float64   `json:"score"`
	Embedding []float32 `json:"-"`
}

// MatchResult resolves a detection to an identity label. Distance is the
// raw Euclidean distance to the nearest roster embedding and is never capped.
type MatchResult struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
	Box      Box     `json:"box"`
}

// Known reports whether the result names a roster identity.
func (m MatchResult) Known() bool {
	return m.Label != "" && m.Label != Unknown
}
