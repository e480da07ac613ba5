package recognition

const (
	// DefaultMinArea is the smallest accepted face box, 50x50 pixels.
	DefaultMinArea = 50 * 50
	// DefaultMinConfidence is the lowest accepted detector score.
	DefaultMinConfidence = 0.7
)

// Reason explains why the quality gate rejected a detection.
type Reason string

const (
	ReasonTooSmall      Reason = "too_small"
	ReasonLowConfidence Reason = "low_confidence"
)

// Box is a face bounding box in pixels.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in square pixels.
func (b Box) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Detection is what the external detector reports for one face.
type Detection struct {
	Descriptor Descriptor `json:"descriptor"`
	Box        Box        `json:"box"`
	Score      float64    `json:"score"`
}

// Verdict is the quality gate decision.
type Verdict struct {
	Accept bool   `json:"accept"`
	Reason Reason `json:"reason,omitempty"`
}

// Gate rejects detections that are too small or too uncertain to trust.
type Gate struct {
	MinArea       int
	MinConfidence float64
}

// NewGate builds a gate, falling back to the defaults for non-positive values.
func NewGate(minArea int, minConfidence float64) Gate {
	if minArea <= 0 {
		minArea = DefaultMinArea
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return Gate{MinArea: minArea, MinConfidence: minConfidence}
}

// Validate checks box area first, then detector confidence.
func (g Gate) Validate(d Detection) Verdict {
	if d.Box.Area() < g.MinArea {
		return Verdict{Reason: ReasonTooSmall}
	}
	if d.Score < g.MinConfidence {
		return Verdict{Reason: ReasonLowConfidence}
	}
	return Verdict{Accept: true}
}
