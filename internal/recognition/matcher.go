package recognition

import (
	"log"
	"math"
)

// DefaultThreshold is the distance under which a probe is accepted.
const DefaultThreshold = 0.6

// MatchResult is the outcome of matching one probe against the registry.
type MatchResult struct {
	IdentityID   string  `json:"identity_id,omitempty"`
	DescriptorID string  `json:"descriptor_id,omitempty"`
	Distance     float64 `json:"distance"`
	Confidence   float64 `json:"confidence"`
	Accepted     bool    `json:"accepted"`
	Ambiguous    bool    `json:"ambiguous"`
	// RunnerUp is the best distance among other identities, +Inf when there is none.
	RunnerUp float64 `json:"-"`
}

// Matcher finds the nearest enrolled descriptor for a probe.
type Matcher struct {
	Threshold float64
	// AmbiguityMargin, when positive, rejects matches whose nearest other
	// identity is within this distance of the best one.
	AmbiguityMargin float64
}

// NewMatcher returns a matcher, using DefaultThreshold when threshold is not positive.
func NewMatcher(threshold, ambiguityMargin float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if ambiguityMargin < 0 {
		ambiguityMargin = 0
	}
	return &Matcher{Threshold: threshold, AmbiguityMargin: ambiguityMargin}
}

// Match compares probe with every entry. An empty registry yields a rejected
// result without error. Any descriptor with the wrong length is an error.
func (m *Matcher) Match(probe Descriptor, entries []Entry) (MatchResult, error) {
	res := MatchResult{Distance: math.Inf(1), RunnerUp: math.Inf(1)}
	if err := probe.Validate(); err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	distances := make([]float64, len(entries))
	best := -1
	for i, e := range entries {
		if err := e.Descriptor.Validate(); err != nil {
			return MatchResult{Distance: math.Inf(1), RunnerUp: math.Inf(1)}, err
		}
		d, _ := Distance(probe, e.Descriptor)
		distances[i] = d
		if best < 0 || d < distances[best] {
			best = i
		}
	}

	winner := entries[best]
	for i, e := range entries {
		if e.IdentityID == winner.IdentityID {
			continue
		}
		if distances[i] < res.RunnerUp {
			res.RunnerUp = distances[i]
		}
	}
	if res.RunnerUp == distances[best] {
		log.Printf("recognition: tie at distance %.4f, crediting %s (first in registry order)", distances[best], winner.IdentityID)
	}

	res.IdentityID = winner.IdentityID
	res.DescriptorID = winner.DescriptorID
	res.Distance = distances[best]
	res.Confidence = confidence(res.Distance)
	res.Accepted = res.Distance < m.Threshold
	if res.Accepted && m.AmbiguityMargin > 0 && res.RunnerUp-res.Distance < m.AmbiguityMargin {
		res.Ambiguous = true
		res.Accepted = false
	}
	return res, nil
}

func confidence(distance float64) float64 {
	c := 1 - distance
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
