package recognition

import (
	"errors"
	"math"
	"testing"
)

// at returns a descriptor whose distance from the zero vector is d.
func at(d float32) Descriptor {
	v := make(Descriptor, DescriptorLength)
	v[0] = d
	return v
}

func zero() Descriptor { return make(Descriptor, DescriptorLength) }

func TestMatch(t *testing.T) {
	tests := []struct {
		name         string
		entries      []Entry
		threshold    float64
		wantAccepted bool
		wantIdentity string
	}{
		{
			name: "nearest under threshold wins",
			entries: []Entry{
				{IdentityID: "Y", DescriptorID: "y1", Descriptor: at(0.58)},
				{IdentityID: "X", DescriptorID: "x1", Descriptor: at(0.42)},
			},
			threshold:    0.6,
			wantAccepted: true,
			wantIdentity: "X",
		},
		{
			name:         "only candidate above threshold",
			entries:      []Entry{{IdentityID: "Y", DescriptorID: "y1", Descriptor: at(0.71)}},
			threshold:    0.6,
			wantAccepted: false,
			wantIdentity: "Y",
		},
		{
			name:         "identical vector matches",
			entries:      []Entry{{IdentityID: "X", DescriptorID: "x1", Descriptor: zero()}},
			threshold:    0.6,
			wantAccepted: true,
			wantIdentity: "X",
		},
		{
			name:         "distance equal to threshold is rejected",
			entries:      []Entry{{IdentityID: "X", DescriptorID: "x1", Descriptor: at(0.5)}},
			threshold:    0.5,
			wantAccepted: false,
			wantIdentity: "X",
		},
		{
			name: "non-primary descriptor is tried",
			entries: []Entry{
				{IdentityID: "X", DescriptorID: "x1", Primary: true, Descriptor: at(0.9)},
				{IdentityID: "X", DescriptorID: "x2", Descriptor: at(0.3)},
			},
			threshold:    0.6,
			wantAccepted: true,
			wantIdentity: "X",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.threshold, 0)
			got, err := m.Match(zero(), tt.entries)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got.Accepted != tt.wantAccepted {
				t.Errorf("Accepted = %v, want %v (distance %.4f)", got.Accepted, tt.wantAccepted, got.Distance)
			}
			if got.IdentityID != tt.wantIdentity {
				t.Errorf("IdentityID = %q, want %q", got.IdentityID, tt.wantIdentity)
			}
		})
	}
}

func TestMatchEmptyRegistry(t *testing.T) {
	got, err := NewMatcher(0.6, 0).Match(zero(), nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.Accepted || got.IdentityID != "" {
		t.Errorf("empty registry matched: %+v", got)
	}
}

func TestMatchDimensionMismatch(t *testing.T) {
	m := NewMatcher(0.6, 0)
	if _, err := m.Match(Descriptor{1, 2, 3}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short probe: err = %v, want ErrDimensionMismatch", err)
	}
	entries := []Entry{{IdentityID: "X", Descriptor: Descriptor{1, 2}}}
	if _, err := m.Match(zero(), entries); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short entry: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestMatchTieIsDeterministic(t *testing.T) {
	entries := []Entry{
		{IdentityID: "A", DescriptorID: "a1", Descriptor: at(0.3)},
		{IdentityID: "B", DescriptorID: "b1", Descriptor: at(0.3)},
	}
	m := NewMatcher(0.6, 0)
	for i := 0; i < 5; i++ {
		got, err := m.Match(zero(), entries)
		if err != nil {
			t.Fatal(err)
		}
		if got.IdentityID != "A" {
			t.Fatalf("tie resolved to %q, want A", got.IdentityID)
		}
	}
}

func TestMatchAmbiguityMargin(t *testing.T) {
	entries := []Entry{
		{IdentityID: "A", DescriptorID: "a1", Descriptor: at(0.40)},
		{IdentityID: "B", DescriptorID: "b1", Descriptor: at(0.42)},
	}

	got, err := NewMatcher(0.6, 0.05).Match(zero(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted || !got.Ambiguous {
		t.Errorf("close runner-up: Accepted=%v Ambiguous=%v, want rejected and ambiguous", got.Accepted, got.Ambiguous)
	}

	got, err = NewMatcher(0.6, 0.01).Match(zero(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Accepted || got.Ambiguous {
		t.Errorf("wide margin: Accepted=%v Ambiguous=%v, want accepted", got.Accepted, got.Ambiguous)
	}
}

func TestMatchThresholdMonotonic(t *testing.T) {
	distances := []float32{0, 0.1, 0.35, 0.5, 0.59, 0.6, 0.61, 0.9, 1.4}
	thresholds := []float64{0.1, 0.3, 0.5, 0.6, 0.7, 1.0, 2.0}

	for _, d := range distances {
		entries := []Entry{{IdentityID: "X", DescriptorID: "x", Descriptor: at(d)}}
		accepted := false
		for _, th := range thresholds {
			got, err := NewMatcher(th, 0).Match(zero(), entries)
			if err != nil {
				t.Fatal(err)
			}
			if got.Accepted != (got.Distance < th) {
				t.Errorf("d=%.2f t=%.2f: Accepted=%v but distance=%.4f", d, th, got.Accepted, got.Distance)
			}
			if accepted && !got.Accepted {
				t.Errorf("d=%.2f: raising threshold to %.2f rejected a previously accepted match", d, th)
			}
			accepted = got.Accepted
		}
	}
}

func TestDistance(t *testing.T) {
	a := zero()
	b := zero()
	b[0], b[1] = 3, 4
	got, err := Distance(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-5) > 1e-9 {
		t.Errorf("Distance() = %v, want 5", got)
	}
}
