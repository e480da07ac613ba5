package recognition

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DescriptorLength is the size of a face descriptor produced by the embedder.
const DescriptorLength = 128

var (
	// ErrDimensionMismatch is returned when a descriptor does not have DescriptorLength values.
	ErrDimensionMismatch = errors.New("descriptor length mismatch")
	// ErrUnknownIdentity is returned when an operation names an identity that is not registered.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Descriptor is a face embedding. Lower Euclidean distance means more similar.
type Descriptor []float32

// Validate fails when the descriptor has the wrong length.
func (d Descriptor) Validate() error {
	if len(d) != DescriptorLength {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(d), DescriptorLength)
	}
	return nil
}

// Distance returns the Euclidean distance between two descriptors.
func Distance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// Role of an identity inside the school.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleStudent || r == RoleTeacher }

// Identity is a person who can be enrolled and checked in.
type Identity struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	FaceEnrolled bool       `json:"face_enrolled"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
}

// FaceDescriptor is one stored face sample of an identity.
type FaceDescriptor struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	Vector     Descriptor `json:"-"`
	Primary    bool       `json:"is_primary"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Entry is a single (identity, descriptor) pair in the registry.
type Entry struct {
	IdentityID   string
	DescriptorID string
	Primary      bool
	Descriptor   Descriptor
}
