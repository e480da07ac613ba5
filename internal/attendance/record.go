package attendance

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no record exists for (identity, date).
	ErrNotFound = errors.New("attendance record not found")
	// ErrDuplicate is returned by a Store when an insert hits the (identity, date) constraint.
	ErrDuplicate = errors.New("attendance already recorded")
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Method records how a status was assigned.
type Method string

const (
	MethodFaceRecognition Method = "face_recognition"
	MethodManual          Method = "manual"
)

// DateLayout is the calendar date format used as part of the record key.
const DateLayout = "2006-01-02"

// Metadata is free-form context stored with a record.
type Metadata map[string]any

// Record is the single attendance row of an identity for one calendar day.
type Record struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Date       string    `json:"date"`
	Arrival    time.Time `json:"arrival_time"`
	Status     Status    `json:"status"`
	Method     Method    `json:"method"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows a range query. From and To are inclusive dates.
type Filter struct {
	IdentityID string
	From       string
	To         string
	Limit      int
	Offset     int
}
