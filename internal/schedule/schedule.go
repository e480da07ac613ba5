// Package schedule holds the entry/late/exit policy and the registry that
// keeps exactly one of them active.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidSchedule wraps every validation failure.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNoActiveSchedule is returned by a Store that has never had a schedule activated.
	ErrNoActiveSchedule = errors.New("no active schedule")
)

// Schedule is a named time-window policy.
type Schedule struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Entry            Clock     `json:"entry_time"`
	LateThreshold    Clock     `json:"late_threshold_time"`
	Exit             Clock     `json:"exit_time"`
	ToleranceMinutes int       `json:"tolerance_minutes"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate enforces entry < late threshold < exit and a non-negative tolerance.
func (s Schedule) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: name required", ErrInvalidSchedule)
	case s.Entry >= s.LateThreshold:
		return fmt.Errorf("%w: entry_time %s must be before late_threshold_time %s", ErrInvalidSchedule, s.Entry, s.LateThreshold)
	case s.LateThreshold >= s.Exit:
		return fmt.Errorf("%w: late_threshold_time %s must be before exit_time %s", ErrInvalidSchedule, s.LateThreshold, s.Exit)
	case s.ToleranceMinutes < 0:
		return fmt.Errorf("%w: tolerance_minutes must not be negative", ErrInvalidSchedule)
	}
	return nil
}

// EffectiveLateThreshold is the late threshold extended by the tolerance.
func (s Schedule) EffectiveLateThreshold() Clock {
	return s.LateThreshold.Add(time.Duration(s.ToleranceMinutes) * time.Minute)
}
