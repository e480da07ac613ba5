package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Clock is a time of day in seconds since midnight.
type Clock int

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
}

// MustClock is ParseClock for constants; it panics on malformed input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// On returns the instant of c on t's calendar day, in t's location.
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, int(c)/3600, int(c)%3600/60, int(c)%60, 0, t.Location())
}

// Add shifts the clock by d. The result is not wrapped past midnight.
func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Second)
}

// String formats as HH:MM, or HH:MM:SS when seconds are set.
func (c Clock) String() string {
	h, m, s := int(c)/3600, int(c)%3600/60, int(c)%60
	if s == 0 {
		return fmt.Sprintf("%02d:%02d", h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// SQL formats as HH:MM:SS for TIME columns.
func (c Clock) SQL() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(c)/3600, int(c)%3600/60, int(c)%60)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
