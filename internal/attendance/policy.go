package attendance

import (
	"time"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

// Classify maps an arrival to present or late. The time of day is taken in
// arrival's own location; tolerance extends the late threshold. It never
// returns absent or excused, those are administrative. Any instant after the
// threshold, fractions of a second included, is late.
func Classify(arrival time.Time, s schedule.Schedule) Status {
	if !arrival.After(s.EffectiveLateThreshold().On(arrival)) {
		return StatusPresent
	}
	return StatusLate
}
