package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

// Store persists attendance records. InsertRecord must enforce uniqueness on
// (identity, date) and report a violation as ErrDuplicate.
type Store interface {
	Record(ctx context.Context, identityID, date string) (Record, error)
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	ListRecords(ctx context.Context, f Filter) ([]Record, error)
}

// ScheduleSource yields the schedule in force.
type ScheduleSource interface {
	Active() schedule.Schedule
}

// CheckInResult reports whether this call created the day's record.
type CheckInResult struct {
	Created bool
	Record  Record
}

// Ledger keeps at most one record per identity per calendar day.
type Ledger struct {
	store        Store
	schedules    ScheduleSource
	loc          *time.Location
	writeTimeout time.Duration
}

// NewLedger creates a ledger. Calendar days are computed in loc.
func NewLedger(store Store, schedules ScheduleSource, loc *time.Location, writeTimeout time.Duration) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Ledger{store: store, schedules: schedules, loc: loc, writeTimeout: writeTimeout}
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// Location is the time zone calendar days are computed in.
func (l *Ledger) Location() *time.Location { return l.loc }

// CheckIn records the first arrival of the day for identityID. Later calls on
// the same day return the existing record with Created false. Once the insert
// is issued it runs to completion even if ctx is cancelled.
func (l *Ledger) CheckIn(ctx context.Context, identityID string, arrival time.Time, meta Metadata) (CheckInResult, error) {
	if identityID == "" {
		return CheckInResult{}, errors.New("identity required")
	}
	local := arrival.In(l.loc)
	date := local.Format(DateLayout)

	existing, err := l.store.Record(ctx, identityID, date)
	if err == nil {
		existing.Arrival = existing.Arrival.In(l.loc)
		return CheckInResult{Record: existing}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CheckInResult{}, fmt.Errorf("lookup attendance: %w", err)
	}

	active := l.schedules.Active()
	md := make(Metadata, len(meta)+1)
	for k, v := range meta {
		md[k] = v
	}
	if active.ID != "" {
		md["schedule_id"] = active.ID
	}
	rec := Record{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Date:       date,
		Arrival:    local,
		Status:     Classify(local, active),
		Method:     MethodFaceRecognition,
		Metadata:   md,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	stored, err := l.store.InsertRecord(writeCtx, rec)
	if errors.Is(err, ErrDuplicate) {
		winner, ferr := l.store.Record(writeCtx, identityID, date)
		if ferr != nil {
			return CheckInResult{}, fmt.Errorf("fetch concurrent attendance: %w", ferr)
		}
		log.Printf("attendance: concurrent check-in for %s on %s resolved to %s", identityID, date, winner.ID)
		winner.Arrival = winner.Arrival.In(l.loc)
		return CheckInResult{Record: winner}, nil
	}
	if err != nil {
		return CheckInResult{}, fmt.Errorf("insert attendance: %w", err)
	}
	return CheckInResult{Created: true, Record: stored}, nil
}

// List returns records matching f, newest date first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	records, err := l.store.ListRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	for i := range records {
		records[i].Arrival = records[i].Arrival.In(l.loc)
	}
	return records, nil
}
