package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Store persists schedules. ReplaceActiveSchedule must deactivate the current
// schedule and insert the new active one in a single transaction.
type Store interface {
	ActiveSchedule(ctx context.Context) (Schedule, error)
	ReplaceActiveSchedule(ctx context.Context, s Schedule) (Schedule, error)
}

// Registry serves the active schedule. Reads are a single atomic load; writes
// commit to the store first and then swap the pointer.
type Registry struct {
	store   Store
	mu      sync.Mutex
	current atomic.Pointer[Schedule]
}

// NewRegistry returns a registry serving fallback until Load or Replace
// finds a stored schedule.
func NewRegistry(store Store, fallback Schedule) *Registry {
	r := &Registry{store: store}
	fallback.Active = true
	r.current.Store(&fallback)
	return r
}

// Load refreshes the cached schedule from the store. With nothing stored the
// current schedule is kept.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.store.ActiveSchedule(ctx)
	if errors.Is(err, ErrNoActiveSchedule) {
		log.Printf("schedule: none stored, serving %q", r.current.Load().Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load active schedule: %w", err)
	}
	r.current.Store(&s)
	return nil
}

// Active returns the schedule in force. It never blocks on Replace.
func (r *Registry) Active() Schedule {
	return *r.current.Load()
}

// Replace validates s, makes it the only active schedule and returns the
// stored copy. On any error the previous schedule stays active.
func (r *Registry) Replace(ctx context.Context, s Schedule) (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	s.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.ReplaceActiveSchedule(ctx, s)
	if err != nil {
		return Schedule{}, fmt.Errorf("replace active schedule: %w", err)
	}
	r.current.Store(&stored)
	log.Printf("schedule: %q active (entry %s, late %s +%dm, exit %s)",
		stored.Name, stored.Entry, stored.LateThreshold, stored.ToleranceMinutes, stored.Exit)
	return stored, nil
}
