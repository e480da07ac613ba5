package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

type recordKey struct{ identity, date string }

type refreshToken struct {
	kioskID   string
	expiresAt time.Time
	revoked   bool
}

// Memory keeps everything in process memory, for development and tests.
// It enforces the same uniqueness rules as the SQL backends.
type Memory struct {
	mu          sync.RWMutex
	identities  map[string]recognition.Identity
	descriptors []recognition.FaceDescriptor
	schedules   []schedule.Schedule
	records     map[recordKey]attendance.Record
	kiosks      map[string]auth.Role
	tokens      map[string]*refreshToken
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		identities: map[string]recognition.Identity{},
		records:    map[recordKey]attendance.Record{},
		kiosks:     map[string]auth.Role{},
		tokens:     map[string]*refreshToken{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Identity(_ context.Context, id string) (recognition.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	if !ok {
		return recognition.Identity{}, recognition.ErrUnknownIdentity
	}
	return ident, nil
}

func (m *Memory) UpsertIdentity(_ context.Context, ident recognition.Identity) (recognition.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.identities[ident.ID]; ok {
		ident.FaceEnrolled, ident.EnrolledAt = prev.FaceEnrolled, prev.EnrolledAt
	}
	m.identities[ident.ID] = ident
	return ident, nil
}

func (m *Memory) AddDescriptor(_ context.Context, identityID string, d recognition.Descriptor) (recognition.FaceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[identityID]
	if !ok {
		return recognition.FaceDescriptor{}, recognition.ErrUnknownIdentity
	}

	primary := true
	for _, existing := range m.descriptors {
		if existing.IdentityID == identityID && existing.Primary {
			primary = false
			break
		}
	}
	fd := recognition.FaceDescriptor{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Vector:     append(recognition.Descriptor(nil), d...),
		Primary:    primary,
		CreatedAt:  time.Now().UTC(),
	}
	m.descriptors = append(m.descriptors, fd)

	ident.FaceEnrolled = true
	if ident.EnrolledAt == nil {
		at := fd.CreatedAt
		ident.EnrolledAt = &at
	}
	m.identities[identityID] = ident
	return fd, nil
}

func (m *Memory) Descriptors(context.Context) ([]recognition.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]recognition.Entry, 0, len(m.descriptors))
	for _, fd := range m.descriptors {
		entries = append(entries, recognition.Entry{
			IdentityID:   fd.IdentityID,
			DescriptorID: fd.ID,
			Primary:      fd.Primary,
			Descriptor:   fd.Vector,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IdentityID != entries[j].IdentityID {
			return entries[i].IdentityID < entries[j].IdentityID
		}
		return entries[i].Primary && !entries[j].Primary
	})
	return entries, nil
}

func (m *Memory) ActiveSchedule(context.Context) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.schedules {
		if s.Active {
			return s, nil
		}
	}
	return schedule.Schedule{}, schedule.ErrNoActiveSchedule
}

func (m *Memory) ReplaceActiveSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.schedules {
		m.schedules[i].Active = false
	}
	s.ID = uuid.NewString()
	s.Active = true
	s.CreatedAt = time.Now().UTC()
	m.schedules = append(m.schedules, s)
	return s, nil
}

func (m *Memory) Record(_ context.Context, identityID, date string) (attendance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{identityID, date}]
	if !ok {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) InsertRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{rec.IdentityID, rec.Date}
	if _, exists := m.records[k]; exists {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	rec.CreatedAt = time.Now().UTC()
	m.records[k] = rec
	return rec, nil
}

func (m *Memory) ListRecords(_ context.Context, f attendance.Filter) ([]attendance.Record, error) {
	m.mu.RLock()
	var res []attendance.Record
	for _, rec := range m.records {
		if f.IdentityID != "" && rec.IdentityID != f.IdentityID {
			continue
		}
		if f.From != "" && rec.Date < f.From {
			continue
		}
		if f.To != "" && rec.Date > f.To {
			continue
		}
		res = append(res, rec)
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].Date != res[j].Date {
			return res[i].Date > res[j].Date
		}
		return res[i].Arrival.After(res[j].Arrival)
	})
	if f.Offset >= len(res) {
		return nil, nil
	}
	res = res[f.Offset:]
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *Memory) UpsertKiosk(_ context.Context, kioskID string, role auth.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kiosks[kioskID] = role
	return nil
}

func (m *Memory) SaveRefreshToken(_ context.Context, kioskID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = &refreshToken{kioskID: kioskID, expiresAt: expiresAt}
	return nil
}

func (m *Memory) ConsumeRefreshToken(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.revoked || !t.expiresAt.After(time.Now()) {
		return "", auth.ErrTokenRejected
	}
	t.revoked = true
	return t.kioskID, nil
}
