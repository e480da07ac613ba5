package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS identities (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'student' CHECK (role IN ('student', 'teacher')),
	face_enrolled INTEGER NOT NULL DEFAULT 0,
	enrolled_at   DATETIME,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS face_descriptors (
	id          TEXT PRIMARY KEY,
	identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	vector      TEXT NOT NULL,
	is_primary  INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS face_descriptors_one_primary ON face_descriptors (identity_id) WHERE is_primary = 1;

CREATE TABLE IF NOT EXISTS schedules (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	entry_time          TEXT NOT NULL,
	late_threshold_time TEXT NOT NULL,
	exit_time           TEXT NOT NULL,
	tolerance_minutes   INTEGER NOT NULL CHECK (tolerance_minutes >= 0),
	active              INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS schedules_one_active ON schedules (active) WHERE active = 1;

CREATE TABLE IF NOT EXISTS attendance (
	id           TEXT PRIMARY KEY,
	identity_id  TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	date         TEXT NOT NULL,
	arrival_time DATETIME NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent', 'excused')),
	method       TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (identity_id, date)
);
CREATE INDEX IF NOT EXISTS attendance_date ON attendance (date);

CREATE TABLE IF NOT EXISTS kiosks (
	kiosk_id   TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	kiosk_id   TEXT NOT NULL REFERENCES kiosks(kiosk_id) ON DELETE CASCADE,
	expires_at DATETIME NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite is the single-box backend. Write transactions use BEGIN IMMEDIATE
// so they serialize on the database lock.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Ping checks the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// -------- Identities & descriptors --------

func (s *SQLite) Identity(ctx context.Context, id string) (recognition.Identity, error) {
	return s.identity(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) identity(ctx context.Context, q queryer, id string) (recognition.Identity, error) {
	var ident recognition.Identity
	var role string
	var enrolledAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, name, role, face_enrolled, enrolled_at FROM identities WHERE id = ?
	`, id).Scan(&ident.ID, &ident.Name, &role, &ident.FaceEnrolled, &enrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return recognition.Identity{}, recognition.ErrUnknownIdentity
	}
	if err != nil {
		return recognition.Identity{}, err
	}
	ident.Role = recognition.Role(role)
	if enrolledAt.Valid {
		t := enrolledAt.Time
		ident.EnrolledAt = &t
	}
	return ident, nil
}

func (s *SQLite) UpsertIdentity(ctx context.Context, ident recognition.Identity) (recognition.Identity, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, name, role)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			updated_at = CURRENT_TIMESTAMP
	`, ident.ID, ident.Name, string(ident.Role))
	if err != nil {
		return recognition.Identity{}, err
	}
	return s.Identity(ctx, ident.ID)
}

func (s *SQLite) AddDescriptor(ctx context.Context, identityID string, d recognition.Descriptor) (recognition.FaceDescriptor, error) {
	vec, err := json.Marshal(d)
	if err != nil {
		return recognition.FaceDescriptor{}, fmt.Errorf("encode descriptor: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return recognition.FaceDescriptor{}, err
	}
	defer tx.Rollback()

	if _, err := s.identity(ctx, tx, identityID); err != nil {
		return recognition.FaceDescriptor{}, err
	}

	var primaries int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM face_descriptors WHERE identity_id = ? AND is_primary = 1
	`, identityID).Scan(&primaries); err != nil {
		return recognition.FaceDescriptor{}, err
	}

	fd := recognition.FaceDescriptor{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Vector:     d,
		Primary:    primaries == 0,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO face_descriptors (id, identity_id, vector, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, fd.ID, identityID, string(vec), fd.Primary, fd.CreatedAt); err != nil {
		return recognition.FaceDescriptor{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE identities
		SET face_enrolled = 1, enrolled_at = COALESCE(enrolled_at, ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, fd.CreatedAt, identityID); err != nil {
		return recognition.FaceDescriptor{}, err
	}
	if err := tx.Commit(); err != nil {
		return recognition.FaceDescriptor{}, err
	}
	return fd, nil
}

func (s *SQLite) Descriptors(ctx context.Context) ([]recognition.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, id, is_primary, vector
		FROM face_descriptors
		ORDER BY identity_id, is_primary DESC, created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []recognition.Entry
	for rows.Next() {
		var e recognition.Entry
		var raw string
		if err := rows.Scan(&e.IdentityID, &e.DescriptorID, &e.Primary, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Descriptor); err != nil {
			return nil, fmt.Errorf("decode descriptor %s: %w", e.DescriptorID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// -------- Schedules --------

func (s *SQLite) ActiveSchedule(ctx context.Context) (schedule.Schedule, error) {
	var sc schedule.Schedule
	var entry, late, exit string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, entry_time, late_threshold_time, exit_time, tolerance_minutes, active, created_at
		FROM schedules WHERE active = 1
	`).Scan(&sc.ID, &sc.Name, &entry, &late, &exit, &sc.ToleranceMinutes, &sc.Active, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNoActiveSchedule
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := parseSchedule(&sc, entry, late, exit); err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *SQLite) ReplaceActiveSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schedule.Schedule{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE schedules SET active = 0 WHERE active = 1`); err != nil {
		return schedule.Schedule{}, err
	}
	sc.ID = uuid.NewString()
	sc.Active = true
	sc.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schedules (id, name, entry_time, late_threshold_time, exit_time, tolerance_minutes, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`, sc.ID, sc.Name, sc.Entry.SQL(), sc.LateThreshold.SQL(), sc.Exit.SQL(), sc.ToleranceMinutes, sc.CreatedAt); err != nil {
		return schedule.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

// -------- Attendance --------

const sqliteAttendanceSelect = `SELECT ` + attendanceColumns + ` FROM attendance`

func (s *SQLite) Record(ctx context.Context, identityID, date string) (attendance.Record, error) {
	row := s.db.QueryRowContext(ctx, sqliteAttendanceSelect+` WHERE identity_id = ? AND date = ?`, identityID, date)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return rec, err
}

func (s *SQLite) InsertRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attendance (`+attendanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.IdentityID, rec.Date, rec.Arrival, string(rec.Status), string(rec.Method), meta, rec.CreatedAt)
	if isSQLiteUnique(err) {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	if err != nil {
		return attendance.Record{}, err
	}
	return rec, nil
}

func (s *SQLite) ListRecords(ctx context.Context, f attendance.Filter) ([]attendance.Record, error) {
	where, args := listQuery(f, "date", question)
	rows, err := s.db.QueryContext(ctx, sqliteAttendanceSelect+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []attendance.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// -------- Kiosks --------

func (s *SQLite) UpsertKiosk(ctx context.Context, kioskID string, role auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id, role) VALUES (?, ?)
		ON CONFLICT (kiosk_id) DO UPDATE SET role = excluded.role
	`, kioskID, string(role))
	return err
}

func (s *SQLite) SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, kiosk_id, expires_at) VALUES (?, ?, ?)
	`, token, kioskID, expiresAt.UTC())
	return err
}

func (s *SQLite) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var kioskID string
	var expiresAt time.Time
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT kiosk_id, expires_at FROM refresh_tokens WHERE token = ? AND revoked = 0
	`, token).Scan(&kioskID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrTokenRejected
	}
	if err != nil {
		return "", err
	}
	if !expiresAt.After(time.Now()) {
		return "", auth.ErrTokenRejected
	}
	if _, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return kioskID, nil
}
