package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

const pgUniqueViolation = "23505"

// Postgres stores everything in Postgres through pgx, descriptors as pgvector columns.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with sane pool defaults and applies the schema.
func OpenPostgres(ctx context.Context, connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close closes the underlying pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// -------- Identities & descriptors --------

// Identity returns one identity.
func (p *Postgres) Identity(ctx context.Context, id string) (recognition.Identity, error) {
	var ident recognition.Identity
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, role, face_enrolled, enrolled_at
		FROM identities WHERE id = $1
	`, id).Scan(&ident.ID, &ident.Name, &role, &ident.FaceEnrolled, &ident.EnrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return recognition.Identity{}, recognition.ErrUnknownIdentity
	}
	if err != nil {
		return recognition.Identity{}, err
	}
	ident.Role = recognition.Role(role)
	return ident, nil
}

// UpsertIdentity creates or renames an identity. Enrollment status is kept.
func (p *Postgres) UpsertIdentity(ctx context.Context, ident recognition.Identity) (recognition.Identity, error) {
	var role string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO identities (id, name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			updated_at = NOW()
		RETURNING id, name, role, face_enrolled, enrolled_at
	`, ident.ID, ident.Name, string(ident.Role)).Scan(&ident.ID, &ident.Name, &role, &ident.FaceEnrolled, &ident.EnrolledAt)
	if err != nil {
		return recognition.Identity{}, err
	}
	ident.Role = recognition.Role(role)
	return ident, nil
}

// AddDescriptor stores d for identityID, primary when it is the first one,
// and marks the identity enrolled.
func (p *Postgres) AddDescriptor(ctx context.Context, identityID string, d recognition.Descriptor) (recognition.FaceDescriptor, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return recognition.FaceDescriptor{}, err
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE id = $1 FOR UPDATE`, identityID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return recognition.FaceDescriptor{}, recognition.ErrUnknownIdentity
	}
	if err != nil {
		return recognition.FaceDescriptor{}, err
	}

	fd := recognition.FaceDescriptor{ID: uuid.NewString(), IdentityID: identityID, Vector: d}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO face_descriptors (id, identity_id, vector, is_primary)
		VALUES ($1, $2, $3, NOT EXISTS (
			SELECT 1 FROM face_descriptors WHERE identity_id = $2 AND is_primary
		))
		RETURNING is_primary, created_at
	`, fd.ID, identityID, pgvector.NewVector(d)).Scan(&fd.Primary, &fd.CreatedAt)
	if err != nil {
		return recognition.FaceDescriptor{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE identities
		SET face_enrolled = TRUE, enrolled_at = COALESCE(enrolled_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, identityID); err != nil {
		return recognition.FaceDescriptor{}, err
	}
	if err := tx.Commit(); err != nil {
		return recognition.FaceDescriptor{}, err
	}
	return fd, nil
}

// Descriptors lists every descriptor in a stable order.
func (p *Postgres) Descriptors(ctx context.Context) ([]recognition.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
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
		var v pgvector.Vector
		if err := rows.Scan(&e.IdentityID, &e.DescriptorID, &e.Primary, &v); err != nil {
			return nil, err
		}
		e.Descriptor = v.Slice()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// -------- Schedules --------

// ActiveSchedule returns the single active schedule.
func (p *Postgres) ActiveSchedule(ctx context.Context) (schedule.Schedule, error) {
	var s schedule.Schedule
	var entry, late, exit string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, entry_time::text, late_threshold_time::text, exit_time::text,
			tolerance_minutes, active, created_at
		FROM schedules WHERE active
	`).Scan(&s.ID, &s.Name, &entry, &late, &exit, &s.ToleranceMinutes, &s.Active, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNoActiveSchedule
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := parseSchedule(&s, entry, late, exit); err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

// ReplaceActiveSchedule deactivates the current schedule and inserts s as
// active in one transaction. Concurrent readers see either the old or the new row.
func (p *Postgres) ReplaceActiveSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return schedule.Schedule{}, err
	}
	defer tx.Rollback()

	// Serializes writers without blocking plain SELECTs.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE schedules IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return schedule.Schedule{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schedules SET active = FALSE WHERE active`); err != nil {
		return schedule.Schedule{}, err
	}

	s.ID = uuid.NewString()
	s.Active = true
	err = tx.QueryRowContext(ctx, `
		INSERT INTO schedules (id, name, entry_time, late_threshold_time, exit_time, tolerance_minutes, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING created_at
	`, s.ID, s.Name, s.Entry.SQL(), s.LateThreshold.SQL(), s.Exit.SQL(), s.ToleranceMinutes).Scan(&s.CreatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

// -------- Attendance --------

func scanRecord(scan func(dest ...any) error) (attendance.Record, error) {
	var rec attendance.Record
	var status, method string
	var meta []byte
	if err := scan(&rec.ID, &rec.IdentityID, &rec.Date, &rec.Arrival, &status, &method, &meta, &rec.CreatedAt); err != nil {
		return attendance.Record{}, err
	}
	rec.Status = attendance.Status(status)
	rec.Method = attendance.Method(method)
	m, err := decodeMetadata(meta)
	if err != nil {
		return attendance.Record{}, err
	}
	rec.Metadata = m
	return rec, nil
}

const pgAttendanceSelect = `SELECT id, identity_id, date::text, arrival_time, status, method, metadata::text, created_at FROM attendance`

// Record returns the record of identityID on date.
func (p *Postgres) Record(ctx context.Context, identityID, date string) (attendance.Record, error) {
	row := p.db.QueryRowContext(ctx, pgAttendanceSelect+` WHERE identity_id = $1 AND date = $2`, identityID, date)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return rec, err
}

// InsertRecord writes rec, reporting the (identity, date) constraint as attendance.ErrDuplicate.
func (p *Postgres) InsertRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return attendance.Record{}, err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO attendance (`+attendanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`, rec.ID, rec.IdentityID, rec.Date, rec.Arrival, string(rec.Status), string(rec.Method), meta).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return attendance.Record{}, attendance.ErrDuplicate
	}
	if err != nil {
		return attendance.Record{}, err
	}
	return rec, nil
}

// ListRecords returns records matching f, newest first.
func (p *Postgres) ListRecords(ctx context.Context, f attendance.Filter) ([]attendance.Record, error) {
	where, args := listQuery(f, "date", dollar)
	rows, err := p.db.QueryContext(ctx, pgAttendanceSelect+where, args...)
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

// UpsertKiosk ensures a kiosk record exists with role.
func (p *Postgres) UpsertKiosk(ctx context.Context, kioskID string, role auth.Role) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id, role)
		VALUES ($1, $2)
		ON CONFLICT (kiosk_id) DO UPDATE SET role = EXCLUDED.role
	`, kioskID, string(role))
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (p *Postgres) SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, kiosk_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, kioskID, expiresAt)
	return err
}

// ConsumeRefreshToken revokes a live token and returns its kiosk.
func (p *Postgres) ConsumeRefreshToken(ctx context.Context, token string) (string, error) {
	var kioskID string
	err := p.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > NOW()
		RETURNING kiosk_id
	`, token).Scan(&kioskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrTokenRejected
	}
	return kioskID, err
}
