// Package store implements the descriptor, schedule, attendance and kiosk
// stores on Postgres, SQLite and process memory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

// Backend is everything the services need from storage.
type Backend interface {
	recognition.Source
	schedule.Store
	attendance.Store
	auth.Store

	Identity(ctx context.Context, id string) (recognition.Identity, error)
	UpsertIdentity(ctx context.Context, id recognition.Identity) (recognition.Identity, error)
	AddDescriptor(ctx context.Context, identityID string, d recognition.Descriptor) (recognition.FaceDescriptor, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects the backend named by kind ("postgres", "sqlite" or "memory").
func Open(ctx context.Context, kind, databaseURL, sqlitePath string) (Backend, error) {
	switch kind {
	case "postgres":
		pg, err := OpenPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", kind)
}

const attendanceColumns = `id, identity_id, date, arrival_time, status, method, metadata, created_at`

// listQuery builds the attendance range query. ph renders the nth placeholder.
func listQuery(f attendance.Filter, dateExpr string, ph func(n int) string) (string, []any) {
	args := []any{}
	clauses := []string{}
	if f.IdentityID != "" {
		args = append(args, f.IdentityID)
		clauses = append(clauses, "identity_id = "+ph(len(args)))
	}
	if f.From != "" {
		args = append(args, f.From)
		clauses = append(clauses, dateExpr+" >= "+ph(len(args)))
	}
	if f.To != "" {
		args = append(args, f.To)
		clauses = append(clauses, dateExpr+" <= "+ph(len(args)))
	}
	query := ""
	if len(clauses) > 0 {
		query = " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += " ORDER BY date DESC, arrival_time DESC LIMIT " + ph(len(args)-1) + " OFFSET " + ph(len(args))
	return query, args
}

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func question(int) string { return "?" }

func encodeMetadata(m attendance.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw []byte) (attendance.Metadata, error) {
	if len(raw) == 0 {
		return attendance.Metadata{}, nil
	}
	var m attendance.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func parseSchedule(s *schedule.Schedule, entry, late, exit string) error {
	var err error
	if s.Entry, err = schedule.ParseClock(entry); err != nil {
		return err
	}
	if s.LateThreshold, err = schedule.ParseClock(late); err != nil {
		return err
	}
	if s.Exit, err = schedule.ParseClock(exit); err != nil {
		return err
	}
	return nil
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Memory)(nil)
)
