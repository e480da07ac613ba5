package store

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS identities (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'student' CHECK (role IN ('student', 'teacher')),
		face_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
		enrolled_at   TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS face_descriptors (
		id          TEXT PRIMARY KEY,
		identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		vector      vector(128) NOT NULL,
		is_primary  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS face_descriptors_one_primary ON face_descriptors (identity_id) WHERE is_primary`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		entry_time          TIME NOT NULL,
		late_threshold_time TIME NOT NULL,
		exit_time           TIME NOT NULL,
		tolerance_minutes   INTEGER NOT NULL CHECK (tolerance_minutes >= 0),
		active              BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (entry_time < late_threshold_time AND late_threshold_time < exit_time)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS schedules_one_active ON schedules (active) WHERE active`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id           TEXT PRIMARY KEY,
		identity_id  TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		date         DATE NOT NULL,
		arrival_time TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent', 'excused')),
		method       TEXT NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (identity_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_date ON attendance (date)`,
	`CREATE TABLE IF NOT EXISTS kiosks (
		kiosk_id   TEXT PRIMARY KEY,
		role       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token      TEXT PRIMARY KEY,
		kiosk_id   TEXT NOT NULL REFERENCES kiosks(kiosk_id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
