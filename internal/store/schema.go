package store

import (
	"context"
	"fmt"
)

// schema is idempotent. session_tokens_one_active backs the single active
// token per session; attendance_records_session_attendee_key is the
// uniqueness the recorder relies on for deduplication.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 UUID PRIMARY KEY,
	class_label        TEXT NOT NULL,
	subject_label      TEXT NOT NULL,
	token_ttl_seconds  INTEGER NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	closes_at          TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS session_tokens (
	token       TEXT PRIMARY KEY,
	session_id  UUID NOT NULL REFERENCES sessions(id),
	issued_at   TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE UNIQUE INDEX IF NOT EXISTS session_tokens_one_active
	ON session_tokens (session_id) WHERE active;

CREATE TABLE IF NOT EXISTS attendees (
	id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	roll_number    TEXT UNIQUE,
	login_subject  TEXT UNIQUE,
	name           TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id           UUID PRIMARY KEY,
	session_id   UUID NOT NULL REFERENCES sessions(id),
	attendee_id  UUID NOT NULL REFERENCES attendees(id),
	method       TEXT NOT NULL CHECK (method IN ('qr', 'manual')),
	marked_at    TIMESTAMPTZ NOT NULL,
	CONSTRAINT attendance_records_session_attendee_key UNIQUE (session_id, attendee_id)
);

CREATE INDEX IF NOT EXISTS idx_attendance_session_marked
	ON attendance_records (session_id, marked_at DESC);
CREATE INDEX IF NOT EXISTS idx_attendance_attendee_marked
	ON attendance_records (attendee_id, marked_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_class_created
	ON sessions (class_label, created_at DESC);
`

// Migrate creates the tables the service reads and writes.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
