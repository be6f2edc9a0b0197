package attendance

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PGRepository persists attendance records in Postgres.
type PGRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *PGRepository {
	return &PGRepository{db: db}
}

// InsertIfAbsent relies on the (session_id, attendee_id) unique constraint:
// of any number of concurrent inserts exactly one returns a row, the others
// fall through to reading the committed winner.
func (r *PGRepository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var stored Record
	err := r.db.GetContext(ctx, &stored, `
		INSERT INTO attendance_records (id, session_id, attendee_id, method, marked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, attendee_id) DO NOTHING
		RETURNING id, session_id, attendee_id, method, marked_at
	`, rec.ID, rec.SessionID, rec.AttendeeID, string(rec.Method), rec.MarkedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, err
	}

	err = r.db.GetContext(ctx, &stored, `
		SELECT id, session_id, attendee_id, method, marked_at
		FROM attendance_records
		WHERE session_id = $1 AND attendee_id = $2
	`, rec.SessionID, rec.AttendeeID)
	if err != nil {
		return Record{}, false, err
	}
	return stored, false, nil
}

// ListBySession returns a session's records, newest first.
func (r *PGRepository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return []Record{}, nil
	}
	limit, offset = clampPage(limit, offset)
	records := make([]Record, 0)
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, session_id, attendee_id, method, marked_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	return records, err
}

// ListBySessions returns the records of several sessions, newest first.
// Malformed ids are skipped.
func (r *PGRepository) ListBySessions(ctx context.Context, sessionIDs []string, limit, offset int) ([]Record, error) {
	ids := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	limit, offset = clampPage(limit, offset)
	query, args, err := sqlx.In(`
		SELECT id, session_id, attendee_id, method, marked_at
		FROM attendance_records
		WHERE session_id IN (?)
		ORDER BY marked_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ids, limit, offset)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0)
	err = r.db.SelectContext(ctx, &records, r.db.Rebind(query), args...)
	return records, err
}

// ListByAttendee returns an attendee's records across sessions, newest first.
func (r *PGRepository) ListByAttendee(ctx context.Context, attendeeID string, limit, offset int) ([]Record, error) {
	if _, err := uuid.Parse(attendeeID); err != nil {
		return []Record{}, nil
	}
	limit, offset = clampPage(limit, offset)
	records := make([]Record, 0)
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, session_id, attendee_id, method, marked_at
		FROM attendance_records
		WHERE attendee_id = $1
		ORDER BY marked_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, attendeeID, limit, offset)
	return records, err
}

var _ Repository = (*PGRepository)(nil)
