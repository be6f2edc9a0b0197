package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"qrattend/internal/store"
)

const tokenPKey = "session_tokens_pkey"

// PGRepository persists sessions and tokens in Postgres.
type PGRepository struct {
	db *sqlx.DB
}

// NewPGRepository creates a repo.
func NewPGRepository(db *sqlx.DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) CreateSession(ctx context.Context, s Session, first Token) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO sessions (id, class_label, subject_label, token_ttl_seconds, created_at, closes_at)
		VALUES (:id, :class_label, :subject_label, :token_ttl_seconds, :created_at, :closes_at)
	`, s); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, first); err != nil {
		return err
	}
	return tx.Commit()
}

func insertToken(ctx context.Context, tx *sqlx.Tx, t Token) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO session_tokens (token, session_id, issued_at, expires_at, active)
		VALUES (:token, :session_id, :issued_at, :expires_at, :active)
	`, t)
	if store.IsUniqueViolation(err, tokenPKey) {
		return ErrTokenCollision
	}
	return err
}

func (r *PGRepository) GetSession(ctx context.Context, id string) (Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, ErrSessionNotFound
	}
	var s Session
	err := r.db.GetContext(ctx, &s, `
		SELECT id, class_label, subject_label, token_ttl_seconds, created_at, closes_at, ended_at
		FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// RotateToken locks the session row so concurrent rotations of the same
// session serialize; the partial unique index on active tokens is the
// backstop.
func (r *PGRepository) RotateToken(ctx context.Context, sessionID string, next Token, now time.Time) error {
	tx, err := r.lockOpenSession(ctx, sessionID, now)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := swapActive(ctx, tx, sessionID, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PGRepository) RotateIfStale(ctx context.Context, sessionID string, next Token, now, staleBefore time.Time) (Token, bool, error) {
	tx, err := r.lockOpenSession(ctx, sessionID, now)
	if err != nil {
		return Token{}, false, err
	}
	defer tx.Rollback()

	var cur Token
	err = tx.GetContext(ctx, &cur, `
		SELECT token, session_id, issued_at, expires_at, active
		FROM session_tokens
		WHERE session_id = $1 AND active
	`, sessionID)
	switch {
	case err == nil:
		if cur.IssuedAt.After(staleBefore) && !cur.Expired(now) {
			return cur, false, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Token{}, false, err
	}

	if err := swapActive(ctx, tx, sessionID, next); err != nil {
		return Token{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Token{}, false, err
	}
	return next, true, nil
}

// lockOpenSession begins a transaction holding the session row lock. The
// caller owns the returned transaction.
func (r *PGRepository) lockOpenSession(ctx context.Context, sessionID string, now time.Time) (*sqlx.Tx, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	var s Session
	err = tx.GetContext(ctx, &s, `
		SELECT id, class_label, subject_label, token_ttl_seconds, created_at, closes_at, ended_at
		FROM sessions WHERE id = $1
		FOR UPDATE
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrSessionNotFound
	} else if err == nil && s.Closed(now) {
		err = ErrSessionClosed
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

func swapActive(ctx context.Context, tx *sqlx.Tx, sessionID string, next Token) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE session_tokens SET active = FALSE
		WHERE session_id = $1 AND active
	`, sessionID); err != nil {
		return err
	}
	return insertToken(ctx, tx, next)
}

func (r *PGRepository) ListByClass(ctx context.Context, classLabel string) ([]Session, error) {
	sessions := make([]Session, 0)
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT id, class_label, subject_label, token_ttl_seconds, created_at, closes_at, ended_at
		FROM sessions
		WHERE class_label = $1
		ORDER BY created_at DESC
	`, classLabel)
	return sessions, err
}

func (r *PGRepository) FindToken(ctx context.Context, value string) (Token, Session, error) {
	var (
		t Token
		s Session
	)
	err := r.db.QueryRowxContext(ctx, `
		SELECT t.token, t.session_id, t.issued_at, t.expires_at, t.active,
		       s.id, s.class_label, s.subject_label, s.token_ttl_seconds, s.created_at, s.closes_at, s.ended_at
		FROM session_tokens t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.token = $1
	`, value).Scan(
		&t.Value, &t.SessionID, &t.IssuedAt, &t.ExpiresAt, &t.Active,
		&s.ID, &s.ClassLabel, &s.SubjectLabel, &s.TokenTTLSeconds, &s.CreatedAt, &s.ClosesAt, &s.EndedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, Session{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, Session{}, err
	}
	return t, s, nil
}

func (r *PGRepository) ActiveToken(ctx context.Context, sessionID string) (Token, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return Token{}, ErrTokenNotFound
	}
	var t Token
	err := r.db.GetContext(ctx, &t, `
		SELECT token, session_id, issued_at, expires_at, active
		FROM session_tokens
		WHERE session_id = $1 AND active
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

func (r *PGRepository) DeactivateToken(ctx context.Context, value string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE session_tokens SET active = FALSE
		WHERE token = $1 AND active
	`, value)
	return err
}

func (r *PGRepository) EndSession(ctx context.Context, id string, now time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrSessionNotFound
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET ended_at = COALESCE(ended_at, $2)
		WHERE id = $1
	`, id, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE session_tokens SET active = FALSE
		WHERE session_id = $1 AND active
	`, id); err != nil {
		return err
	}
	return tx.Commit()
}

var _ Repository = (*PGRepository)(nil)
