// Package session owns attendance sessions and the rotating tokens that
// prove a scanner is looking at the QR code currently on display.
//
// A session has at most one active token at any instant. Tokens leave the
// active state by expiring, by being rotated out, or by their session ending;
// all three are terminal and none of them can be used to mark attendance.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenExpired    = errors.New("token expired")
	ErrLabelsRequired  = errors.New("class and subject labels required")
	// ErrTokenCollision means a generated value already exists in the store.
	ErrTokenCollision = errors.New("token value collision")
)

// Session is one attendance-taking window.
type Session struct {
	ID              string     `db:"id" json:"session_id"`
	ClassLabel      string     `db:"class_label" json:"class_label"`
	SubjectLabel    string     `db:"subject_label" json:"subject_label"`
	TokenTTLSeconds int        `db:"token_ttl_seconds" json:"token_ttl_seconds"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ClosesAt        time.Time  `db:"closes_at" json:"closes_at"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// TokenTTL is the lifetime given to every token issued for the session.
func (s Session) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSeconds) * time.Second
}

// Closed reports whether the session was ended or ran past its natural timeout.
func (s Session) Closed(now time.Time) bool {
	return s.EndedAt != nil || !now.Before(s.ClosesAt)
}

// Token is the rotating credential embedded in the QR payload.
type Token struct {
	Value     string    `db:"token" json:"token"`
	SessionID string    `db:"session_id" json:"session_id"`
	IssuedAt  time.Time `db:"issued_at" json:"issued_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Active    bool      `db:"active" json:"active"`
}

// Expired reports whether now is at or past ExpiresAt. The boundary instant
// counts as expired.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Repository persists sessions and tokens. Implementations must make
// RotateToken atomic per session: however many callers rotate at once, at
// most one token of the session is active.
type Repository interface {
	CreateSession(ctx context.Context, s Session, first Token) error
	GetSession(ctx context.Context, id string) (Session, error)
	// RotateToken deactivates the session's active token and activates next.
	// It fails with ErrSessionClosed if the session is closed at now.
	RotateToken(ctx context.Context, sessionID string, next Token, now time.Time) error
	// RotateIfStale behaves like RotateToken unless the active token was
	// issued after staleBefore and is unexpired at now; that token is then
	// returned unchanged. The bool reports whether next was activated.
	RotateIfStale(ctx context.Context, sessionID string, next Token, now, staleBefore time.Time) (Token, bool, error)
	// ListByClass returns the sessions of a class, newest first.
	ListByClass(ctx context.Context, classLabel string) ([]Session, error)
	FindToken(ctx context.Context, value string) (Token, Session, error)
	ActiveToken(ctx context.Context, sessionID string) (Token, error)
	DeactivateToken(ctx context.Context, value string) error
	EndSession(ctx context.Context, id string, now time.Time) error
}
