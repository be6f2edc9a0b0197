package attendance

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidMethod is returned for a method other than qr or manual.
var ErrInvalidMethod = errors.New("invalid attendance method")

// Method records how an attendee was marked.
type Method string

const (
	MethodQR     Method = "qr"
	MethodManual Method = "manual"
)

// ParseMethod validates a method name; empty selects qr.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodQR:
		return MethodQR, nil
	case MethodManual:
		return MethodManual, nil
	}
	return "", ErrInvalidMethod
}

// Record is the fact that an attendee was present for a session. The pair
// (SessionID, AttendeeID) is unique.
type Record struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	AttendeeID string    `db:"attendee_id" json:"attendee_id"`
	Method     Method    `db:"method" json:"method"`
	MarkedAt   time.Time `db:"marked_at" json:"marked_at"`
}

// Repository stores attendance records.
type Repository interface {
	// InsertIfAbsent atomically inserts rec unless a record for the same
	// session and attendee exists. It returns the stored record and whether
	// this call created it.
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error)
	ListBySessions(ctx context.Context, sessionIDs []string, limit, offset int) ([]Record, error)
	ListByAttendee(ctx context.Context, attendeeID string, limit, offset int) ([]Record, error)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
