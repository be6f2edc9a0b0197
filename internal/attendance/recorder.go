// Package attendance records that an attendee was present for a session.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"qrattend/internal/directory"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/session"
)

// MarkedEventType is the queue message type published after a new mark.
const MarkedEventType = "attendance.marked"

// Outcome is the result of a mark attempt.
type Outcome string

const (
	Marked          Outcome = "marked"
	AlreadyMarked   Outcome = "already_marked"
	InvalidToken    Outcome = "invalid_token"
	ExpiredToken    Outcome = "expired_token"
	UnknownAttendee Outcome = "unknown_attendee"
	StoreError      Outcome = "store_error"

	// Outcomes of instructor-entered marks, which carry no token.
	UnknownSession Outcome = "unknown_session"
	SessionClosed  Outcome = "session_closed"
)

// Present reports whether the attendee is recorded present after the attempt.
func (o Outcome) Present() bool {
	return o == Marked || o == AlreadyMarked
}

// Sessions validates scanned tokens and looks sessions up.
type Sessions interface {
	ResolveToken(ctx context.Context, value string) (session.Session, session.Token, error)
	Get(ctx context.Context, id string) (session.Session, error)
	Closed(s session.Session) bool
}

// Publisher receives events about new marks.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// MarkRequest is one scan.
type MarkRequest struct {
	Token string
	// SessionID, when set, must match the session the token belongs to.
	SessionID   string
	ExternalRef string
	Method      Method
}

// Result carries the outcome and, for Marked and AlreadyMarked, the stored record.
type Result struct {
	Outcome Outcome
	Record  Record
}

// Recorder validates scans and writes attendance records.
type Recorder struct {
	sessions Sessions
	people   directory.Resolver
	repo     Repository
	pub      Publisher
	timeout  time.Duration
	now      func() time.Time
}

// NewRecorder wires a recorder. pub may be nil. Every store call is bounded
// by timeout.
func NewRecorder(sessions Sessions, people directory.Resolver, repo Repository, pub Publisher, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Recorder{
		sessions: sessions,
		people:   people,
		repo:     repo,
		pub:      pub,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for MarkedAt.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Mark validates the token, resolves the attendee and inserts the record if
// absent. The returned error is non-nil only for StoreError outcomes and for
// an invalid method. Mark never retries; repeating a scan is safe.
func (r *Recorder) Mark(ctx context.Context, req MarkRequest) (Result, error) {
	res, err := r.mark(ctx, req)
	if errors.Is(err, ErrInvalidMethod) {
		return res, err
	}
	metrics.Marks.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (r *Recorder) mark(ctx context.Context, req MarkRequest) (Result, error) {
	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return Result{}, err
	}

	var sess session.Session
	err = r.bounded(ctx, "resolve_token", func(ctx context.Context) error {
		var err error
		sess, _, err = r.sessions.ResolveToken(ctx, req.Token)
		return err
	})
	switch {
	case errors.Is(err, session.ErrTokenNotFound):
		return Result{Outcome: InvalidToken}, nil
	case errors.Is(err, session.ErrTokenExpired):
		return Result{Outcome: ExpiredToken}, nil
	case err != nil:
		return Result{Outcome: StoreError}, fmt.Errorf("resolve token: %w", err)
	}
	if req.SessionID != "" && req.SessionID != sess.ID {
		return Result{Outcome: InvalidToken}, nil
	}

	return r.record(ctx, sess.ID, req.ExternalRef, method)
}

// MarkManual records an attendee by session and reference without a token,
// as an instructor does for someone who could not scan. The session must
// exist and be open.
func (r *Recorder) MarkManual(ctx context.Context, sessionID, externalRef string) (Result, error) {
	res, err := r.markManual(ctx, sessionID, externalRef)
	metrics.Marks.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (r *Recorder) markManual(ctx context.Context, sessionID, externalRef string) (Result, error) {
	var sess session.Session
	err := r.bounded(ctx, "get_session", func(ctx context.Context) error {
		var err error
		sess, err = r.sessions.Get(ctx, sessionID)
		return err
	})
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return Result{Outcome: UnknownSession}, nil
	case err != nil:
		return Result{Outcome: StoreError}, fmt.Errorf("get session: %w", err)
	}
	if r.sessions.Closed(sess) {
		return Result{Outcome: SessionClosed}, nil
	}
	return r.record(ctx, sess.ID, externalRef, MethodManual)
}

// record resolves the attendee and inserts the record if absent.
func (r *Recorder) record(ctx context.Context, sessionID, externalRef string, method Method) (Result, error) {
	var attendeeID string
	err := r.bounded(ctx, "resolve_attendee", func(ctx context.Context) error {
		var err error
		attendeeID, err = r.people.Resolve(ctx, externalRef)
		return err
	})
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return Result{Outcome: UnknownAttendee}, nil
	case err != nil:
		return Result{Outcome: StoreError}, fmt.Errorf("resolve attendee: %w", err)
	}

	// A caller that has gone away by now gets nothing written.
	if err := ctx.Err(); err != nil {
		return Result{Outcome: StoreError}, err
	}

	var (
		stored   Record
		inserted bool
	)
	err = r.bounded(ctx, "insert_record", func(ctx context.Context) error {
		var err error
		stored, inserted, err = r.repo.InsertIfAbsent(ctx, Record{
			SessionID:  sessionID,
			AttendeeID: attendeeID,
			Method:     method,
			MarkedAt:   r.now(),
		})
		return err
	})
	if err != nil {
		return Result{Outcome: StoreError}, fmt.Errorf("insert attendance: %w", err)
	}
	if !inserted {
		return Result{Outcome: AlreadyMarked, Record: stored}, nil
	}

	r.publish(ctx, stored)
	return Result{Outcome: Marked, Record: stored}, nil
}

func (r *Recorder) bounded(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (r *Recorder) publish(ctx context.Context, rec Record) {
	if r.pub == nil {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Printf("encode marked event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.pub.Publish(ctx, queue.Message{Type: MarkedEventType, Body: body}); err != nil {
		log.Printf("queue publish for session %s failed: %v", rec.SessionID, err)
	}
}

// ListBySession returns a session's records, newest first.
func (r *Recorder) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.repo.ListBySession(ctx, sessionID, limit, offset)
}

// ListBySessions returns the records of several sessions, newest first.
func (r *Recorder) ListBySessions(ctx context.Context, sessionIDs []string, limit, offset int) ([]Record, error) {
	if len(sessionIDs) == 0 {
		return []Record{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.repo.ListBySessions(ctx, sessionIDs, limit, offset)
}

// ListByAttendee returns an attendee's records, newest first.
func (r *Recorder) ListByAttendee(ctx context.Context, attendeeID string, limit, offset int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.repo.ListByAttendee(ctx, attendeeID, limit, offset)
}
