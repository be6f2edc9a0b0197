package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

const (
	MinTokenTTL = 10 * time.Second
	MaxTokenTTL = 10 * time.Minute

	maxCollisionRetries = 3
)

// TokenSource yields fresh token values.
type TokenSource interface {
	New() (string, error)
}

// Config bounds token and session lifetimes.
type Config struct {
	DefaultTTL time.Duration
	MaxAge     time.Duration
}

// Service implements session creation, rotation, lookup and termination on
// top of a Repository.
type Service struct {
	repo Repository
	gen  TokenSource
	cfg  Config
	now  func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo Repository, gen TokenSource, cfg Config) *Service {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 3 * time.Hour
	}
	return &Service{repo: repo, gen: gen, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < MinTokenTTL {
		ttl = MinTokenTTL
	}
	if ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}
	return ttl.Truncate(time.Second)
}

// CreateSession opens a session and issues its first active token with
// ExpiresAt = now + ttl. A non-positive ttl selects the configured default.
func (s *Service) CreateSession(ctx context.Context, classLabel, subjectLabel string, ttl time.Duration) (Session, Token, error) {
	classLabel = strings.TrimSpace(classLabel)
	subjectLabel = strings.TrimSpace(subjectLabel)
	if classLabel == "" || subjectLabel == "" {
		return Session{}, Token{}, ErrLabelsRequired
	}
	ttl = s.clampTTL(ttl)
	now := s.now()
	sess := Session{
		ID:              uuid.NewString(),
		ClassLabel:      classLabel,
		SubjectLabel:    subjectLabel,
		TokenTTLSeconds: int(ttl / time.Second),
		CreatedAt:       now,
		ClosesAt:        now.Add(s.cfg.MaxAge),
	}

	for attempt := 0; ; attempt++ {
		first, err := s.issue(sess, now)
		if err != nil {
			return Session{}, Token{}, err
		}
		err = s.repo.CreateSession(ctx, sess, first)
		if errors.Is(err, ErrTokenCollision) && attempt < maxCollisionRetries {
			continue
		}
		if err != nil {
			return Session{}, Token{}, fmt.Errorf("create session: %w", err)
		}
		metrics.TokensIssued.Inc()
		return sess, first, nil
	}
}

func (s *Service) issue(sess Session, now time.Time) (Token, error) {
	value, err := s.gen.New()
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:     value,
		SessionID: sess.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(sess.TokenTTL()),
		Active:    true,
	}, nil
}

// Rotate replaces the session's active token with a freshly generated one.
func (s *Service) Rotate(ctx context.Context, sessionID string) (Token, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Token{}, err
	}
	for attempt := 0; ; attempt++ {
		now := s.now()
		if sess.Closed(now) {
			return Token{}, ErrSessionClosed
		}
		next, err := s.issue(sess, now)
		if err != nil {
			return Token{}, err
		}
		err = s.repo.RotateToken(ctx, sessionID, next, now)
		if errors.Is(err, ErrTokenCollision) && attempt < maxCollisionRetries {
			continue
		}
		if err != nil {
			return Token{}, err
		}
		metrics.TokensIssued.Inc()
		metrics.Rotations.Inc()
		return next, nil
	}
}

// ResolveToken returns the session a token belongs to if the token may be
// used right now. Unknown values yield ErrTokenNotFound; rotated-out tokens,
// tokens of closed sessions and tokens at or past ExpiresAt yield
// ErrTokenExpired. An expired token still flagged active is deactivated as a
// side effect.
func (s *Service) ResolveToken(ctx context.Context, value string) (Session, Token, error) {
	if !token.Valid(value) {
		return Session{}, Token{}, ErrTokenNotFound
	}
	tok, sess, err := s.repo.FindToken(ctx, value)
	if err != nil {
		return Session{}, Token{}, err
	}
	if !tok.Active {
		return Session{}, Token{}, ErrTokenExpired
	}
	now := s.now()
	if tok.Expired(now) || sess.Closed(now) {
		if err := s.repo.DeactivateToken(ctx, value); err != nil {
			log.Printf("lazy deactivate of token for session %s failed: %v", sess.ID, err)
		}
		return Session{}, Token{}, ErrTokenExpired
	}
	return sess, tok, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Current returns the token that should be on display for the session,
// rotating server-side when the active one has lapsed or is missing.
func (s *Service) Current(ctx context.Context, sessionID string) (Session, Token, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, Token{}, err
	}
	if sess.Closed(s.now()) {
		return Session{}, Token{}, ErrSessionClosed
	}
	tok, err := s.repo.ActiveToken(ctx, sessionID)
	if err == nil && !tok.Expired(s.now()) {
		return sess, tok, nil
	}
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return Session{}, Token{}, err
	}
	tok, err = s.Rotate(ctx, sessionID)
	if err != nil {
		return Session{}, Token{}, err
	}
	return sess, tok, nil
}

// EndSession deactivates any active token and closes the session.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.repo.EndSession(ctx, sessionID, s.now())
}

// Stream emits the current token and then, every interval, whichever token
// is active once a stale one has been rotated out, until ctx is done, the
// session closes or emit fails. Several streams of one session share the
// rotations instead of each rotating on its own timer. Stream is a display
// aid; token validity never depends on it running.
func (s *Service) Stream(ctx context.Context, sessionID string, interval time.Duration, emit func(Token) error) error {
	_, tok, err := s.Current(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := emit(tok); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tok, err := s.Refresh(ctx, sessionID, interval)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := emit(tok); err != nil {
				return err
			}
		}
	}
}

// Refresh rotates the session's token only if the active one is at least
// maxAge old (less a tenth for timer jitter) or has expired, and otherwise
// returns the active token.
func (s *Service) Refresh(ctx context.Context, sessionID string, maxAge time.Duration) (Token, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Token{}, err
	}
	for attempt := 0; ; attempt++ {
		now := s.now()
		if sess.Closed(now) {
			return Token{}, ErrSessionClosed
		}
		next, err := s.issue(sess, now)
		if err != nil {
			return Token{}, err
		}
		staleBefore := now.Add(-(maxAge - maxAge/10))
		tok, rotated, err := s.repo.RotateIfStale(ctx, sessionID, next, now, staleBefore)
		if errors.Is(err, ErrTokenCollision) && attempt < maxCollisionRetries {
			continue
		}
		if err != nil {
			return Token{}, err
		}
		if rotated {
			metrics.TokensIssued.Inc()
			metrics.Rotations.Inc()
		}
		return tok, nil
	}
}

// Closed reports whether sess is closed by the service's clock.
func (s *Service) Closed(sess Session) bool {
	return sess.Closed(s.now())
}

// ListByClass returns the sessions of a class, newest first.
func (s *Service) ListByClass(ctx context.Context, classLabel string) ([]Session, error) {
	return s.repo.ListByClass(ctx, strings.TrimSpace(classLabel))
}
