package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory. It is used for local
// development and tests; a single mutex makes every operation atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
	tokens   map[string]Token
	active   map[string]string // session id -> active token value
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		tokens:   make(map[string]Token),
		active:   make(map[string]string),
	}
}

func (r *MemoryRepository) CreateSession(_ context.Context, s Session, first Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[first.Value]; ok {
		return ErrTokenCollision
	}
	r.sessions[s.ID] = s
	r.tokens[first.Value] = first
	r.active[s.ID] = first.Value
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *MemoryRepository) RotateToken(_ context.Context, sessionID string, next Token, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Closed(now) {
		return ErrSessionClosed
	}
	if _, ok := r.tokens[next.Value]; ok {
		return ErrTokenCollision
	}
	r.deactivateLocked(sessionID)
	r.tokens[next.Value] = next
	r.active[sessionID] = next.Value
	return nil
}

func (r *MemoryRepository) RotateIfStale(_ context.Context, sessionID string, next Token, now, staleBefore time.Time) (Token, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Token{}, false, ErrSessionNotFound
	}
	if s.Closed(now) {
		return Token{}, false, ErrSessionClosed
	}
	if value, ok := r.active[sessionID]; ok {
		cur := r.tokens[value]
		if cur.IssuedAt.After(staleBefore) && !cur.Expired(now) {
			return cur, false, nil
		}
	}
	if _, ok := r.tokens[next.Value]; ok {
		return Token{}, false, ErrTokenCollision
	}
	r.deactivateLocked(sessionID)
	r.tokens[next.Value] = next
	r.active[sessionID] = next.Value
	return next, true, nil
}

func (r *MemoryRepository) ListByClass(_ context.Context, classLabel string) ([]Session, error) {
	r.mu.Lock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.ClassLabel == classLabel {
			out = append(out, s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) deactivateLocked(sessionID string) {
	if value, ok := r.active[sessionID]; ok {
		t := r.tokens[value]
		t.Active = false
		r.tokens[value] = t
		delete(r.active, sessionID)
	}
}

func (r *MemoryRepository) FindToken(_ context.Context, value string) (Token, Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[value]
	if !ok {
		return Token{}, Session{}, ErrTokenNotFound
	}
	return t, r.sessions[t.SessionID], nil
}

func (r *MemoryRepository) ActiveToken(_ context.Context, sessionID string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.active[sessionID]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return r.tokens[value], nil
}

func (r *MemoryRepository) DeactivateToken(_ context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[value]
	if !ok || !t.Active {
		return nil
	}
	r.deactivateLocked(t.SessionID)
	return nil
}

func (r *MemoryRepository) EndSession(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.EndedAt == nil {
		ended := now
		s.EndedAt = &ended
		r.sessions[id] = s
	}
	r.deactivateLocked(id)
	return nil
}

// ActiveCount returns how many tokens of the session are flagged active.
func (r *MemoryRepository) ActiveCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tokens {
		if t.SessionID == sessionID && t.Active {
			n++
		}
	}
	return n
}

var _ Repository = (*MemoryRepository)(nil)
