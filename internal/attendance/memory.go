package attendance

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type pairKey struct {
	session  string
	attendee string
}

// MemoryRepository enforces the (session, attendee) uniqueness under a mutex.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[pairKey]Record
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[pairKey]Record)}
}

func (r *MemoryRepository) InsertIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	key := pairKey{session: rec.SessionID, attendee: rec.AttendeeID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[key]; ok {
		return existing, false, nil
	}
	r.records[key] = rec
	return rec, true, nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]Record, error) {
	return r.list(func(rec Record) bool { return rec.SessionID == sessionID }, limit, offset), nil
}

func (r *MemoryRepository) ListBySessions(_ context.Context, sessionIDs []string, limit, offset int) ([]Record, error) {
	want := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		want[id] = struct{}{}
	}
	return r.list(func(rec Record) bool {
		_, ok := want[rec.SessionID]
		return ok
	}, limit, offset), nil
}

func (r *MemoryRepository) ListByAttendee(_ context.Context, attendeeID string, limit, offset int) ([]Record, error) {
	return r.list(func(rec Record) bool { return rec.AttendeeID == attendeeID }, limit, offset), nil
}

func (r *MemoryRepository) list(match func(Record) bool, limit, offset int) []Record {
	limit, offset = clampPage(limit, offset)
	r.mu.Lock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarkedAt.Equal(out[j].MarkedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].MarkedAt.After(out[j].MarkedAt)
	})
	if offset >= len(out) {
		return []Record{}
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of stored records.
func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

var _ Repository = (*MemoryRepository)(nil)
