package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process directory for development and tests.
type Memory struct {
	scheme Scheme
	mu     sync.RWMutex
	byRef  map[string]Attendee
}

// NewMemory returns an empty directory keyed by scheme.
func NewMemory(scheme Scheme) *Memory {
	return &Memory{scheme: scheme, byRef: make(map[string]Attendee)}
}

// LoadMemory reads a JSON array of attendees from path.
func LoadMemory(path string, scheme Scheme) (*Memory, error) {
	m := NewMemory(scheme)
	if path == "" {
		return m, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var attendees []Attendee
	if err := json.Unmarshal(raw, &attendees); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	for _, a := range attendees {
		m.Add(a)
	}
	return m, nil
}

// Add registers an attendee, assigning an id when missing. Attendees without
// a reference under the directory's scheme are ignored.
func (m *Memory) Add(a Attendee) Attendee {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	ref := normalize(a.Ref(m.scheme))
	if ref == "" {
		return a
	}
	m.mu.Lock()
	m.byRef[ref] = a
	m.mu.Unlock()
	return a
}

func (m *Memory) Resolve(ctx context.Context, externalRef string) (string, error) {
	a, err := m.Get(ctx, externalRef)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (m *Memory) Get(_ context.Context, externalRef string) (Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byRef[normalize(externalRef)]
	if !ok {
		return Attendee{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) List(context.Context) ([]Attendee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Attendee, 0, len(m.byRef))
	for _, a := range m.byRef {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref(m.scheme) < out[j].Ref(m.scheme)
	})
	return out, nil
}

var _ Directory = (*Memory)(nil)
