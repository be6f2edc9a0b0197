// Package presence keeps a live headcount per session from attendance events.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

// Counter stores the number of attendees marked present per session.
type Counter interface {
	Incr(ctx context.Context, sessionID string) (int64, error)
	Get(ctx context.Context, sessionID string) (int64, error)
}

// RedisCounter keeps counts under presence:<session_id>, expiring after ttl.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCounter(client *redis.Client, ttl time.Duration) *RedisCounter {
	return &RedisCounter{client: client, ttl: ttl}
}

func key(sessionID string) string {
	return "presence:" + sessionID
}

func (c *RedisCounter) Incr(ctx context.Context, sessionID string) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key(sessionID))
	if c.ttl > 0 {
		pipe.Expire(ctx, key(sessionID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Get(ctx context.Context, sessionID string) (int64, error) {
	raw, err := c.client.Get(ctx, key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// MemoryCounter is an in-process Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, sessionID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	return c.counts[sessionID], nil
}

func (c *MemoryCounter) Get(_ context.Context, sessionID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[sessionID], nil
}

var (
	_ Counter = (*RedisCounter)(nil)
	_ Counter = (*MemoryCounter)(nil)
)

// Tracker consumes attendance.marked events and bumps the session counter.
// Only Marked outcomes are published, so each attendee counts once.
type Tracker struct {
	q       queue.Queue
	counter Counter
}

func NewTracker(q queue.Queue, counter Counter) *Tracker {
	return &Tracker{q: q, counter: counter}
}

// Run blocks until ctx is done or the queue closes.
func (t *Tracker) Run(ctx context.Context) error {
	messages, err := t.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	for msg := range messages {
		result := "counted"
		if err := t.Handle(ctx, msg); err != nil {
			result = "failed"
			log.Printf("presence: %v", err)
		} else if msg.Type != attendance.MarkedEventType {
			result = "skipped"
		}
		metrics.PresenceEvents.WithLabelValues(result).Inc()
	}
	return nil
}

// Handle applies a single message. Messages of other types are ignored.
func (t *Tracker) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != attendance.MarkedEventType {
		return nil
	}
	var rec attendance.Record
	if err := json.Unmarshal(msg.Body, &rec); err != nil {
		return fmt.Errorf("decode marked event: %w", err)
	}
	if rec.SessionID == "" {
		return errors.New("marked event without session id")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := t.counter.Incr(ctx, rec.SessionID); err != nil {
		return fmt.Errorf("incr session %s: %w", rec.SessionID, err)
	}
	return nil
}
