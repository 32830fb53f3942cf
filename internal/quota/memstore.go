package quota

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryCounterStore is a process-local CounterStore with lazy TTL
// expiration. It serves single-instance deployments and tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

// NewMemoryCounterStore returns an empty counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// live returns the counter for key, discarding it first if expired.
func (s *MemoryCounterStore) live(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !c.expiresAt.IsZero() && s.now().After(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryCounterStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(key)
	if c == nil {
		c = &counter{}
		s.counters[key] = c
	}
	c.value += delta
	return c.value, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(key)
	if c == nil {
		return 0, nil
	}
	return c.value, nil
}

func (s *MemoryCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(key); c != nil {
		c.expiresAt = s.now().Add(ttl)
	}
	return nil
}
