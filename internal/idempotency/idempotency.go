// Package idempotency records which request keys have already been applied
// so that a retried claim transition is answered instead of re-run.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store reserves idempotency keys. Reserve returns (value, true) when the key
// was free and is now held, or (existing value, false) when it was already
// taken.
type Store interface {
	Reserve(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type entry struct {
	value   string
	expires time.Time
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]entry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]entry), now: time.Now}
}

func (s *MemoryStore) Reserve(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.keys[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return e.value, false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.keys[key] = e
	return value, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
