package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/clock"
)

const defaultShards = 32

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

type memoryShard[T any] struct {
	mu    sync.RWMutex
	items map[string]memoryEntry[T]
}

// Memory is a sharded in-process Store. Keys on different shards never
// contend with each other.
type Memory[T any] struct {
	shards []*memoryShard[T]
	clock  clock.Clock
}

var _ Store[struct{}] = (*Memory[struct{}])(nil)

// NewMemory creates an in-memory store using clk for expiry checks.
func NewMemory[T any](clk clock.Clock) *Memory[T] {
	if clk == nil {
		clk = clock.WallClock
	}
	m := &Memory[T]{
		shards: make([]*memoryShard[T], defaultShards),
		clock:  clk,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard[T]{items: make(map[string]memoryEntry[T])}
	}
	return m
}

func (m *Memory[T]) shardFor(key string) *memoryShard[T] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *Memory[T]) expired(e memoryEntry[T], now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (m *Memory[T]) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// Get returns the value stored under key.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	var zero T
	if !ok || m.expired(e, m.clock.Now()) {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Put stores value under key.
func (m *Memory[T]) Put(_ context.Context, key string, value T, ttl time.Duration) error {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = memoryEntry[T]{value: value, expiresAt: m.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

// Update applies fn to the current value of key under the shard lock.
func (m *Memory[T]) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc[T]) (T, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	current, exists := zero, false
	if e, ok := s.items[key]; ok {
		if m.expired(e, m.clock.Now()) {
			delete(s.items, key)
		} else {
			current, exists = e.value, true
		}
	}

	next, keep, err := fn(current, exists)
	if err != nil {
		return current, exists, err
	}
	if !keep {
		delete(s.items, key)
		return zero, false, nil
	}
	s.items[key] = memoryEntry[T]{value: next, expiresAt: m.deadline(ttl)}
	return next, true, nil
}

// Take removes key and returns its value.
func (m *Memory[T]) Take(_ context.Context, key string) (T, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()

	var zero T
	if !ok || m.expired(e, m.clock.Now()) {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Delete removes key.
func (m *Memory[T]) Delete(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return ok, nil
}

// Range visits a snapshot of each shard. Expired entries found on the way are
// dropped.
func (m *Memory[T]) Range(ctx context.Context, fn func(key string, value T) bool) error {
	type kv struct {
		key   string
		value T
	}
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := m.clock.Now()
		var snapshot []kv
		s.mu.Lock()
		for k, e := range s.items {
			if m.expired(e, now) {
				delete(s.items, k)
				continue
			}
			snapshot = append(snapshot, kv{key: k, value: e.value})
		}
		s.mu.Unlock()

		for _, item := range snapshot {
			if !fn(item.key, item.value) {
				return nil
			}
		}
	}
	return nil
}

// Len returns the number of entries, including ones that expired but have
// not been observed yet.
func (m *Memory[T]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
