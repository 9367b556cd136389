// Package store provides keyed state storage with atomic per-key updates.
//
// Rate windows, issued credentials, OAuth sessions and CSRF states all live
// behind Store so that a single instance can keep them in process memory
// while a horizontally scaled deployment shares them through Redis.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when an optimistic update kept losing races.
var ErrConflict = errors.New("store: update conflict")

// UpdateFunc computes the next value for a key from its current value.
// Returning keep=false removes the key. The function may be invoked more than
// once for a single Update call, so it must not have side effects, and it must
// not block: the memory backend runs it under the shard lock.
type UpdateFunc[T any] func(current T, exists bool) (next T, keep bool, err error)

// Store is a keyed store of values of type T.
//
// A ttl of zero means the entry never expires on its own.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Put(ctx context.Context, key string, value T, ttl time.Duration) error

	// Update atomically replaces the value of key with the result of fn and
	// returns the stored value and whether the key still exists.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc[T]) (T, bool, error)

	// Take atomically reads and removes key.
	Take(ctx context.Context, key string) (T, bool, error)

	Delete(ctx context.Context, key string) (bool, error)

	// Range calls fn for every live entry until fn returns false. The
	// iteration does not hold locks while fn runs, so fn may modify the store.
	Range(ctx context.Context, fn func(key string, value T) bool) error
}
