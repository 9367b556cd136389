package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxRetries = 16
	scanBatch         = 256
)

// Redis is a Store shared between processes. Values are JSON encoded and
// updates use WATCH/MULTI so a key is never half written.
type Redis[T any] struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

var _ Store[struct{}] = (*Redis[struct{}])(nil)

// RedisOptions configures the shared client.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis-backed store whose keys all start with prefix.
func NewRedis[T any](client redis.UniversalClient, prefix string) *Redis[T] {
	return &Redis[T]{
		client:     client,
		prefix:     prefix,
		maxRetries: defaultMaxRetries,
	}
}

func (r *Redis[T]) key(k string) string {
	return r.prefix + k
}

func (r *Redis[T]) decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode stored value: %w", err)
	}
	return v, nil
}

// Get returns the value stored under key.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get: %w", err)
	}
	v, err := r.decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Put stores value under key.
func (r *Redis[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Update runs fn inside an optimistic transaction on key, retrying when
// another writer touched the key in between.
func (r *Redis[T]) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc[T]) (T, bool, error) {
	var (
		zero   T
		result T
		kept   bool
	)
	full := r.key(key)

	txn := func(tx *redis.Tx) error {
		current, exists := zero, false
		data, err := tx.Get(ctx, full).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			if current, err = r.decode(data); err != nil {
				return err
			}
			exists = true
		}

		next, keep, err := fn(current, exists)
		if err != nil {
			return err
		}

		var payload []byte
		if keep {
			if payload, err = json.Marshal(next); err != nil {
				return fmt.Errorf("failed to encode value: %w", err)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keep {
				pipe.Set(ctx, full, payload, ttl)
			} else {
				pipe.Del(ctx, full)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result, kept = next, keep
		return nil
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txn, full)
		if err == nil {
			if !kept {
				return zero, false, nil
			}
			return result, true, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return zero, false, err
	}
	return zero, false, ErrConflict
}

// Take reads and removes key with GETDEL.
func (r *Redis[T]) Take(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := r.client.GetDel(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis getdel: %w", err)
	}
	v, err := r.decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Delete removes key.
func (r *Redis[T]) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Range scans every key under the prefix. Keys that vanish between SCAN and
// GET are skipped.
func (r *Redis[T]) Range(ctx context.Context, fn func(key string, value T) bool) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		key := strings.TrimPrefix(full, r.prefix)
		v, ok, err := r.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(key, v) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
