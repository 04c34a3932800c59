package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when an optimistic transaction keeps losing
// races for the same key.
var ErrContention = errors.New("rate limit transaction contention")

// RedisStore keeps each window in a hash guarded by WATCH/MULTI.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	maxRetries int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix (default "ratelimit").
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL expires idle windows after d. Use at least two windows so the
// sliding algorithm can still see the previous count.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// WithRedisRetries bounds the optimistic retry loop.
func WithRedisRetries(n int) RedisOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// NewRedisStore returns a Store backed by rdb.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		prefix:     "ratelimit",
		ttl:        2 * time.Minute,
		maxRetries: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, key string, fn func(cur *Window) (Window, bool)) error {
	rkey := s.key(key)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return fmt.Errorf("read window: %w", err)
		}
		cur, err := decodeWindow(vals)
		if err != nil {
			return err
		}

		next, write := fn(cur)
		if !write {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey,
				"count", next.Count,
				"prev", next.PrevCount,
				"start", next.Start.UnixNano(),
			)
			if s.ttl > 0 {
				pipe.PExpire(ctx, rkey, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func decodeWindow(vals map[string]string) (*Window, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return nil, fmt.Errorf("decode count: %w", err)
	}
	prev, err := strconv.Atoi(vals["prev"])
	if err != nil {
		return nil, fmt.Errorf("decode prev: %w", err)
	}
	start, err := strconv.ParseInt(vals["start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode start: %w", err)
	}
	return &Window{Count: count, PrevCount: prev, Start: time.Unix(0, start)}, nil
}
