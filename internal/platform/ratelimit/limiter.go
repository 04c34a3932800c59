package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store persists one Window per key. Update must load the window, call fn
// and persist the returned window (when fn asks for it) as one atomic unit.
// Implementations that retry on contention may call fn more than once.
type Store interface {
	Update(ctx context.Context, key string, fn func(cur *Window) (Window, bool)) error
	Reset(ctx context.Context, key string) error
}

// Limiter applies a Config to keys backed by a Store.
type Limiter struct {
	store   Store
	cfg     Config
	now     func() time.Time
	metrics *Metrics
	backend string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records decisions and store errors on m.
func WithMetrics(m *Metrics, backend string) Option {
	return func(l *Limiter) {
		l.metrics = m
		l.backend = backend
	}
}

// NewLimiter validates cfg and returns a Limiter over store.
func NewLimiter(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now, backend: "unknown"}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Allow counts one request for key and reports whether it may proceed.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	start := time.Now()
	var d Decision
	err := l.store.Update(ctx, key, func(cur *Window) (Window, bool) {
		next, write, dec := Step(l.cfg, cur, l.now())
		d = dec
		return next, write
	})
	if l.metrics != nil {
		l.metrics.observe(l.backend, d, err, time.Since(start))
	}
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return d, nil
}

// Reset deletes the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("reset rate limit %q: %w", key, err)
	}
	return nil
}
