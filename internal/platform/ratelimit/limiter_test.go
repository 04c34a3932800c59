package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Update(context.Context, string, func(*Window) (Window, bool)) error {
	return errors.New("store down")
}

func (failingStore) Reset(context.Context, string) error { return nil }

func TestNewLimiter_Validation(t *testing.T) {
	store := NewMemoryStore()
	bad := []Config{
		{Limit: 0, Window: time.Minute, Algorithm: Fixed},
		{Limit: 10, Window: 0, Algorithm: Fixed},
		{Limit: 10, Window: time.Minute, Algorithm: "leaky"},
	}
	for _, cfg := range bad {
		if _, err := NewLimiter(store, cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig for %+v, got %v", cfg, err)
		}
	}
	if _, err := NewLimiter(nil, DefaultConfig()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for nil store, got %v", err)
	}
}

func TestLimiter_FixedWindowCap(t *testing.T) {
	clock := &fakeClock{now: t0}
	l, err := NewLimiter(NewMemoryStore(), fixedCfg(3), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "key-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d, _ := l.Allow(ctx, "key-a")
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}

	// Other keys are independent.
	d, _ = l.Allow(ctx, "key-b")
	if !d.Allowed {
		t.Error("a different key should not be limited")
	}

	clock.Advance(61 * time.Second)
	d, _ = l.Allow(ctx, "key-a")
	if !d.Allowed {
		t.Error("expected allowed after the window elapsed")
	}
}

func TestLimiter_Reset(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := NewMemoryStore()
	l, _ := NewLimiter(store, fixedCfg(1), WithClock(clock.Now))
	ctx := context.Background()

	l.Allow(ctx, "key")
	if d, _ := l.Allow(ctx, "key"); d.Allowed {
		t.Fatal("expected second request to be rejected")
	}
	if err := l.Reset(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store after reset, got %d", store.Len())
	}
	if d, _ := l.Allow(ctx, "key"); !d.Allowed {
		t.Error("expected allowed after reset")
	}
}

func TestLimiter_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	l, _ := NewLimiter(NewMemoryStore(), fixedCfg(50))
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Errorf("expected exactly 50 allowed requests, got %d", got)
	}
}

func TestLimiter_StoreErrorIsWrapped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l, _ := NewLimiter(failingStore{}, DefaultConfig(), WithMetrics(m, "test"))

	_, err := l.Allow(context.Background(), "key")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues("test")); got != 1 {
		t.Errorf("expected 1 store error, got %v", got)
	}
}

func TestLimiter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clock := &fakeClock{now: t0}
	l, _ := NewLimiter(NewMemoryStore(), fixedCfg(2), WithClock(clock.Now), WithMetrics(m, "memory"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "key")
	}

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("memory", "allowed")); got != 2 {
		t.Errorf("expected 2 allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("memory", "rejected")); got != 1 {
		t.Errorf("expected 1 rejected, got %v", got)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	write := func(key string, start time.Time) {
		s.Update(ctx, key, func(*Window) (Window, bool) {
			return Window{Count: 1, Start: start}, true
		})
	}
	write("old", t0.Add(-10*time.Minute))
	write("new", t0)

	if removed := s.Cleanup(t0.Add(-time.Minute)); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 remaining key, got %d", s.Len())
	}
}
