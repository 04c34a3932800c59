package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. It is only correct for a
// single server instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, key string, fn func(cur *Window) (Window, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Window
	if w, ok := s.windows[key]; ok {
		cur = &w
	}
	next, write := fn(cur)
	if write {
		s.windows[key] = next
	}
	return nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Cleanup drops windows that started before cutoff.
func (s *MemoryStore) Cleanup(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, w := range s.windows {
		if w.Start.Before(cutoff) {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

// StartJanitor removes windows idle for longer than idle every interval
// until ctx is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Cleanup(now.Add(-idle))
			}
		}
	}()
}
