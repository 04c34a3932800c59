// Package ratelimit implements the per-key request counter that guards the
// external API. Each key owns a single window record that is read and
// rewritten inside one store transaction per request.
//
// Two algorithms are supported:
//
//   - Fixed: the counter resets to 1 once the clock is more than one window
//     past the stored window start. Requests are rejected once the counter
//     reaches the limit. Bursts of up to twice the limit are possible around
//     a window boundary.
//   - Sliding: the record also keeps the previous window's count, and the
//     current rate is estimated as prev*(1-elapsed/window) + count. This
//     removes the boundary burst at the cost of one extra field.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Algorithm selects how a window record is advanced.
type Algorithm string

const (
	Fixed   Algorithm = "fixed"
	Sliding Algorithm = "sliding"
)

// ErrInvalidConfig is returned by NewLimiter for unusable settings.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config holds the limit applied to every key.
type Config struct {
	Limit     int
	Window    time.Duration
	Algorithm Algorithm
}

// DefaultConfig returns 100 requests per 60 second sliding window.
func DefaultConfig() Config {
	return Config{
		Limit:     100,
		Window:    60 * time.Second,
		Algorithm: Sliding,
	}
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	if c.Algorithm != Fixed && c.Algorithm != Sliding {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}

// Window is the persisted state for one key.
type Window struct {
	Count     int
	PrevCount int
	Start     time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Step advances cur (nil when the key has no record) for a request arriving
// at now. It returns the next state, whether that state must be persisted,
// and the decision. Rejected requests never increment the counter.
func Step(cfg Config, cur *Window, now time.Time) (Window, bool, Decision) {
	if cfg.Algorithm == Fixed {
		return stepFixed(cfg, cur, now)
	}
	return stepSliding(cfg, cur, now)
}

func stepFixed(cfg Config, cur *Window, now time.Time) (Window, bool, Decision) {
	if cur == nil || now.Sub(cur.Start) > cfg.Window {
		next := Window{Count: 1, Start: now}
		return next, true, Decision{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: cfg.Limit - 1,
			ResetAt:   now.Add(cfg.Window),
		}
	}

	reset := cur.Start.Add(cfg.Window)
	if cur.Count < cfg.Limit {
		next := *cur
		next.Count++
		return next, true, Decision{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: cfg.Limit - next.Count,
			ResetAt:   reset,
		}
	}

	return *cur, false, Decision{
		Allowed:    false,
		Limit:      cfg.Limit,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: positive(reset.Sub(now)),
	}
}

func stepSliding(cfg Config, cur *Window, now time.Time) (Window, bool, Decision) {
	if cur == nil {
		next := Window{Count: 1, Start: now}
		return next, true, Decision{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: cfg.Limit - 1,
			ResetAt:   now.Add(cfg.Window),
		}
	}

	next := *cur
	rolled := false
	elapsed := now.Sub(next.Start)
	if elapsed < 0 {
		// The clock went backwards; keep the stored window start.
		elapsed = 0
	}
	switch {
	case elapsed >= 2*cfg.Window:
		next = Window{Start: now}
		elapsed = 0
		rolled = true
	case elapsed >= cfg.Window:
		next = Window{PrevCount: next.Count, Start: next.Start.Add(cfg.Window)}
		elapsed -= cfg.Window
		rolled = true
	}

	weight := 1 - float64(elapsed)/float64(cfg.Window)
	estimate := float64(next.PrevCount)*weight + float64(next.Count)
	reset := next.Start.Add(cfg.Window)

	if estimate+1 > float64(cfg.Limit) {
		return next, rolled, Decision{
			Allowed:    false,
			Limit:      cfg.Limit,
			Remaining:  0,
			ResetAt:    reset,
			RetryAfter: slidingRetryAfter(cfg, next, elapsed, reset.Sub(now)),
		}
	}

	next.Count++
	remaining := int(math.Floor(float64(cfg.Limit) - estimate - 1))
	if remaining < 0 {
		remaining = 0
	}
	return next, true, Decision{
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
}

// slidingRetryAfter estimates how long until one more request fits under the
// limit, assuming no other traffic for the key.
func slidingRetryAfter(cfg Config, w Window, elapsed, untilReset time.Duration) time.Duration {
	free := cfg.Limit - w.Count - 1
	if w.PrevCount > 0 && free >= 0 {
		// prev*(1 - t/window) + count + 1 <= limit
		t := time.Duration(float64(cfg.Window) * (1 - float64(free)/float64(w.PrevCount)))
		return positive(t - elapsed)
	}
	return positive(untilReset)
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// RetryAfterSeconds rounds d up to whole seconds with a minimum of 1, the
// form used by the Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
