package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/ratelimit"
)

func newTestLimiter(t *testing.T, limit int, now func() time.Time) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		Limit:     limit,
		Window:    time.Minute,
		Algorithm: ratelimit.Fixed,
	}, ratelimit.WithClock(now))
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return l
}

func doLimited(h echo.HandlerFunc, apiKeyID string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/external/patients/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if apiKeyID != "" {
		c.Set("api_key_id", apiKeyID)
	}
	return rec, h(c)
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(t, 5, func() time.Time { return now })
	h := RateLimit(l, zerolog.Nop(), false)(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := doLimited(h, "key-1")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Errorf("request %d: expected X-RateLimit-Limit 5, got %q", i+1, got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(4-i) {
			t.Errorf("request %d: expected remaining %d, got %q", i+1, 4-i, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(t, 2, func() time.Time { return now })
	h := RateLimit(l, zerolog.Nop(), false)(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := doLimited(h, "key-1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	now = now.Add(20 * time.Second)
	rec, err := doLimited(h, "key-1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Errorf("expected Retry-After 40, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected remaining 0, got %q", got)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(t, 1, func() time.Time { return now })
	h := RateLimit(l, zerolog.Nop(), false)(okHandler)

	if _, err := doLimited(h, "key-a"); err != nil {
		t.Fatalf("key-a: %v", err)
	}
	if _, err := doLimited(h, "key-b"); err != nil {
		t.Fatalf("key-b should have its own window: %v", err)
	}
	if _, err := doLimited(h, "key-a"); err == nil {
		t.Fatal("key-a second request should be limited")
	}
}

type erroringAllower struct{}

func (erroringAllower) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}

func TestRateLimit_StoreFailure(t *testing.T) {
	_, err := doLimited(RateLimit(erroringAllower{}, zerolog.Nop(), false)(okHandler), "key-1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when failing closed, got %v", err)
	}

	rec, err := doLimited(RateLimit(erroringAllower{}, zerolog.Nop(), true)(okHandler), "key-1")
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected request through when failing open, got %v (%d)", err, rec.Code)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	c := e.NewContext(req, httptest.NewRecorder())

	if got := RateLimitKey(c); got != "ip:203.0.113.9" {
		t.Errorf("expected ip key, got %q", got)
	}
	c.Set("api_key_id", "abc")
	if got := RateLimitKey(c); got != "key:abc" {
		t.Errorf("expected api key, got %q", got)
	}
}
