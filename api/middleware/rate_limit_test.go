package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgredis "github.com/luciaai/searchdeep-sub000/pkg/redis"
)

type fakeWindowLimiter struct {
	counts  map[string]int64
	resetIn time.Duration
}

func (f *fakeWindowLimiter) Allow(_ context.Context, scope string, limit int64, _ time.Duration) (pkgredis.RateWindow, error) {
	f.counts[scope]++
	return pkgredis.RateWindow{
		Allowed: f.counts[scope] <= limit,
		Count:   f.counts[scope],
		ResetIn: f.resetIn,
	}, nil
}

func TestRateLimitBlocksPerUser(t *testing.T) {
	limiter := &fakeWindowLimiter{counts: map[string]int64{}}
	policy := NewRateLimitPolicy("consume", 2, time.Minute)
	handler := RateLimit(policy, limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume", nil)
		req = req.WithContext(WithUserID(req.Context(), userID))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp
	}

	for i := 0; i < 2; i++ {
		if resp := call("u1"); resp.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200 got %d", i, resp.Code)
		}
	}
	blocked := call("u1")
	if blocked.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", blocked.Code)
	}
	if blocked.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60 got %q", blocked.Header().Get("Retry-After"))
	}
	if resp := call("u2"); resp.Code != http.StatusOK {
		t.Fatalf("other user should not be throttled, got %d", resp.Code)
	}
}

func TestRateLimitDisabledPolicyPassesThrough(t *testing.T) {
	limiter := &fakeWindowLimiter{counts: map[string]int64{}}
	handler := RateLimit(NewRateLimitPolicy("consume", 0, time.Minute), limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || len(limiter.counts) != 0 {
		t.Fatalf("expected untouched limiter and 200, got %d %v", resp.Code, limiter.counts)
	}
}

func TestRetryAfterUsesRemainingWindow(t *testing.T) {
	limiter := &fakeWindowLimiter{counts: map[string]int64{}, resetIn: 1500 * time.Millisecond}
	handler := RateLimit(NewRateLimitPolicy("consume", 1, time.Minute), limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithUserID(req.Context(), "u1"))
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", last.Code)
	}
	if got := last.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After rounded up to 2, got %q", got)
	}
}
