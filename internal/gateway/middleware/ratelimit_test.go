package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codebox/internal/gateway/handlers"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 5, Enabled: true})
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		allowed, remaining, _ := rl.Allow("192.168.1.1")
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if remaining != 4-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, 4-i)
		}
	}

	allowed, remaining, wait := rl.Allow("192.168.1.1")
	if allowed {
		t.Error("6th request should be denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %s, want (0, 1s]", wait)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 5, Enabled: false})
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		if allowed, _, _ := rl.Allow("192.168.1.1"); !allowed {
			t.Fatalf("request %d should be allowed when disabled", i+1)
		}
	}
}

func TestRateLimiter_TokenRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 600, Burst: 2, Enabled: true})
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.1")

	// 600/min refills one token every 100ms.
	time.Sleep(150 * time.Millisecond)

	if allowed, _, _ := rl.Allow("192.168.1.1"); !allowed {
		t.Error("request should be allowed after refill")
	}
}

func TestRateLimiter_DifferentClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, Enabled: true})
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.1")
	if allowed, _, _ := rl.Allow("192.168.1.1"); allowed {
		t.Error("first client should be limited")
	}

	allowed, remaining, _ := rl.Allow("192.168.1.2")
	if !allowed || remaining != 1 {
		t.Errorf("second client: allowed=%v remaining=%d, want true 1", allowed, remaining)
	}
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2, Enabled: true})
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	if n := rl.evictIdle(time.Now()); n != 0 {
		t.Errorf("evicted %d fresh buckets", n)
	}
	if n := rl.evictIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}
	if len(rl.buckets) != 0 {
		t.Errorf("buckets left: %d", len(rl.buckets))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             2,
		Enabled:           true,
		Exempt:            []string{"/api/v1/health"},
	})
	defer rl.Stop()

	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := send("/execute")
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "60" {
			t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	rr := send("/execute")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rr.Header().Get("Retry-After"))
	}
	var body handlers.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != handlers.ErrCodeRateLimited {
		t.Errorf("code = %s, want %s", body.Error.Code, handlers.ErrCodeRateLimited)
	}

	if rr := send("/api/v1/health"); rr.Code != http.StatusOK {
		t.Errorf("exempt path limited: %d", rr.Code)
	}
}
