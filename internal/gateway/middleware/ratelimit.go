package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"codebox/internal/gateway/handlers"
)

// RateLimiterConfig configures per-client request limits.
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	Enabled           bool
	// CleanupInterval controls how often idle client buckets are dropped.
	CleanupInterval time.Duration
	// Exempt paths are never limited.
	Exempt []string
}

// DefaultRateLimiterConfig returns the limiter used when rate limiting is
// switched on without further settings.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 120,
		Burst:             20,
		Enabled:           true,
		CleanupInterval:   time.Minute,
		Exempt:            []string{"/api/v1/health"},
	}
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a token bucket per client IP. Admission control bounds how
// many executions run; the limiter keeps one client from taking every slot.
type RateLimiter struct {
	config   RateLimiterConfig
	perSec   float64
	exempt   map[string]bool
	mu       sync.Mutex
	buckets  map[string]*bucket
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its cleanup loop when enabled.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	rl := &RateLimiter{
		config:  config,
		perSec:  float64(config.RequestsPerMinute) / 60,
		exempt:  make(map[string]bool, len(config.Exempt)),
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	for _, p := range config.Exempt {
		rl.exempt[p] = true
	}
	if config.Enabled && config.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

// evictIdle drops buckets that have refilled completely; they hold no state
// worth keeping.
func (rl *RateLimiter) evictIdle(now time.Time) int {
	full := time.Duration(float64(rl.config.Burst) / rl.perSec * float64(time.Second))
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, b := range rl.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > full
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, ip)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) bucketFor(ip string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.config.Burst), lastSeen: time.Now()}
		rl.buckets[ip] = b
	}
	return b
}

// Allow takes a token for ip. It returns whether the request may proceed,
// the tokens left, and how long until the next token is available.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	if !rl.config.Enabled {
		return true, rl.config.Burst, 0
	}

	b := rl.bucketFor(ip)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens = math.Min(float64(rl.config.Burst), b.tokens+now.Sub(b.lastSeen).Seconds()*rl.perSec)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	wait := time.Duration((1 - b.tokens) / rl.perSec * float64(time.Second))
	return false, 0, wait
}

// RateLimit is the middleware. Rejections use the JSON error envelope.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled || rl.exempt[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, wait := rl.Allow(getClientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
