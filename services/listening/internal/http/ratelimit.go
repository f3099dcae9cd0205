// Package http holds HTTP middleware specific to the listening service.
package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/example/audiobook-platform/internal/platform/api"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
)

// RateLimiter is a per-client token bucket for the flush endpoint. Clients
// are keyed by identity (user id, then device id) so a NAT full of listeners
// does not share one bucket; unauthenticated requests fall back to IP.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter with the given refill rate (req/s) and
// burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), last: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientKey(r *http.Request) string {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok && userID != "" {
		return "u:" + userID
	}
	if deviceID, ok := auth.DeviceIDFromContext(r.Context()); ok && deviceID != "" {
		return "d:" + deviceID
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return "ip:" + fwd
	}
	return "ip:" + r.RemoteAddr
}

// Middleware rejects clients that flush faster than the limiter allows.
// It must run after the auth middleware so the identity key is populated.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			rid := httpserver.RequestIDFromContext(r.Context())
			api.RateLimited(w, "RATE_LIMITED", "Too many requests", rid, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
