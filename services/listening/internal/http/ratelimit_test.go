package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/audiobook-platform/internal/platform/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request: expected 429, got %d", rec.Code)
	}
}

func TestRateLimiter_KeyedByUser(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(okHandler())

	// Same IP, different users: separate buckets.
	for _, uid := range []string{"u1", "u2"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		req = req.WithContext(auth.WithUserID(req.Context(), uid))
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("user %s: expected 200, got %d", uid, rec.Code)
		}
	}
}

func TestRateLimiter_KeyedByDevice(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(okHandler())

	mk := func(device string) (*httptest.ResponseRecorder, *http.Request) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		req = req.WithContext(auth.WithDeviceID(req.Context(), device))
		return rec, req
	}

	rec, req := mk("dev-a")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first device request: expected 200, got %d", rec.Code)
	}

	rec, req = mk("dev-a")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same device second request: expected 429, got %d", rec.Code)
	}

	rec, req = mk("dev-b")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other device: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	current := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return current }
	handler := rl.Middleware(okHandler())

	send := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429, got %d", code)
	}
	current = current.Add(2 * time.Second)
	if code := send(); code != http.StatusOK {
		t.Fatalf("after refill: expected 200, got %d", code)
	}
}
