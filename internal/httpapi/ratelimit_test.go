package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qline/internal/identity"
)

func TestKeyedLimiterRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	limiter := newKeyedLimiter(60, 2)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("k") || !limiter.allow("k") {
		t.Fatalf("expected burst of 2")
	}
	if limiter.allow("k") {
		t.Fatalf("expected limit after burst")
	}
	if !limiter.allow("other") {
		t.Fatalf("expected independent bucket per key")
	}
	now = now.Add(time.Second)
	if !limiter.allow("k") {
		t.Fatalf("expected refill after one second")
	}
}

func TestKeyedLimiterForgetsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	limiter := newKeyedLimiter(60, 1)
	limiter.now = func() time.Time { return now }

	limiter.allow("old")
	now = now.Add(limiterIdleTTL)
	limiter.allow("new")
	if _, ok := limiter.visitors["old"]; ok {
		t.Fatalf("expected idle key to be dropped")
	}
	if _, ok := limiter.visitors["new"]; !ok {
		t.Fatalf("expected active key to be kept")
	}
}

func TestRateLimiterKeysByUser(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, UserPerMinute: 1, UserBurst: 1})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
		if userID != "" {
			req = req.WithContext(identity.WithSession(req.Context(), identity.Session{UserID: userID}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("u1"); code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", code)
	}
	if code := send("u1"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
	if code := send("u2"); code != http.StatusNoContent {
		t.Fatalf("other user: expected 204, got %d", code)
	}
	if code := send(""); code != http.StatusNoContent {
		t.Fatalf("anonymous: expected 204, got %d", code)
	}
}

func TestRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/shops", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("203.0.113.1"); code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusTooManyRequests {
		t.Fatalf("rotated header: expected 429, got %d", code)
	}
}

func TestNewRateLimiterRejectsBadProxy(t *testing.T) {
	if _, err := NewRateLimiter(RateLimitConfig{TrustedProxies: []string{"not-an-ip"}}); err == nil {
		t.Fatalf("expected error for malformed proxy")
	}
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.10"})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}

	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "direct", remote: "198.51.100.7:5555", want: "198.51.100.7"},
		{name: "untrusted peer ignores header", remote: "198.51.100.7:5555", forwarded: "203.0.113.9", want: "198.51.100.7"},
		{name: "trusted peer", remote: "10.0.0.1:5555", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{name: "spoofed prefix", remote: "10.0.0.1:5555", forwarded: "1.2.3.4, 203.0.113.9", want: "203.0.113.9"},
		{name: "proxy chain", remote: "10.0.0.1:5555", forwarded: "203.0.113.9, 192.0.2.10, 10.1.1.1", want: "203.0.113.9"},
		{name: "trusted peer without header", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "garbage hop", remote: "10.0.0.1:5555", forwarded: "nonsense", want: "10.0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIP(req, trusted); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
