package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)
	tests := []struct {
		name   string
		path   string
		header [2]string
		want   int
	}{
		{"health is open", "/api/health", [2]string{}, http.StatusOK},
		{"missing", "/api/markets", [2]string{}, http.StatusUnauthorized},
		{"wrong key", "/api/markets", [2]string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"api key", "/api/markets", [2]string{"X-API-Key", "secret"}, http.StatusOK},
		{"bearer", "/api/markets", [2]string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth status = %d", rec.Code)
	}
}

type countingLimiter struct {
	seen map[string]int
	err  error
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.seen[key]++
	return c.seen[key] <= limit, nil
}

func TestRateLimit(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &countingLimiter{seen: map[string]int{}}
	h := RateLimit(lim, 4, time.Minute, quiet)(ok)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/markets/0/buy", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := post(); got != http.StatusOK {
		t.Fatalf("first write = %d", got)
	}
	if got := post(); got != http.StatusTooManyRequests {
		t.Errorf("second write = %d, want 429", got)
	}
	if lim.seen["write:10.0.0.1"] != 2 {
		t.Errorf("keys = %v", lim.seen)
	}

	down := RateLimit(&countingLimiter{err: errors.New("redis down")}, 4, time.Minute, quiet)(ok)
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("limiter errors should fail open, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("remote = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("xff = %q", got)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(CORS([]string{"https://app.example"})(ok))

	req := httptest.NewRequest(http.MethodOptions, "/api/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("missing allow-origin")
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Errorf("missing request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unexpected allow-origin for foreign origin")
	}
	if rec.Header().Get(RequestIDHeader) != "abc" {
		t.Errorf("request id not echoed")
	}
}
