package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"absent", "", false},
		{"propagated", "trace-7f3a", true},
		{"contains space", "bad id", false},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))
			req := httptest.NewRequest("GET", "/x", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := do(h, req)

			got := w.Header().Get("X-Request-ID")
			if got != seen {
				t.Errorf("header %q != context %q", got, seen)
			}
			if tt.keep {
				if got != tt.incoming {
					t.Errorf("id = %q, want %q", got, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("generated id %q is not a UUID: %v", got, err)
			}
		})
	}
}

func TestAccessLogMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/episodes/shortlists/{venue_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("abc"))
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := AccessLogMiddleware(zap.New(core), []string{"/healthz"})(mux)

	for _, path := range []string{"/api/v1/episodes/shortlists/venue-1", "/healthz", "/boom", "/nowhere"} {
		do(h, httptest.NewRequest("GET", path, http.NoBody))
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 3 {
		t.Fatalf("logged %d requests, want 3 (quiet path excluded)", len(entries))
	}

	first := entries[0].ContextMap()
	if first["route"] != "GET /api/v1/episodes/shortlists/{venue_id}" {
		t.Errorf("route = %v", first["route"])
	}
	if first["status"] != int64(http.StatusCreated) || first["bytes"] != int64(3) {
		t.Errorf("status/bytes = %v/%v", first["status"], first["bytes"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("2xx level = %v, want info", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("5xx level = %v, want error", entries[1].Level)
	}
	if entries[2].Level != zapcore.WarnLevel || entries[2].ContextMap()["route"] != "unmatched" {
		t.Errorf("404 entry = %v %v, want warn unmatched", entries[2].Level, entries[2].ContextMap()["route"])
	}
}

func TestHeadersMiddleware(t *testing.T) {
	w := do(HeadersMiddleware(apiHeaders())(okHandler()), httptest.NewRequest("GET", "/x", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if w.Header().Get("X-Floorsight-Version") == "" {
		t.Error("X-Floorsight-Version not set")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("detector exploded")
	}))

	w := do(h, httptest.NewRequest("GET", "/x", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q", ct)
	}
	if logs.FilterMessage("handler panic").Len() != 1 {
		t.Error("panic not logged")
	}

	if w := do(RecoveryMiddleware(zap.NewNop())(okHandler()), httptest.NewRequest("GET", "/x", http.NoBody)); w.Code != http.StatusOK {
		t.Errorf("no-panic status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(RateLimitConfig{RPS: 0.5, Burst: 1}, []string{"/healthz"})(okHandler())

	req := func(path, remote string) *http.Request {
		r := httptest.NewRequest("GET", path, http.NoBody)
		r.RemoteAddr = remote
		return r
	}

	if w := do(h, req("/api", "10.0.0.1:9999")); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := do(h, req("/api", "10.0.0.1:9999"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if w := do(h, req("/api", "10.0.0.2:9999")); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
	for i := range 5 {
		if w := do(h, req("/healthz", "10.0.0.1:9999")); w.Code != http.StatusOK {
			t.Fatalf("exempt request %d status = %d", i, w.Code)
		}
	}
}

func TestClientLimiters_SweepsIdleClients(t *testing.T) {
	c := newClientLimiters(rate.Limit(1), 1, time.Minute)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	c.allow("a", t0)
	c.allow("b", t0.Add(30*time.Second))
	if c.size() != 2 {
		t.Fatalf("size = %d, want 2", c.size())
	}

	// a idle for 61s is swept; b (31s) survives.
	c.allow("c", t0.Add(61*time.Second))
	if c.size() != 2 {
		t.Errorf("size after sweep = %d, want 2", c.size())
	}
	if _, ok := c.clients["a"]; ok {
		t.Error("idle client a not swept")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted bool
		want    string
	}{
		{"remote addr", "192.168.1.100:12345", "", false, "192.168.1.100"},
		{"forwarded ignored when untrusted", "127.0.0.1:1", "203.0.113.50", false, "127.0.0.1"},
		{"forwarded first hop", "127.0.0.1:1", "203.0.113.50, 70.41.3.18", true, "203.0.113.50"},
		{"no port", "unix", "", true, "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r, tt.trusted); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	do(Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("outer"), tag("inner")), httptest.NewRequest("GET", "/", http.NoBody))

	if strings.Join(order, ",") != "outer,inner,handler" {
		t.Errorf("order = %v", order)
	}
}

func TestResponseRecorder_FirstStatusWins(t *testing.T) {
	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusNotFound)
	if rec.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.status)
	}
}
