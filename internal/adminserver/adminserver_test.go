package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"corefabric/internal/engine"
	"corefabric/internal/telemetry"
)

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	eng := engine.New(context.Background(), engine.Config{QueueCapacity: 4, ParkInterval: time.Millisecond}, nil)
	s := New(eng, DefaultConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHandlePluginsEmpty(t *testing.T) {
	eng := engine.New(context.Background(), engine.Config{QueueCapacity: 4, ParkInterval: time.Millisecond}, nil)
	s := New(eng, DefaultConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.handlePlugins(rec, req)

	var out []struct {
		ID      string `json:"id"`
		Passive bool   `json:"passive"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no plugins, got %d", len(out))
	}
}

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	eng := engine.New(context.Background(), engine.Config{QueueCapacity: 4, ParkInterval: time.Millisecond}, nil)
	cfg := DefaultConfig()
	cfg.RateLimit = rate.Limit(0)
	cfg.RateBurst = 1
	s := New(eng, cfg, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	handler := rateLimitMiddleware(s.rl)(mux)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.0.0.2:1111"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec2.Code)
	}
}
