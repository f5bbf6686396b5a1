// Package adminserver exposes the engine's read-only status surface over
// HTTP: /status for telemetry and /plugins for the loaded plugin list, as
// described in spec §6. Rate limiting follows the same per-IP
// token-bucket pattern as the teacher's auth endpoint limiter, applied here
// to every route rather than a named subset.
package adminserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"corefabric/internal/engine"
	"corefabric/internal/logging"
)

// ipLimiter tracks the rate limiter and last-seen time for a single IP.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter tracks per-IP rate limiters for the admin surface.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    burst,
	}
}

func (rl *rateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *rateLimiter) cleanup(staleAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

func (rl *rateLimiter) startCleanup(ctx context.Context, wg *sync.WaitGroup, interval, staleAfter time.Duration) {
	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(staleAfter)
			}
		}
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func rateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, _ := net.SplitHostPort(r.RemoteAddr)
			if ip == "" {
				ip = r.RemoteAddr
			}

			if !rl.getLimiter(ip).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorBody{
					Code:    "resource_exhausted",
					Message: "too many requests, try again later",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Config controls the admin HTTP surface.
type Config struct {
	Addr            string
	RateLimit       rate.Limit
	RateBurst       int
	CleanupInterval time.Duration
	StaleAfter      time.Duration
}

// DefaultConfig matches spec §6's listed admin surface defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:8080",
		RateLimit:       rate.Limit(10),
		RateBurst:       20,
		CleanupInterval: 5 * time.Minute,
		StaleAfter:      10 * time.Minute,
	}
}

// Server serves the admin status surface for a single engine.
type Server struct {
	cfg    Config
	eng    *engine.Engine
	http   *http.Server
	rl     *rateLimiter
	logger *slog.Logger
}

// New builds a Server around eng. Call Start to begin serving and
// Shutdown to stop.
func New(eng *engine.Engine, cfg Config, logger *slog.Logger) *Server {
	logger = logging.Default(logger).With("component", "adminserver")
	s := &Server{cfg: cfg, eng: eng, logger: logger}

	rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /plugins", s.handlePlugins)

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: rateLimitMiddleware(rl)(mux),
	}
	s.rl = rl
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.eng.Stats().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	statuses := s.eng.Plugins().List()
	type pluginView struct {
		ID      string `json:"id"`
		Passive bool   `json:"passive"`
	}
	out := make([]pluginView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, pluginView{ID: st.ID.String(), Passive: st.Passive})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Start begins serving in a background goroutine and starts the rate
// limiter's stale-entry sweep. ctx governs the sweep goroutine's lifetime.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) {
	s.rl.startCleanup(ctx, wg, s.cfg.CleanupInterval, s.cfg.StaleAfter)
	wg.Go(func() {
		s.logger.Info("admin server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server stopped", "error", err)
		}
	})
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
