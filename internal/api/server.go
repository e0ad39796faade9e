// ABOUTME: HTTP server struct, constructor, and handler wiring for chatrelay.
// ABOUTME: Exposes /healthz, /metrics and the huma-registered Telegram webhook.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/matipre/chatrelay/internal/telegram"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures a Server. Zero values take defaults.
type Options struct {
	// WebhookSecret, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header of every webhook request.
	WebhookSecret string

	// Per-IP webhook limit: 30 requests per second, burst of 60.
	WebhookRate  rate.Limit
	WebhookBurst int

	RateLimitEvictTTL time.Duration // default 15m
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	proc        telegram.UpdateProcessor
	secret      string
	checks      map[string]HealthCheck
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server that hands webhook updates to proc.
func NewServer(proc telegram.UpdateProcessor, opts Options) *Server {
	if opts.WebhookRate == 0 {
		opts.WebhookRate = 30
	}
	if opts.WebhookBurst == 0 {
		opts.WebhookBurst = 60
	}
	if opts.RateLimitEvictTTL == 0 {
		opts.RateLimitEvictTTL = 15 * time.Minute
	}
	return &Server{
		proc:        proc,
		secret:      opts.WebhookSecret,
		checks:      make(map[string]HealthCheck),
		rateLimiter: newIPRateLimiter(opts.WebhookRate, opts.WebhookBurst, opts.RateLimitEvictTTL),
	}
}

// AddHealthCheck registers a dependency probed by /healthz. Not safe to call
// once Handler is serving.
func (srv *Server) AddHealthCheck(name string, check HealthCheck) {
	srv.checks[name] = check
}

// Close stops the rate limiter's background cleanup.
func (srv *Server) Close() {
	srv.rateLimiter.stop()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; Telegram updates are far smaller.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	// ── Telegram webhook (huma, OpenAPI 3.1) ─────────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(srv.webhookRateLimit())
		humaConfig := huma.DefaultConfig("chatrelay", "0.1.0")
		humaConfig.Info.Description = "Telegram to job-queue relay"
		api := humachi.New(r, humaConfig)
		registerWebhookRoutes(api, srv)
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when every registered check
// passes, or 503 {"status":"degraded"} naming the failing dependencies.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(srv.checks))}
	statusCode := http.StatusOK

	names := make([]string, 0, len(srv.checks))
	for name := range srv.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := srv.checks[name](ctx)
		cancel()
		if err != nil {
			slog.WarnContext(r.Context(), "healthz: check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
	}
}
