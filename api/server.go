/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request logging with status and latency
  4. Metrics:    Prometheus request counters by route pattern
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the family app

ROUTE GROUPS:
  /api/accounts/*   Balance, history, audit, verify
  /api/families/*   Family archive
  /api/tasks/*      Task approval (award)
  /api/rewards/*    Redemption
  /api/members/*    Timezone, streak, achievements
  /api/scenarios/*  Demo scenarios
  /health           Liveness and store ping
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/rewardsd/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/chore-rewards/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer // serves /metrics when set
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log, opts.Metrics))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.NotFound(notFound)
	r.Get("/health", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.OpenAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/audit", h.GetAudit)
			r.Get("/{id}/verify", h.VerifyAccount)
		})

		r.Post("/families/{familyID}/archive", h.ArchiveFamily)
		r.Post("/tasks/{taskID}/approved", h.ApproveTask)
		r.Post("/rewards/{rewardID}/redemptions", h.RequestRedemption)

		r.Route("/members/{memberID}", func(r chi.Router) {
			r.Put("/", h.SetMember)
			r.Get("/streak", h.GetStreak)
			r.Get("/achievements", h.GetAchievements)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs every request through zap and records it in metrics
// under its route pattern.
func requestLogger(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				elapsed := time.Since(start)
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if p := rctx.RoutePattern(); p != "" {
						route = p
					}
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				m.HTTP(r.Method, route, status, elapsed)
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", elapsed))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Health reports liveness and, when the store supports it, a store ping.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Ledger.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
