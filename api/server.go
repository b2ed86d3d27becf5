/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging (std log, bridged to slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. Metrics:    Prometheus request counters (optional)

ROUTE GROUPS:
  /health               Liveness (public)
  /metrics              Prometheus scrape endpoint (public, optional)
  /api/trades/*         Trade lifecycle (authenticated)
  /api/users/*          Trade statistics (authenticated)
  /api/inventories/*    Holding views (authenticated)
  /api/admin/*          Seeding, release, cleanup, expiry (admins)
  /api/scenarios/*      Demo data (admins, only when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Caller identity
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the optional parts of the router.
type RouterOptions struct {
	CORSOrigins []string
	// Metrics instruments every request when set.
	Metrics func(http.Handler) http.Handler
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler  http.Handler
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))
	if opts.Metrics != nil {
		r.Use(opts.Metrics)
	}

	r.Get("/health", h.Health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		// Trade routes
		r.Route("/trades", func(r chi.Router) {
			r.Get("/", h.ListTrades)
			r.Post("/", h.CreateTrade)
			r.Get("/{id}", h.GetTrade)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/accept", h.AcceptTrade)
			r.Post("/{id}/counter", h.CounterTrade)
			r.Post("/{id}/confirm", h.ConfirmTrade)
			r.Post("/{id}/unconfirm", h.UnconfirmTrade)
			r.Post("/{id}/reject", h.RejectTrade)
			r.Post("/{id}/cancel", h.CancelTrade)
		})

		r.Get("/users/{id}/trade-summary", h.GetTradeSummary)
		r.Get("/inventories/{id}/cards/{card}", h.GetHolding)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.Auth.RequireAdmin)
			r.Put("/inventories/{id}", h.PutInventory)
			r.Put("/inventories/{id}/cards/{card}", h.PutHolding)
			r.Post("/trades/{id}/release", h.ReleaseTrade)
			r.Post("/cleanup", h.RunCleanup)
			r.Post("/expire", h.RunExpirySweep)
		})

		// Scenario routes
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Use(h.Auth.RequireAdmin)
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
