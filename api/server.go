/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/classify         Status of a due on a date
  /api/students/*       Roster and statements
  /api/payments/*       Dues and their transitions
  /api/months/*         Month listing, statistics and batch jobs
  /api/revenue          Revenue series
  /api/admin/*          Cache administration
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultCORSOrigins are allowed when the router is built without any.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/classify", h.Classify)

		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Get("/{id}/extract", h.GetExtract)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.SavePayment)
			r.Get("/{id}", h.GetPayment)
			r.Delete("/{id}", h.DeletePayment)
			r.Post("/{id}/paid", h.MarkPaid)
			r.Post("/{id}/owed", h.MarkOwed)
			r.Post("/{id}/delinquent", h.MarkDelinquent)
			r.Post("/{id}/absent", h.MarkAbsent)
			r.Get("/{id}/history", h.GetPaymentHistory)
		})

		// Month routes
		r.Route("/months/{ym}", func(r chi.Router) {
			r.Get("/payments", h.ListMonthPayments)
			r.Get("/statistics", h.GetMonthStatistics)
			r.Post("/generate", h.GenerateMonth)
			r.Post("/reclassify", h.ReclassifyMonth)
		})

		r.Get("/revenue", h.GetRevenue)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/cache/clear", h.ClearCache)
			r.Get("/cache/stats", h.GetCacheStats)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
