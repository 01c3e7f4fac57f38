/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: One zerolog line per request
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. BodyLimit:     Rejects oversized request bodies
  5. CORS:          Cross-origin requests for a frontend

ROUTE GROUPS:
  /api/medicines/*      Catalog, batches, batch actions
  /api/batches          Batch query and stock in
  /api/transfers        Batch to batch moves
  /api/transactions/*   Transaction log
  /api/stock-takes/*    Recounts
  /api/reports/*        Inventory, expiry and alert views
  /api/dispenses/*      Dispense workflow
  /api/scenarios/*      Demo scenarios
  /health               Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(BodyLimit(MaxBodyBytes))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Catalog and per-batch routes
		r.Route("/medicines", func(r chi.Router) {
			r.Get("/", h.ListMedicines)
			r.Post("/", h.SaveMedicine)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetMedicine)
				r.Put("/", h.SaveMedicine)
				r.Get("/summary", h.GetSummary)
				r.Get("/totals", h.GetTotals)
				r.Get("/batches", h.ListBatches)
				r.Route("/batches/{batch}", func(r chi.Router) {
					r.Get("/", h.GetBatch)
					r.Get("/verify", h.VerifyBatch)
					r.Get("/stock-takes", h.StockTakeHistory)
					r.Post("/adjust", h.AdjustBatch)
					r.Post("/recall", h.RecallBatch)
					r.Post("/{action}", h.BatchAction)
				})
			})
		})

		r.Get("/batches", h.ListBatches)
		r.Post("/batches", h.StockIn)
		r.Post("/transfers", h.Transfer)

		// Transaction log
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Get("/{number}", h.GetTransaction)
		})

		// Stock takes
		r.Route("/stock-takes", func(r chi.Router) {
			r.Post("/", h.CreateStockTake)
			r.Get("/mismatches", h.ListMismatches)
		})

		// Reports
		r.Route("/reports", func(r chi.Router) {
			r.Get("/inventory", h.InventoryReport)
			r.Get("/low-stock", h.LowStockReport)
			r.Get("/expiring", h.ExpiringReport)
			r.Get("/expired", h.ExpiredReport)
			r.Get("/alerts", h.AlertsReport)
		})

		// Dispense workflow
		r.Get("/prescriptions/{pid}/dispense", h.GetActiveDispense)
		r.Route("/dispenses", func(r chi.Router) {
			r.Get("/", h.ListDispenses)
			r.Post("/", h.OpenDispense)
			r.Post("/start", h.StartDispense)
			r.Route("/{rid}", func(r chi.Router) {
				r.Get("/", h.GetDispense)
				r.Get("/transactions", h.DispenseTransactions)
				r.Post("/items/{line}/{action}", h.ItemAction)
				r.Post("/complete", h.CompleteDispense)
				r.Post("/review", h.ReviewDispense)
				r.Post("/deliver", h.DeliverDispense)
				r.Post("/return", h.ReturnDispense)
				r.Post("/cancel", h.CancelDispense)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequestLogger logs one line per request with its id, status and latency.
// Server errors log at error level.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := logger.Info()
			if status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Str("remote_ip", r.RemoteAddr).
				Msg("request")
		})
	}
}

// BodyLimit caps the request body at n bytes.
func BodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
