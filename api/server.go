/*
server.go - Router construction and middleware stack

PURPOSE:
  Wires chi routes to handlers. Request logging, panic recovery and
  request IDs come from chi middleware; cross-origin access from
  go-chi/cors. Job and outbox routes sit behind service auth.

SEE ALSO:
  - handlers.go: the handlers themselves
  - auth.go: service credentials
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the HTTP routing table.
func NewRouter(h *Handler, auth *Auth, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Post("/{id}/wallet/topups", h.TopUpWallet)
			r.Get("/{id}/reservations", h.ListUserReservations)
			r.Get("/{id}/orders", h.ListUserOrders)
		})

		r.Route("/courts", func(r chi.Router) {
			r.Get("/", h.ListCourts)
			r.Post("/", h.CreateCourt)
			r.Get("/{id}", h.GetCourt)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/pay", h.PayReservation)
			r.Post("/{id}/refund", h.RefundReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
			r.Post("/{id}/check-in", h.CheckIn)
			r.Post("/{id}/check-out", h.CheckOut)
			r.Post("/{id}/no-show", h.NoShow)
			r.Post("/{id}/price", h.OverridePrice)
			r.Get("/{id}/notes", h.ListNotes)
			r.Post("/{id}/notes", h.AddNote)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/pay", h.PayOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		r.Route("/promotions", func(r chi.Router) {
			r.Get("/", h.ListPromotions)
			r.Post("/", h.CreatePromotion)
			r.Post("/validate", h.ValidatePromotion)
			r.Post("/apply", h.ApplyPromotion)
		})

		r.Get("/ledger", h.QueryLedger)

		// The gateway adapter authenticates like any other service.
		r.Route("/gateway", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Post("/payments", h.GatewayPayment)
			r.Post("/refunds", h.GatewayRefund)
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Get("/pending", h.ListPendingOutbox)
			r.Post("/{id}/ack", h.AckOutboxEvent)
		})

		// GET because external cron triggers often cannot POST.
		r.Route("/jobs", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Get("/sweep", h.RunSweep)
			r.Post("/sweep", h.RunSweep)
			r.Get("/reconcile", h.RunReconciliation)
			r.Post("/reconcile", h.RunReconciliation)
		})
	})

	return r
}
