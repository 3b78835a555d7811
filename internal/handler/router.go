package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/campus-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кампусного реестра.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5, "application/json", "text/plain"))
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/ledger", func(r chi.Router) {
		r.Get("/supply", h.GetSupply)
		r.Get("/accounts/{account}", h.GetAccount)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/mint", h.Mint)
			r.Post("/merchants", h.RegisterMerchant)
			r.Post("/limits", h.SetDailyLimit)
			r.Post("/transfer", h.Transfer)
			r.Post("/pay", h.Pay)
		})
	})

	r.Route("/api/registry", func(r chi.Router) {
		r.Get("/credentials/{id}", h.GetCredential)
		r.Get("/credentials/{id}/metadata", h.GetCredentialMetadata)
		r.Get("/lookup/*", h.Lookup)
		r.Get("/owners/{account}", h.GetOwnerCredentials)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/credentials", h.IssueCredential)
			r.Post("/credentials/{id}/renew", h.RenewCredential)
			r.Post("/credentials/{id}/burn", h.BurnExpiredCredential)
			r.Put("/credentials/{id}/metadata", h.SetCredentialMetadata)
		})
	})

	r.With(h.authMiddleware.Middleware).Post("/api/session", h.CreateSession)

	r.Get("/api/events", h.GetEvents)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
