package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/sylviabot/card-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса визиток.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", h.Health)
	r.Get("/go/{token}", h.Redirect)
	r.Get("/collection/{collectionID}", h.Collection)

	r.Route("/api", func(r chi.Router) {
		r.Post("/turn", h.Turn)
		r.Post("/payments", h.CreatePayment)
		r.Post("/payments/confirm", h.ConfirmPayment)

		r.Group(func(r chi.Router) {
			r.Use(h.signMiddleware.Middleware)

			r.Get("/stats/{userID}", h.UserStats)
			r.Get("/card/{token}", h.CardInfo)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
