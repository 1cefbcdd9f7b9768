package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router wires the handler into a chi router. metrics is mounted at
// /metrics when set.
func (h *Handler) Router(metrics http.Handler) chi.Router {
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if h.Hub != nil {
		r.Get("/ws", h.Hub.ServeWS)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/offers", h.ListOffers)
		r.Post("/offers", h.MakeOffer)
		r.Get("/offers/{address}", h.GetOffer)
		r.Post("/offers/{address}/take", h.TakeOffer)
		r.Get("/accounts/{address}", h.GetAccount)
		r.Get("/settlements", h.GetSettlements)
	})

	return r
}
