/**
 * @description
 * This file sets up the HTTP router for the billing-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware. The callback and webhook endpoints are public by
 * design: the browser redirect carries no session and the gateway
 * authenticates with the signature header instead.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the SPA origin.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns the router for the billing service.
func BillingRoutes(h *BillingHandlers, jwtSecret, frontendOrigin string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if frontendOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{frontendOrigin},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api/payments", func(r chi.Router) {
		// Public: gateway-facing and browser-return endpoints.
		r.Get("/callback", h.CallbackHandler)
		r.Post("/webhook", h.WebhookHandler)
		r.Get("/plans", h.ListPlansHandler)

		// Authenticated SPA endpoints.
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(jwtSecret))

			r.Post("/initialize", h.InitializePaymentHandler)
			r.Get("/transaction", h.TransactionDetailsHandler)
			r.Get("/subscription-status", h.SubscriptionStatusHandler)
		})
	})

	return r
}
