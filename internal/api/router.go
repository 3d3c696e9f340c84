/**
 * @description
 * This file sets up the HTTP router for the economy-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EconomyRoutes creates and returns a new router for the economy service.
func EconomyRoutes(h *EconomyHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway signs its own requests; it does not carry user JWTs.
	r.Post("/webhooks/gateway", h.GatewayWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwksURL))

		r.Post("/awards", h.GiveAwardHandler)
		r.Post("/purchases/coins", h.PurchaseCoinsHandler)
		r.Post("/purchases/premium", h.PurchasePremiumHandler)

		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/ledger", h.GetLedgerHandler)
		r.Get("/ledger/summary", h.GetLedgerSummaryHandler)
		r.Get("/entitlements/premium", h.GetEntitlementStatusHandler)
	})

	// Internal endpoints for moderation and support tooling.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/internal/ledger/{entryID}/refund", h.RefundHandler)
	})

	return r
}
