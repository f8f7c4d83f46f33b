/**
 * @description
 * This file sets up the HTTP router for the escrow service. It defines the API
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
)

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor confirmation webhook: signature-checked in the handler, and
	// the outcome is re-read from the processor rather than taken from the
	// body, so it carries no user token.
	r.Post("/payments/confirm", h.ConfirmFundingHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		// Escrow payment lifecycle (investor)
		r.Post("/payments/fund", h.CreateFundingHandler)
		r.Post("/payments/release/{paymentID}", h.ReleaseFundingHandler)
		r.Post("/payments/cancel/{paymentID}", h.CancelFundingHandler)
		r.Get("/payments/project/{projectID}", h.ListProjectPaymentsHandler)

		// Matching and project management
		r.Get("/projects/{projectID}/eligible-bgs", h.ListEligibleBGsHandler)
		r.Delete("/projects/{projectID}", h.DeleteProjectHandler)

		// BG-facing endpoints
		r.Get("/projects/available", h.ListAvailableProjectsHandler)
		r.Post("/projects/{projectID}/interest", h.ExpressInterestHandler)
		r.Put("/users/service-zipcodes", h.UpdateServiceZipsHandler)
		r.Get("/visits/my", h.ListVisitsHandler)

		// Processor onboarding
		r.Get("/payments/connect/status", h.OnboardingStatusHandler)
		r.Post("/payments/connect/refresh", h.RefreshOnboardingHandler)
		r.Post("/payments/connect/onboard", h.StartOnboardingHandler)
	})

	return r
}
