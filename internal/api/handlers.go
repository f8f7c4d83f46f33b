/**
 * @description
 * This file contains the HTTP handlers for the escrow service's API endpoints.
 * Handlers are responsible for parsing incoming requests, resolving the
 * caller's Principal, calling the appropriate methods on the application
 * service, and writing the HTTP response. They act as the bridge between the
 * web layer and the business logic layer.
 *
 * Error mapping contract: validation failures are 400, authorization failures
 * 403, state conflicts (duplicate open payment, terminal state, ambiguous
 * outcome) 409, processor rejections 402, and transient processor failures
 * 502 so the client knows a retry is safe.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/app"
	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/internal/store"
)

// EscrowHandlers holds the application service that handlers will use, plus
// the shared secret for verifying processor webhook signatures.
type EscrowHandlers struct {
	service       *app.Service
	webhookSecret string
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service, webhookSecret string) *EscrowHandlers {
	return &EscrowHandlers{service: service, webhookSecret: strings.TrimSpace(webhookSecret)}
}

// principalFromRequest resolves the validated token subject into a Principal.
// It writes the error response itself and returns false when resolution fails.
func (h *EscrowHandlers) principalFromRequest(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		http.Error(w, "Could not get subject from context", http.StatusInternalServerError)
		return domain.Principal{}, false
	}

	principal, err := h.service.ResolvePrincipal(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=principal_resolution_failed subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusUnauthorized, "User not found")
		return domain.Principal{}, false
	}
	return *principal, true
}

// CreateFundingHandler handles requests to fund a BG for a project visit.
func (h *EscrowHandlers) CreateFundingHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	var req domain.FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_funding outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	resp, err := h.service.CreateFunding(r.Context(), principal, req)
	if err != nil {
		h.handleServiceError(w, "create_funding", err)
		return
	}

	log.Printf("level=info component=api endpoint=create_funding outcome=accepted payment_id=%s project_id=%s bg_id=%s amount=%d",
		resp.Payment.ID, req.ProjectID, req.BGID, req.AmountTotal)
	h.writeJSON(w, http.StatusCreated, resp)
}

// confirmFundingRequest names the intent the processor settled. The body
// carries no outcome: the service re-reads the intent's status from the
// processor, so a forged callback cannot mark money captured that never was.
type confirmFundingRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

// ConfirmFundingHandler is the processor's confirmation webhook. The raw body
// is signature-checked against the shared webhook secret before anything is
// decoded. Idempotent across repeated deliveries.
func (h *EscrowHandlers) ConfirmFundingHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	if !h.isValidWebhookSignature(r.Header.Get("X-Processor-Signature"), body) {
		log.Printf("level=warn component=api endpoint=confirm_funding outcome=reject reason=invalid_signature")
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var req confirmFundingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.PaymentIntentID) == "" {
		h.writeError(w, http.StatusBadRequest, "payment_intent_id is required")
		return
	}

	status, err := h.service.ConfirmFundingFromProcessor(r.Context(), req.PaymentIntentID)
	if err != nil {
		h.handleServiceError(w, "confirm_funding", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// isValidWebhookSignature checks the HMAC-SHA256 of the raw body against the
// configured secret, accepting hex or base64 digests. With no secret
// configured validation is skipped; the handler still never trusts the body,
// so an unsigned caller can at most trigger a poll of its own intent.
func (h *EscrowHandlers) isValidWebhookSignature(header string, body []byte) bool {
	if h.webhookSecret == "" {
		return true
	}
	provided := strings.TrimSpace(header)
	if provided == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if hmac.Equal([]byte(hex.EncodeToString(expected)), []byte(provided)) {
		return true
	}
	return hmac.Equal([]byte(base64.StdEncoding.EncodeToString(expected)), []byte(provided))
}

// ReleaseFundingHandler handles the investor's release of held escrow funds.
func (h *EscrowHandlers) ReleaseFundingHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	payment, err := h.service.ReleaseFunding(r.Context(), principal, paymentID)
	if err != nil {
		h.handleServiceError(w, "release_funding", err)
		return
	}

	log.Printf("level=info component=api endpoint=release_funding outcome=released payment_id=%s amount_to_bg=%d", payment.ID, payment.AmountToBG)
	h.writeJSON(w, http.StatusOK, payment)
}

// CancelFundingHandler abandons a pending payment before confirmation.
func (h *EscrowHandlers) CancelFundingHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID format")
		return
	}

	payment, err := h.service.CancelFunding(r.Context(), principal, paymentID)
	if err != nil {
		h.handleServiceError(w, "cancel_funding", err)
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// ListProjectPaymentsHandler returns the full escrow history of a project.
func (h *EscrowHandlers) ListProjectPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid project ID format")
		return
	}

	payments, err := h.service.ListProjectPayments(r.Context(), principal, projectID)
	if err != nil {
		h.handleServiceError(w, "list_project_payments", err)
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	h.writeJSON(w, http.StatusOK, payments)
}

// ListEligibleBGsHandler returns BGs serving the project's zip code.
func (h *EscrowHandlers) ListEligibleBGsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid project ID format")
		return
	}

	eligible, err := h.service.ListEligibleBGs(r.Context(), principal, projectID)
	if err != nil {
		h.handleServiceError(w, "list_eligible_bgs", err)
		return
	}
	if eligible == nil {
		eligible = []domain.EligibleBG{}
	}
	h.writeJSON(w, http.StatusOK, eligible)
}

// DeleteProjectHandler removes an OPEN project with no payment history.
func (h *EscrowHandlers) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid project ID format")
		return
	}

	if err := h.service.DeleteProject(r.Context(), principal, projectID); err != nil {
		if errors.Is(err, store.ErrProjectHasPayments) {
			h.writeError(w, http.StatusConflict, "Project has payment history and cannot be deleted")
			return
		}
		h.handleServiceError(w, "delete_project", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListAvailableProjectsHandler returns open projects in the BG's service area.
func (h *EscrowHandlers) ListAvailableProjectsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	projects, err := h.service.ListAvailableProjects(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "list_available_projects", err)
		return
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	h.writeJSON(w, http.StatusOK, projects)
}

// expressInterestRequest is the optional body for an interest submission.
type expressInterestRequest struct {
	Message *string `json:"message,omitempty"`
}

// ExpressInterestHandler registers a BG's interest in a project.
func (h *EscrowHandlers) ExpressInterestHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid project ID format")
		return
	}

	var req expressInterestRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}

	interest, err := h.service.ExpressInterest(r.Context(), principal, projectID, req.Message)
	if err != nil {
		h.handleServiceError(w, "express_interest", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, interest)
}

// updateServiceZipsRequest carries the BG's replacement service area.
type updateServiceZipsRequest struct {
	ZipCodes []string `json:"zip_codes"`
}

// UpdateServiceZipsHandler replaces the BG's service zip codes.
func (h *EscrowHandlers) UpdateServiceZipsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	var req updateServiceZipsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	zips, err := h.service.UpdateServiceZips(r.Context(), principal, req.ZipCodes)
	if err != nil {
		h.handleServiceError(w, "update_service_zips", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"zip_codes": zips})
}

// ListVisitsHandler returns the BG's released payments as completed visits.
func (h *EscrowHandlers) ListVisitsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	visits, err := h.service.ListVisitsForBG(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "list_visits", err)
		return
	}
	if visits == nil {
		visits = []domain.Visit{}
	}
	h.writeJSON(w, http.StatusOK, visits)
}

// OnboardingStatusHandler reports the BG's cached onboarding state.
func (h *EscrowHandlers) OnboardingStatusHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	status, err := h.service.GetOnboardingStatus(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "onboarding_status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// RefreshOnboardingHandler polls the processor and persists the derived state.
func (h *EscrowHandlers) RefreshOnboardingHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	status, err := h.service.RefreshOnboarding(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "refresh_onboarding", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// StartOnboardingHandler provisions a connected account and returns a hosted
// onboarding link.
func (h *EscrowHandlers) StartOnboardingHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principalFromRequest(w, r)
	if !ok {
		return
	}

	link, err := h.service.StartOnboarding(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "start_onboarding", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"url": link.URL})
}

// handleServiceError maps application errors onto the HTTP error taxonomy.
func (h *EscrowHandlers) handleServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, "You are not authorized to perform this action")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Funding amount must be positive")
	case errors.Is(err, app.ErrInvalidAssignment):
		h.writeError(w, http.StatusBadRequest, "BG is not eligible for funding on this project")
	case errors.Is(err, app.ErrDuplicateOpenPayment):
		h.writeError(w, http.StatusConflict, "An open payment already exists for this project and BG")
	case errors.Is(err, app.ErrAlreadyTerminal):
		h.writeError(w, http.StatusConflict, "Payment is already settled")
	case errors.Is(err, app.ErrPaymentNotFunded):
		h.writeError(w, http.StatusConflict, "Payment has not been funded yet")
	case errors.Is(err, app.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, "Payment can no longer be cancelled")
	case errors.Is(err, app.ErrAmbiguousOutcome):
		h.writeError(w, http.StatusConflict, "Payment outcome is being reconciled; do not retry")
	case errors.Is(err, app.ErrGatewayRejected):
		h.writeError(w, http.StatusPaymentRequired, "Payment processor rejected the request")
	case errors.Is(err, app.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, "Payment processor is unavailable; please retry")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many requests; please slow down")
	case errors.Is(err, store.ErrProjectNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrBGNotFound),
		errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "Resource not found")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
