/**
 * @description
 * This file contains the HTTP handlers for the economy-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/threadline/economy-service/internal/app"
	"github.com/threadline/economy-service/internal/domain"
	"github.com/threadline/economy-service/internal/store"
)

// EconomyHandlers holds the application service that handlers will use.
type EconomyHandlers struct {
	service *app.Service
}

// NewEconomyHandlers creates a new instance of EconomyHandlers.
func NewEconomyHandlers(service *app.Service) *EconomyHandlers {
	return &EconomyHandlers{service: service}
}

// awardGivenResponse is sent back after an award has been given.
type awardGivenResponse struct {
	AwardInstanceID string  `json:"award_instance_id"`
	AwardID         string  `json:"award_id"`
	RecipientID     string  `json:"recipient_id"`
	Message         *string `json:"message,omitempty"`
	IsAnonymous     bool    `json:"is_anonymous"`
}

// purchaseInitiationResponse mirrors what web and mobile clients expect after
// starting a checkout: the pending entry id plus the gateway redirect.
type purchaseInitiationResponse struct {
	EntryID           string  `json:"entry_id"`
	Status            string  `json:"status"`
	ExternalReference *string `json:"external_reference,omitempty"`
	RedirectURL       string  `json:"redirect_url,omitempty"`
}

type premiumPurchaseResponse struct {
	EntryID            string  `json:"entry_id"`
	Status             string  `json:"status"`
	EntitlementID      *string `json:"entitlement_id,omitempty"`
	EntitlementEndDate *string `json:"entitlement_end_date,omitempty"`
}

// resolveUserID pulls the authenticated subject from the context and resolves
// it to the internal UUID. It writes the error response itself on failure.
func (h *EconomyHandlers) resolveUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=user_resolution_failed auth_subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusBadRequest, "User not found")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id internal_user_id=%s", internalIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// GiveAwardHandler handles requests to give an award to a post, comment, or user.
func (h *EconomyHandlers) GiveAwardHandler(w http.ResponseWriter, r *http.Request) {
	giverID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	var req domain.GiveAwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AwardID == "" || req.TargetType == "" || req.TargetID == "" {
		h.writeError(w, http.StatusBadRequest, "award_id, target_type, and target_id are required")
		return
	}

	instance, err := h.service.GiveAward(r.Context(), giverID, req)
	if err != nil {
		h.writeServiceError(w, "give_award", giverID, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, awardGivenResponse{
		AwardInstanceID: instance.ID.String(),
		AwardID:         instance.AwardID,
		RecipientID:     instance.RecipientID.String(),
		Message:         instance.Message,
		IsAnonymous:     instance.IsAnonymous,
	})
}

// PurchaseCoinsHandler starts a real-money coin top-up via the payment gateway.
func (h *EconomyHandlers) PurchaseCoinsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	var req domain.PurchaseCoinsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PackageID == "" || req.PaymentMethod == "" {
		h.writeError(w, http.StatusBadRequest, "package_id and payment_method are required")
		return
	}

	entry, redirectURL, err := h.service.PurchaseCoins(r.Context(), userID, req)
	if err != nil {
		if entry != nil {
			// Charge initiation failed but the pending entry exists; surface
			// the entry so the client can poll while the gateway recovers.
			log.Printf("level=warn component=api endpoint=purchase_coins outcome=degraded user_id=%s entry_id=%s err=%v", userID, entry.ID, err)
			h.writeJSON(w, http.StatusBadGateway, purchaseInitiationResponse{
				EntryID: entry.ID.String(),
				Status:  entry.Status,
			})
			return
		}
		h.writeServiceError(w, "purchase_coins", userID, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, purchaseInitiationResponse{
		EntryID:           entry.ID.String(),
		Status:            entry.Status,
		ExternalReference: entry.ExternalReference,
		RedirectURL:       redirectURL,
	})
}

// PurchasePremiumHandler buys or gifts a premium plan, paid with coins or real money.
func (h *EconomyHandlers) PurchasePremiumHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	var req domain.PurchasePremiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlanID == "" || req.PaymentMethod == "" {
		h.writeError(w, http.StatusBadRequest, "plan_id and payment_method are required")
		return
	}

	entry, entitlement, err := h.service.PurchasePremium(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, "purchase_premium", userID, err)
		return
	}

	resp := premiumPurchaseResponse{
		EntryID: entry.ID.String(),
		Status:  entry.Status,
	}
	if entitlement != nil {
		id := entitlement.ID.String()
		end := entitlement.EndDate.Format("2006-01-02T15:04:05Z07:00")
		resp.EntitlementID = &id
		resp.EntitlementEndDate = &end
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetBalanceHandler returns the authenticated user's coin balance and karma.
func (h *EconomyHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_balance", userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// GetLedgerHandler returns a filtered, paginated view of the user's ledger.
func (h *EconomyHandlers) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	opts := domain.LedgerListOptions{
		Kind:     r.URL.Query().Get("kind"),
		Status:   r.URL.Query().Get("status"),
		Currency: r.URL.Query().Get("currency"),
		Limit:    50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= 200 {
			opts.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	entries, err := h.service.GetLedger(r.Context(), userID, opts)
	if err != nil {
		h.writeServiceError(w, "get_ledger", userID, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetLedgerSummaryHandler returns per-currency spent/received totals.
func (h *EconomyHandlers) GetLedgerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	totals, err := h.service.GetLedgerSummary(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_ledger_summary", userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, totals)
}

// GetEntitlementStatusHandler reports whether the user currently has premium.
func (h *EconomyHandlers) GetEntitlementStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUserID(w, r)
	if !ok {
		return
	}

	status, err := h.service.GetEntitlementStatus(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_entitlement_status", userID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// RefundHandler reverses a completed ledger entry. Internal-only endpoint used
// by the moderation and support tooling.
func (h *EconomyHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	refund, err := h.service.Refund(r.Context(), entryID, req.Reason)
	if err != nil {
		h.writeServiceError(w, "refund", uuid.Nil, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// GatewayWebhookHandler receives payment notifications pushed by the gateway
// over HTTP. Processing errors are logged but always acknowledged with 200 so
// the gateway does not retry into a poison loop; the broker consumer covers
// redelivery for transient failures.
func (h *EconomyHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.GatewayEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	if err := h.service.ProcessGatewayEvent(r.Context(), event); err != nil {
		log.Printf("level=error component=api endpoint=gateway_webhook msg=\"event processing failed\" event_type=%s external_reference=%s err=%v", event.EventType, event.ExternalReference, err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// writeServiceError maps service-layer errors to HTTP responses.
func (h *EconomyHandlers) writeServiceError(w http.ResponseWriter, endpoint string, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient coin balance")
	case errors.Is(err, app.ErrSelfAward):
		h.writeError(w, http.StatusUnprocessableEntity, "You cannot award your own content")
	case errors.Is(err, app.ErrScopeMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, "This award is not available in the target's community")
	case errors.Is(err, app.ErrAwardInactive):
		h.writeError(w, http.StatusUnprocessableEntity, "This award is no longer available")
	case errors.Is(err, app.ErrAwardNotFound), errors.Is(err, app.ErrTargetNotFound):
		h.writeError(w, http.StatusNotFound, "Award or target not found")
	case errors.Is(err, app.ErrInvalidRefundTarget):
		h.writeError(w, http.StatusConflict, "This entry cannot be refunded")
	case errors.Is(err, store.ErrLedgerEntryNotFound):
		h.writeError(w, http.StatusNotFound, "Ledger entry not found")
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again shortly.")
	case errors.Is(err, app.ErrConflictRetryExhausted):
		h.writeError(w, http.StatusConflict, "The account is busy. Please retry.")
	case errors.Is(err, app.ErrPlanNotPayableInCoins):
		h.writeError(w, http.StatusUnprocessableEntity, "This plan cannot be paid with coins")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" user_id=%s err=%v", endpoint, userID, err)
		h.writeError(w, http.StatusInternalServerError, "Something went wrong. Please try again.")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EconomyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EconomyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
