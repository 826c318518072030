/**
 * @description
 * This file contains the HTTP handlers for the billing-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and write the HTTP response. The browser redirect callback lives here; the
 * server-to-server webhook has its own file.
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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/subpay/billing-service/internal/app"
	"github.com/subpay/billing-service/internal/domain"
	"github.com/subpay/billing-service/internal/store"
)

// BillingHandlers holds the application service and request-policy settings
// the handlers need.
type BillingHandlers struct {
	service        *app.Service
	limiter        *app.RedisRateLimiter
	initPerMinute  int
	frontendOrigin string
	webhookHash    string
}

// NewBillingHandlers creates a new instance of BillingHandlers. limiter may
// be nil when Redis is not configured.
func NewBillingHandlers(service *app.Service, limiter *app.RedisRateLimiter, initPerMinute int, frontendOrigin, webhookHash string) *BillingHandlers {
	return &BillingHandlers{
		service:        service,
		limiter:        limiter,
		initPerMinute:  initPerMinute,
		frontendOrigin: strings.TrimRight(frontendOrigin, "/"),
		webhookHash:    webhookHash,
	}
}

func (h *BillingHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *BillingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// InitializePaymentHandler handles POST /api/payments/initialize.
func (h *BillingHandlers) InitializePaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	if h.limiter != nil && h.initPerMinute > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "payment_init", strconv.FormatInt(userID, 10), h.initPerMinute, time.Minute)
		if err != nil {
			// Redis being down must not block payments.
			log.Printf("level=warn component=api endpoint=initialize msg=\"rate limiter unavailable; allowing request\" user_id=%d err=%v", userID, err)
		} else if count > h.initPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many payment attempts. Please wait and try again.")
			return
		}
	}

	var req domain.InitializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlanID <= 0 {
		h.writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}

	resp, err := h.service.InitializePayment(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrPlanUnavailable):
			h.writeError(w, http.StatusUnprocessableEntity, "The selected plan is not available")
		case errors.Is(err, app.ErrGatewayRejected):
			h.writeError(w, http.StatusBadGateway, "The payment gateway rejected the request")
		default:
			log.Printf("level=error component=api endpoint=initialize msg=\"initiation failed\" user_id=%d err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to initialize payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CallbackHandler handles GET /api/payments/callback: the browser returning
// from hosted checkout. The query parameters are untrusted hints; the engine
// re-verifies with the gateway before anything is recorded. Whatever happens,
// the user ends up on the frontend result page.
func (h *BillingHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	claimedStatus := strings.ToLower(strings.TrimSpace(query.Get("status")))
	transactionID := strings.TrimSpace(query.Get("transaction_id"))
	txRef := strings.TrimSpace(query.Get("tx_ref"))

	if claimedStatus == "cancelled" && transactionID == "" {
		// The customer backed out before paying; nothing to verify.
		log.Printf("level=info component=api endpoint=callback msg=\"checkout cancelled by customer\" tx_ref=%s", txRef)
		h.redirectToResult(w, r, "cancelled", txRef, "")
		return
	}

	result, err := h.service.ReconcileByTransactionID(r.Context(), transactionID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMissingTransactionID):
			h.redirectToResult(w, r, "invalid", txRef, "")
		case errors.Is(err, app.ErrGatewayUnavailable) && app.IsGatewayRejection(err):
			// The gateway has no usable record of the claimed id.
			h.redirectToResult(w, r, "invalid", txRef, transactionID)
		case errors.Is(err, app.ErrGatewayUnavailable):
			// Leave the row pending: the webhook or the sweep will finish the
			// job. The frontend shows a "still confirming" state.
			h.redirectToResult(w, r, "pending", txRef, transactionID)
		default:
			log.Printf("level=warn component=api endpoint=callback msg=\"reconciliation failed\" transaction_id=%s err=%v", transactionID, err)
			h.redirectToResult(w, r, "invalid", txRef, transactionID)
		}
		return
	}

	switch result.Outcome {
	case app.OutcomeConfirmed:
		h.redirectToResult(w, r, "successful", result.TxRef, transactionID)
	case app.OutcomeAlreadyFinalized:
		h.redirectToResult(w, r, result.Status, result.TxRef, transactionID)
	default:
		h.redirectToResult(w, r, "failed", result.TxRef, transactionID)
	}
}

func (h *BillingHandlers) redirectToResult(w http.ResponseWriter, r *http.Request, status, txRef, transactionID string) {
	values := url.Values{}
	values.Set("status", status)
	if txRef != "" {
		values.Set("tx_ref", txRef)
	}
	if transactionID != "" {
		values.Set("transaction_id", transactionID)
	}
	http.Redirect(w, r, h.frontendOrigin+"/payment/result?"+values.Encode(), http.StatusFound)
}

// TransactionDetailsHandler handles GET /api/payments/transaction.
func (h *BillingHandlers) TransactionDetailsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	transactionID := strings.TrimSpace(r.URL.Query().Get("transaction_id"))
	if transactionID == "" {
		h.writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	details, err := h.service.GetTransactionDetails(r.Context(), userID, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=transaction msg=\"lookup failed\" user_id=%d transaction_id=%s err=%v", userID, transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transaction")
		return
	}

	h.writeJSON(w, http.StatusOK, details)
}

// SubscriptionStatusHandler handles GET /api/payments/subscription-status.
func (h *BillingHandlers) SubscriptionStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}

	transactionID := strings.TrimSpace(r.URL.Query().Get("transaction_id"))
	if transactionID == "" {
		h.writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	status, err := h.service.GetSubscriptionStatus(r.Context(), userID, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=subscription_status msg=\"lookup failed\" user_id=%d transaction_id=%s err=%v", userID, transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load subscription status")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// ListPlansHandler handles GET /api/payments/plans.
func (h *BillingHandlers) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListActivePlans(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=plans msg=\"listing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load plans")
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}
