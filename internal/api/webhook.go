/**
 * @description
 * Webhook endpoint for gateway charge notifications. The webhook and the
 * browser redirect race to reconcile the same payment; both funnel into the
 * same engine, so order does not matter.
 *
 * Authenticity is the `verif-hash` header matched against the shared secret
 * in constant time. Unverified requests get 401 and no processing. Verified
 * requests are always answered 200 so the gateway does not retry forever;
 * transient failures are left for retries and the sweep to repair.
 */

package api

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/subpay/billing-service/internal/app"
	"github.com/subpay/billing-service/internal/domain"
)

const webhookSignatureHeader = "verif-hash"

// WebhookHandler handles POST /api/payments/webhook.
func (h *BillingHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(webhookSignatureHeader)
	if h.webhookHash == "" || !hmac.Equal([]byte(signature), []byte(h.webhookHash)) {
		log.Printf("level=warn component=api endpoint=webhook outcome=reject reason=invalid_signature remote=%s", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	var event domain.GatewayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=api endpoint=webhook msg=\"unparsable payload; acknowledging\" err=%v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !strings.EqualFold(event.Event, "charge.completed") {
		log.Printf("level=info component=api endpoint=webhook msg=\"ignoring event type\" event=%s", event.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.service.ReconcileByTransactionID(r.Context(), event.Data.ID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrGatewayUnavailable) && app.IsGatewayRejection(err):
			// The gateway affirmatively has no usable record of this id;
			// retrying the delivery cannot change that. Acknowledge.
			log.Printf("level=warn component=api endpoint=webhook msg=\"gateway rejected verification; acknowledging\" transaction_id=%s err=%v", event.Data.ID, err)
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, app.ErrGatewayUnavailable):
			// Tell the gateway to retry this one.
			log.Printf("level=warn component=api endpoint=webhook msg=\"verification unavailable; requesting retry\" transaction_id=%s err=%v", event.Data.ID, err)
			h.writeError(w, http.StatusServiceUnavailable, "Verification temporarily unavailable")
		case errors.Is(err, app.ErrMissingTransactionID), errors.Is(err, app.ErrUnknownReference):
			// Nothing of ours; acknowledge so the gateway stops retrying.
			log.Printf("level=warn component=api endpoint=webhook msg=\"event does not match a local transaction; acknowledging\" transaction_id=%s tx_ref=%s", event.Data.ID, event.Data.TxRef)
			w.WriteHeader(http.StatusOK)
		default:
			log.Printf("level=error component=api endpoint=webhook msg=\"reconciliation failed; requesting retry\" transaction_id=%s err=%v", event.Data.ID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process event")
		}
		return
	}

	log.Printf("level=info component=api endpoint=webhook outcome=%s tx_ref=%s transaction_id=%s", result.Outcome, result.TxRef, event.Data.ID)
	w.WriteHeader(http.StatusOK)
}
