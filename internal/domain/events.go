/**
 * @description
 * Queue and webhook event payloads for the billing pipeline.
 *
 * Activation and receipt delivery run as independently retryable units of
 * work behind a durable queue, so their payloads carry everything a worker
 * needs to resolve the transaction: the gateway transaction id (canonical,
 * unique, set exactly once at reconciliation) plus the local reference.
 */

package domain

import "time"

// ActivationRequestedEvent asks the activation worker to grant the
// subscription paid for by a successfully reconciled transaction.
type ActivationRequestedEvent struct {
	FlutterwaveID string    `json:"flutterwave_id"`
	TxRef         string    `json:"tx_ref"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ReceiptRequestedEvent asks the receipt worker to email a payment receipt.
// Enqueued only after activation reports success (or already-done).
type ReceiptRequestedEvent struct {
	FlutterwaveID string    `json:"flutterwave_id"`
	TxRef         string    `json:"tx_ref"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// GatewayWebhookEvent is the payload Flutterwave posts to the webhook
// endpoint. Only `charge.completed` is acted on; everything else is
// acknowledged and dropped.
type GatewayWebhookEvent struct {
	Event string               `json:"event"`
	Data  GatewayWebhookCharge `json:"data"`
}

// GatewayWebhookCharge mirrors the charge object inside a webhook event.
type GatewayWebhookCharge struct {
	ID       string `json:"id"`
	TxRef    string `json:"tx_ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}
