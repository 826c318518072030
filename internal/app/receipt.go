/**
 * @description
 * Receipt worker: consumes receipt-requested events and emails the customer a
 * payment receipt. Delivery is strictly best-effort. A receipt that cannot be
 * sent after its retry budget is dropped with a warning; it never escalates,
 * never touches payment or subscription state, and never blocks the queue.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/subpay/billing-service/internal/domain"
	"github.com/subpay/billing-service/internal/store"
	"github.com/subpay/billing-service/pkg/mailer"
)

// ReceiptConsumer processes receipt work units from the queue.
type ReceiptConsumer struct {
	repo   store.Repository
	mailer mailer.Sender
}

// NewReceiptConsumer creates the receipt worker.
func NewReceiptConsumer(repo store.Repository, sender mailer.Sender) *ReceiptConsumer {
	return &ReceiptConsumer{repo: repo, mailer: sender}
}

// HandleMessage processes one delivery. Always acknowledges: receipts are not
// worth re-queuing, and a dead SMTP relay must not back up activations that
// share the broker.
func (c *ReceiptConsumer) HandleMessage(body []byte) bool {
	var event domain.ReceiptRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=receipt_worker msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.FlutterwaveID) == "" {
		log.Printf("level=warn component=receipt_worker msg=\"event missing gateway transaction id; dropping\" tx_ref=%s", event.TxRef)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), workerTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= workerAttempts; attempt++ {
		lastErr = c.sendReceipt(ctx, event)
		if lastErr == nil {
			return true
		}
		if attempt < workerAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = workerAttempts
			case <-time.After(workerAttemptBackoff * time.Duration(attempt)):
			}
		}
	}

	log.Printf("level=warn component=receipt_worker msg=\"receipt not delivered; dropping\" transaction_id=%s tx_ref=%s err=%v", event.FlutterwaveID, event.TxRef, lastErr)
	return true
}

func (c *ReceiptConsumer) sendReceipt(ctx context.Context, event domain.ReceiptRequestedEvent) error {
	tx, err := c.repo.FindTransactionByGatewayID(ctx, event.FlutterwaveID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// Nothing to receipt; do not retry.
			log.Printf("level=warn component=receipt_worker msg=\"no transaction for gateway id; dropping\" transaction_id=%s", event.FlutterwaveID)
			return nil
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	user, err := c.repo.FindUserByID(ctx, tx.UserID)
	if err != nil {
		return fmt.Errorf("lookup user %d: %w", tx.UserID, err)
	}

	sub, err := c.repo.FindSubscriptionByReference(ctx, tx.TxRef)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return fmt.Errorf("lookup subscription for %s: %w", tx.TxRef, err)
	}

	subject := "Your payment receipt"
	body := buildReceiptBody(user, tx, sub)
	if err := c.mailer.Send(user.Email, subject, body); err != nil {
		return fmt.Errorf("send receipt mail: %w", err)
	}

	log.Printf("level=info component=receipt_worker msg=\"receipt sent\" tx_ref=%s user_id=%d", tx.TxRef, tx.UserID)
	return nil
}

func buildReceiptBody(user *domain.User, tx *domain.Transaction, sub *domain.Subscription) string {
	var b strings.Builder
	b.WriteString("<h2>Payment Receipt</h2>")
	b.WriteString(fmt.Sprintf("<p>Hi %s,</p>", user.Name))
	b.WriteString(fmt.Sprintf("<p>We received your payment of <strong>%s %s</strong>.</p>", tx.Currency, formatKobo(tx.Price)))
	b.WriteString(fmt.Sprintf("<p>Reference: %s</p>", tx.TxRef))
	if sub != nil && sub.ExpiresAt != nil {
		b.WriteString(fmt.Sprintf("<p>Your subscription is active until %s.</p>", sub.ExpiresAt.Format("2 January 2006")))
	}
	b.WriteString("<p>Thank you for using SubPay.</p>")
	return b.String()
}

// formatKobo renders a kobo amount as a naira string with two decimals.
func formatKobo(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}
