/**
 * @description
 * Activation worker: consumes activation-requested events and grants the
 * subscription paid for by a confirmed transaction. The worker is the only
 * writer of subscription rows.
 *
 * Activation must converge on exactly one subscription per paid transaction
 * no matter how many times its event is delivered. The insert relies on the
 * unique constraint on the transaction reference; a conflict means an earlier
 * delivery already activated and is treated as success.
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
)

const (
	workerAttempts       = 3
	workerAttemptBackoff = 150 * time.Millisecond
	workerTimeout        = 15 * time.Second
)

// ActivationConsumer processes activation work units from the queue.
type ActivationConsumer struct {
	repo       store.Repository
	producer   Publisher
	exchange   string
	periodDays int
}

// NewActivationConsumer creates the activation worker.
func NewActivationConsumer(repo store.Repository, producer Publisher, exchange string, periodDays int) *ActivationConsumer {
	if periodDays <= 0 {
		periodDays = 30
	}
	return &ActivationConsumer{
		repo:       repo,
		producer:   producer,
		exchange:   exchange,
		periodDays: periodDays,
	}
}

// HandleMessage processes one delivery. Malformed payloads are acknowledged
// and dropped; a payload that fails all attempts is acknowledged with an
// alert rather than re-queued, so one poisoned activation cannot wedge the
// queue behind it.
func (c *ActivationConsumer) HandleMessage(body []byte) bool {
	var event domain.ActivationRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=activation_worker msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(event.FlutterwaveID) == "" {
		log.Printf("level=warn component=activation_worker msg=\"event missing gateway transaction id; dropping\" tx_ref=%s", event.TxRef)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), workerTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= workerAttempts; attempt++ {
		lastErr = c.activate(ctx, event)
		if lastErr == nil {
			return true
		}
		log.Printf("level=warn component=activation_worker msg=\"activation attempt failed\" transaction_id=%s attempt=%d err=%v", event.FlutterwaveID, attempt, lastErr)
		if attempt < workerAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = workerAttempts
			case <-time.After(workerAttemptBackoff * time.Duration(attempt)):
			}
		}
	}

	// A paid user without an entitlement needs an operator. The sweep will
	// also re-dispatch this activation, so dropping here is safe.
	log.Printf("level=error component=activation_worker msg=\"ALERT activation exhausted retries; paid transaction has no subscription\" transaction_id=%s tx_ref=%s err=%v", event.FlutterwaveID, event.TxRef, lastErr)
	return true
}

func (c *ActivationConsumer) activate(ctx context.Context, event domain.ActivationRequestedEvent) error {
	tx, err := c.repo.FindTransactionByGatewayID(ctx, event.FlutterwaveID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return fmt.Errorf("no transaction for gateway id %s", event.FlutterwaveID)
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	if tx.Status != domain.TransactionSuccessful {
		// Never grant an entitlement off a non-successful row, whatever the
		// event claims.
		log.Printf("level=warn component=activation_worker msg=\"transaction not successful; dropping activation\" transaction_id=%s status=%s", event.FlutterwaveID, tx.Status)
		return nil
	}

	now := time.Now().UTC()
	expires := now.AddDate(0, 0, c.periodDays)
	sub := &domain.Subscription{
		UserID:        tx.UserID,
		PlanID:        tx.PlanID,
		TxRef:         tx.TxRef,
		FlutterwaveID: tx.FlutterwaveID,
		Price:         tx.Price,
		Currency:      tx.Currency,
		Status:        domain.SubscriptionActive,
		StartedAt:     &now,
		ExpiresAt:     &expires,
	}

	created, err := c.repo.CreateSubscriptionIfAbsent(ctx, sub)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	if created {
		log.Printf("level=info component=activation_worker msg=\"subscription activated\" tx_ref=%s user_id=%d plan_id=%d expires_at=%s", tx.TxRef, tx.UserID, tx.PlanID, expires.Format(time.RFC3339))
	} else {
		log.Printf("level=info component=activation_worker msg=\"subscription already exists; treating as activated\" tx_ref=%s", tx.TxRef)
	}

	// Receipt delivery is chained behind activation but stays best-effort: a
	// publish failure only costs the email, never the entitlement. The
	// already-activated path still enqueues, so a crash between the insert
	// and the publish on an earlier delivery cannot lose the receipt for
	// good.
	receipt := domain.ReceiptRequestedEvent{
		FlutterwaveID: event.FlutterwaveID,
		TxRef:         tx.TxRef,
		OccurredAt:    time.Now().UTC(),
	}
	if err := c.producer.Publish(ctx, c.exchange, RoutingKeyReceiptRequested, receipt); err != nil {
		log.Printf("level=warn component=activation_worker msg=\"receipt dispatch failed\" tx_ref=%s err=%v", tx.TxRef, err)
	}

	return nil
}
