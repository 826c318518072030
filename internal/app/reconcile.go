/**
 * @description
 * This file implements the reconciliation engine: the single convergence
 * point for every signal claiming a payment finished. Browser redirects,
 * gateway webhooks, and the periodic sweep all funnel into the same
 * verify-validate-transition path, so the pipeline behaves identically no
 * matter which callback arrives first, last, or many times.
 *
 * The engine never trusts the inbound signal's claimed status. It re-fetches
 * the charge from the gateway with the server-held secret and validates the
 * gateway's own record against the stored pending row. The only state write
 * is the store's conditional transition, which at most one caller wins.
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
	"github.com/subpay/billing-service/pkg/flutterwave"
)

var (
	// ErrMissingTransactionID is returned when a callback arrives without a
	// gateway transaction id to verify against.
	ErrMissingTransactionID = errors.New("callback carries no gateway transaction id")
	// ErrGatewayUnavailable is returned when verification could not be
	// completed because the gateway was unreachable. Callers should let the
	// signal be retried rather than record an outcome.
	ErrGatewayUnavailable = errors.New("gateway verification unavailable")
	// ErrUnknownReference is returned when the gateway's record points at a
	// reference this service never issued.
	ErrUnknownReference = errors.New("gateway reference does not match any local transaction")
)

// ReconcileOutcome describes what a reconciliation attempt did.
type ReconcileOutcome string

const (
	// OutcomeConfirmed means this attempt won the transition to successful
	// and dispatched activation.
	OutcomeConfirmed ReconcileOutcome = "confirmed"
	// OutcomeRejected means this attempt won the transition to failed.
	OutcomeRejected ReconcileOutcome = "rejected"
	// OutcomeAlreadyFinalized means another attempt got there first; the
	// transaction is already in a terminal state.
	OutcomeAlreadyFinalized ReconcileOutcome = "already_finalized"
)

// ReconcileResult is the engine's report for one callback.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	TxRef   string
	Status  string
}

// ReconcileByTransactionID verifies a charge by its gateway-assigned id and
// drives the stored transaction to its terminal state. This is the path for
// redirect callbacks and webhooks, both of which carry the gateway id.
func (s *Service) ReconcileByTransactionID(ctx context.Context, transactionID string) (*ReconcileResult, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, ErrMissingTransactionID
	}

	verification, err := s.gateway.VerifyTransaction(ctx, transactionID)
	if err != nil {
		return nil, classifyVerifyError(transactionID, err)
	}

	return s.reconcileVerified(ctx, transactionID, verification)
}

// ReconcileByReference verifies a charge by the locally generated reference.
// Used by the sweep for stale pending rows where no gateway id was ever
// learned.
func (s *Service) ReconcileByReference(ctx context.Context, txRef string) (*ReconcileResult, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return nil, ErrMissingTransactionID
	}

	verification, err := s.gateway.VerifyTransactionByReference(ctx, txRef)
	if err != nil {
		return nil, classifyVerifyError(txRef, err)
	}

	return s.reconcileVerified(ctx, verification.Data.ID, verification)
}

// reconcileVerified validates the gateway's record against the stored row and
// performs the single conditional transition.
func (s *Service) reconcileVerified(ctx context.Context, transactionID string, verification *flutterwave.VerifyResponse) (*ReconcileResult, error) {
	txRef := strings.TrimSpace(verification.Data.TxRef)
	if txRef == "" {
		return nil, ErrUnknownReference
	}

	txRecord, err := s.repo.FindTransactionByReference(ctx, txRef)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=service flow=reconcile msg=\"gateway reference unknown locally\" tx_ref=%s transaction_id=%s", txRef, transactionID)
			return nil, ErrUnknownReference
		}
		return nil, fmt.Errorf("failed to load transaction %s: %w", txRef, err)
	}

	newStatus := domain.TransactionFailed
	if paymentVerified(verification, txRecord) {
		newStatus = domain.TransactionSuccessful
	}

	rawResponse, err := json.Marshal(verification.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway record for %s: %w", txRef, err)
	}

	won, err := s.repo.TransitionIfPending(ctx, txRef, newStatus, transactionID, rawResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to transition transaction %s: %w", txRef, err)
	}
	if !won {
		// The row may have been finalized by a concurrent caller after our
		// read above, in which case the stale in-memory status still says
		// pending. Re-read so the caller reports the terminal state.
		status := txRecord.Status
		if status == domain.TransactionPending {
			if current, readErr := s.repo.FindTransactionByReference(ctx, txRef); readErr == nil {
				status = current.Status
			}
		}
		log.Printf("level=info component=service flow=reconcile msg=\"transaction already finalized\" tx_ref=%s transaction_id=%s status=%s", txRef, transactionID, status)
		return &ReconcileResult{Outcome: OutcomeAlreadyFinalized, TxRef: txRef, Status: status}, nil
	}

	if newStatus != domain.TransactionSuccessful {
		log.Printf("level=info component=service flow=reconcile msg=\"payment rejected\" tx_ref=%s transaction_id=%s gateway_status=%s amount=%d", txRef, transactionID, verification.Data.Status, verification.Data.Amount)
		return &ReconcileResult{Outcome: OutcomeRejected, TxRef: txRef, Status: newStatus}, nil
	}

	log.Printf("level=info component=service flow=reconcile msg=\"payment confirmed\" tx_ref=%s transaction_id=%s amount=%d", txRef, transactionID, verification.Data.Amount)

	s.dispatchActivation(ctx, transactionID, txRef)

	return &ReconcileResult{Outcome: OutcomeConfirmed, TxRef: txRef, Status: newStatus}, nil
}

// dispatchActivation publishes the activation work unit. A publish failure is
// logged but never fails the reconciliation: the status row is already
// terminal, and the sweep re-dispatches activations for successful
// transactions that have no subscription yet.
func (s *Service) dispatchActivation(ctx context.Context, transactionID, txRef string) {
	event := domain.ActivationRequestedEvent{
		FlutterwaveID: transactionID,
		TxRef:         txRef,
		OccurredAt:    time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.exchange, RoutingKeyActivationRequested, event); err != nil {
		log.Printf("level=error component=service flow=reconcile msg=\"activation dispatch failed; sweep will re-dispatch\" tx_ref=%s transaction_id=%s err=%v", txRef, transactionID, err)
	}
}

// paymentVerified applies the acceptance rule: the gateway's own record must
// say the charge succeeded, for exactly the stored amount, in the stored
// currency. Any mismatch in either direction is a rejection: an amount that
// differs from the row created at initiation means the charge does not match
// what was quoted, whoever ended up ahead.
func paymentVerified(verification *flutterwave.VerifyResponse, txRecord *domain.Transaction) bool {
	return strings.EqualFold(verification.Status, "success") &&
		strings.EqualFold(verification.Data.Status, "successful") &&
		verification.Data.Amount == txRecord.Price &&
		strings.EqualFold(verification.Data.Currency, txRecord.Currency)
}

// classifyVerifyError wraps any verification failure as unavailable: whether
// the gateway errored or the network died, no verification was obtained, so
// nothing may be finalized and the row stays pending for a later retry. The
// original error stays in the chain so edges can tell an explicit gateway
// rejection (pointless to retry) from a transport failure.
func classifyVerifyError(identifier string, err error) error {
	log.Printf("level=warn component=service flow=reconcile msg=\"verification failed\" id=%s err=%v", identifier, err)
	return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
}

// IsGatewayRejection reports whether the error chain carries an explicit
// non-5xx gateway response, meaning the gateway was reached and affirmatively
// has no usable record. Retrying the same request will not change the answer.
func IsGatewayRejection(err error) bool {
	var apiErr *flutterwave.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < 500
}
