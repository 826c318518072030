/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the billing-service. Defining an interface
 * decouples the business logic from the PostgreSQL implementation and lets the
 * pipeline be tested against in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/subpay/billing-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Reference data (owned by the CRUD layer; read-only here)
	FindPlanByID(ctx context.Context, planID int64) (*domain.Plan, error)
	ListActivePlans(ctx context.Context) ([]domain.Plan, error)
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)

	// Transaction methods. The billing-service exclusively owns transaction rows.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByReference(ctx context.Context, txRef string) (*domain.Transaction, error)
	FindTransactionByGatewayID(ctx context.Context, flutterwaveID string) (*domain.Transaction, error)
	FindUserTransactionByGatewayID(ctx context.Context, flutterwaveID string, userID int64) (*domain.Transaction, error)

	// TransitionIfPending performs the single authoritative status transition:
	// a conditional UPDATE restricted to rows still in 'pending'. It reports
	// whether a row was actually changed, which is what makes the pipeline
	// exactly-once under concurrent duplicate callbacks. A read-then-write
	// here would race between a browser redirect and a webhook for the same
	// payment.
	TransitionIfPending(ctx context.Context, txRef, newStatus string, flutterwaveID string, rawResponse []byte) (bool, error)

	// Subscription methods. The activation worker is the only writer.
	// CreateSubscriptionIfAbsent relies on the unique constraint on
	// subscriptions.tx_ref; a conflict means a concurrent or earlier delivery
	// already activated, which callers treat as success.
	CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error)
	FindSubscriptionByReference(ctx context.Context, txRef string) (*domain.Subscription, error)
	FindSubscriptionByGatewayID(ctx context.Context, flutterwaveID string) (*domain.Subscription, error)

	// Sweep support: stale pending transactions eligible for re-verification,
	// and successful transactions whose activation was lost in transit.
	ListStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListSuccessfulTransactionsWithoutSubscription(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}
