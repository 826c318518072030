/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL queries and logic for interacting with the database
 * using the pgx driver.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and toolkit.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/subpay/billing-service/internal/domain"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `id, user_id, plan_id, tx_ref, flutterwave_id, price, currency, status, raw_response, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.PlanID,
		&tx.TxRef,
		&tx.FlutterwaveID,
		&tx.Price,
		&tx.Currency,
		&tx.Status,
		&tx.RawResponse,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// FindPlanByID retrieves a pricing plan by its primary key.
func (r *PostgresRepository) FindPlanByID(ctx context.Context, planID int64) (*domain.Plan, error) {
	query := `
        SELECT id, name, description, price, currency, is_active, created_at, updated_at
        FROM plans
        WHERE id = $1`
	var plan domain.Plan
	err := r.db.QueryRow(ctx, query, planID).Scan(
		&plan.ID,
		&plan.Name,
		&plan.Description,
		&plan.Price,
		&plan.Currency,
		&plan.IsActive,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to find plan %d: %w", planID, err)
	}
	return &plan, nil
}

// ListActivePlans returns every plan currently offered, cheapest first.
func (r *PostgresRepository) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	query := `
        SELECT id, name, description, price, currency, is_active, created_at, updated_at
        FROM plans
        WHERE is_active = TRUE
        ORDER BY price ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		var plan domain.Plan
		if err := rows.Scan(
			&plan.ID,
			&plan.Name,
			&plan.Description,
			&plan.Price,
			&plan.Currency,
			&plan.IsActive,
			&plan.CreatedAt,
			&plan.UpdatedAt,
		); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// FindUserByID retrieves the minimal user view needed for receipts.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	query := `SELECT id, name, email FROM users WHERE id = $1`
	var user domain.User
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Name, &user.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user %d: %w", userID, err)
	}
	return &user, nil
}

// CreateTransaction inserts a new pending payment attempt.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
        INSERT INTO transactions (user_id, plan_id, tx_ref, price, currency, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		tx.UserID,
		tx.PlanID,
		tx.TxRef,
		tx.Price,
		tx.Currency,
		tx.Status,
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction %s: %w", tx.TxRef, err)
	}
	return nil
}

// FindTransactionByReference looks a transaction up by its local reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, txRef string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tx_ref = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, txRef))
}

// FindTransactionByGatewayID looks a transaction up by the gateway-assigned id.
func (r *PostgresRepository) FindTransactionByGatewayID(ctx context.Context, flutterwaveID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE flutterwave_id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, flutterwaveID))
}

// FindUserTransactionByGatewayID is the owner-scoped lookup used by the
// transaction details endpoint.
func (r *PostgresRepository) FindUserTransactionByGatewayID(ctx context.Context, flutterwaveID string, userID int64) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE flutterwave_id = $1 AND user_id = $2`
	return scanTransaction(r.db.QueryRow(ctx, query, flutterwaveID, userID))
}

// TransitionIfPending commits the one authoritative status transition. The
// WHERE clause restricts the update to rows still pending, so exactly one of
// any number of concurrent callers observes a changed row. Losers see
// RowsAffected() == 0 and must not re-trigger side effects.
func (r *PostgresRepository) TransitionIfPending(ctx context.Context, txRef, newStatus string, flutterwaveID string, rawResponse []byte) (bool, error) {
	query := `
        UPDATE transactions
        SET status = $2,
            flutterwave_id = COALESCE(NULLIF($3, ''), flutterwave_id),
            raw_response = COALESCE($4, raw_response),
            updated_at = NOW()
        WHERE tx_ref = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, txRef, newStatus, flutterwaveID, rawResponse)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction %s to %s: %w", txRef, newStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateSubscriptionIfAbsent grants the entitlement for a reconciled
// transaction. ON CONFLICT on the tx_ref unique constraint makes duplicate
// activation deliveries collapse into a no-op; the caller treats false as
// already-done rather than an error.
func (r *PostgresRepository) CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error) {
	query := `
        INSERT INTO subscriptions (user_id, plan_id, tx_ref, flutterwave_id, price, currency, status, started_at, expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
        ON CONFLICT (tx_ref) DO NOTHING`
	tag, err := r.db.Exec(ctx, query,
		sub.UserID,
		sub.PlanID,
		sub.TxRef,
		sub.FlutterwaveID,
		sub.Price,
		sub.Currency,
		sub.Status,
		sub.StartedAt,
		sub.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create subscription for %s: %w", sub.TxRef, err)
	}
	return tag.RowsAffected() > 0, nil
}

const subscriptionColumns = `id, user_id, plan_id, tx_ref, flutterwave_id, price, currency, status, started_at, expires_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.TxRef,
		&sub.FlutterwaveID,
		&sub.Price,
		&sub.Currency,
		&sub.Status,
		&sub.StartedAt,
		&sub.ExpiresAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// FindSubscriptionByReference retrieves the subscription granted for a transaction reference.
func (r *PostgresRepository) FindSubscriptionByReference(ctx context.Context, txRef string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tx_ref = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, txRef))
}

// FindSubscriptionByGatewayID retrieves the subscription via the gateway transaction id.
func (r *PostgresRepository) FindSubscriptionByGatewayID(ctx context.Context, flutterwaveID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE flutterwave_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, flutterwaveID))
}

// ListStalePendingTransactions returns pending transactions older than the
// cutoff, oldest first. The sweep re-verifies these against the gateway.
func (r *PostgresRepository) ListStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
        SELECT ` + transactionColumns + `
        FROM transactions
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2`
	return r.listTransactions(ctx, query, olderThan, limit)
}

// ListSuccessfulTransactionsWithoutSubscription returns successful
// transactions missing their subscription row, which indicates a lost
// activation dispatch. The cutoff gives in-flight workers a grace period.
func (r *PostgresRepository) ListSuccessfulTransactionsWithoutSubscription(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
        SELECT t.id, t.user_id, t.plan_id, t.tx_ref, t.flutterwave_id, t.price, t.currency, t.status, t.raw_response, t.created_at, t.updated_at
        FROM transactions t
        LEFT JOIN subscriptions s ON s.tx_ref = t.tx_ref
        WHERE t.status = 'successful' AND s.id IS NULL AND t.updated_at < $1
        ORDER BY t.updated_at ASC
        LIMIT $2`
	return r.listTransactions(ctx, query, olderThan, limit)
}

func (r *PostgresRepository) listTransactions(ctx context.Context, query string, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.PlanID,
			&tx.TxRef,
			&tx.FlutterwaveID,
			&tx.Price,
			&tx.Currency,
			&tx.Status,
			&tx.RawResponse,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
