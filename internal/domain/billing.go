/**
 * @description
 * This file defines the core domain models for the billing-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 * - Transaction status transitions only pending -> successful or pending -> failed,
 *   and the transition happens at most once. The store enforces this with a
 *   conditional update; nothing else writes the status column.
 */

package domain

import (
	"encoding/json"
	"time"
)

// Transaction statuses. Terminal states are never left once entered.
const (
	TransactionPending    = "pending"
	TransactionSuccessful = "successful"
	TransactionFailed     = "failed"
)

// Subscription statuses.
const (
	SubscriptionPending   = "pending"
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

// Plan is an immutable pricing tier. The stored price is the only trusted
// source for charge amounts; client-supplied amounts are never used.
type Plan struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"` // in kobo
	Currency    string    `json:"currency"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction is one payment attempt. It maps directly to the `transactions`
// table. TxRef is generated locally before any gateway interaction;
// FlutterwaveID is assigned by the gateway and persisted at reconciliation.
type Transaction struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	PlanID        int64           `json:"plan_id"`
	TxRef         string          `json:"tx_ref"`
	FlutterwaveID *string         `json:"flutterwave_id,omitempty"`
	Price         int64           `json:"price"` // in kobo
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	RawResponse   json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Subscription is one entitlement grant, tied 1:1 to the transaction that
// paid for it via TxRef (unique). Created only by the activation worker.
type Subscription struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	PlanID        int64      `json:"plan_id"`
	TxRef         string     `json:"tx_ref"`
	FlutterwaveID *string    `json:"flutterwave_id,omitempty"`
	Price         int64      `json:"price"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsActive reports whether the subscription currently grants the entitlement.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive &&
		s.ExpiresAt != nil &&
		s.ExpiresAt.After(time.Now())
}

// User is a simplified view of a user containing only the data the billing
// pipeline needs. User rows are owned by the auth/CRUD layer; we only read them.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// InitializePaymentRequest is the DTO for incoming payment initiation requests.
// The amount is intentionally absent: it is resolved server-side from the plan.
type InitializePaymentRequest struct {
	PlanID        int64  `json:"plan_id"`
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
}

// InitializePaymentResponse carries the hosted checkout link back to the SPA.
type InitializePaymentResponse struct {
	Reference string `json:"reference"`
	Link      string `json:"link"`
}

// TransactionDetails is the owner-scoped view returned by the details endpoint.
type TransactionDetails struct {
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	TxRef         string  `json:"tx_ref"`
	Status        string  `json:"status"`
	TransactionID *string `json:"transaction_id"`
}

// SubscriptionStatus is the DTO returned when a client checks whether the
// subscription paid for by a transaction is live.
type SubscriptionStatus struct {
	Active    bool       `json:"active"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
