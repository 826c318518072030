/**
 * @description
 * This file contains the core business logic for the billing-service. The
 * `Service` struct orchestrates payment initiation and owner-scoped reads,
 * coordinating between the database repository, the Flutterwave gateway
 * client, and the message broker.
 *
 * Key features:
 * - Payment initiation with a server-authoritative amount resolved from the
 *   stored plan price. Client-supplied amounts are never trusted.
 * - A locally generated unique reference created and persisted BEFORE any
 *   gateway interaction, so an initiation that dies mid-flight leaves an
 *   auditable pending row rather than an untracked charge.
 * - Owner-scoped transaction detail and subscription status lookups for the
 *   SPA polling after redirect.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For payment reference generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/flutterwave: For gateway communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/subpay/billing-service/internal/domain"
	"github.com/subpay/billing-service/internal/store"
	"github.com/subpay/billing-service/pkg/flutterwave"
)

var (
	// ErrPlanUnavailable is returned when the requested plan does not exist
	// or is not open for purchase.
	ErrPlanUnavailable = errors.New("plan is not available for purchase")
	// ErrGatewayRejected is returned when the gateway refused to create a
	// checkout session for an otherwise valid request.
	ErrGatewayRejected = errors.New("payment gateway rejected the initiation request")
)

// GatewayClient is the subset of the Flutterwave client the service depends
// on. Narrowing the dependency to an interface lets tests drive the pipeline
// with stub gateways.
type GatewayClient interface {
	InitializePayment(ctx context.Context, payload flutterwave.InitializeRequest) (*flutterwave.InitializeResponse, error)
	VerifyTransaction(ctx context.Context, transactionID string) (*flutterwave.VerifyResponse, error)
	VerifyTransactionByReference(ctx context.Context, txRef string) (*flutterwave.VerifyResponse, error)
}

// Service provides the core business logic for the billing pipeline.
type Service struct {
	repo            store.Repository
	gateway         GatewayClient
	producer        Publisher
	exchange        string
	callbackBaseURL string
	checkoutTitle   string
}

// Publisher is the event-publishing dependency of the service. It matches
// rabbitmq.Publisher minus Close, which only main cares about.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Routing keys for the billing events exchange.
const (
	RoutingKeyActivationRequested = "payment.activation.requested"
	RoutingKeyReceiptRequested    = "payment.receipt.requested"
)

// NewService creates a new billing service instance.
func NewService(repo store.Repository, gateway GatewayClient, producer Publisher, exchange, callbackBaseURL string) *Service {
	return &Service{
		repo:            repo,
		gateway:         gateway,
		producer:        producer,
		exchange:        exchange,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		checkoutTitle:   "SubPay Subscription",
	}
}

// NewPaymentReference generates a fresh unique payment reference.
func NewPaymentReference() string {
	return "tx-" + uuid.New().String()
}

// InitializePayment creates a pending transaction for the given user and plan
// and asks the gateway for a hosted checkout link.
func (s *Service) InitializePayment(ctx context.Context, userID int64, req domain.InitializePaymentRequest) (*domain.InitializePaymentResponse, error) {
	plan, err := s.repo.FindPlanByID(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, fmt.Errorf("failed to load plan %d: %w", req.PlanID, err)
	}
	if !plan.IsActive {
		return nil, ErrPlanUnavailable
	}

	customerEmail := strings.TrimSpace(req.CustomerEmail)
	customerName := strings.TrimSpace(req.CustomerName)
	if customerEmail == "" || customerName == "" {
		user, userErr := s.repo.FindUserByID(ctx, userID)
		if userErr != nil {
			return nil, fmt.Errorf("failed to load user %d: %w", userID, userErr)
		}
		if customerEmail == "" {
			customerEmail = user.Email
		}
		if customerName == "" {
			customerName = user.Name
		}
	}

	txRef := NewPaymentReference()

	// Persist the pending row before touching the gateway. If the process
	// dies between here and the gateway call, the sweep finds the stale
	// pending row and reconciles it by reference.
	txRecord := &domain.Transaction{
		UserID:   userID,
		PlanID:   plan.ID,
		TxRef:    txRef,
		Price:    plan.Price,
		Currency: plan.Currency,
		Status:   domain.TransactionPending,
	}
	if err := s.repo.CreateTransaction(ctx, txRecord); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	initResp, err := s.gateway.InitializePayment(ctx, flutterwave.InitializeRequest{
		TxRef:       txRef,
		Amount:      plan.Price,
		Currency:    plan.Currency,
		RedirectURL: s.callbackBaseURL + "/api/payments/callback",
		Customer: flutterwave.Customer{
			Email: customerEmail,
			Name:  customerName,
		},
		Customizations: flutterwave.Customizations{Title: s.checkoutTitle},
	})
	if err != nil {
		var apiErr *flutterwave.APIError
		if errors.As(err, &apiErr) {
			log.Printf("level=warn component=service flow=initialize msg=\"gateway rejected initiation\" tx_ref=%s status=%d gateway_msg=%q", txRef, apiErr.StatusCode, apiErr.Message)
			return nil, ErrGatewayRejected
		}
		return nil, fmt.Errorf("failed to initialize payment with gateway: %w", err)
	}
	if !strings.EqualFold(initResp.Status, "success") || initResp.Data.Link == "" {
		log.Printf("level=warn component=service flow=initialize msg=\"gateway returned non-success envelope\" tx_ref=%s status=%s", txRef, initResp.Status)
		return nil, ErrGatewayRejected
	}

	log.Printf("level=info component=service flow=initialize msg=\"checkout session created\" tx_ref=%s user_id=%d plan_id=%d amount=%d", txRef, userID, plan.ID, plan.Price)

	return &domain.InitializePaymentResponse{
		Reference: txRef,
		Link:      initResp.Data.Link,
	}, nil
}

// GetTransactionDetails returns the owner-scoped view of a transaction by
// gateway transaction id. A transaction belonging to another user is reported
// as not found rather than forbidden, so ids cannot be probed.
func (s *Service) GetTransactionDetails(ctx context.Context, userID int64, flutterwaveID string) (*domain.TransactionDetails, error) {
	tx, err := s.repo.FindUserTransactionByGatewayID(ctx, flutterwaveID, userID)
	if err != nil {
		return nil, err
	}
	return &domain.TransactionDetails{
		Amount:        tx.Price,
		Currency:      tx.Currency,
		TxRef:         tx.TxRef,
		Status:        tx.Status,
		TransactionID: tx.FlutterwaveID,
	}, nil
}

// GetSubscriptionStatus reports whether the subscription paid for by the
// given gateway transaction currently grants the entitlement. Ownership is
// checked against the transaction row, same not-found semantics as details.
func (s *Service) GetSubscriptionStatus(ctx context.Context, userID int64, flutterwaveID string) (*domain.SubscriptionStatus, error) {
	tx, err := s.repo.FindUserTransactionByGatewayID(ctx, flutterwaveID, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.FindSubscriptionByReference(ctx, tx.TxRef)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			// Payment may be successful with activation still in flight.
			return &domain.SubscriptionStatus{Active: false, Status: domain.SubscriptionPending}, nil
		}
		return nil, err
	}

	return &domain.SubscriptionStatus{
		Active:    sub.IsActive(),
		Status:    sub.Status,
		StartedAt: sub.StartedAt,
		ExpiresAt: sub.ExpiresAt,
	}, nil
}

// ListActivePlans returns the plans currently open for purchase.
func (s *Service) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	return s.repo.ListActivePlans(ctx)
}
