package app

import (
	"context"
	"errors"
	"testing"

	"github.com/subpay/billing-service/internal/domain"
	"github.com/subpay/billing-service/internal/store"
	"github.com/subpay/billing-service/pkg/flutterwave"
)

type reconcileRepoStub struct {
	store.Repository

	tx *domain.Transaction
	// txAfterTransition, when set, is returned by reads that happen after a
	// transition attempt, simulating a concurrent caller finalizing the row.
	txAfterTransition *domain.Transaction

	transitionCalled bool
	transitionTxRef  string
	transitionStatus string
	transitionGWID   string
	transitionRaw    []byte
	transitionWon    bool
	transitionErr    error
}

func (s *reconcileRepoStub) FindTransactionByReference(ctx context.Context, txRef string) (*domain.Transaction, error) {
	if s.transitionCalled && s.txAfterTransition != nil && s.txAfterTransition.TxRef == txRef {
		return s.txAfterTransition, nil
	}
	if s.tx == nil || s.tx.TxRef != txRef {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *reconcileRepoStub) TransitionIfPending(ctx context.Context, txRef, newStatus string, flutterwaveID string, rawResponse []byte) (bool, error) {
	s.transitionCalled = true
	s.transitionTxRef = txRef
	s.transitionStatus = newStatus
	s.transitionGWID = flutterwaveID
	s.transitionRaw = rawResponse
	return s.transitionWon, s.transitionErr
}

type gatewayStub struct {
	verifyResp  *flutterwave.VerifyResponse
	verifyErr   error
	verifyCalls int

	byRefResp  *flutterwave.VerifyResponse
	byRefErr   error
	byRefCalls int
}

func (g *gatewayStub) InitializePayment(ctx context.Context, payload flutterwave.InitializeRequest) (*flutterwave.InitializeResponse, error) {
	return nil, errors.New("not implemented")
}

func (g *gatewayStub) VerifyTransaction(ctx context.Context, transactionID string) (*flutterwave.VerifyResponse, error) {
	g.verifyCalls++
	return g.verifyResp, g.verifyErr
}

func (g *gatewayStub) VerifyTransactionByReference(ctx context.Context, txRef string) (*flutterwave.VerifyResponse, error) {
	g.byRefCalls++
	return g.byRefResp, g.byRefErr
}

type publisherStub struct {
	published   []publishedEvent
	publishErr  error
	publishFail bool
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	if p.publishFail {
		return p.publishErr
	}
	return nil
}

func pendingTransaction() *domain.Transaction {
	return &domain.Transaction{
		ID:       1,
		UserID:   7,
		PlanID:   2,
		TxRef:    "tx-11111111-2222-3333-4444-555555555555",
		Price:    150000,
		Currency: "NGN",
		Status:   domain.TransactionPending,
	}
}

func successfulVerification(txRef string, amount int64) *flutterwave.VerifyResponse {
	resp := &flutterwave.VerifyResponse{Status: "success", Message: "Transaction fetched successfully"}
	resp.Data.ID = "gw-9001"
	resp.Data.TxRef = txRef
	resp.Data.Amount = amount
	resp.Data.Currency = "NGN"
	resp.Data.Status = "successful"
	return resp
}

func newTestService(repo store.Repository, gateway GatewayClient, producer Publisher) *Service {
	return NewService(repo, gateway, producer, "billing.events", "https://api.subpay.test")
}

func TestReconcileByTransactionID_ConfirmsAndDispatchesActivation(t *testing.T) {
	tx := pendingTransaction()
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, tx.Price)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected outcome %q, got %q", OutcomeConfirmed, result.Outcome)
	}
	if !repo.transitionCalled {
		t.Fatal("expected the conditional transition to be attempted")
	}
	if repo.transitionStatus != domain.TransactionSuccessful {
		t.Fatalf("expected transition to successful, got %q", repo.transitionStatus)
	}
	if repo.transitionGWID != "gw-9001" {
		t.Fatalf("expected gateway id persisted with transition, got %q", repo.transitionGWID)
	}
	if len(repo.transitionRaw) == 0 {
		t.Fatal("expected the gateway record to be persisted as raw response")
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected one activation event, got %d", len(producer.published))
	}
	if producer.published[0].routingKey != RoutingKeyActivationRequested {
		t.Fatalf("expected activation routing key, got %q", producer.published[0].routingKey)
	}
	event, ok := producer.published[0].body.(domain.ActivationRequestedEvent)
	if !ok {
		t.Fatalf("expected ActivationRequestedEvent payload, got %T", producer.published[0].body)
	}
	if event.FlutterwaveID != "gw-9001" || event.TxRef != tx.TxRef {
		t.Fatalf("unexpected activation event payload: %+v", event)
	}
}

func TestReconcileByTransactionID_RejectsUnderpayment(t *testing.T) {
	tx := pendingTransaction()
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, tx.Price-1)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected outcome %q, got %q", OutcomeRejected, result.Outcome)
	}
	if repo.transitionStatus != domain.TransactionFailed {
		t.Fatalf("expected transition to failed, got %q", repo.transitionStatus)
	}
	if len(producer.published) != 0 {
		t.Fatal("did not expect activation dispatch for a rejected payment")
	}
}

func TestReconcileByTransactionID_RejectsOverpayment(t *testing.T) {
	tx := pendingTransaction()
	tx.Price = 5000
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, 6000)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected outcome %q for an over-amount charge, got %q", OutcomeRejected, result.Outcome)
	}
	if repo.transitionStatus != domain.TransactionFailed {
		t.Fatalf("expected transition to failed, got %q", repo.transitionStatus)
	}
	if len(producer.published) != 0 {
		t.Fatal("an amount mismatch must never dispatch activation, whichever side is ahead")
	}
}

func TestReconcileByTransactionID_RejectsCurrencyMismatch(t *testing.T) {
	tx := pendingTransaction()
	verification := successfulVerification(tx.TxRef, tx.Price)
	verification.Data.Currency = "USD"
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{verifyResp: verification}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected outcome %q, got %q", OutcomeRejected, result.Outcome)
	}
	if len(producer.published) != 0 {
		t.Fatal("did not expect activation dispatch for a currency mismatch")
	}
}

func TestReconcileByTransactionID_DuplicateLosesRace(t *testing.T) {
	tx := pendingTransaction()
	tx.Status = domain.TransactionSuccessful
	repo := &reconcileRepoStub{tx: tx, transitionWon: false}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, tx.Price)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeAlreadyFinalized {
		t.Fatalf("expected outcome %q, got %q", OutcomeAlreadyFinalized, result.Outcome)
	}
	if len(producer.published) != 0 {
		t.Fatal("the losing callback must not dispatch a second activation")
	}
}

func TestReconcileByTransactionID_RaceLoserReportsTerminalStatus(t *testing.T) {
	tx := pendingTransaction()
	finalized := *tx
	finalized.Status = domain.TransactionSuccessful
	// The row reads as pending, but a concurrent caller finalizes it before
	// our conditional update runs.
	repo := &reconcileRepoStub{tx: tx, txAfterTransition: &finalized, transitionWon: false}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, tx.Price)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Outcome != OutcomeAlreadyFinalized {
		t.Fatalf("expected outcome %q, got %q", OutcomeAlreadyFinalized, result.Outcome)
	}
	if result.Status != domain.TransactionSuccessful {
		t.Fatalf("expected the terminal status from the re-read, got %q", result.Status)
	}
	if len(producer.published) != 0 {
		t.Fatal("the losing caller must not dispatch activation")
	}
}

func TestReconcileByTransactionID_UnknownReference(t *testing.T) {
	verification := successfulVerification("tx-never-issued", 150000)
	repo := &reconcileRepoStub{}
	gateway := &gatewayStub{verifyResp: verification}
	svc := newTestService(repo, gateway, &publisherStub{})

	_, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
	if repo.transitionCalled {
		t.Fatal("an unknown reference must not transition anything")
	}
}

func TestReconcileByTransactionID_GatewayUnreachable(t *testing.T) {
	repo := &reconcileRepoStub{tx: pendingTransaction()}
	gateway := &gatewayStub{verifyErr: errors.New("dial tcp: connection refused")}
	svc := newTestService(repo, gateway, &publisherStub{})

	_, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if repo.transitionCalled {
		t.Fatal("a transport failure must not finalize the transaction")
	}
}

func TestReconcileByTransactionID_GatewayServerErrorIsUnavailable(t *testing.T) {
	repo := &reconcileRepoStub{tx: pendingTransaction()}
	gateway := &gatewayStub{verifyErr: &flutterwave.APIError{StatusCode: 503, Status: "error", Message: "service unavailable"}}
	svc := newTestService(repo, gateway, &publisherStub{})

	_, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable for gateway 5xx, got %v", err)
	}
	if IsGatewayRejection(err) {
		t.Fatal("a 5xx is a transient failure, not an explicit rejection")
	}
}

func TestReconcileByTransactionID_GatewayRejectionIsUnavailable(t *testing.T) {
	repo := &reconcileRepoStub{tx: pendingTransaction()}
	gateway := &gatewayStub{verifyErr: &flutterwave.APIError{StatusCode: 404, Status: "error", Message: "No transaction was found for this id"}}
	svc := newTestService(repo, gateway, &publisherStub{})

	_, err := svc.ReconcileByTransactionID(context.Background(), "gw-bogus")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable for gateway 4xx, got %v", err)
	}
	if !IsGatewayRejection(err) {
		t.Fatal("expected the explicit rejection to be detectable in the chain")
	}
	if repo.transitionCalled {
		t.Fatal("a gateway rejection must not transition anything")
	}
}

func TestReconcileByTransactionID_MissingID(t *testing.T) {
	svc := newTestService(&reconcileRepoStub{}, &gatewayStub{}, &publisherStub{})

	_, err := svc.ReconcileByTransactionID(context.Background(), "  ")
	if !errors.Is(err, ErrMissingTransactionID) {
		t.Fatalf("expected ErrMissingTransactionID, got %v", err)
	}
}

func TestReconcileByReference_UsesReferenceLookup(t *testing.T) {
	tx := pendingTransaction()
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{byRefResp: successfulVerification(tx.TxRef, tx.Price)}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByReference(context.Background(), tx.TxRef)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gateway.byRefCalls != 1 || gateway.verifyCalls != 0 {
		t.Fatalf("expected a single reference verification, got byRef=%d byID=%d", gateway.byRefCalls, gateway.verifyCalls)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected outcome %q, got %q", OutcomeConfirmed, result.Outcome)
	}
	// The gateway id learned from the verification must flow into the row.
	if repo.transitionGWID != "gw-9001" {
		t.Fatalf("expected gateway id from verification, got %q", repo.transitionGWID)
	}
}

func TestReconcile_PublishFailureStillConfirms(t *testing.T) {
	tx := pendingTransaction()
	repo := &reconcileRepoStub{tx: tx, transitionWon: true}
	gateway := &gatewayStub{verifyResp: successfulVerification(tx.TxRef, tx.Price)}
	producer := &publisherStub{publishFail: true, publishErr: errors.New("broker down")}
	svc := newTestService(repo, gateway, producer)

	result, err := svc.ReconcileByTransactionID(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected confirmation despite publish failure, got %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected outcome %q, got %q", OutcomeConfirmed, result.Outcome)
	}
}
