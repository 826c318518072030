package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/subpay/billing-service/internal/app"
	"github.com/subpay/billing-service/internal/domain"
	"github.com/subpay/billing-service/internal/store"
	"github.com/subpay/billing-service/pkg/flutterwave"
)

const testJWTSecret = "jwt_test_secret"

type handlersRepoStub struct {
	store.Repository

	plan      *domain.Plan
	user      *domain.User
	createdTx *domain.Transaction
	userTx    *domain.Transaction
}

func (s *handlersRepoStub) FindPlanByID(ctx context.Context, planID int64) (*domain.Plan, error) {
	if s.plan == nil || s.plan.ID != planID {
		return nil, store.ErrPlanNotFound
	}
	return s.plan, nil
}

func (s *handlersRepoStub) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	if s.user == nil {
		return nil, store.ErrUserNotFound
	}
	return s.user, nil
}

func (s *handlersRepoStub) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.createdTx = tx
	return nil
}

func (s *handlersRepoStub) FindUserTransactionByGatewayID(ctx context.Context, flutterwaveID string, userID int64) (*domain.Transaction, error) {
	if s.userTx == nil || s.userTx.UserID != userID {
		return nil, store.ErrTransactionNotFound
	}
	return s.userTx, nil
}

func (s *handlersRepoStub) ListActivePlans(ctx context.Context) ([]domain.Plan, error) {
	if s.plan == nil {
		return nil, nil
	}
	return []domain.Plan{*s.plan}, nil
}

type handlersGatewayStub struct {
	initResp *flutterwave.InitializeResponse
	initErr  error
}

func (g *handlersGatewayStub) InitializePayment(ctx context.Context, payload flutterwave.InitializeRequest) (*flutterwave.InitializeResponse, error) {
	return g.initResp, g.initErr
}

func (g *handlersGatewayStub) VerifyTransaction(ctx context.Context, transactionID string) (*flutterwave.VerifyResponse, error) {
	return nil, nil
}

func (g *handlersGatewayStub) VerifyTransactionByReference(ctx context.Context, txRef string) (*flutterwave.VerifyResponse, error) {
	return nil, nil
}

func testRouter(repo store.Repository, gateway app.GatewayClient) http.Handler {
	svc := app.NewService(repo, gateway, &noopPublisher{}, "billing.events", "https://api.subpay.test")
	h := NewBillingHandlers(svc, nil, 0, "https://app.subpay.test", testWebhookHash)
	return BillingRoutes(h, testJWTSecret, "https://app.subpay.test")
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + signed
}

func proPlan() *domain.Plan {
	return &domain.Plan{ID: 2, Name: "Pro", Price: 150000, Currency: "NGN", IsActive: true}
}

func TestInitialize_RequiresAuthentication(t *testing.T) {
	router := testRouter(&handlersRepoStub{plan: proPlan()}, &handlersGatewayStub{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/initialize", strings.NewReader(`{"plan_id":2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestInitialize_ReturnsCheckoutLink(t *testing.T) {
	repo := &handlersRepoStub{plan: proPlan(), user: &domain.User{ID: 7, Name: "Ada Obi", Email: "ada@example.com"}}
	initResp := &flutterwave.InitializeResponse{Status: "success"}
	initResp.Data.Link = "https://checkout.flutterwave.com/v3/hosted/pay/abc123"
	router := testRouter(repo, &handlersGatewayStub{initResp: initResp})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/initialize", bytes.NewReader([]byte(`{"plan_id":2}`)))
	req.Header.Set("Authorization", bearerToken(t, "7"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp domain.InitializePaymentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Link != initResp.Data.Link {
		t.Fatalf("expected checkout link, got %q", resp.Link)
	}
	if !strings.HasPrefix(resp.Reference, "tx-") {
		t.Fatalf("expected a local reference, got %q", resp.Reference)
	}
	if repo.createdTx == nil || repo.createdTx.UserID != 7 {
		t.Fatal("expected the pending row to belong to the token subject")
	}
}

func TestInitialize_RejectsUnknownPlan(t *testing.T) {
	repo := &handlersRepoStub{user: &domain.User{ID: 7, Email: "ada@example.com"}}
	router := testRouter(repo, &handlersGatewayStub{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/initialize", strings.NewReader(`{"plan_id":99}`))
	req.Header.Set("Authorization", bearerToken(t, "7"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestInitialize_RejectsForgedToken(t *testing.T) {
	router := testRouter(&handlersRepoStub{plan: proPlan()}, &handlersGatewayStub{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7"})
	forged, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/payments/initialize", strings.NewReader(`{"plan_id":2}`))
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", rec.Code)
	}
}

func TestCallback_CancelledCheckoutRedirects(t *testing.T) {
	router := testRouter(&handlersRepoStub{}, &handlersGatewayStub{})

	req := httptest.NewRequest(http.MethodGet, "/api/payments/callback?status=cancelled&tx_ref=tx-aaaa", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("unparsable redirect target: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://app.subpay.test/payment/result") {
		t.Fatalf("expected redirect to the frontend result page, got %q", location)
	}
	if location.Query().Get("status") != "cancelled" {
		t.Fatalf("expected cancelled status, got %q", location.Query().Get("status"))
	}
}

func TestCallback_ConfirmedPaymentRedirectsSuccessful(t *testing.T) {
	tx := webhookPendingTx()
	repo := &webhookRepoStub{tx: tx, transitionWon: true}
	gateway := &webhookGatewayStub{verifyResp: webhookVerification(tx.TxRef)}
	svc := app.NewService(repo, gateway, &noopPublisher{}, "billing.events", "https://api.subpay.test")
	h := NewBillingHandlers(svc, nil, 0, "https://app.subpay.test", testWebhookHash)
	router := BillingRoutes(h, testJWTSecret, "https://app.subpay.test")

	req := httptest.NewRequest(http.MethodGet, "/api/payments/callback?status=successful&tx_ref=tx-aaaa&transaction_id=gw-9001", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location, _ := url.Parse(rec.Header().Get("Location"))
	if location.Query().Get("status") != "successful" {
		t.Fatalf("expected successful status, got %q", location.Query().Get("status"))
	}
	if !repo.transitionCalled {
		t.Fatal("expected the redirect to drive reconciliation")
	}
}

func TestTransactionDetails_OwnerScoped(t *testing.T) {
	gwID := "gw-9001"
	repo := &handlersRepoStub{userTx: &domain.Transaction{
		UserID:        7,
		TxRef:         "tx-aaaa",
		FlutterwaveID: &gwID,
		Price:         150000,
		Currency:      "NGN",
		Status:        domain.TransactionSuccessful,
	}}
	router := testRouter(repo, &handlersGatewayStub{})

	req := httptest.NewRequest(http.MethodGet, "/api/payments/transaction?transaction_id=gw-9001", nil)
	req.Header.Set("Authorization", bearerToken(t, "7"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var details domain.TransactionDetails
	if err := json.Unmarshal(rec.Body.Bytes(), &details); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if details.TxRef != "tx-aaaa" || details.Amount != 150000 {
		t.Fatalf("unexpected details: %+v", details)
	}

	// Another user probing the same gateway id sees not-found.
	req = httptest.NewRequest(http.MethodGet, "/api/payments/transaction?transaction_id=gw-9001", nil)
	req.Header.Set("Authorization", bearerToken(t, "8"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", rec.Code)
	}
}

func TestListPlans_Public(t *testing.T) {
	router := testRouter(&handlersRepoStub{plan: proPlan()}, &handlersGatewayStub{})

	req := httptest.NewRequest(http.MethodGet, "/api/payments/plans", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without a token, got %d", rec.Code)
	}
	var plans []domain.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(plans) != 1 || plans[0].Name != "Pro" {
		t.Fatalf("unexpected plans: %+v", plans)
	}
}
