package flutterwave

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitializePayment_SendsAuthorizedRequest(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/v3/hosted/pay/abc123"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "FLWSECK_TEST-secret")
	resp, err := client.InitializePayment(context.Background(), InitializeRequest{
		TxRef:    "tx-aaaa",
		Amount:   150000,
		Currency: "NGN",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotAuth != "Bearer FLWSECK_TEST-secret" {
		t.Fatalf("expected bearer auth with the secret key, got %q", gotAuth)
	}
	if gotPath != "/v3/payments" {
		t.Fatalf("expected the payments endpoint, got %q", gotPath)
	}
	if resp.Data.Link != "https://checkout.flutterwave.com/v3/hosted/pay/abc123" {
		t.Fatalf("unexpected link: %q", resp.Data.Link)
	}
}

func TestVerifyTransaction_ParsesChargeRecord(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"Transaction fetched successfully","data":{"id":"gw-9001","tx_ref":"tx-aaaa","amount":150000,"currency":"NGN","status":"successful"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk")
	resp, err := client.VerifyTransaction(context.Background(), "gw-9001")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotPath != "/v3/transactions/gw-9001/verify" {
		t.Fatalf("expected the verify endpoint, got %q", gotPath)
	}
	if resp.Data.TxRef != "tx-aaaa" || resp.Data.Amount != 150000 || resp.Data.Status != "successful" {
		t.Fatalf("unexpected charge record: %+v", resp.Data)
	}
}

func TestVerifyTransactionByReference_EscapesReference(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("tx_ref")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","message":"ok","data":{"id":"gw-9001","tx_ref":"tx-a b","amount":1,"currency":"NGN","status":"successful"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk")
	if _, err := client.VerifyTransactionByReference(context.Background(), "tx-a b"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotQuery != "tx-a b" {
		t.Fatalf("expected the reference to survive escaping, got %q", gotQuery)
	}
}

func TestDo_NonSuccessStatusReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","message":"No transaction was found for this id"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk")
	_, err := client.VerifyTransaction(context.Background(), "gw-missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "No transaction was found for this id" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}

func TestDo_TransportErrorIsNotAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := NewClient(server.URL, "sk")
	_, err := client.VerifyTransaction(context.Background(), "gw-9001")
	if err == nil {
		t.Fatal("expected an error for a refused connection")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatal("a transport failure must not look like a gateway response")
	}
}
