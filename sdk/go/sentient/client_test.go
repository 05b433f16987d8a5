package sentient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrepareReturnsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/prepare" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req PrepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Buyer != "agent-1" {
			t.Fatalf("unexpected buyer: %s", req.Buyer)
		}
		_ = json.NewEncoder(w).Encode(Session{
			ID:     "sess-1",
			Status: "payment_ready",
			Instruction: &PaymentInstruction{
				Amount:  "50000",
				Network: "base",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	session, err := client.Prepare(context.Background(), PrepareRequest{
		Buyer: "agent-1",
		Text:  "analyze the sentiment of this review",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if session.ID != "sess-1" || session.Status != "payment_ready" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.Instruction == nil || session.Instruction.Amount != "50000" {
		t.Fatalf("unexpected instruction: %+v", session.Instruction)
	}
}

func TestCompleteDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/complete" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"session_id": "sess-1",
			"service_id": "svc-1",
			"result": {"sentiment": "positive"},
			"payment": {"signature": "0xabc", "verified": true, "amount": "50000", "network": "base"},
			"metadata": {"retries_used": 1, "primary_service_failed": true, "backup_services_tried": ["svc-1"]}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	result, err := client.Complete(context.Background(), CompleteRequest{
		SessionID:      "sess-1",
		Signature:      "0xabc",
		RetryOnFailure: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.ServiceID != "svc-1" || !result.Payment.Verified {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Metadata.RetriesUsed != 1 || !result.Metadata.PrimaryServiceFailed {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
	if len(result.Metadata.BackupServicesTried) != 1 || result.Metadata.BackupServicesTried[0] != "svc-1" {
		t.Fatalf("unexpected backups: %v", result.Metadata.BackupServicesTried)
	}
}

func TestErrorEnvelopeSurfacesAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"PAYMENT_PRICE_EXCEEDED","message":"exceeds maximum payment"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "PAYMENT_PRICE_EXCEEDED" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "exceeds maximum payment") {
		t.Fatalf("unexpected message: %s", apiErr.Error())
	}
}

func TestListTransactionsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("buyer") != "agent-1" || r.URL.Query().Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Transaction{{ID: "txn-1", Status: "completed"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	rows, err := client.ListTransactions(context.Background(), "agent-1", 5)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "txn-1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
