package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/ledger"
	"SentientExchange/internal/market"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
)

func newTestServer() *Server {
	return NewServer(ServerOptions{
		Registry: registry.NewMemoryStore(),
		Spending: spending.NewMemoryStore(),
		Ledger:   ledger.NewMemoryStore(),
	})
}

func TestHandleServicesRegistersDescriptor(t *testing.T) {
	server := newTestServer()

	body := `{
		"id": "svc-1",
		"name": "sentiment",
		"capabilities": ["sentiment-analysis"],
		"endpoint": "http://svc-1.internal/run",
		"price": "0.05",
		"currency": "USD"
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/services", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleServices(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != "svc-1" {
		t.Fatalf("unexpected id: %q", resp["id"])
	}
}

func TestHandleServicesErrors(t *testing.T) {
	server := newTestServer()

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/services", nil)
		rec := httptest.NewRecorder()

		server.handleServices(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/services", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()

		server.handleServices(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/services", strings.NewReader(`{"id":"x"}`))
		rec := httptest.NewRecorder()

		server.handleServices(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleLimitsRoundTrip(t *testing.T) {
	server := newTestServer()

	putBody := `{"per_transaction":"1.00","daily":"10","enabled":true}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/limits/agent-1", strings.NewReader(putBody))
	rec := httptest.NewRecorder()

	server.handleLimits(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("put: unexpected status %d, body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/limits/agent-1", nil)
	rec = httptest.NewRecorder()

	server.handleLimits(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("get: unexpected status %d", rec.Code)
	}
	var resp limitsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Limits == nil || resp.Limits.Daily != "10" {
		t.Fatalf("unexpected limits: %+v", resp.Limits)
	}
}

func TestHandleLimitsRejectsBadIdentity(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/limits/", nil)
	rec := httptest.NewRecorder()

	server.handleLimits(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleTransactionsFilters(t *testing.T) {
	server := newTestServer()
	store := server.ledger.(*ledger.MemoryStore)

	for _, buyer := range []string{"agent-1", "agent-1", "agent-2"} {
		tx := &ledger.Transaction{
			ID:        ledger.NewID(),
			ServiceID: "svc-1",
			Buyer:     buyer,
			Amount:    "0.05",
			Currency:  "USD",
			Status:    ledger.StatusCompleted,
			CreatedAt: 1700000000,
		}
		if err := store.Insert(context.Background(), tx); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?buyer=agent-1", nil)
	rec := httptest.NewRecorder()

	server.handleTransactions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var rows []*ledger.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for agent-1, got %d", len(rows))
	}
}

func TestWriteErrorShapesTypedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, xerrors.New(payment.CodePriceExceeded, "exceeds maximum payment",
		xerrors.WithMetadata("price", "5.00")))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != string(payment.CodePriceExceeded) {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}
	if body.Error.Metadata["price"] != "5.00" {
		t.Fatalf("metadata lost: %v", body.Error.Metadata)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code   xerrors.Code
		status int
	}{
		{xerrors.CodeInvalidArgument, http.StatusBadRequest},
		{payment.CodeMalformedSignature, http.StatusBadRequest},
		{session.CodeSessionNotFound, http.StatusNotFound},
		{spending.CodeLimitExceeded, http.StatusForbidden},
		{payment.CodePriceExceeded, http.StatusForbidden},
		{payment.CodeContactFailed, http.StatusBadGateway},
		{market.CodeNoHealthyService, http.StatusBadGateway},
		{market.CodeServiceFailedAfterPayment, http.StatusBadGateway},
		{market.CodeAllServicesFailed, http.StatusBadGateway},
		{payment.CodeHealthCheckFailed, http.StatusServiceUnavailable},
		{session.CodeSessionState, http.StatusConflict},
		{xerrors.CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusOf(tc.code); got != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.status, got)
		}
	}
}
