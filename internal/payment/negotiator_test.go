package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/health"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
)

// scriptedTransport 按 URL 路由响应并统计请求次数。
type scriptedTransport struct {
	calls   int32
	respond func(req *http.Request) (*http.Response, error)
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&t.calls, 1)
	return t.respond(req)
}

func (t *scriptedTransport) total() int32 {
	return atomic.LoadInt32(&t.calls)
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func challengeBody(options ...PaymentOption) string {
	raw, _ := json.Marshal(PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Accepts:     options,
	})
	return string(raw)
}

func testService() *registry.ServiceDescriptor {
	return &registry.ServiceDescriptor{
		ID:        "svc-1",
		Name:      "sentiment",
		Endpoint:  "http://svc-1.internal/run",
		HealthURL: "http://svc-1.internal/health",
		Price:     "0.05",
		Currency:  "USD",
		PaymentAddresses: map[string]string{
			"base": "0x00000000000000000000000000000000000000bb",
		},
	}
}

// settlementMap 以固定映射充当结算地址来源。
type settlementMap map[string]string

func (m settlementMap) SettlementAddress(network string) (string, bool) {
	addr, ok := m[network]
	return addr, ok && addr != ""
}

func newNegotiator(transport *scriptedTransport, guard *spending.Guard) *Negotiator {
	client := &http.Client{Transport: transport}
	return NewNegotiator(NegotiatorOptions{
		Prober:      health.NewProber(client),
		Guard:       guard,
		Sessions:    session.NewManager(session.NewMemoryStore(), 15*time.Minute),
		Settlements: settlementMap{"base": "0x00000000000000000000000000000000000000bb"},
		Client:      client,
	})
}

func TestPrepareRejectsOverpricedServiceWithoutNetworkCalls(t *testing.T) {
	transport := &scriptedTransport{respond: func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, `{}`), nil
	}}
	negotiator := newNegotiator(transport, nil)

	_, err := negotiator.Prepare(context.Background(), PrepareRequest{
		Buyer:      "agent-1",
		Service:    testService(),
		MaxPayment: "0.01",
	})
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum payment") {
		t.Fatalf("expected price gate denial, got %v", err)
	}
	if transport.total() != 0 {
		t.Fatalf("price gate must not touch the network, saw %d calls", transport.total())
	}
}

func TestPrepareEnforcesSpendingLimitBeforeProbing(t *testing.T) {
	ctx := context.Background()
	store := spending.NewMemoryStore()
	if err := store.SetLimits(ctx, &spending.Limits{Identity: "agent-1", PerTransaction: "0.01", Enabled: true}); err != nil {
		t.Fatalf("set limits: %v", err)
	}

	transport := &scriptedTransport{respond: func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
	}}
	negotiator := newNegotiator(transport, spending.NewGuard(store, nil))

	_, err := negotiator.Prepare(ctx, PrepareRequest{Buyer: "agent-1", Service: testService()})
	if err == nil || !strings.Contains(err.Error(), "spending limit exceeded") {
		t.Fatalf("expected limit denial, got %v", err)
	}
	if transport.total() != 0 {
		t.Fatalf("limit check must precede all network calls, saw %d", transport.total())
	}
}

func TestPrepareRejectsUnhealthyService(t *testing.T) {
	transport := &scriptedTransport{respond: func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"healthy":false}`), nil
		}
		t.Errorf("unexpected call to %s", req.URL)
		return httpResponse(http.StatusOK, `{}`), nil
	}}
	negotiator := newNegotiator(transport, nil)

	_, err := negotiator.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1", Service: testService()})
	if err == nil || !strings.Contains(err.Error(), "failed health check") {
		t.Fatalf("expected health denial, got %v", err)
	}
	if code := xerrors.CodeOf(err); code != CodeHealthCheckFailed {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestPrepareBuildsPaymentReadySession(t *testing.T) {
	options := []PaymentOption{
		{Scheme: "exact", Network: "base", MaxAmountRequired: "90000",
			PayTo: "0x00000000000000000000000000000000000000bb",
			Asset: "0x00000000000000000000000000000000000000aa"},
		{Scheme: "exact", Network: "base", MaxAmountRequired: "50000",
			PayTo: "0x00000000000000000000000000000000000000bb",
			Asset: "0x00000000000000000000000000000000000000aa"},
		{Scheme: "exact", Network: "polygon", MaxAmountRequired: "10",
			PayTo: "0x00000000000000000000000000000000000000cc",
			Asset: "0x00000000000000000000000000000000000000dd"},
	}
	transport := &scriptedTransport{respond: func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
		}
		return httpResponse(http.StatusPaymentRequired, challengeBody(options...)), nil
	}}
	negotiator := newNegotiator(transport, nil)

	s, err := negotiator.Prepare(context.Background(), PrepareRequest{
		Buyer:       "agent-1",
		Service:     testService(),
		RequestData: json.RawMessage(`{"text":"great product"}`),
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if s.Status != session.StatusPaymentReady {
		t.Fatalf("expected payment_ready, got %s", s.Status)
	}
	if s.ID == "" {
		t.Fatalf("session must carry an assigned id")
	}
	// 同网络多个选项时取金额最小者。
	if s.Instruction == nil || s.Instruction.Amount != "50000" {
		t.Fatalf("unexpected instruction: %+v", s.Instruction)
	}
	if s.Instruction.Network != "base" {
		t.Fatalf("expected the service's declared network, got %s", s.Instruction.Network)
	}
	if s.Instruction.PriceUSD != "0.05" {
		t.Fatalf("instruction must retain the catalog price, got %s", s.Instruction.PriceUSD)
	}
}

func TestPrepareRejectsChallengePayingOutsideSettlementAddress(t *testing.T) {
	// 服务声称的收款地址不是市场结算地址：凭证将无法在
	// 备选池内复用，准备阶段必须直接拒绝。
	rogue := PaymentOption{
		Scheme: "exact", Network: "base", MaxAmountRequired: "50000",
		PayTo: "0x00000000000000000000000000000000000000ee",
		Asset: "0x00000000000000000000000000000000000000aa",
	}
	transport := &scriptedTransport{respond: func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
		}
		return httpResponse(http.StatusPaymentRequired, challengeBody(rogue)), nil
	}}
	negotiator := newNegotiator(transport, nil)

	_, err := negotiator.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1", Service: testService()})
	if code := xerrors.CodeOf(err); code != CodeChallengeRejected {
		t.Fatalf("expected challenge rejection, got %v", err)
	}
	apiErr, ok := xerrors.From(err)
	if !ok || apiErr.Metadata()["settlement_address"] == "" {
		t.Fatalf("rejection must name the expected settlement address: %v", err)
	}

	// 结算地址大小写不同不构成拒绝理由。
	upper := rogue
	upper.PayTo = strings.ToUpper("0x00000000000000000000000000000000000000bb")
	transport.respond = func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
		}
		return httpResponse(http.StatusPaymentRequired, challengeBody(upper)), nil
	}
	if _, err := negotiator.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1", Service: testService()}); err != nil {
		t.Fatalf("case-insensitive settlement match must be accepted: %v", err)
	}
}

func TestPrepareReportsTransportFailure(t *testing.T) {
	transport := &scriptedTransport{respond: func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
		}
		return nil, fmt.Errorf("connection refused")
	}}
	negotiator := newNegotiator(transport, nil)

	_, err := negotiator.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1", Service: testService()})
	if err == nil || !strings.Contains(err.Error(), "Failed to contact service") {
		t.Fatalf("expected contact failure, got %v", err)
	}
	if code := xerrors.CodeOf(err); code != CodeContactFailed {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestPrepareRejectsNonChallengeResponse(t *testing.T) {
	transport := &scriptedTransport{respond: func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/health") {
			return httpResponse(http.StatusOK, `{"status":"healthy"}`), nil
		}
		// 服务直接应答而不是发起支付挑战。
		return httpResponse(http.StatusOK, `{"result":"done"}`), nil
	}}
	negotiator := newNegotiator(transport, nil)

	_, err := negotiator.Prepare(context.Background(), PrepareRequest{Buyer: "agent-1", Service: testService()})
	if code := xerrors.CodeOf(err); code != CodeChallengeRejected {
		t.Fatalf("expected challenge rejection, got %v", err)
	}
}

func TestSelectOptionSkipsMalformedAmounts(t *testing.T) {
	challenge := &PaymentRequiredResponse{Accepts: []PaymentOption{
		{Network: "base", MaxAmountRequired: "not-a-number"},
		{Network: "base", MaxAmountRequired: "-5"},
		{Network: "base", MaxAmountRequired: "70"},
	}}
	option := SelectOption(challenge, "base")
	if option == nil || option.MaxAmountRequired != "70" {
		t.Fatalf("expected the only well-formed option, got %+v", option)
	}
	if SelectOption(challenge, "solana") != nil {
		t.Fatalf("mismatched network must yield no option")
	}
}

func TestValidSignatureFormat(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	if !ValidSignatureFormat("base", valid) {
		t.Fatalf("expected %s to be accepted", valid)
	}
	for _, bad := range []string{"", "0x123", "not-a-hash", "0x" + strings.Repeat("zz", 32), strings.Repeat("ab", 32)} {
		if ValidSignatureFormat("base", bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
