package market

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/ledger"
	"SentientExchange/internal/observability/alerting"
	"SentientExchange/internal/observability/metrics"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/payment/network"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
	"SentientExchange/pkg/logger"
)

const (
	// CodeServiceFailedAfterPayment 是全系统最敏感的失败：
	// 资金可能已经转移而服务没有交付。
	CodeServiceFailedAfterPayment xerrors.Code = "MARKET_SERVICE_FAILED_AFTER_PAYMENT"
	// CodeAllServicesFailed 表示首选与全部备选服务都已尝试且失败。
	CodeAllServicesFailed xerrors.Code = "MARKET_ALL_SERVICES_FAILED"
)

func init() {
	xerrors.Register(CodeServiceFailedAfterPayment, xerrors.Attributes{
		Message:   "service failed after payment",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAllServicesFailed, xerrors.Attributes{
		Message:   "all services failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Engine 负责支付会话的完成流程：凭证语法校验、链上支付校验、
// 携带凭证的服务调用，以及支付后的备选回退。
// 支付校验失败绝不重试——重试只针对支付之后的服务执行环节，
// 且只复用已经核实过的凭证，不会产生第二次扣款。
type Engine struct {
	sessions *session.Manager
	networks *network.Registry
	recorder *ledger.Recorder
	guard    *spending.Guard
	alerts   alerting.Dispatcher
	client   *http.Client
	now      func() time.Time
}

// EngineOptions 汇集构造 Engine 的依赖。
type EngineOptions struct {
	Sessions *session.Manager
	Networks *network.Registry
	Recorder *ledger.Recorder
	Guard    *spending.Guard
	Alerts   alerting.Dispatcher
	Client   *http.Client
	// Now 仅测试使用。
	Now func() time.Time
}

// NewEngine 构造完成引擎。
func NewEngine(opts EngineOptions) *Engine {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		sessions: opts.Sessions,
		networks: opts.Networks,
		recorder: opts.Recorder,
		guard:    opts.Guard,
		alerts:   opts.Alerts,
		client:   client,
		now:      nowFn,
	}
}

// PaymentMeta 是返回给调用方的支付元信息。Verified 必须
// 无歧义地告诉调用方资金是否已经转移。
type PaymentMeta struct {
	Signature   string `json:"signature"`
	Verified    bool   `json:"verified"`
	Amount      string `json:"amount"`
	Network     string `json:"network"`
	Transaction string `json:"transaction,omitempty"`
}

// CompleteMeta 是编排层的元信息。BackupServicesTried 逐个列出
// 实际尝试过的备选服务，资金转移之后调用方需要知道钱花在了哪里。
type CompleteMeta struct {
	RetriesUsed          int      `json:"retries_used"`
	PrimaryServiceFailed bool     `json:"primary_service_failed"`
	BackupServicesTried  []string `json:"backup_services_tried,omitempty"`
}

// CompleteResult 是一次成功完成的产出。
type CompleteResult struct {
	SessionID string          `json:"session_id"`
	ServiceID string          `json:"service_id"`
	Result    json.RawMessage `json:"result"`
	Payment   PaymentMeta     `json:"payment"`
	Metadata  CompleteMeta    `json:"metadata"`
}

// Complete 用调用方提供的支付凭证完成会话。
// 步骤严格顺序：加载会话 → 语法校验 → 链上校验 → 携带凭证执行
// → 失败时按备选池回退。过期会话在任何链上调用之前被拒绝。
func (e *Engine) Complete(ctx context.Context, sessionID, signature string, retryOnFailure bool) (*CompleteResult, error) {
	if e == nil || e.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "完成引擎未初始化")
	}

	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusPaymentReady {
		return nil, xerrors.New(session.CodeSessionState,
			"会话状态 "+string(s.Status)+" 不允许执行完成操作")
	}
	instruction := s.Instruction
	if instruction == nil {
		return nil, xerrors.New(session.CodeSessionState, "会话缺少支付指令")
	}

	// 语法校验在任何链上调用之前完成。
	if !payment.ValidSignatureFormat(instruction.Network, signature) {
		return nil, xerrors.New(payment.CodeMalformedSignature,
			"支付凭证格式非法",
			xerrors.WithMetadata("field", "signature"),
			xerrors.WithMetadata("network", instruction.Network))
	}

	verification, err := e.verify(ctx, signature, instruction)
	if err != nil {
		// 链访问失败：资金状态未知，按基础设施错误上抛，不写终局流水。
		return nil, err
	}
	metrics.ObserveVerification(verification.Verified)
	if !verification.Verified {
		e.failSession(ctx, s, "payment verification failed: "+verification.Detail)
		e.recordOutcome(ctx, s, s.SelectedService, ledger.StatusFailed, signature, nil,
			"payment verification failed: "+verification.Detail)
		e.alert(ctx, s, CodeServiceFailedAfterPayment, verification.Detail)
		metrics.ObservePaymentOutcome("verification_failed")
		return nil, xerrors.New(CodeServiceFailedAfterPayment, "Service failed after payment",
			xerrors.WithMetadata("verification_error", verification.Detail),
			xerrors.WithMetadata("verification_completed", "true"),
			xerrors.WithMetadata("verified", "false"))
	}

	// 支付已核实：推进状态机并计入消费。
	s, err = e.sessions.Update(ctx, s.ID, func(stored *session.Session) error {
		return stored.Transition(session.StatusPaid)
	})
	if err != nil {
		return nil, err
	}
	if e.guard != nil && instruction.PriceUSD != "" {
		if spendErr := e.guard.RecordSpend(ctx, s.Buyer, instruction.PriceUSD); spendErr != nil {
			logger.L().Warn("消费累计写入失败", "session_id", s.ID, "error", spendErr)
		}
	}

	proof := buildProofHeader(instruction, signature)
	meta := CompleteMeta{}
	candidate := s.SelectedService
	queue := s.Alternatives

	for {
		response, callErr := e.invoke(ctx, candidate, s.RequestData, proof)
		if callErr == nil {
			s, err = e.sessions.Update(ctx, s.ID, func(stored *session.Session) error {
				return stored.Transition(session.StatusCompleted)
			})
			if err != nil {
				return nil, err
			}
			e.recordOutcome(ctx, s, candidate, ledger.StatusCompleted, signature, response, "")
			metrics.ObservePaymentOutcome("completed")
			logger.Audit().Info("支付会话已完成",
				"session_id", s.ID,
				"service_id", candidate.ID,
				"retries_used", meta.RetriesUsed)
			return &CompleteResult{
				SessionID: s.ID,
				ServiceID: candidate.ID,
				Result:    response,
				Payment: PaymentMeta{
					Signature:   signature,
					Verified:    true,
					Amount:      instruction.Amount,
					Network:     instruction.Network,
					Transaction: verification.Transaction,
				},
				Metadata: meta,
			}, nil
		}

		logger.L().Warn("服务执行失败",
			"session_id", s.ID,
			"service_id", candidate.ID,
			"retries_used", meta.RetriesUsed,
			"error", callErr)
		meta.PrimaryServiceFailed = true
		lastErr := callErr.Error()

		if !retryOnFailure {
			return nil, e.exhaust(ctx, s, candidate, signature, meta,
				"Service failed after payment", lastErr)
		}

		next, remaining := e.nextFallback(queue, instruction)
		queue = remaining
		if next == nil || s.RetryCount >= s.MaxRetries {
			return nil, e.exhaust(ctx, s, candidate, signature, meta,
				"All services failed", lastErr)
		}

		s, err = e.sessions.Update(ctx, s.ID, func(stored *session.Session) error {
			if stored.RetryCount >= stored.MaxRetries {
				return session.ErrRetriesExhausted
			}
			stored.RetryCount++
			stored.LastError = lastErr
			return nil
		})
		if err != nil {
			return nil, e.exhaust(ctx, s, candidate, signature, meta,
				"All services failed", lastErr)
		}
		meta.RetriesUsed++
		meta.BackupServicesTried = append(meta.BackupServicesTried, next.ID)
		candidate = next
		metrics.ObservePaymentOutcome("fallback")
	}
}

// verify 按会话网络找到链上校验器并执行校验。
func (e *Engine) verify(ctx context.Context, signature string, instruction *session.PaymentInstruction) (payment.Verification, error) {
	if e.networks == nil {
		return payment.Verification{}, xerrors.New(xerrors.CodeInitializationFailure, "支付网络注册表未初始化")
	}
	verifier, ok := e.networks.Verifier(instruction.Network)
	if !ok {
		return payment.Verification{}, xerrors.New(xerrors.CodeInvalidArgument,
			"未配置支付网络 "+instruction.Network)
	}
	return verifier.VerifyPayment(ctx, signature, instruction)
}

// nextFallback 从备选池中取出首个可以合法复用已核实凭证的服务：
// 它在会话网络上声明的收款地址必须与已核实的收款人一致。
func (e *Engine) nextFallback(queue []*registry.ServiceDescriptor, instruction *session.PaymentInstruction) (*registry.ServiceDescriptor, []*registry.ServiceDescriptor) {
	for i, alt := range queue {
		if alt == nil {
			continue
		}
		addr, ok := alt.PaymentAddress(instruction.Network)
		if !ok || !strings.EqualFold(addr, instruction.PayTo) {
			logger.L().Info("备选服务收款地址不匹配，跳过",
				"service_id", alt.ID, "network", instruction.Network)
			continue
		}
		return alt, queue[i+1:]
	}
	return nil, nil
}

// invoke 携带支付凭证重放服务调用。
func (e *Engine) invoke(ctx context.Context, svc *registry.ServiceDescriptor, payload json.RawMessage, proof string) (json.RawMessage, error) {
	body := payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.ProofHeader, proof)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("服务返回 %s", resp.Status)
	}
	return raw, nil
}

// exhaust 处理支付后不可恢复的失败：会话置为 failed，
// 写入恰好一条 failed 流水，并触发告警。
func (e *Engine) exhaust(ctx context.Context, s *session.Session, last *registry.ServiceDescriptor,
	signature string, meta CompleteMeta, message, detail string) error {
	e.failSession(ctx, s, detail)
	e.recordOutcome(ctx, s, last, ledger.StatusFailed, signature, nil, detail)
	code := CodeServiceFailedAfterPayment
	if message == "All services failed" {
		code = CodeAllServicesFailed
	}
	e.alert(ctx, s, code, detail)
	metrics.ObservePaymentOutcome("failed")
	return xerrors.New(code, message,
		xerrors.WithMetadata("last_error", detail),
		xerrors.WithMetadata("verified", "true"),
		xerrors.WithMetadata("retries_used", fmt.Sprintf("%d", meta.RetriesUsed)),
		xerrors.WithMetadata("backup_services_tried", strings.Join(meta.BackupServicesTried, ",")))
}

func (e *Engine) failSession(ctx context.Context, s *session.Session, detail string) {
	if _, err := e.sessions.Update(ctx, s.ID, func(stored *session.Session) error {
		stored.LastError = detail
		return stored.Transition(session.StatusFailed)
	}); err != nil {
		logger.L().Warn("会话置为失败状态时出错", "session_id", s.ID, "error", err)
	}
}

// recordOutcome 为会话的终局写入恰好一条流水。
func (e *Engine) recordOutcome(ctx context.Context, s *session.Session, svc *registry.ServiceDescriptor,
	status ledger.TransactionStatus, signature string, response json.RawMessage, detail string) {
	if e.recorder == nil || svc == nil {
		return
	}
	instruction := s.Instruction
	amount, currency := "", ""
	if instruction != nil {
		amount = instruction.PriceUSD
		if amount == "" {
			amount = instruction.Amount
		}
		currency = instruction.Token
	}
	if currency == "" {
		currency = svc.Currency
	}
	t := &ledger.Transaction{
		SessionID: s.ID,
		ServiceID: svc.ID,
		Buyer:     s.Buyer,
		Seller:    svc.Provider,
		Amount:    amount,
		Currency:  currency,
		Status:    status,
		Request:   s.RequestData,
		Response:  response,
		ProofRef:  signature,
		Error:     detail,
	}
	if err := e.recorder.Record(ctx, t); err != nil {
		logger.L().Error("交易流水记录失败", "session_id", s.ID, "error", err)
	}
}

func (e *Engine) alert(ctx context.Context, s *session.Session, code xerrors.Code, detail string) {
	if e.alerts == nil {
		return
	}
	serviceID := ""
	if s.SelectedService != nil {
		serviceID = s.SelectedService.ID
	}
	event := alerting.Event{
		Code:       code,
		Message:    detail,
		Severity:   xerrors.SeverityOf(xerrors.New(code, detail)),
		SessionID:  s.ID,
		ServiceID:  serviceID,
		Retries:    s.RetryCount,
		MaxRetries: s.MaxRetries,
		OccurredAt: e.now(),
	}
	if err := e.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", "session_id", s.ID, "error", err)
	}
}

// buildProofHeader 将支付凭证编码为 X-Payment 报文头的值。
func buildProofHeader(instruction *session.PaymentInstruction, signature string) string {
	proof := payment.PaymentProof{
		X402Version: payment.ProtocolVersion,
		Scheme:      instruction.Scheme,
		Network:     instruction.Network,
		Signature:   signature,
	}
	raw, err := json.Marshal(proof)
	if err != nil {
		return signature
	}
	return base64.StdEncoding.EncodeToString(raw)
}
