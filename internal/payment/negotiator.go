package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/health"
	"SentientExchange/internal/money"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
	"SentientExchange/pkg/logger"
)

// CodeHealthCheckFailed 表示选中服务未通过准备阶段的健康检查。
const CodeHealthCheckFailed xerrors.Code = "PAYMENT_HEALTH_CHECK_FAILED"

func init() {
	xerrors.Register(CodeHealthCheckFailed, xerrors.Attributes{
		Message:   "selected service failed its health check",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// SettlementSource 提供各网络的市场结算地址。支付指令的收款人
// 必须是结算地址，已核实的凭证才可以在备选池内安全复用。
type SettlementSource interface {
	SettlementAddress(network string) (string, bool)
}

// Negotiator 执行支付准备流程：价格闸门、限额检查、健康复核、
// 402 挑战交换，最终产出处于 payment_ready 状态的会话。
// 各道闸门严格顺序执行，任何一道失败都不会触达后续更昂贵的步骤。
type Negotiator struct {
	prober       *health.Prober
	guard        *spending.Guard
	sessions     *session.Manager
	settlements  SettlementSource
	client       *http.Client
	probeTimeout time.Duration
	maxRetries   int
	now          func() time.Time
}

// NegotiatorOptions 汇集构造 Negotiator 的依赖与参数。
type NegotiatorOptions struct {
	Prober       *health.Prober
	Guard        *spending.Guard
	Sessions     *session.Manager
	Settlements  SettlementSource
	Client       *http.Client
	ProbeTimeout time.Duration
	MaxRetries   int
	// Now 仅测试使用。
	Now func() time.Time
}

// NewNegotiator 构造支付协商器。
func NewNegotiator(opts NegotiatorOptions) *Negotiator {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Negotiator{
		prober:       opts.Prober,
		guard:        opts.Guard,
		sessions:     opts.Sessions,
		settlements:  opts.Settlements,
		client:       client,
		probeTimeout: probeTimeout,
		maxRetries:   maxRetries,
		now:          nowFn,
	}
}

// PrepareRequest 描述一次支付准备请求。
type PrepareRequest struct {
	Buyer           string
	Service         *registry.ServiceDescriptor
	Alternatives    []*registry.ServiceDescriptor
	RequestData     json.RawMessage
	MaxPayment      string
	SkipHealthCheck bool
	// Network 为空时使用服务声明的首个收款网络。
	Network string
}

// Prepare 执行准备流水线并返回新建会话。
// 闸门顺序固定：价格 → 限额 → 健康 → 402 交换，不可重排。
func (n *Negotiator) Prepare(ctx context.Context, req PrepareRequest) (*session.Session, error) {
	if n == nil || n.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "支付协商器未初始化")
	}
	svc := req.Service
	if svc == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定目标服务")
	}

	price, err := money.Parse(svc.Price)
	if err != nil {
		return nil, err
	}

	// 价格闸门不产生任何网络调用。
	if req.MaxPayment != "" {
		ceiling, err := money.Parse(req.MaxPayment)
		if err != nil {
			return nil, err
		}
		if price.GreaterThan(ceiling) {
			return nil, xerrors.New(CodePriceExceeded, "exceeds maximum payment",
				xerrors.WithMetadata("price", svc.Price),
				xerrors.WithMetadata("max_payment", req.MaxPayment))
		}
	}

	if n.guard != nil {
		decision, err := n.guard.CheckLimit(ctx, req.Buyer, svc.Price)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, xerrors.New(spending.CodeLimitExceeded, "spending limit exceeded",
				xerrors.WithMetadata("reason", decision.Reason))
		}
	}

	if !req.SkipHealthCheck && n.prober != nil {
		result := n.prober.ProbeOne(ctx, svc, n.probeTimeout)
		if result.Status == health.StatusUnhealthy {
			return nil, xerrors.New(CodeHealthCheckFailed, "failed health check",
				xerrors.WithMetadata("service_id", svc.ID),
				xerrors.WithMetadata("detail", result.Detail))
		}
	}

	network := req.Network
	if network == "" {
		for name := range svc.PaymentAddresses {
			if network == "" || name < network {
				network = name
			}
		}
	}

	challenge, err := n.exchange(ctx, svc, req.RequestData)
	if err != nil {
		return nil, err
	}

	option := SelectOption(challenge, network)
	if option == nil {
		return nil, xerrors.New(CodeChallengeRejected,
			"服务未提供与网络 "+network+" 匹配的支付选项",
			xerrors.WithMetadata("service_id", svc.ID))
	}

	// 收款人必须是该网络配置的结算地址，否则凭证无法在
	// 备选池内复用，挑战按不可用处理。
	if n.settlements != nil {
		settlement, ok := n.settlements.SettlementAddress(option.Network)
		if ok && !strings.EqualFold(option.PayTo, settlement) {
			return nil, xerrors.New(CodeChallengeRejected,
				"支付选项的收款地址不是市场结算地址",
				xerrors.WithMetadata("service_id", svc.ID),
				xerrors.WithMetadata("pay_to", option.PayTo),
				xerrors.WithMetadata("settlement_address", settlement))
		}
	}

	now := n.now()
	s := &session.Session{
		Status:             session.StatusPaymentReady,
		Buyer:              req.Buyer,
		SelectedService:    svc.Clone(),
		Alternatives:       cloneServices(req.Alternatives),
		RequestData:        req.RequestData,
		Instruction:        Instruction(option, svc.Price, now),
		MaxRetries:         n.maxRetries,
		RequireHealthCheck: !req.SkipHealthCheck,
	}
	if _, err := n.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	logger.L().Info("支付会话已就绪",
		"session_id", s.ID,
		"service_id", svc.ID,
		"network", option.Network,
		"amount", option.MaxAmountRequired)
	return s, nil
}

// exchange 在不携带支付凭证的情况下调用服务端点，期望收到
// 结构化的 402 挑战。网络层失败与服务拒绝是两类不同的错误，
// 前者允许换备选服务重试。
func (n *Negotiator) exchange(ctx context.Context, svc *registry.ServiceDescriptor, payload json.RawMessage) (*PaymentRequiredResponse, error) {
	body := payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造服务请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeContactFailed, err, "Failed to contact service",
			xerrors.WithMetadata("service_id", svc.ID))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeContactFailed, err, "Failed to contact service",
			xerrors.WithMetadata("service_id", svc.ID))
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, xerrors.New(CodeChallengeRejected,
			"服务未返回支付挑战",
			xerrors.WithMetadata("service_id", svc.ID),
			xerrors.WithMetadata("status", resp.Status))
	}

	var challenge PaymentRequiredResponse
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, xerrors.Wrap(CodeChallengeRejected, err, "解析支付挑战失败",
			xerrors.WithMetadata("service_id", svc.ID))
	}
	if len(challenge.Accepts) == 0 {
		return nil, xerrors.New(CodeChallengeRejected, "支付挑战不包含任何可用选项",
			xerrors.WithMetadata("service_id", svc.ID))
	}
	return &challenge, nil
}

func cloneServices(services []*registry.ServiceDescriptor) []*registry.ServiceDescriptor {
	if services == nil {
		return nil
	}
	cloned := make([]*registry.ServiceDescriptor, len(services))
	for i, svc := range services {
		cloned[i] = svc.Clone()
	}
	return cloned
}
