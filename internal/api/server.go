package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/ledger"
	"SentientExchange/internal/market"
	"SentientExchange/internal/observability/metrics"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
)

// Server 负责暴露市场核心的 REST 接口。
type Server struct {
	addr       string
	registry   registry.Store
	discovery  *market.Discovery
	negotiator *payment.Negotiator
	engine     *market.Engine
	spending   spending.Store
	ledger     ledger.Store
}

// ServerOptions 汇集构造 Server 的依赖。
type ServerOptions struct {
	Addr       string
	Registry   registry.Store
	Discovery  *market.Discovery
	Negotiator *payment.Negotiator
	Engine     *market.Engine
	Spending   spending.Store
	Ledger     ledger.Store
}

// NewServer 构造 API 服务实例。
func NewServer(opts ServerOptions) *Server {
	return &Server{
		addr:       opts.Addr,
		registry:   opts.Registry,
		discovery:  opts.Discovery,
		negotiator: opts.Negotiator,
		engine:     opts.Engine,
		spending:   opts.Spending,
		ledger:     opts.Ledger,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/services", observed("services", http.HandlerFunc(s.handleServices)))
	mux.Handle("/api/v1/services/discover", observed("discover", http.HandlerFunc(s.handleDiscover)))
	mux.Handle("/api/v1/payments/prepare", observed("prepare", http.HandlerFunc(s.handlePrepare)))
	mux.Handle("/api/v1/payments/complete", observed("complete", http.HandlerFunc(s.handleComplete)))
	mux.Handle("/api/v1/limits/", observed("limits", http.HandlerFunc(s.handleLimits)))
	mux.Handle("/api/v1/transactions", observed("transactions", http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/metrics", metrics.Handler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleServices 处理服务目录的注册请求。
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "服务目录未初始化", http.StatusServiceUnavailable)
		return
	}

	var descriptor registry.ServiceDescriptor
	if err := json.NewDecoder(r.Body).Decode(&descriptor); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := s.registry.Register(r.Context(), &descriptor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": descriptor.ID})
}

// handleDiscover 处理服务发现请求。
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.discovery == nil {
		http.Error(w, "发现器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req market.DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.discovery.Discover(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// prepareRequest 是支付准备接口的请求体。
type prepareRequest struct {
	Buyer           string          `json:"buyer"`
	Text            string          `json:"text,omitempty"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	MaxPayment      string          `json:"max_payment,omitempty"`
	MinRating       float64         `json:"min_rating,omitempty"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	SkipHealthCheck bool            `json:"skip_health_check,omitempty"`
	Network         string          `json:"network,omitempty"`
}

// handlePrepare 执行发现加支付准备的完整流水线。
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.discovery == nil || s.negotiator == nil {
		http.Error(w, "支付协商器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	discovered, err := s.discovery.Discover(r.Context(), market.DiscoverRequest{
		Text:            req.Text,
		Capabilities:    req.Capabilities,
		MaxPrice:        req.MaxPayment,
		MinRating:       req.MinRating,
		SkipHealthCheck: req.SkipHealthCheck,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	prepared, err := s.negotiator.Prepare(r.Context(), payment.PrepareRequest{
		Buyer:           req.Buyer,
		Service:         discovered.Selected,
		Alternatives:    discovered.Alternatives,
		RequestData:     req.RequestData,
		MaxPayment:      req.MaxPayment,
		SkipHealthCheck: true, // 发现阶段刚刚完成探活，不重复。
		Network:         req.Network,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prepared)
}

// completeRequest 是支付完成接口的请求体。
type completeRequest struct {
	SessionID      string `json:"session_id"`
	Signature      string `json:"signature"`
	RetryOnFailure bool   `json:"retry_on_failure"`
}

// handleComplete 用支付凭证完成会话。
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "完成引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.engine.Complete(r.Context(), req.SessionID, req.Signature, req.RetryOnFailure)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// limitsResponse 聚合限额配置与当前消费统计。
type limitsResponse struct {
	Limits *spending.Limits `json:"limits"`
	Stats  spending.Stats   `json:"stats"`
}

// handleLimits 处理限额的查询与设置。
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.spending == nil {
		http.Error(w, "限额存储未初始化", http.StatusServiceUnavailable)
		return
	}
	identity := strings.TrimPrefix(r.URL.Path, "/api/v1/limits/")
	if identity == "" || strings.Contains(identity, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "identity 不合法"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		limits, err := s.spending.GetLimits(r.Context(), identity)
		if err != nil {
			writeError(w, err)
			return
		}
		stats, err := s.spending.GetStats(r.Context(), identity, time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, limitsResponse{Limits: limits, Stats: stats})
	case http.MethodPut:
		var limits spending.Limits
		if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		limits.Identity = identity
		if err := s.spending.SetLimits(r.Context(), &limits); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, limits)
	default:
		http.Error(w, "仅支持 GET/PUT", http.StatusMethodNotAllowed)
	}
}

// handleTransactions 按条件列出交易流水。
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.ledger == nil {
		http.Error(w, "交易流水未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := ledger.ListOptions{
		Buyer:     r.URL.Query().Get("buyer"),
		ServiceID: r.URL.Query().Get("service_id"),
		Status:    ledger.TransactionStatus(r.URL.Query().Get("status")),
		Limit:     20,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Offset = parsed
		}
	}

	transactions, err := s.ledger.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if transactions == nil {
		transactions = []*ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactions)
}

// errorBody 是对外统一的错误响应结构，内部错误绝不裸露堆栈。
type errorBody struct {
	Error struct {
		Code     string            `json:"code"`
		Message  string            `json:"message"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"error"`
}

// writeError 将内部错误翻译为结构化响应与合适的 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{}
	body.Error.Code = string(xerrors.CodeUnknown)
	body.Error.Message = "internal error"

	if typed, ok := xerrors.From(err); ok {
		body.Error.Code = string(typed.Code())
		body.Error.Message = typed.Message()
		body.Error.Metadata = typed.Metadata()
		status = statusOf(typed.Code())
	} else if err != nil {
		body.Error.Message = err.Error()
	}

	writeJSON(w, status, body)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, payment.CodeMalformedSignature:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, session.CodeSessionNotFound,
		registry.CodeServiceNotFound, ledger.CodeTransactionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodePolicyDenied, spending.CodeLimitExceeded, payment.CodePriceExceeded:
		return http.StatusForbidden
	case payment.CodeContactFailed, market.CodeNoHealthyService:
		return http.StatusBadGateway
	case payment.CodeHealthCheckFailed:
		return http.StatusServiceUnavailable
	case session.CodeSessionState:
		return http.StatusConflict
	case market.CodeServiceFailedAfterPayment, market.CodeAllServicesFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// observed 为处理器包上指标采集。
func observed(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
