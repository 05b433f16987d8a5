package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/registry"
)

// Status 表示支付会话在生命周期中的状态。
type Status string

const (
	StatusPreparing    Status = "preparing"
	StatusPaymentReady Status = "payment_ready"
	StatusPaid         Status = "paid"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// PaymentInstruction 是从 402 挑战中提炼出的支付指令。
// 金额使用代币的最小单位（整数字符串），一经写入不再修改。
type PaymentInstruction struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	PayTo     string `json:"pay_to"`
	Network   string `json:"network"`
	Scheme    string `json:"scheme,omitempty"`
	PriceUSD  string `json:"price_usd,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Session 是贯穿支付准备到结算的核心可变实体。
// 状态迁移单调向前，过期的会话在任何访问路径上都等同于不存在。
type Session struct {
	ID                 string                        `json:"id"`
	Status             Status                        `json:"status"`
	Buyer              string                        `json:"buyer,omitempty"`
	SelectedService    *registry.ServiceDescriptor   `json:"selected_service"`
	Alternatives       []*registry.ServiceDescriptor `json:"alternatives,omitempty"`
	RequestData        json.RawMessage               `json:"request_data,omitempty"`
	Instruction        *PaymentInstruction           `json:"instruction,omitempty"`
	RetryCount         int                           `json:"retry_count"`
	MaxRetries         int                           `json:"max_retries"`
	RequireHealthCheck bool                          `json:"require_health_check"`
	LastError          string                        `json:"last_error,omitempty"`
	CreatedAt          int64                         `json:"created_at"`
	ExpiresAt          int64                         `json:"expires_at"`
}

var (
	// ErrSessionNotFound 表示会话不存在或已过期。两种情况对调用方
	// 必须不可区分，避免通过探测枚举会话 ID。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "Session not found or expired")
	// ErrSessionState 表示请求的状态迁移不被状态机允许。
	ErrSessionState = xerrors.New(CodeSessionState, "invalid session state transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRetriesExhausted 表示会话的重试配额已经用尽。
	ErrRetriesExhausted = xerrors.New(CodeSessionRetries, "session retries exhausted", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionState    xerrors.Code = "SESSION_INVALID_STATE"
	CodeSessionRetries  xerrors.Code = "SESSION_RETRIES_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found or expired",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionState, xerrors.Attributes{
		Message:   "invalid session state transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionRetries, xerrors.Attributes{
		Message:   "session retries exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// NewID 生成不可猜测的会话 ID。
func NewID() string {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	return "sess-" + uuid.NewString() + "-" + hex.EncodeToString(suffix)
}

// rankOf 定义状态机的单向顺序，expired 可从任意状态进入。
func rankOf(status Status) int {
	switch status {
	case StatusPreparing:
		return 0
	case StatusPaymentReady:
		return 1
	case StatusPaid:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	case StatusExpired:
		return 4
	default:
		return -1
	}
}

// CanTransition 判断状态迁移是否被允许。迁移只能向前，
// completed 与 failed 互斥且均为终态。
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusExpired {
		return from != StatusCompleted && from != StatusFailed
	}
	fromRank, toRank := rankOf(from), rankOf(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	if from == StatusExpired {
		return false
	}
	return toRank == fromRank+1 ||
		(from == StatusPaymentReady && to == StatusFailed) ||
		(from == StatusPaid && to == StatusFailed)
}

// Transition 原地执行状态迁移，非法迁移返回 ErrSessionState。
func (s *Session) Transition(to Status) error {
	if s == nil {
		return ErrSessionNotFound
	}
	if !CanTransition(s.Status, to) {
		return xerrors.New(CodeSessionState,
			"会话状态不允许从 "+string(s.Status)+" 迁移到 "+string(to))
	}
	s.Status = to
	return nil
}

// Expired 判断会话在给定时刻是否已过期。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}

// Clone 返回会话的深拷贝，存储层以此保证读写隔离。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.SelectedService = s.SelectedService.Clone()
	if s.Alternatives != nil {
		clone.Alternatives = make([]*registry.ServiceDescriptor, len(s.Alternatives))
		for i, alt := range s.Alternatives {
			clone.Alternatives[i] = alt.Clone()
		}
	}
	if s.RequestData != nil {
		clone.RequestData = append(json.RawMessage(nil), s.RequestData...)
	}
	if s.Instruction != nil {
		instruction := *s.Instruction
		clone.Instruction = &instruction
	}
	return &clone
}
