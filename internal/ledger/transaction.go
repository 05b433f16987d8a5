package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "SentientExchange/internal/errors"
)

// TransactionStatus 表示一笔交易的终态归类。
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction 是交易流水的一条记录。流水只追加不修改，
// 每个会话的终局（成功或不可恢复的失败）恰好写入一条。
type Transaction struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	ServiceID string            `json:"service_id"`
	Buyer     string            `json:"buyer"`
	Seller    string            `json:"seller,omitempty"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Status    TransactionStatus `json:"status"`
	Request   json.RawMessage   `json:"request,omitempty"`
	Response  json.RawMessage   `json:"response,omitempty"`
	ProofRef  string            `json:"proof_ref,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

const (
	CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"
	CodeTransactionInvalid  xerrors.Code = "TRANSACTION_INVALID"
)

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionInvalid, xerrors.Attributes{
		Message:   "transaction record is invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ErrTransactionNotFound 表示指定的交易不存在。
var ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "交易不存在")

// NewID 生成交易 ID。
func NewID() string {
	return "txn-" + uuid.NewString()
}

// Validate 检查必填字段。
func (t *Transaction) Validate() error {
	if t == nil {
		return xerrors.New(CodeTransactionInvalid, "transaction 不能为空")
	}
	if strings.TrimSpace(t.ServiceID) == "" {
		return xerrors.New(CodeTransactionInvalid, "service_id 不能为空")
	}
	if strings.TrimSpace(t.Amount) == "" {
		return xerrors.New(CodeTransactionInvalid, "amount 不能为空")
	}
	switch t.Status {
	case StatusPending, StatusCompleted, StatusFailed:
	default:
		return xerrors.New(CodeTransactionInvalid, "status 取值非法: "+string(t.Status))
	}
	return nil
}

// Normalize 补全缺失的 ID 与时间戳。
func (t *Transaction) Normalize(now time.Time) {
	if t == nil {
		return
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now.Unix()
	}
}

// Clone 返回交易的深拷贝。
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Request != nil {
		clone.Request = append(json.RawMessage(nil), t.Request...)
	}
	if t.Response != nil {
		clone.Response = append(json.RawMessage(nil), t.Response...)
	}
	return &clone
}

// ListOptions 描述流水查询条件。
type ListOptions struct {
	Buyer     string
	ServiceID string
	Status    TransactionStatus
	Limit     int
	Offset    int
}

// Matches 判断交易是否满足查询条件（不含分页）。
func (o ListOptions) Matches(t *Transaction) bool {
	if t == nil {
		return false
	}
	if o.Buyer != "" && t.Buyer != o.Buyer {
		return false
	}
	if o.ServiceID != "" && t.ServiceID != o.ServiceID {
		return false
	}
	if o.Status != "" && t.Status != o.Status {
		return false
	}
	return true
}
