package spending

import (
	"time"

	xerrors "SentientExchange/internal/errors"
)

// Limits 描述某个付款身份的消费上限。三个上限均为十进制金额字符串，
// 为空表示该维度不设限。只有身份所有者可以修改。
type Limits struct {
	Identity       string `json:"identity"`
	PerTransaction string `json:"per_transaction,omitempty"`
	Daily          string `json:"daily,omitempty"`
	Monthly        string `json:"monthly,omitempty"`
	Enabled        bool   `json:"enabled"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Stats 汇总某个身份的消费统计。
type Stats struct {
	TotalToday       string `json:"total_today"`
	TotalThisMonth   string `json:"total_this_month"`
	TransactionCount int    `json:"transaction_count"`
	LastTransaction  int64  `json:"last_transaction,omitempty"`
}

// Decision 是一次限额检查的结论。拒绝时 Reason 指明触发的限额维度。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

const (
	CodeLimitExceeded xerrors.Code = "SPENDING_LIMIT_EXCEEDED"
)

func init() {
	xerrors.Register(CodeLimitExceeded, xerrors.Attributes{
		Message:   "spending limit exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// dayKey 与 monthKey 以 UTC 切分统计窗口。
func dayKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func monthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}
