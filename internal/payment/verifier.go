package payment

import (
	"context"

	"SentientExchange/internal/session"
)

// Verification 是链上校验的结果。Verified 为 false 时 Detail
// 说明不匹配的原因，调用方据此判断资金是否已经转移。
type Verification struct {
	Verified    bool   `json:"verified"`
	Transaction string `json:"transaction,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Verifier 针对支付指令校验链上凭证。实现必须是幂等的：
// 对同一凭证重复校验得到同一结论，且不会重复计入消费。
type Verifier interface {
	VerifyPayment(ctx context.Context, signature string, expected *session.PaymentInstruction) (Verification, error)
	Close()
}
