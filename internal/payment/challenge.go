package payment

import (
	"math/big"
	"regexp"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/session"
)

// 支付协议沿用 x402 的报文结构：服务端以 402 状态码返回
// PaymentRequiredResponse，列出可接受的支付选项。
const ProtocolVersion = 1

// PaymentRequiredResponse 是服务端 402 响应的报文体。
type PaymentRequiredResponse struct {
	X402Version int             `json:"x402Version"`
	Accepts     []PaymentOption `json:"accepts"`
	Error       string          `json:"error,omitempty"`
}

// PaymentOption 描述服务端可接受的一种支付方式。
// 金额为代币最小单位的十进制整数字符串。
type PaymentOption struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
}

// PaymentProof 是携带支付凭证重放请求时附加的报文头内容。
type PaymentProof struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Signature   string `json:"signature"`
}

// ProofHeader 是重放请求时携带支付凭证的报文头名称。
const ProofHeader = "X-Payment"

const (
	CodePriceExceeded      xerrors.Code = "PAYMENT_PRICE_EXCEEDED"
	CodeContactFailed      xerrors.Code = "PAYMENT_CONTACT_FAILED"
	CodeChallengeRejected  xerrors.Code = "PAYMENT_CHALLENGE_REJECTED"
	CodeMalformedSignature xerrors.Code = "PAYMENT_MALFORMED_SIGNATURE"
	CodeVerificationFailed xerrors.Code = "PAYMENT_VERIFICATION_FAILED"
)

func init() {
	xerrors.Register(CodePriceExceeded, xerrors.Attributes{
		Message:   "service price exceeds maximum payment",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeContactFailed, xerrors.Attributes{
		Message:   "failed to contact service",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeChallengeRejected, xerrors.Attributes{
		Message:   "service returned an unusable payment challenge",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMalformedSignature, xerrors.Attributes{
		Message:   "payment signature is malformed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerificationFailed, xerrors.Attributes{
		Message:   "on-chain payment verification failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// SelectOption 在 402 挑战中挑选与目标网络匹配的最便宜选项，
// 金额相同取靠前者。没有匹配项返回 nil。
func SelectOption(challenge *PaymentRequiredResponse, network string) *PaymentOption {
	if challenge == nil {
		return nil
	}
	var best *PaymentOption
	var bestAmount *big.Int
	for i := range challenge.Accepts {
		option := &challenge.Accepts[i]
		if network != "" && !strings.EqualFold(option.Network, network) {
			continue
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(option.MaxAmountRequired), 10)
		if !ok || amount.Sign() < 0 {
			continue
		}
		if best == nil || amount.Cmp(bestAmount) < 0 {
			best = option
			bestAmount = amount
		}
	}
	return best
}

// Instruction 将选中的支付选项固化为不可变的支付指令。
func Instruction(option *PaymentOption, priceUSD string, now time.Time) *session.PaymentInstruction {
	if option == nil {
		return nil
	}
	return &session.PaymentInstruction{
		Amount:    strings.TrimSpace(option.MaxAmountRequired),
		Token:     option.Asset,
		PayTo:     option.PayTo,
		Network:   option.Network,
		Scheme:    option.Scheme,
		PriceUSD:  priceUSD,
		CreatedAt: now.Unix(),
	}
}

var evmTxHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidSignatureFormat 做网络相关的语法校验，凭证的密码学有效性
// 由链上校验器负责。EVM 网络的支付凭证是交易哈希。
func ValidSignatureFormat(network, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	_ = network
	return evmTxHashPattern.MatchString(signature)
}
