// Package money implements exact decimal arithmetic for marketplace prices
// and spending caps. Amounts travel through the system as decimal strings
// (e.g. "0.01") and are only materialized as rationals at comparison points.
package money

import (
	"math/big"
	"strings"

	xerrors "SentientExchange/internal/errors"
)

// Amount 表示一个精确的十进制金额。
type Amount struct {
	rat *big.Rat
}

// Parse 将十进制字符串解析为金额。空串视为非法输入。
func Parse(value string) (Amount, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Amount{}, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok || rat.Sign() < 0 {
		return Amount{}, xerrors.New(xerrors.CodeInvalidArgument, "金额格式非法: "+value)
	}
	return Amount{rat: rat}, nil
}

// MustParse 在测试与常量场景下使用，解析失败会 panic。
func MustParse(value string) Amount {
	amount, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return amount
}

// Zero 返回零金额。
func Zero() Amount {
	return Amount{rat: new(big.Rat)}
}

// Add 返回两个金额之和。
func (a Amount) Add(b Amount) Amount {
	return Amount{rat: new(big.Rat).Add(a.ratOrZero(), b.ratOrZero())}
}

// Cmp 比较两个金额，返回 -1、0、1。
func (a Amount) Cmp(b Amount) int {
	return a.ratOrZero().Cmp(b.ratOrZero())
}

// GreaterThan 判断 a 是否严格大于 b。
func (a Amount) GreaterThan(b Amount) bool {
	return a.Cmp(b) > 0
}

// IsZero 判断金额是否为零。
func (a Amount) IsZero() bool {
	return a.ratOrZero().Sign() == 0
}

// Float64 返回近似的浮点值，仅用于排序打分等非精确场景。
func (a Amount) Float64() float64 {
	f, _ := a.ratOrZero().Float64()
	return f
}

// String 以最多六位小数输出金额。
func (a Amount) String() string {
	text := a.ratOrZero().FloatString(6)
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}

func (a Amount) ratOrZero() *big.Rat {
	if a.rat == nil {
		return new(big.Rat)
	}
	return a.rat
}
