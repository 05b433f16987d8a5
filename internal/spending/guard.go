package spending

import (
	"context"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/money"
)

// Guard 在任何支付发起之前执行限额检查。
// 检查必须严格发生在 PaymentChallenge 转换为支付指令之前，
// 资金一旦离开买家钱包就不再有拦截机会。
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard 构造限额守卫。nowFn 为空时使用 time.Now。
func NewGuard(store Store, nowFn func() time.Time) *Guard {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Guard{store: store, now: nowFn}
}

// CheckLimit 判断身份是否允许支出指定金额。
// 未配置限额或限额被禁用时总是放行。拒绝理由会点名触发的维度。
// 边界语义：恰好用满剩余额度是允许的，超出才拒绝。
func (g *Guard) CheckLimit(ctx context.Context, identity, amount string) (Decision, error) {
	if g == nil || g.store == nil {
		return Decision{}, xerrors.New(xerrors.CodeInitializationFailure, "限额守卫未初始化")
	}
	spend, err := money.Parse(amount)
	if err != nil {
		return Decision{}, err
	}

	limits, err := g.store.GetLimits(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	if limits == nil || !limits.Enabled {
		return Decision{Allowed: true}, nil
	}

	if limits.PerTransaction != "" {
		ceiling, err := money.Parse(limits.PerTransaction)
		if err != nil {
			return Decision{}, err
		}
		if spend.GreaterThan(ceiling) {
			return Decision{Allowed: false, Reason: "per-transaction limit exceeded"}, nil
		}
	}

	if limits.Daily == "" && limits.Monthly == "" {
		return Decision{Allowed: true}, nil
	}

	stats, err := g.store.GetStats(ctx, identity, g.now())
	if err != nil {
		return Decision{}, err
	}

	if limits.Daily != "" {
		ceiling, err := money.Parse(limits.Daily)
		if err != nil {
			return Decision{}, err
		}
		today, err := money.Parse(stats.TotalToday)
		if err != nil {
			today = money.Zero()
		}
		if today.Add(spend).GreaterThan(ceiling) {
			return Decision{Allowed: false, Reason: "daily limit exceeded"}, nil
		}
	}

	if limits.Monthly != "" {
		ceiling, err := money.Parse(limits.Monthly)
		if err != nil {
			return Decision{}, err
		}
		month, err := money.Parse(stats.TotalThisMonth)
		if err != nil {
			month = money.Zero()
		}
		if month.Add(spend).GreaterThan(ceiling) {
			return Decision{Allowed: false, Reason: "monthly limit exceeded"}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// RecordSpend 在交易终态落定后累计消费。
func (g *Guard) RecordSpend(ctx context.Context, identity, amount string) error {
	if g == nil || g.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "限额守卫未初始化")
	}
	return g.store.RecordSpend(ctx, identity, amount, g.now())
}
