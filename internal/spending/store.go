package spending

import (
	"context"
	"time"
)

// Store 抽象了限额配置与消费累计的持久化接口。
// RecordSpend 必须对同一身份的并发调用保持累加语义（按键原子读改写）。
type Store interface {
	GetLimits(ctx context.Context, identity string) (*Limits, error)
	SetLimits(ctx context.Context, limits *Limits) error
	GetStats(ctx context.Context, identity string, now time.Time) (Stats, error)
	RecordSpend(ctx context.Context, identity, amount string, at time.Time) error
	Close() error
}
