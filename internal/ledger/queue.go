package ledger

import "context"

// Handler 处理来自队列的交易记录载荷（JSON 序列化后的 Transaction）。
type Handler func(ctx context.Context, payload string) error

// Producer 负责向队列投递交易记录。
type Producer interface {
	Publish(ctx context.Context, payload string) error
	Close() error
}

// Consumer 负责从队列中消费交易记录。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
