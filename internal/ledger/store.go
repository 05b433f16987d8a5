package ledger

import "context"

// Store 抽象了交易流水的持久化接口。流水是只追加的：
// 接口刻意不提供任何更新操作。
type Store interface {
	// Insert 写入一条交易记录，ID 冲突返回错误。
	Insert(ctx context.Context, t *Transaction) error
	// Get 按 ID 返回交易，不存在返回 ErrTransactionNotFound。
	Get(ctx context.Context, id string) (*Transaction, error)
	// List 按条件返回交易，按写入时间倒序。
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Close() error
}
