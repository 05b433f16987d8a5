package ledger

import (
	"context"
	"encoding/json"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/pkg/logger"
)

// Recorder 负责把交易记录异步写入流水存储。终局记录先投递到
// 队列，由后台工作协程落库；队列不可用时退化为同步直写，
// 保证"每个终局恰好一条流水"的约束不被破坏。
type Recorder struct {
	store Store
	queue Queue
	now   func() time.Time
}

// NewRecorder 构造 Recorder。queue 可以为 nil，此时全部同步直写。
func NewRecorder(store Store, queue Queue) *Recorder {
	return &Recorder{store: store, queue: queue, now: time.Now}
}

// Record 记录一笔交易终局。
func (r *Recorder) Record(ctx context.Context, t *Transaction) error {
	if r == nil || r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "交易流水记录器未初始化")
	}
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	t.Normalize(r.now())
	if err := t.Validate(); err != nil {
		return err
	}

	if r.queue != nil {
		payload, err := json.Marshal(t)
		if err == nil {
			if publishErr := r.queue.Publish(ctx, string(payload)); publishErr == nil {
				return nil
			} else {
				logger.L().Warn("交易落账队列投递失败，改为同步写入",
					"transaction_id", t.ID, "error", publishErr)
			}
		}
	}
	return r.store.Insert(ctx, t)
}

// Run 启动后台落账协程，阻塞直到上下文取消。
// queue 为 nil 时立即返回。
func (r *Recorder) Run(ctx context.Context, workerCount int) error {
	if r == nil || r.queue == nil {
		return nil
	}
	return r.queue.Consume(ctx, workerCount, func(ctx context.Context, payload string) error {
		var t Transaction
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			logger.L().Error("交易载荷解析失败，记录被丢弃", "error", err)
			// 解析失败的载荷重投也不会成功，返回 nil 避免死循环。
			return nil
		}
		if err := r.store.Insert(ctx, &t); err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeConflict {
				// 重复投递落到同一条记录，幂等处理。
				return nil
			}
			logger.L().Error("交易流水写入失败", "transaction_id", t.ID, "error", err)
			return err
		}
		logger.Audit().Info("交易已入账",
			"transaction_id", t.ID,
			"session_id", t.SessionID,
			"service_id", t.ServiceID,
			"status", string(t.Status),
			"amount", t.Amount)
		return nil
	})
}

// Close 释放底层资源。
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	if r.queue != nil {
		_ = r.queue.Close()
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
