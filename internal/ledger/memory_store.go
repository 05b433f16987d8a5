package ledger

import (
	"context"
	"sync"

	xerrors "SentientExchange/internal/errors"
)

// MemoryStore 以内存方式保存交易流水，按写入顺序记录。
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Transaction
	ordered []*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Transaction)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		return xerrors.New(CodeTransactionInvalid, "交易 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[t.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在: "+t.ID)
	}
	stored := t.Clone()
	m.byID[stored.ID] = stored
	m.ordered = append(m.ordered, stored)
	return nil
}

// Get 按 ID 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

// List 按写入时间倒序返回满足条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Transaction, 0)
	for i := len(m.ordered) - 1; i >= 0; i-- {
		if opts.Matches(m.ordered[i]) {
			matched = append(matched, m.ordered[i])
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	result := make([]*Transaction, len(matched))
	for i, t := range matched {
		result[i] = t.Clone()
	}
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
