package spending

import (
	"context"
	"sync"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/money"
)

type bucket struct {
	total money.Amount
	count int
	last  int64
}

// MemoryStore 以内存方式保存限额与消费累计，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.Mutex
	limits  map[string]*Limits
	daily   map[string]map[string]*bucket
	monthly map[string]map[string]*bucket
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:  make(map[string]*Limits),
		daily:   make(map[string]map[string]*bucket),
		monthly: make(map[string]map[string]*bucket),
	}
}

// GetLimits 返回身份的限额配置，未配置时返回 nil。
func (m *MemoryStore) GetLimits(_ context.Context, identity string) (*Limits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limits, ok := m.limits[identity]
	if !ok {
		return nil, nil
	}
	clone := *limits
	return &clone, nil
}

// SetLimits 覆盖身份的限额配置。
func (m *MemoryStore) SetLimits(_ context.Context, limits *Limits) error {
	if limits == nil || limits.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "limits 与 identity 不能为空")
	}
	for _, value := range []string{limits.PerTransaction, limits.Daily, limits.Monthly} {
		if value == "" {
			continue
		}
		if _, err := money.Parse(value); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	clone := *limits
	if existing, ok := m.limits[limits.Identity]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.limits[limits.Identity] = &clone
	return nil
}

// GetStats 返回身份在当天与当月（UTC）的消费统计。
func (m *MemoryStore) GetStats(_ context.Context, identity string, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalToday: "0", TotalThisMonth: "0"}
	if day, ok := m.daily[identity][dayKey(now)]; ok {
		stats.TotalToday = day.total.String()
	}
	if month, ok := m.monthly[identity][monthKey(now)]; ok {
		stats.TotalThisMonth = month.total.String()
		stats.TransactionCount = month.count
		stats.LastTransaction = month.last
	}
	return stats, nil
}

// RecordSpend 记录一笔已完成的消费。
func (m *MemoryStore) RecordSpend(_ context.Context, identity, amount string, at time.Time) error {
	parsed, err := money.Parse(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	accumulate(m.daily, identity, dayKey(at), parsed, at)
	accumulate(m.monthly, identity, monthKey(at), parsed, at)
	return nil
}

func accumulate(buckets map[string]map[string]*bucket, identity, key string, amount money.Amount, at time.Time) {
	byKey, ok := buckets[identity]
	if !ok {
		byKey = make(map[string]*bucket)
		buckets[identity] = byKey
	}
	entry, ok := byKey[key]
	if !ok {
		entry = &bucket{total: money.Zero()}
		byKey[key] = entry
	}
	entry.total = entry.total.Add(amount)
	entry.count++
	if ts := at.Unix(); ts > entry.last {
		entry.last = ts
	}
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
