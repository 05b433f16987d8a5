package session

import (
	"context"
	"sync"
	"time"

	xerrors "SentientExchange/internal/errors"
)

// MemoryStore 以内存方式保存会话。互斥锁保证 Mutate 的读改写
// 针对最新值执行，满足"最后写入者基于最新快照"的要求。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "会话 ID 已存在")
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Get 返回会话快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Mutate 在锁内对最新存储值执行 apply，失败时不落盘。
func (m *MemoryStore) Mutate(_ context.Context, id string, apply func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	working := stored.Clone()
	if err := apply(working); err != nil {
		return nil, err
	}
	m.sessions[id] = working
	return working.Clone(), nil
}

// Delete 移除会话。删除不存在的会话不视为错误。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Sweep 清理所有已过期的会话，返回清理数量。
// 惰性回收已经保证正确性，周期清扫只是为了限制内存占用。
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// StartGC 启动周期清扫，直到上下文取消。
func (m *MemoryStore) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
