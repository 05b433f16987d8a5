package session

import (
	"context"
	"time"

	xerrors "SentientExchange/internal/errors"
)

// Store 抽象了会话的持久化接口。
// Mutate 必须针对最新存储值执行读改写，保证并发更新不丢失。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Mutate(ctx context.Context, id string, apply func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Manager 负责会话的创建、读取与更新，并在每次访问时惰性判定过期。
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithClock 注入时钟，测试用。
func WithClock(nowFn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if nowFn != nil {
			m.now = nowFn
		}
	}
}

// NewManager 构造会话管理器。ttl 不合法时回退到 15 分钟。
func NewManager(store Store, ttl time.Duration, opts ...ManagerOption) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	m := &Manager{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create 持久化一个新会话并返回其 ID。
func (m *Manager) Create(ctx context.Context, s *Session) (string, error) {
	if m == nil || m.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	if s == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if s.ID == "" {
		s.ID = NewID()
	}
	now := m.now()
	if s.CreatedAt == 0 {
		s.CreatedAt = now.Unix()
	}
	if s.ExpiresAt == 0 {
		s.ExpiresAt = now.Add(m.ttl).Unix()
	}
	if err := m.store.Create(ctx, s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Get 返回会话。过期会话与不存在的会话返回同一个错误，
// 并顺手触发惰性回收。
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if m == nil || m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		_ = m.store.Delete(ctx, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Update 对会话执行读改写更新。apply 在最新存储值上运行，
// 过期会话按不存在处理。
func (m *Manager) Update(ctx context.Context, id string, apply func(*Session) error) (*Session, error) {
	if m == nil || m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	now := m.now()
	return m.store.Mutate(ctx, id, func(s *Session) error {
		if s.Expired(now) {
			return ErrSessionNotFound
		}
		return apply(s)
	})
}

// TTL 返回会话生存周期。
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Close 释放底层存储。
func (m *Manager) Close() error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Close()
}
