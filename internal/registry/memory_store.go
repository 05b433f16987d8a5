package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存服务目录，保留注册顺序。
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*ServiceDescriptor
	order    []string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*ServiceDescriptor)}
}

// Register 实现 Store 接口。
func (m *MemoryStore) Register(_ context.Context, svc *ServiceDescriptor) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	clone := svc.Clone()
	if _, ok := m.services[svc.ID]; ok {
		clone.CreatedAt = m.services[svc.ID].CreatedAt
		clone.UpdatedAt = now
		m.services[svc.ID] = clone
		return nil
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.services[svc.ID] = clone
	m.order = append(m.order, svc.ID)
	return nil
}

// GetByID 返回指定服务的快照。
func (m *MemoryStore) GetByID(_ context.Context, id string) (*ServiceDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return svc.Clone(), nil
}

// Search 按注册顺序返回满足条件的服务快照。
func (m *MemoryStore) Search(_ context.Context, filter SearchFilter) ([]*ServiceDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*ServiceDescriptor, 0, len(m.order))
	for _, id := range m.order {
		svc := m.services[id]
		matched, err := filter.Matches(svc)
		if err != nil {
			return nil, err
		}
		if matched {
			results = append(results, svc.Clone())
		}
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
