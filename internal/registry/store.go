package registry

import "context"

// Store 抽象了服务目录的持久化接口。实现必须支持并发读。
// Search 返回的顺序即注册顺序，排序器以它作为稳定排序的基准。
type Store interface {
	Register(ctx context.Context, svc *ServiceDescriptor) error
	GetByID(ctx context.Context, id string) (*ServiceDescriptor, error)
	Search(ctx context.Context, filter SearchFilter) ([]*ServiceDescriptor, error)
	Close() error
}
