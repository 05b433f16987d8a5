package registry

import (
	"strings"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/money"
)

// Reputation 记录服务在市场中的历史表现。
type Reputation struct {
	Rating       float64 `json:"rating"`
	JobsComplete int     `json:"jobs_complete"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs int64   `json:"avg_latency_ms"`
}

// ServiceDescriptor 描述一个可被智能体调用的付费服务。
// 它是发现时刻的不可变快照：排序与会话不会因目录后续更新而改变。
type ServiceDescriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
	HealthURL    string   `json:"health_url,omitempty"`
	Price        string   `json:"price"`
	Currency     string   `json:"currency"`
	Reputation   Reputation `json:"reputation"`
	// PaymentAddresses 以网络名为键，记录服务方声明的收款地址。
	PaymentAddresses map[string]string `json:"payment_addresses,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// SearchFilter 描述目录检索条件。所有给定字段之间是逻辑与，
// capabilities 内部是逻辑或：服务只要命中任意一个标签即可。
type SearchFilter struct {
	Capabilities []string `json:"capabilities,omitempty"`
	MaxPrice     string   `json:"max_price,omitempty"`
	MinRating    float64  `json:"min_rating,omitempty"`
}

var (
	// ErrServiceNotFound 表示指定的服务不存在。
	ErrServiceNotFound = xerrors.New(CodeServiceNotFound, "service not found")
	// ErrServiceConflict 表示服务 ID 已被占用。
	ErrServiceConflict = xerrors.New(CodeServiceConflict, "service already registered", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeServiceNotFound   xerrors.Code = "SERVICE_NOT_FOUND"
	CodeServiceConflict   xerrors.Code = "SERVICE_CONFLICT"
	CodeServiceValidation xerrors.Code = "SERVICE_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeServiceNotFound, xerrors.Attributes{
		Message:   "service not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeServiceConflict, xerrors.Attributes{
		Message:   "service already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeServiceValidation, xerrors.Attributes{
		Message:   "service descriptor validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 检查描述符的必填字段与金额格式。
func (s *ServiceDescriptor) Validate() error {
	if s == nil {
		return xerrors.New(CodeServiceValidation, "service descriptor 不能为空")
	}
	if strings.TrimSpace(s.ID) == "" {
		return xerrors.New(CodeServiceValidation, "服务 ID 不能为空")
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return xerrors.New(CodeServiceValidation, "服务 endpoint 不能为空")
	}
	if len(s.Capabilities) == 0 {
		return xerrors.New(CodeServiceValidation, "服务必须声明至少一个 capability")
	}
	if _, err := money.Parse(s.Price); err != nil {
		return xerrors.Wrap(CodeServiceValidation, err, "服务价格非法")
	}
	if s.Reputation.Rating < 0 || s.Reputation.Rating > 5 {
		return xerrors.New(CodeServiceValidation, "服务评分必须位于 [0, 5]")
	}
	return nil
}

// HasCapability 判断服务是否声明了指定能力标签。
func (s *ServiceDescriptor) HasCapability(tag string) bool {
	if s == nil {
		return false
	}
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, capability := range s.Capabilities {
		if strings.ToLower(strings.TrimSpace(capability)) == tag {
			return true
		}
	}
	return false
}

// PaymentAddress 返回服务在指定网络上的收款地址。
func (s *ServiceDescriptor) PaymentAddress(network string) (string, bool) {
	if s == nil || len(s.PaymentAddresses) == 0 {
		return "", false
	}
	addr, ok := s.PaymentAddresses[network]
	return addr, ok && addr != ""
}

// Clone 返回描述符的深拷贝，供会话保存只读快照。
func (s *ServiceDescriptor) Clone() *ServiceDescriptor {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Capabilities = append([]string(nil), s.Capabilities...)
	if s.PaymentAddresses != nil {
		clone.PaymentAddresses = make(map[string]string, len(s.PaymentAddresses))
		for network, addr := range s.PaymentAddresses {
			clone.PaymentAddresses[network] = addr
		}
	}
	return &clone
}

// Matches 判断服务是否满足检索条件。
func (f SearchFilter) Matches(svc *ServiceDescriptor) (bool, error) {
	if svc == nil {
		return false, nil
	}
	if len(f.Capabilities) > 0 {
		matched := false
		for _, tag := range f.Capabilities {
			if svc.HasCapability(tag) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if strings.TrimSpace(f.MaxPrice) != "" {
		ceiling, err := money.Parse(f.MaxPrice)
		if err != nil {
			return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "max_price 格式非法")
		}
		price, err := money.Parse(svc.Price)
		if err != nil {
			return false, nil
		}
		if price.GreaterThan(ceiling) {
			return false, nil
		}
	}
	if f.MinRating > 0 && svc.Reputation.Rating < f.MinRating {
		return false, nil
	}
	return true, nil
}
