package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"SentientExchange/internal/registry"
)

// Status 表示一次探活的结论。
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result 保存单个服务的探活结果，只在排序阶段使用，不做持久化。
type Result struct {
	ServiceID      string `json:"service_id"`
	Status         Status `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Detail         string `json:"detail,omitempty"`
}

// Options 控制探活的超时与并发窗口。
type Options struct {
	Timeout       time.Duration
	MaxConcurrent int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	return o
}

// Prober 对服务声明的健康端点执行有界并发的存活检查。
type Prober struct {
	client *http.Client
}

// NewProber 创建探活器。client 为空时使用默认的 http.Client。
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client}
}

// ProbeMany 以固定批次探测一组服务。批次大小即并发上限，
// 任何单个探测的失败都不会向外抛出，只会体现在对应结果里。
func (p *Prober) ProbeMany(ctx context.Context, services []*registry.ServiceDescriptor, opts Options) []Result {
	opts = opts.withDefaults()

	results := make([]Result, len(services))
	for start := 0; start < len(services); start += opts.MaxConcurrent {
		end := start + opts.MaxConcurrent
		if end > len(services) {
			end = len(services)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = p.probeOne(ctx, services[idx], opts.Timeout)
			}(i)
		}
		wg.Wait()
	}
	return results
}

// ProbeOne 探测单个服务。
func (p *Prober) ProbeOne(ctx context.Context, svc *registry.ServiceDescriptor, timeout time.Duration) Result {
	opts := Options{Timeout: timeout}.withDefaults()
	return p.probeOne(ctx, svc, opts.Timeout)
}

func (p *Prober) probeOne(ctx context.Context, svc *registry.ServiceDescriptor, timeout time.Duration) Result {
	result := Result{ServiceID: svc.ID, Status: StatusUnknown}
	if strings.TrimSpace(svc.HealthURL) == "" {
		result.Detail = "no health endpoint declared"
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, svc.HealthURL, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Detail = fmt.Sprintf("invalid health url: %v", err)
		return result
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	result.ResponseTimeMs = time.Since(started).Milliseconds()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Detail = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Status = StatusUnhealthy
		result.Detail = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
		return result
	}

	var body struct {
		Status  string `json:"status"`
		Healthy *bool  `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		result.Detail = "health response is not valid JSON"
		return result
	}
	switch {
	case body.Healthy != nil:
		if *body.Healthy {
			result.Status = StatusHealthy
		} else {
			result.Status = StatusUnhealthy
			result.Detail = "service reports healthy=false"
		}
	case body.Status != "":
		normalized := strings.ToLower(strings.TrimSpace(body.Status))
		if normalized == "healthy" || normalized == "ok" {
			result.Status = StatusHealthy
		} else {
			result.Status = StatusUnhealthy
			result.Detail = "service reports status=" + body.Status
		}
	default:
		result.Detail = "health response does not declare status"
	}
	return result
}

// AllFailed 判断是否所有候选都探活失败。发现流程要求健康检查时，
// 全部候选失败是需要上抛的硬错误，而非静默吞掉；状态未知的服务
// 仍视为可用，只是排序得分更低。
func AllFailed(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, result := range results {
		if result.Status != StatusUnhealthy {
			return false
		}
	}
	return true
}

// IndexByService 将结果按服务 ID 建立索引。
func IndexByService(results []Result) map[string]Result {
	index := make(map[string]Result, len(results))
	for _, result := range results {
		index[result.ServiceID] = result
	}
	return index
}
