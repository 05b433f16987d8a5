package rank

import (
	"sort"

	"SentientExchange/internal/health"
	"SentientExchange/internal/money"
	"SentientExchange/internal/registry"
)

// Weights 控制各评分分量的权重。
type Weights struct {
	Health  float64 `json:"health"`
	Rating  float64 `json:"rating"`
	Price   float64 `json:"price"`
	Latency float64 `json:"latency"`
}

// DefaultWeights 返回默认权重：健康 0.4、评分 0.3、价格 0.2、延迟 0.1。
func DefaultWeights() Weights {
	return Weights{Health: 0.4, Rating: 0.3, Price: 0.2, Latency: 0.1}
}

// IsZero 判断权重是否全部为零。
func (w Weights) IsZero() bool {
	return w.Health == 0 && w.Rating == 0 && w.Price == 0 && w.Latency == 0
}

// Ranked 将服务与其综合得分绑定。
type Ranked struct {
	Service *registry.ServiceDescriptor
	Score   float64
}

// 价格与延迟归一化的参考上限。
const (
	priceCeiling   = 10.0
	latencyCeiling = 10000.0
)

// Rank 按加权得分对候选服务降序排序。排序是确定性的：
// 相同输入永远产生相同输出，得分相同时保持目录返回顺序。
func Rank(services []*registry.ServiceDescriptor, results []health.Result, weights Weights) []Ranked {
	if weights.IsZero() {
		weights = DefaultWeights()
	}
	healthIndex := health.IndexByService(results)

	ranked := make([]Ranked, 0, len(services))
	for _, svc := range services {
		ranked = append(ranked, Ranked{
			Service: svc,
			Score:   score(svc, healthIndex[svc.ID], weights),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Split 将排序结果拆成首选服务与备选池。
func Split(ranked []Ranked) (*registry.ServiceDescriptor, []*registry.ServiceDescriptor) {
	if len(ranked) == 0 {
		return nil, nil
	}
	alternatives := make([]*registry.ServiceDescriptor, 0, len(ranked)-1)
	for _, entry := range ranked[1:] {
		alternatives = append(alternatives, entry.Service)
	}
	return ranked[0].Service, alternatives
}

func score(svc *registry.ServiceDescriptor, probe health.Result, weights Weights) float64 {
	var healthScore float64
	switch probe.Status {
	case health.StatusHealthy:
		healthScore = 1.0
	case health.StatusUnknown, "":
		healthScore = 0.5
	case health.StatusUnhealthy:
		healthScore = 0.0
	}

	ratingScore := svc.Reputation.Rating / 5.0
	if ratingScore < 0 {
		ratingScore = 0
	} else if ratingScore > 1 {
		ratingScore = 1
	}

	priceScore := 0.0
	if amount, err := money.Parse(svc.Price); err == nil {
		priceScore = 1.0 - amount.Float64()/priceCeiling
		if priceScore < 0 {
			priceScore = 0
		}
	}

	latencyMs := svc.Reputation.AvgLatencyMs
	if probe.ResponseTimeMs > 0 {
		latencyMs = probe.ResponseTimeMs
	}
	latencyScore := 1.0 - float64(latencyMs)/latencyCeiling
	if latencyScore < 0 {
		latencyScore = 0
	}

	return weights.Health*healthScore +
		weights.Rating*ratingScore +
		weights.Price*priceScore +
		weights.Latency*latencyScore
}
