// Package market 实现从能力请求到已支付服务调用的编排层：
// 服务发现与排序、支付会话完成与备选回退。
package market

import (
	"context"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/health"
	"SentientExchange/internal/intent"
	"SentientExchange/internal/rank"
	"SentientExchange/internal/registry"
	"SentientExchange/pkg/logger"
)

// CodeNoHealthyService 表示发现流程找不到可用服务。
const CodeNoHealthyService xerrors.Code = "MARKET_NO_HEALTHY_SERVICE"

func init() {
	xerrors.Register(CodeNoHealthyService, xerrors.Attributes{
		Message:   "no healthy service available",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Discovery 执行发现流水线：目录检索 → 并发探活 → 加权排序。
type Discovery struct {
	store    registry.Store
	prober   *health.Prober
	matcher  *intent.Matcher
	weights  rank.Weights
	probeOpt health.Options
}

// NewDiscovery 构造发现器。matcher 可以为 nil。
func NewDiscovery(store registry.Store, prober *health.Prober, matcher *intent.Matcher,
	weights rank.Weights, probeOpt health.Options) *Discovery {
	return &Discovery{
		store:    store,
		prober:   prober,
		matcher:  matcher,
		weights:  weights,
		probeOpt: probeOpt,
	}
}

// DiscoverRequest 描述一次服务发现请求。Text 与 Capabilities
// 二选一；Text 经过模式匹配转换为能力标签。
type DiscoverRequest struct {
	Text            string   `json:"text,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	MaxPrice        string   `json:"max_price,omitempty"`
	MinRating       float64  `json:"min_rating,omitempty"`
	SkipHealthCheck bool     `json:"skip_health_check,omitempty"`
}

// DiscoverResult 是发现流水线的产出：首选服务、备选池、
// 完整排序与各服务的探活结果。
type DiscoverResult struct {
	Selected     *registry.ServiceDescriptor   `json:"selected"`
	Alternatives []*registry.ServiceDescriptor `json:"alternatives,omitempty"`
	Ranked       []rank.Ranked                 `json:"ranked,omitempty"`
	Probes       []health.Result               `json:"probes,omitempty"`
}

// Discover 执行发现流水线。候选为空或全部探活失败时返回
// 硬失败，探活结果为 unknown 的服务仍然参与排序。
func (d *Discovery) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	if d == nil || d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "服务目录未初始化")
	}

	capabilities := req.Capabilities
	if len(capabilities) == 0 && req.Text != "" && d.matcher != nil {
		capabilities = d.matcher.Match(req.Text)
	}

	filter := registry.SearchFilter{
		Capabilities: capabilities,
		MaxPrice:     req.MaxPrice,
		MinRating:    req.MinRating,
	}
	candidates, err := d.store.Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, xerrors.New(CodeNoHealthyService, "no healthy service available",
			xerrors.WithMetadata("reason", "no candidate matched the filter"))
	}

	var probes []health.Result
	if !req.SkipHealthCheck && d.prober != nil {
		probes = d.prober.ProbeMany(ctx, candidates, d.probeOpt)
		if health.AllFailed(probes) {
			return nil, xerrors.New(CodeNoHealthyService, "no healthy service available",
				xerrors.WithMetadata("reason", "all candidates failed their health checks"))
		}
	}

	ranked := rank.Rank(candidates, probes, d.weights)
	selected, alternatives := rank.Split(ranked)

	logger.L().Info("服务发现完成",
		"candidates", len(candidates),
		"selected", selected.ID,
		"alternatives", len(alternatives))

	return &DiscoverResult{
		Selected:     selected,
		Alternatives: alternatives,
		Ranked:       ranked,
		Probes:       probes,
	}, nil
}
