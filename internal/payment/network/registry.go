package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"SentientExchange/internal/config"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/payment/ethereum"
)

// Registry manages on-chain verifiers keyed by network name.
type Registry struct {
	defaultNetwork string
	verifiers      map[string]payment.Verifier
	settlements    map[string]string
}

// NewRegistry loads network definitions and instantiates concrete verifiers.
func NewRegistry(ctx context.Context, cfg config.PaymentConfig) (*Registry, error) {
	defs, err := LoadDefinitions(cfg.NetworkConfig)
	if err != nil {
		return nil, err
	}

	verifiers := make(map[string]payment.Verifier)
	settlements := make(map[string]string)
	for name, def := range defs.Networks {
		networkType := strings.ToLower(strings.TrimSpace(def.Type))
		if networkType == "" {
			networkType = "evm"
		}
		switch networkType {
		case "evm":
			verifier, err := ethereum.NewVerifier(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  def.RPCURL,
				ChainID: def.ChainID,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
			}
			verifiers[name] = verifier
			settlements[name] = def.Settlement
		default:
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(verifiers) == 0 {
		return nil, errors.New("未配置任何支付网络")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		names := make([]string, 0, len(verifiers))
		for name := range verifiers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := verifiers[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}

	return &Registry{
		defaultNetwork: defaultNetwork,
		verifiers:      verifiers,
		settlements:    settlements,
	}, nil
}

// NewStaticRegistry 用已构造好的校验器组装注册表，测试用。
func NewStaticRegistry(defaultNetwork string, verifiers map[string]payment.Verifier, settlements map[string]string) *Registry {
	return &Registry{
		defaultNetwork: defaultNetwork,
		verifiers:      verifiers,
		settlements:    settlements,
	}
}

// DefaultNetwork returns the name of the default network.
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Verifier returns the verifier registered for the named network.
func (r *Registry) Verifier(name string) (payment.Verifier, bool) {
	if r == nil {
		return nil, false
	}
	verifier, ok := r.verifiers[name]
	return verifier, ok
}

// SettlementAddress returns the marketplace settlement address on a network.
func (r *Registry) SettlementAddress(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	addr, ok := r.settlements[name]
	return addr, ok && addr != ""
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all verifiers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, verifier := range r.verifiers {
		if verifier != nil {
			verifier.Close()
		}
		delete(r.verifiers, name)
	}
}
