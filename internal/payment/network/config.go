package network

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/networks.yaml.
type Definitions struct {
	Networks map[string]Definition `yaml:"networks"`
}

// Definition describes a single payment network.
// Settlement 是市场的统一结算地址，所有支付指令都指向它，
// 备选服务复用同一凭证因此是安全的。
type Definition struct {
	Type        string            `yaml:"type"`
	RPCURL      string            `yaml:"rpc_url"`
	ChainID     int64             `yaml:"chain_id"`
	Settlement  string            `yaml:"settlement_address"`
	Tokens      map[string]string `yaml:"tokens"`
	Description string            `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing network metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Networks: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Definition{}
	}
	return defs, nil
}
