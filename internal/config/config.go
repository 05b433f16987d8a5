package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 SentientExchange 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Ledger    LedgerConfig    `json:"ledger"`
	Payment   PaymentConfig   `json:"payment"`
	Discovery DiscoveryConfig `json:"discovery"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// AlertingConfig 配置告警通知渠道，webhook 地址为空表示关闭该渠道。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// LogConfig 控制日志与审计输出。
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	AuditPath  string `json:"audit_path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述服务目录与消费限额的持久化后端。
type StorageConfig struct {
	Registry StoreConfig `json:"registry"`
	Spending StoreConfig `json:"spending"`
}

// StoreConfig 描述单个存储后端，driver 支持 memory 与 mysql。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SessionConfig 控制支付会话的存储方式与生存周期。
type SessionConfig struct {
	Driver     string      `json:"driver"`
	Redis      RedisConfig `json:"redis"`
	TTLMinutes int         `json:"ttl_minutes"`
	MaxRetries int         `json:"max_retries"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LedgerConfig 描述交易流水的存储与异步落账队列。
type LedgerConfig struct {
	Store StoreConfig       `json:"store"`
	Queue LedgerQueueConfig `json:"queue"`
}

// LedgerQueueConfig 的 driver 支持 memory、redis 与 rabbitmq。
type LedgerQueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RedisKey string         `json:"redis_key"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PaymentConfig 包含链上支付校验所需的网络定义。
type PaymentConfig struct {
	NetworkConfig  string `json:"network_config"`
	DefaultNetwork string `json:"default_network"`
}

// DiscoveryConfig 控制服务发现阶段的探活与排序参数。
type DiscoveryConfig struct {
	ProbeTimeoutSeconds int     `json:"probe_timeout_seconds"`
	MaxConcurrentProbes int     `json:"max_concurrent_probes"`
	HealthWeight        float64 `json:"health_weight"`
	RatingWeight        float64 `json:"rating_weight"`
	PriceWeight         float64 `json:"price_weight"`
	LatencyWeight       float64 `json:"latency_weight"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ProbeTimeout 返回探活超时时间。
func (c DiscoveryConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// SessionTTL 返回支付会话的生存周期。
func (c SessionConfig) SessionTTL() time.Duration {
	if c.TTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Registry.Driver == "" {
		c.Storage.Registry.Driver = "memory"
	}
	if c.Storage.Spending.Driver == "" {
		c.Storage.Spending.Driver = "memory"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.MaxRetries <= 0 {
		c.Session.MaxRetries = 3
	}
	if c.Ledger.Store.Driver == "" {
		c.Ledger.Store.Driver = "memory"
	}
	if c.Ledger.Queue.Driver == "" {
		c.Ledger.Queue.Driver = "memory"
	}

	if c.Log.AuditPath != "" && !filepath.IsAbs(c.Log.AuditPath) {
		c.Log.AuditPath = filepath.Join(baseDir, c.Log.AuditPath)
	}

	if c.Payment.NetworkConfig != "" && !filepath.IsAbs(c.Payment.NetworkConfig) {
		c.Payment.NetworkConfig = filepath.Join(baseDir, c.Payment.NetworkConfig)
	}

	if c.Discovery.MaxConcurrentProbes <= 0 {
		c.Discovery.MaxConcurrentProbes = 10
	}
	if c.Discovery.HealthWeight == 0 && c.Discovery.RatingWeight == 0 &&
		c.Discovery.PriceWeight == 0 && c.Discovery.LatencyWeight == 0 {
		c.Discovery.HealthWeight = 0.4
		c.Discovery.RatingWeight = 0.3
		c.Discovery.PriceWeight = 0.2
		c.Discovery.LatencyWeight = 0.1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
