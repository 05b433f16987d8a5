package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"SentientExchange/internal/api"
	"SentientExchange/internal/config"
	"SentientExchange/internal/health"
	"SentientExchange/internal/intent"
	"SentientExchange/internal/ledger"
	"SentientExchange/internal/market"
	"SentientExchange/internal/observability/alerting"
	"SentientExchange/internal/observability/metrics"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/payment/network"
	"SentientExchange/internal/rank"
	"SentientExchange/internal/registry"
	"SentientExchange/internal/session"
	"SentientExchange/internal/spending"
	"SentientExchange/pkg/logger"
)

// main 是 SentientExchange 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sentientd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTIENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentient.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.AuditPath != "",
			Path:       cfg.Log.AuditPath,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	registryStore, err := newRegistryStore(cfg.Storage.Registry)
	if err != nil {
		return err
	}
	defer registryStore.Close()

	spendingStore, err := newSpendingStore(cfg.Storage.Spending)
	if err != nil {
		return err
	}
	defer spendingStore.Close()

	sessionStore, err := newSessionStore(cfg.Session)
	if err != nil {
		return err
	}
	sessions := session.NewManager(sessionStore, cfg.Session.SessionTTL())
	defer sessions.Close()

	if memoryStore, ok := sessionStore.(*session.MemoryStore); ok {
		go memoryStore.StartGC(ctx, time.Minute)
	}

	ledgerStore, err := newLedgerStore(cfg.Ledger.Store)
	if err != nil {
		return err
	}
	ledgerQueue, err := newLedgerQueue(cfg.Ledger.Queue)
	if err != nil {
		return err
	}
	recorder := ledger.NewRecorder(ledgerStore, ledgerQueue)
	defer recorder.Close()

	go func() {
		if err := recorder.Run(ctx, 2); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("交易落账协程异常退出", "error", err)
		}
	}()

	networks, err := network.NewRegistry(ctx, cfg.Payment)
	if err != nil {
		return err
	}
	defer networks.Close()

	prober := health.NewProber(&http.Client{Timeout: cfg.Discovery.ProbeTimeout()})
	guard := spending.NewGuard(spendingStore, nil)

	discovery := market.NewDiscovery(registryStore, prober, intent.NewMatcher(),
		rank.Weights{
			Health:  cfg.Discovery.HealthWeight,
			Rating:  cfg.Discovery.RatingWeight,
			Price:   cfg.Discovery.PriceWeight,
			Latency: cfg.Discovery.LatencyWeight,
		},
		health.Options{
			Timeout:       cfg.Discovery.ProbeTimeout(),
			MaxConcurrent: cfg.Discovery.MaxConcurrentProbes,
		})

	negotiator := payment.NewNegotiator(payment.NegotiatorOptions{
		Prober:       prober,
		Guard:        guard,
		Sessions:     sessions,
		Settlements:  networks,
		ProbeTimeout: cfg.Discovery.ProbeTimeout(),
		MaxRetries:   cfg.Session.MaxRetries,
	})

	engine := market.NewEngine(market.EngineOptions{
		Sessions: sessions,
		Networks: networks,
		Recorder: recorder,
		Guard:    guard,
		Alerts:   newAlertDispatcher(cfg.Alerting),
	})

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(api.ServerOptions{
		Addr:       cfg.Server.Address,
		Registry:   registryStore,
		Discovery:  discovery,
		Negotiator: negotiator,
		Engine:     engine,
		Spending:   spendingStore,
		Ledger:     ledgerStore,
	})

	logger.L().Info("sentientd 已启动",
		"address", cfg.Server.Address,
		"networks", networks.Networks())
	return server.Start(ctx)
}

// newAlertDispatcher 按配置组装告警渠道，一个都没配则返回 nil。
func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(cfg.DingTalkWebhook),
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.SlackWebhook),
			ChannelID: cfg.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func newRegistryStore(cfg config.StoreConfig) (registry.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return registry.NewMemoryStore(), nil
	case "mysql":
		return registry.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的服务目录存储驱动: %s", cfg.Driver)
	}
}

func newSpendingStore(cfg config.StoreConfig) (spending.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return spending.NewMemoryStore(), nil
	case "mysql":
		return spending.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的限额存储驱动: %s", cfg.Driver)
	}
}

func newSessionStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.SessionTTL())
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

func newLedgerStore(cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return ledger.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的交易流水存储驱动: %s", cfg.Driver)
	}
}

func newLedgerQueue(cfg config.LedgerQueueConfig) (ledger.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryQueue(1024), nil
	case "redis":
		return ledger.NewRedisQueue(ledger.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.RedisKey,
		})
	case "rabbitmq":
		return ledger.NewRabbitMQQueue(ledger.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的落账队列驱动: %s", cfg.Driver)
	}
}
