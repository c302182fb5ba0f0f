package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentPilot/internal/action"
	"AgentPilot/internal/api"
	"AgentPilot/internal/bounds"
	"AgentPilot/internal/config"
	"AgentPilot/internal/dispatch"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/orchestrator"
	"AgentPilot/internal/proposal"
	"AgentPilot/internal/review"
	"AgentPilot/pkg/logger"
)

// main 是 AgentPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 动作注册表与安全边界来自同一份策略文件。
	registry, err := action.LoadStaticRegistry(cfg.Policy.Path)
	if err != nil {
		return err
	}
	checker, err := bounds.LoadRuleChecker(cfg.Policy.Path)
	if err != nil {
		return err
	}

	var store interface {
		proposal.Store
		proposal.RecordStore
		proposal.SuggestionStore
	}
	switch cfg.Storage.ProposalStore.Driver {
	case "", "memory":
		store = proposal.NewMemoryStore()
	case "mysql":
		mysqlStore, err := proposal.NewMySQLStore(cfg.Storage.ProposalStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.ProposalStore.Driver)
	}
	defer func() {
		_ = store.Close()
	}()

	var queue dispatch.Queue
	switch cfg.Dispatch.Driver {
	case "", "memory":
		queue = dispatch.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Dispatch.Redis.Address,
			Password:  cfg.Dispatch.Redis.Password,
			DB:        cfg.Dispatch.Redis.DB,
			Queue:     cfg.Dispatch.Redis.Queue,
			BlockWait: time.Duration(cfg.Dispatch.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Dispatch.RabbitMQ.URL,
			Queue:      cfg.Dispatch.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭派发队列失败: %v", err)
		}
	}()

	// 未配置外部渠道时告警仅落日志。
	alerts := alerting.NewFanout(alerting.LogNotifier{})

	router, err := orchestrator.NewRouter(cfg.Agent.ID, registry, checker, store, store, store,
		orchestrator.WithRouterAlerts(alerts),
	)
	if err != nil {
		return err
	}

	coordinator, err := orchestrator.NewCoordinator(cfg.Agent.ID, store,
		orchestrator.WithPublisher(queue),
		orchestrator.WithPollInterval(cfg.Coordinator.PollInterval()),
		orchestrator.WithWaitTimeout(cfg.Coordinator.WaitTimeout()),
	)
	if err != nil {
		return err
	}

	reviews, err := review.NewService(store, store, store)
	if err != nil {
		return err
	}

	worker, err := dispatch.NewWorker(cfg.Agent.ID, store, router, queue,
		dispatch.WithWorkerCount(cfg.Dispatch.Worker),
		dispatch.WithAlertDispatcher(alerts),
	)
	if err != nil {
		return err
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("派发工作协程异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, router, reviews, coordinator, worker)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
