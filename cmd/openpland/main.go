package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenPlan-Chain/internal/api"
	"OpenPlan-Chain/internal/capability"
	"OpenPlan-Chain/internal/config"
	"OpenPlan-Chain/internal/executor"
	"OpenPlan-Chain/internal/knowledge"
	"OpenPlan-Chain/internal/llm"
	"OpenPlan-Chain/internal/llm/openai"
	"OpenPlan-Chain/internal/llm/pythonbridge"
	"OpenPlan-Chain/internal/observability/alerting"
	"OpenPlan-Chain/internal/orchestrator"
	"OpenPlan-Chain/internal/storage/mysql"
	"OpenPlan-Chain/internal/web3"
	"OpenPlan-Chain/internal/web3/provider"
	"OpenPlan-Chain/pkg/logger"
)

// main 是 OpenPlan 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openpland 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENPLAN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openplan.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	gateway, err := createGateway(cfg)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 作业存储。
	var jobStore executor.Store
	switch cfg.Storage.JobStore.Driver {
	case "", "memory":
		jobStore = executor.NewMemoryStore()
	case "mysql":
		store, err := executor.NewMySQLStore(cfg.Storage.JobStore.DSN)
		if err != nil {
			return err
		}
		jobStore = store
	default:
		return fmt.Errorf("未知的作业存储驱动: %s", cfg.Storage.JobStore.Driver)
	}

	// 运行归档。
	var runRepo mysql.RunRepository
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryRunRepository(dataDir)
		if err != nil {
			return err
		}
		runRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		runRepo = repo
	default:
		return fmt.Errorf("未知的运行存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer runRepo.Close()

	// 作业队列。
	var jobQueue executor.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		jobQueue = executor.NewMemoryQueue(1024)
	case "redis":
		queue, err := executor.NewRedisQueue(executor.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		jobQueue = queue
	case "rabbitmq":
		queue, err := executor.NewRabbitMQQueue(executor.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		jobQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.L().Warn("关闭作业队列失败", "error", err)
		}
	}()

	// 链客户端与领域能力。
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	domain := capability.NewRegistry()
	if err := web3.RegisterCapabilities(domain, chainRegistry); err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, 0)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	execService := executor.NewService(jobStore, jobQueue, cfg.Orchestrator.MaxRetries)
	defer execService.Close()

	processor := executor.NewProcessor(domain, jobStore, jobQueue, jobQueue,
		executor.WithWorkerCount(cfg.Orchestrator.WorkerCount),
		executor.WithGateway(gateway),
		executor.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", "error", err)
		}
	}()

	orch, err := orchestrator.New(gateway, domain,
		orchestrator.WithRetryCeiling(cfg.Orchestrator.RetryCeiling),
		orchestrator.WithKnowledgeProvider(knowledgeProvider),
		orchestrator.WithAlertDispatcher(alerter),
	)
	if err != nil {
		return err
	}

	runService, err := orchestrator.NewService(orch, execService,
		orchestrator.WithMaxTurns(cfg.Orchestrator.MaxTurns),
	)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, runService, runRepo, execService)
	logger.L().Info("openpland 已启动", "address", cfg.Server.Address, "chains", chainRegistry.Chains())

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createGateway 根据配置选择推理网关实现。
func createGateway(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENPLAN_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 OPENPLAN_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的推理网关 provider: %s", cfg.LLM.Provider)
	}
}
