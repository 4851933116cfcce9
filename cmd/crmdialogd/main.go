package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenCRM-Dialog/internal/api"
	"OpenCRM-Dialog/internal/config"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/enrichment"
	"OpenCRM-Dialog/internal/llm"
	"OpenCRM-Dialog/internal/llm/openai"
	"OpenCRM-Dialog/internal/llm/pythonbridge"
	"OpenCRM-Dialog/internal/notify"
	"OpenCRM-Dialog/internal/orchestrator"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/internal/storage/mysql"
	"OpenCRM-Dialog/internal/tools/crm"
	"OpenCRM-Dialog/pkg/logger"
)

// main 是 CRM 对话守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("crmdialogd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("CRMDIALOG_CONFIG"))
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
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
	defer func() { _ = logger.Sync() }()
	logger.L().Info("配置加载完成", "summary", cfg.String())

	// 初始化大模型客户端。
	model, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	dir, closeDir, err := createDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDir()

	cat, err := crm.New(dir).Catalog()
	if err != nil {
		return err
	}
	if cfg.Catalog.AliasFile != "" {
		if err := cat.LoadAliasFile(cfg.Catalog.AliasFile); err != nil {
			return err
		}
	}

	store, err := createSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	sessions := session.NewManager(store,
		session.WithMaxHistory(cfg.Session.MaxHistory),
		session.WithMaxRecent(cfg.Session.MaxRecent),
	)
	defer sessions.Close()

	queue, err := createNotifyQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭通知队列失败", "error", err)
		}
	}()

	opts := []orchestrator.Option{
		orchestrator.WithDirectory(dir),
		orchestrator.WithNotifier(notify.NewQueueSink(queue)),
		orchestrator.WithConfig(orchestrator.Config{
			LLMTimeout:        cfg.Orchestrator.LLMTimeout,
			ToolTimeout:       cfg.Orchestrator.ToolTimeout,
			MaxRounds:         cfg.Orchestrator.MaxRounds,
			SlowToolThreshold: cfg.Orchestrator.SlowToolThreshold,
			SystemInstruction: cfg.Orchestrator.SystemInstruction,
		}),
	}
	if cfg.Enrichment.Source != "" {
		scanner, err := enrichment.LoadStaticScanner(cfg.Enrichment.Source, cfg.Enrichment.MaxResults)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithEnricher(scanner))
	}
	orch := orchestrator.New(cat, model, sessions, opts...)

	deliverers := []notify.Deliverer{notify.AuditDeliverer{}}
	if cfg.Notify.WebhookURL != "" {
		deliverers = append(deliverers, notify.NewWebhookDeliverer(cfg.Notify.WebhookURL, 10*time.Second))
	}
	dispatcher := notify.NewDispatcher(queue, notify.NewFanout(deliverers...),
		notify.WithWorkerCount(cfg.Notify.Workers),
	)

	server := api.NewServer(cfg.Server.Address, orch,
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.OpenAIKey(os.Getenv))
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     cfg.LLM.OpenAI.Timeout,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createDirectory(ctx context.Context, cfg *config.Config) (directory.Store, func(), error) {
	switch cfg.Directory.Driver {
	case "mysql":
		sqlDir, err := mysql.NewSQLDirectory(ctx, mysql.Config{
			DSN:             cfg.Directory.MySQL.DSN,
			MaxOpenConns:    cfg.Directory.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Directory.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Directory.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Directory.MySQL.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		return sqlDir, func() { _ = sqlDir.Close() }, nil
	default:
		mem := directory.NewMemoryStore()
		return mem, func() { _ = mem.Close() }, nil
	}
}

func createSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case "redis":
		return session.NewRedisStore(ctx, session.RedisStoreConfig{
			Address:  cfg.Session.Redis.Address,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Prefix:   cfg.Session.Prefix,
			TTL:      cfg.Session.TTL,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}

func createNotifyQueue(ctx context.Context, cfg *config.Config) (notify.Queue, error) {
	switch cfg.Notify.Driver {
	case "redis":
		return notify.NewRedisQueue(ctx, notify.RedisQueueConfig{
			Address:   cfg.Notify.Redis.Address,
			Password:  cfg.Notify.Redis.Password,
			DB:        cfg.Notify.Redis.DB,
			Queue:     cfg.Notify.Queue,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.Queue,
			Prefetch:   cfg.Notify.RabbitMQ.Prefetch,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
	default:
		return notify.NewMemoryQueue(cfg.Notify.BufferSize), nil
	}
}
