package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PricingFlow/internal/agent"
	"PricingFlow/internal/api"
	"PricingFlow/internal/cache"
	"PricingFlow/internal/compress"
	"PricingFlow/internal/config"
	"PricingFlow/internal/connector"
	"PricingFlow/internal/execution"
	"PricingFlow/internal/knowledge"
	"PricingFlow/internal/llm"
	"PricingFlow/internal/llm/openai"
	"PricingFlow/internal/llm/pythonbridge"
	"PricingFlow/internal/observability/alerting"
	"PricingFlow/internal/observability/metrics"
	"PricingFlow/internal/skills"
	"PricingFlow/internal/storage/mysql"
	"PricingFlow/internal/workflow"
	"PricingFlow/pkg/logger"
)

// main 是 PricingFlow 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 "+config.EnvConfigPath)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configPath)); err != nil {
		log.Fatalf("pricingflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return err
	}
	defer logger.Sync()

	summary := make([]any, 0, 2*len(cfg.Summary()))
	for k, v := range cfg.Summary() {
		summary = append(summary, slog.String(k, v))
	}
	logger.L().Info("配置已加载", append([]any{slog.String("path", configPath)}, summary...)...)

	// 缓存在启动时探测 Redis，失败则降级为内存。
	c := cache.Open(ctx, cache.Config{
		Address:     cfg.Cache.Address,
		Password:    cfg.Cache.Password,
		DB:          cfg.Cache.DB,
		DialTimeout: config.Seconds(cfg.Cache.DialTimeoutSec),
		DefaultTTL:  config.Seconds(cfg.Cache.DefaultTTLSec),
		MaxEntries:  cfg.Cache.MaxEntries,
	})
	defer c.Close()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	provider, err := skills.NewStaticProvider(skills.WithCache(c, config.Seconds(cfg.Skills.CacheTTLSec)))
	if err != nil {
		return err
	}
	if n, err := provider.LoadDir(cfg.Skills.Dir); err != nil {
		return err
	} else if n > 0 {
		logger.L().Info("已加载技能包", slog.Int("count", n), slog.String("dir", cfg.Skills.Dir))
	}

	client, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	connectors, closeConnectors, err := createConnectors(ctx, cfg, c)
	if err != nil {
		return err
	}
	defer closeConnectors()

	engine, pipeline, err := buildEngine(cfg, c, registry, provider, client, connectors)
	if err != nil {
		return err
	}

	queue, err := createQueue(ctx, cfg)
	if err != nil {
		return err
	}
	store := execution.NewCacheStore(c, execution.WithRecordTTL(time.Duration(cfg.Queue.RecordTTLHour)*time.Hour))
	service := execution.NewService(store, queue)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭执行服务失败", slog.Any("error", err))
		}
	}()

	processor := execution.NewProcessor(engine, store, queue,
		execution.WithWorkerCount(cfg.Queue.Workers),
		execution.WithExecutionTimeout(config.Seconds(cfg.Queue.TimeoutSec)),
		execution.WithAlertDispatcher(createAlerting(cfg)),
	)

	registerGauges(c, pipeline, engine)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("执行处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, processor, engine,
		api.WithCache(c),
		api.WithSkills(provider),
		api.WithPipeline(pipeline),
		api.WithSyncTimeout(config.Seconds(cfg.Server.SyncTimeoutSec)),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadRegistry(cfg *config.Config) (*agent.Registry, error) {
	if cfg.Skills.AgentsFile == "" {
		return agent.DefaultRegistry(), nil
	}
	return agent.LoadRegistry(cfg.Skills.AgentsFile)
}

func buildEngine(cfg *config.Config, c *cache.Cache, registry *agent.Registry, provider skills.Provider, client llm.Client, connectors *connector.Set) (*workflow.Engine, *compress.Pipeline, error) {
	pipeline := compress.NewPipeline(
		compress.WithCache(c),
		compress.WithCacheTTL(config.Seconds(cfg.Workflow.CompressTTLSec)),
	)

	gatewayOpts := []workflow.GatewayOption{
		workflow.WithResponseCache(c, config.Seconds(cfg.LLM.CacheTTLSec)),
		workflow.WithLLMTimeout(config.Seconds(cfg.LLM.TimeoutSec)),
	}
	if cfg.LLM.Fallback == "canned" {
		gatewayOpts = append(gatewayOpts, workflow.WithFallback(llm.CannedFallback{}))
	}
	gateway := workflow.NewGateway(client, gatewayOpts...)

	planner, err := workflow.NewPlanner(registry, gateway, pipeline,
		workflow.WithPlanningBudget(cfg.Workflow.PlanningBudget))
	if err != nil {
		return nil, nil, err
	}
	responses := compress.NewResponseCompressor(pipeline, cfg.Workflow.ResponseBudget)
	executorOpts := []workflow.ExecutorOption{
		workflow.WithConnectors(connectors),
		workflow.WithResponseCompressor(responses),
		workflow.WithContextCompression(cfg.Workflow.ContextThreshold, cfg.Workflow.ContextBudget),
	}
	if cfg.Skills.Runbook != "" {
		runbooks, err := knowledge.LoadStaticProvider(cfg.Skills.Runbook, cfg.Skills.RunbookMaxResults)
		if err != nil {
			return nil, nil, err
		}
		logger.L().Info("已加载运行手册", slog.Int("count", runbooks.Len()), slog.String("path", cfg.Skills.Runbook))
		executorOpts = append(executorOpts, workflow.WithRunbooks(runbooks))
	}
	executor, err := workflow.NewExecutor(registry, provider, gateway, pipeline, executorOpts...)
	if err != nil {
		return nil, nil, err
	}
	synthesizer := workflow.NewSynthesizer(gateway, pipeline, responses, cfg.Workflow.SynthesisBudget)
	engine, err := workflow.NewEngine(registry, planner, executor, synthesizer, pipeline)
	if err != nil {
		return nil, nil, err
	}
	return engine, pipeline, nil
}

// createConnectors 按配置启用数据库与 shell 连接器，未配置的资源类型不会访问外部系统。
func createConnectors(ctx context.Context, cfg *config.Config, c *cache.Cache) (*connector.Set, func(), error) {
	var (
		list    []connector.Connector
		closers []func() error
	)
	closeAll := func() {
		for _, fn := range closers {
			_ = fn()
		}
	}

	if cfg.MySQL.DSN != "" {
		db, repo, err := connector.NewDatabase(ctx, mysql.Config{
			DSN:          cfg.MySQL.DSN,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			AutoMigrate:  cfg.MySQL.AutoMigrate,
		}, connector.WithQueryCache(c, config.Seconds(cfg.MySQL.QueryTTLSec)))
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, repo.Close)
		list = append(list, db)
	}

	if cfg.SSH.Host != "" {
		runner, err := connector.NewSSHRunner(connector.SSHConfig{
			Host:           cfg.SSH.Host,
			Port:           cfg.SSH.Port,
			User:           cfg.SSH.User,
			Password:       cfg.SSH.Password,
			PrivateKeyPath: cfg.SSH.PrivateKeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			DialTimeout:    config.Seconds(cfg.SSH.DialTimeoutSec),
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, runner.Close)
		list = append(list, connector.NewShell(runner, connector.ShellConfig{
			LogDir:        cfg.Shell.LogDir,
			JobPattern:    cfg.Shell.JobPattern,
			RestartScript: cfg.Shell.RestartScript,
			TailLines:     cfg.Shell.TailLines,
		}, connector.WithShellCache(c, config.Seconds(cfg.Shell.CacheTTLSec))))
	}

	set := connector.NewSet(list...)
	logger.L().Info("连接器已就绪", slog.Any("kinds", set.Kinds()))
	return set, closeAll, nil
}

func createQueue(ctx context.Context, cfg *config.Config) (execution.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return execution.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return execution.NewRedisQueue(ctx, execution.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createAlerting(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	for kind, url := range map[alerting.Channel]string{
		alerting.ChannelSlack:    cfg.Alerting.SlackWebhook,
		alerting.ChannelDingTalk: cfg.Alerting.DingTalkWebhook,
	} {
		if url == "" {
			continue
		}
		n, err := alerting.NewWebhookNotifier(kind, url, 5*time.Second)
		if err != nil {
			logger.L().Warn("忽略告警渠道", slog.String("channel", string(kind)), slog.Any("error", err))
			continue
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func registerGauges(c *cache.Cache, pipeline *compress.Pipeline, engine *workflow.Engine) {
	metrics.RegisterGauge("cache_hit_rate", "Cache hit rate since the last reset.", func() float64 {
		return c.Stats(context.Background()).HitRate()
	})
	metrics.RegisterGauge("cache_bytes", "Bytes written through the cache.", func() float64 {
		return float64(c.Stats(context.Background()).TotalBytes)
	})
	metrics.RegisterGauge("compression_tokens_saved", "Tokens saved by the compression pipeline.", func() float64 {
		return float64(pipeline.Stats().TokensSaved)
	})
	metrics.RegisterGauge("compression_average_savings_pct", "Average savings percentage of compressions.", func() float64 {
		return pipeline.Stats().AverageSavingsPct
	})
	metrics.RegisterGauge("queries_processed", "Queries accepted by the workflow engine.", func() float64 {
		return float64(engine.Stats().Processed)
	})
	metrics.RegisterGauge("queries_failed", "Queries that ended in a step failure.", func() float64 {
		return float64(engine.Stats().Failed)
	})
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	timeout := config.Seconds(cfg.LLM.TimeoutSec)
	switch cfg.LLM.Provider {
	case "endpoint":
		return llm.NewEndpointClient(llm.EndpointConfig{
			URL:     cfg.LLM.Endpoint.URL,
			APIKey:  cfg.LLM.Endpoint.APIKey,
			Timeout: timeout,
		})
	case "python_bridge":
		return pythonbridge.NewClient(pythonbridge.Config{
			Interpreter: cfg.LLM.Python.PythonExecutable,
			Script:      pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath),
			WorkDir:     cfg.LLM.Python.WorkingDir,
		})
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 " + config.EnvLLMAPIKey)
		}
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
