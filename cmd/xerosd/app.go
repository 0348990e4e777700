package main

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Xeros-AGiXT/Xeros/internal/archive"
	"github.com/Xeros-AGiXT/Xeros/internal/cache"
	"github.com/Xeros-AGiXT/Xeros/internal/config"
	"github.com/Xeros-AGiXT/Xeros/internal/handlers"
	"github.com/Xeros-AGiXT/Xeros/internal/knowledge"
	"github.com/Xeros-AGiXT/Xeros/internal/llm/openai"
	"github.com/Xeros-AGiXT/Xeros/internal/observability/alerting"
	"github.com/Xeros-AGiXT/Xeros/internal/observability/metrics"
	"github.com/Xeros-AGiXT/Xeros/internal/scheduler"
	storagemysql "github.com/Xeros-AGiXT/Xeros/internal/storage/mysql"
	storageredis "github.com/Xeros-AGiXT/Xeros/internal/storage/redis"
	"github.com/Xeros-AGiXT/Xeros/internal/web3/provider"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// app 汇总守护进程的运行组件，按配置选择存储、队列与缓存实现。
type app struct {
	cfg       *config.Config
	chains    *workflow.Store
	registry  *workflow.Registry
	executor  *workflow.Executor
	service   *scheduler.Service
	processor *scheduler.Processor
	janitor   *scheduler.Janitor
	metrics   *metrics.Collector
	memCache  *cache.Memory

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.chains, err = loadChains(cfg.Chains); err != nil {
		return nil, err
	}
	if a.registry, err = a.buildRegistry(ctx); err != nil {
		return nil, err
	}
	for _, def := range a.chains.List() {
		if err = a.registry.Check(def); err != nil {
			return nil, err
		}
	}

	stepCache, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	queue, err := a.buildQueue(ctx)
	if err != nil {
		return nil, err
	}

	tracker := scheduler.NewTracker()
	a.service = scheduler.NewService(a.chains, store, queue,
		scheduler.WithTracker(tracker),
		scheduler.WithServiceRecorder(a.metrics),
	)

	execOpts := []workflow.ExecutorOption{
		workflow.WithObserver(scheduler.NewProgressRecorder(store)),
		workflow.WithObserver(a.metrics),
	}
	if stepCache != nil {
		execOpts = append(execOpts, workflow.WithCache(stepCache))
	}
	a.executor = workflow.NewExecutor(a.registry, policyFrom(cfg.Engine), execOpts...)

	a.processor = scheduler.NewProcessor(a.executor, a.chains, store, queue,
		scheduler.WithWorkerCount(cfg.Engine.MaxConcurrentOperations),
		scheduler.WithRunTracker(tracker),
		scheduler.WithAlertDispatcher(buildAlerting(cfg.Alerting)),
		scheduler.WithProcessorRecorder(a.metrics),
		scheduler.WithProcessorLogger(logger.Named("processor")),
	)

	janitorOpts := []scheduler.JanitorOption{
		scheduler.WithRetention(cfg.Retention.MaxAge()),
		scheduler.WithSweepInterval(cfg.Retention.SweepInterval()),
	}
	if cfg.Archive.Enabled {
		archiver, err := archive.NewMinIO(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Prefix:    cfg.Archive.Prefix,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		janitorOpts = append(janitorOpts, scheduler.WithArchiver(archiver))
	}
	a.janitor = scheduler.NewJanitor(store, janitorOpts...)
	return a, nil
}

func loadChains(path string) (*workflow.Store, error) {
	defs, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	store := workflow.NewStore()
	if err := store.RegisterAll(defs); err != nil {
		return nil, err
	}
	return store, nil
}

func policyFrom(cfg config.EngineConfig) workflow.Policy {
	return workflow.Policy{
		StepTimeout:        cfg.StepTimeout(),
		ChainTimeout:       cfg.ChainTimeout(),
		MaxAttempts:        cfg.MaxAttempts,
		RetryDelay:         cfg.RetryDelay(),
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		CacheTTL:           cfg.CacheTTL(),
	}
}

func (a *app) buildRegistry(ctx context.Context) (*workflow.Registry, error) {
	hc := a.cfg.Handlers
	var deps handlers.Dependencies

	if hc.Shell.Enabled {
		deps.Shell = &handlers.ShellConfig{
			AllowedCommands: hc.Shell.AllowedCommands,
			WorkDir:         hc.Shell.WorkDir,
			MaxOutputBytes:  hc.Shell.MaxOutputBytes,
		}
	}
	if hc.EVM.Enabled {
		networks, err := provider.NewRegistry(ctx, provider.Config{
			NetworksFile:   hc.EVM.NetworksFile,
			RPCURL:         hc.EVM.RPCURL,
			DefaultNetwork: hc.EVM.DefaultNetwork,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			networks.Close()
			return nil
		})
		deps.Networks = networks
	}
	if hc.Knowledge.Path != "" {
		kb, err := knowledge.LoadStaticProvider(hc.Knowledge.Path, hc.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		deps.Knowledge = kb
	}
	if hc.LLM.Enabled {
		client, err := openai.NewClient(openai.Config{
			APIKey:     hc.LLM.ResolveAPIKey(),
			BaseURL:    hc.LLM.BaseURL,
			Model:      hc.LLM.Model,
			Timeout:    hc.LLM.Timeout(),
			MaxRetries: hc.LLM.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		deps.LLM = client
	}

	reg := workflow.NewRegistry()
	if err := handlers.Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

func (a *app) buildCache(ctx context.Context) (cache.Cache, error) {
	cc := a.cfg.Cache
	switch cc.Driver {
	case "none":
		return nil, nil
	case "redis":
		client, err := storageredis.Open(ctx, storageredis.Config{
			Address:  cc.Redis.Address,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return cache.NewRedis(client, cc.Prefix, cache.WithRedisRecorder(a.metrics)), nil
	default:
		a.memCache = cache.NewMemory(cache.Config{
			SweepInterval: cc.SweepInterval(),
			MaxEntries:    cc.MaxEntries,
		}, cache.WithRecorder(a.metrics))
		return a.memCache, nil
	}
}

func (a *app) buildStore(ctx context.Context) (scheduler.Store, error) {
	rc := a.cfg.Storage.RunStore
	var store scheduler.Store
	switch rc.Driver {
	case "mysql":
		mysqlStore, err := scheduler.OpenMySQLStore(ctx, storagemysql.Config{
			DSN:             rc.DSN,
			MaxOpenConns:    rc.MaxOpenConns,
			MaxIdleConns:    rc.MaxIdleConns,
			ConnMaxLifetime: rc.ConnMaxLifetime(),
		})
		if err != nil {
			return nil, err
		}
		store = mysqlStore
	default:
		store = scheduler.NewMemoryStore()
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) buildQueue(ctx context.Context) (scheduler.Queue, error) {
	qc := a.cfg.Queue
	var queue scheduler.Queue
	switch qc.Driver {
	case "redis":
		redisQueue, err := scheduler.NewRedisQueue(ctx, scheduler.RedisQueueConfig{
			Config: storageredis.Config{
				Address:  qc.Redis.Address,
				Password: qc.Redis.Password,
				DB:       qc.Redis.DB,
			},
			Queue:     qc.Redis.Key,
			BlockWait: qc.Redis.BlockWait(),
		})
		if err != nil {
			return nil, err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:      qc.RabbitMQ.URL,
			Queue:    qc.RabbitMQ.Queue,
			Prefetch: qc.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		queue = rabbitQueue
	default:
		queue = scheduler.NewMemoryQueue(qc.Size)
	}
	a.closers = append(a.closers, queue.Close)
	return queue, nil
}

func buildAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewWebhookSender(cfg.DingTalkWebhook, cfg.WebhookTimeout()),
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(cfg.SlackWebhook, cfg.WebhookTimeout()).SlackSender(),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

// Run 启动处理器、缓存清理与保留期清理，extra 中的任务与它们共享生命周期。
// 任一任务返回非取消错误时其余任务随之停止。
func (a *app) Run(ctx context.Context, extra ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.processor.Start(gctx) })
	if a.janitor != nil {
		g.Go(func() error { return a.janitor.Run(gctx) })
	}
	if a.memCache != nil {
		g.Go(func() error {
			a.memCache.Run(gctx)
			return nil
		})
	}
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}
	if err := g.Wait(); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 按创建的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := stdErrors.Join(errs...); err != nil {
		logger.L().Warn("释放资源失败", slog.Any("error", err))
		return err
	}
	return nil
}
