package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/backend/internal/config"
	"relay/backend/internal/domain"
	"relay/backend/internal/events"
	"relay/backend/internal/health"
	"relay/backend/internal/logger"
	"relay/backend/internal/monitoring"
	"relay/backend/internal/provider/s3"
	"relay/backend/internal/provider/ses"
	"relay/backend/internal/provider/sqs"
	"relay/backend/internal/service"
	"relay/backend/internal/sns"
	"relay/backend/internal/storage"
	"relay/backend/internal/storage/memory"
	redisstore "relay/backend/internal/storage/redis"
	sqlstore "relay/backend/internal/storage/sql"
	httptransport "relay/backend/internal/transport/http"
	"relay/backend/internal/worker"
)

// main 启动队列 worker 与运维 HTTP 端点（指标、健康检查、SNS 直推）。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting relay email worker",
		zap.String("log_level", cfg.Log.Level),
		zap.String("mask_domain", cfg.Relay.MaskDomain),
		zap.String("reply_domain", cfg.Relay.ReplyDomain),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 用量计数走 Redis；不可用时退回存储层自带的计数实现
	var limits storage.RateLimitRepository
	var redisHealth func() error
	if cfg.Redis.Address != "" {
		redisClient, err := redisstore.New(redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn("redis unavailable, daily caps disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			limits = redisClient
			redisHealth = redisClient.Health
			log.Info("redis connected", zap.String("address", cfg.Redis.Address))
		}
	}
	if limits == nil {
		if mem, ok := store.(*memory.Store); ok {
			limits = mem
		}
	}

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, redisHealth, log)
	emitter := events.NewEmitter(log)

	// 云服务商客户端
	dispatcher, err := ses.New(ctx, ses.DispatcherConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ConfigSet:       cfg.AWS.SESConfigSet,
		MaxSendRate:     cfg.AWS.MaxSendRate,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize email dispatcher: %v", err))
	}
	contentStore, err := s3.New(ctx, s3.StoreConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		MaxObjectBytes:  cfg.Relay.MaxMessageBytes,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize content store: %v", err))
	}
	queue, err := sqs.New(ctx, sqs.ClientConfig{
		Region:            cfg.AWS.Region,
		AccessKeyID:       cfg.AWS.AccessKeyID,
		SecretAccessKey:   cfg.AWS.SecretAccessKey,
		QueueURL:          cfg.AWS.SQSQueueURL,
		BatchSize:         cfg.Processing.BatchSize,
		WaitSeconds:       cfg.Processing.WaitSeconds,
		VisibilitySeconds: cfg.Processing.VisibilitySeconds,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize queue client: %v", err))
	}

	// 服务层
	validator := domain.NewMaskValidator(nil)
	verifier := sns.NewVerifier(cfg.AWS.SNSTopics)
	flags := service.StaticFlags{
		service.FlagDeactivateMaskOnComplaint: false,
		service.FlagCustomFromAddress:         false,
	}
	resolver := service.NewResolverService(store, validator, cfg, metrics, emitter, log)
	policy := service.NewPolicyEngine(store, limits, cfg, log)
	notifier := service.NewNotifier(dispatcher, cfg, log)
	forwarder := service.NewForwardService(store, policy, dispatcher, flags, cfg, metrics, emitter, log)
	replySvc := service.NewReplyService(store, limits, dispatcher, notifier, cfg, metrics, emitter, log)
	sink := service.NewSinkService(store, resolver, notifier, flags, cfg, metrics, log)
	processor := service.NewProcessor(verifier, contentStore, resolver, policy, forwarder,
		replySvc, sink, cfg, metrics, emitter, log)

	w := worker.New(queue, processor, cfg, metrics, log)

	monitor := monitoring.NewHealthChecker(store, log, "1.0.0", envName(cfg)).
		WithRedis(redisHealth).
		WithQueue(w.Backlog)

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store))
	alertManager.AddRule(monitoring.QueueBacklogRule(w.Backlog, 1000))
	alertManager.AddRule(monitoring.HighFailureRateRule(func() (int, int) {
		snapshot := w.Stats().Snapshot()
		return snapshot.TotalMessages, snapshot.FailedMessages
	}, 0.25))

	// 运维 HTTP 端点
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Processor: processor,
		Health:    healthChecker,
		Monitor:   monitor,
		Metrics:   metrics,
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		reason := w.Run(groupCtx)
		log.Info("queue worker finished", zap.String("exit_reason", reason))
		// worker 结束后整个进程退出
		stop()
		return nil
	})

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	group.Go(func() error {
		monitor.StartPeriodicHealthCheck(groupCtx, time.Minute)
		return nil
	})

	<-groupCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		log.Error("worker group error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func envName(cfg *config.Config) string {
	if cfg.Log.Development {
		return "development"
	}
	return "production"
}
