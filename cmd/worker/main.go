package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/monitoring"
	"github.com/storyforge/storyforge/internal/notifications"
	"github.com/storyforge/storyforge/internal/notifications/channels"
	"github.com/storyforge/storyforge/internal/observability"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
	"github.com/storyforge/storyforge/pkg/tracing"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	obs, err := observability.NewService(observabilityConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logging.SetGlobalLogger(obs.Logger())

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize notification logger: %v", err)
	}
	defer zapLogger.Sync()

	// Initialize Redis connection
	redis, err := queue.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redis.Health(ctx); err != nil {
		log.Fatalf("Redis health check failed: %v", err)
	}
	cancel()

	log.Println("Redis connection established")

	jobQueue := queue.NewQueue(redis, cfg.Queue.Name, queue.DefaultQueueConfig())
	cacheSvc := cache.NewService(redis, nil)
	store := cache.NewGenerationCache(cacheSvc)
	statsCache := cache.NewStatsCache(cacheSvc)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Notification service delivers job outcomes and incidents to the
	// ops channels.
	notifier := notifications.NewService(zapLogger,
		notifications.NewRedisRepository(redis, 0),
		notifications.NewDefaultTemplateManager())
	notifier.RegisterChannelHandler(channels.NewSlackHandler(zapLogger))
	notifier.RegisterChannelHandler(channels.NewTeamsHandler(zapLogger))
	notifier.RegisterChannelHandler(channels.NewEmailHandler(zapLogger))
	if cfg.Alerting.Enabled {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 5*time.Second)
		if err := notifier.SeedOpsChannels(seedCtx, cfg.Alerting.SlackWebhookURL, cfg.Alerting.TeamsWebhookURL); err != nil {
			log.Printf("Failed to seed ops notification channels: %v", err)
		}
		cancelSeed()
	}

	// Resilience manager with metric hooks plus incident notifications
	// layered on top.
	managerCfg := obs.ResilienceManagerConfig()
	managerCfg.RecoveryTimeLimit = cfg.Resilience.RecoveryTimeLimit
	managerCfg.ErrorHistorySize = cfg.Resilience.ErrorHistorySize
	incidentHooks(&managerCfg, notifier)
	manager := resilience.NewManager(managerCfg, resilience.NewClassifier())

	// Register the configured engine sidecars and build one execution
	// policy per media type over them.
	engines := pipeline.NewEngineManager()
	chains, err := pipeline.RegisterConfiguredEngines(engines, &cfg.Engines)
	if err != nil {
		log.Fatalf("Failed to register generation engines: %v", err)
	}
	if len(chains) == 0 {
		log.Fatalf("No generation engines configured")
	}

	dispatcher := pipeline.NewDispatcher(engines, manager, store, statsCache)
	if err := registerPolicies(dispatcher, chains, &cfg.Resilience); err != nil {
		log.Fatalf("Failed to register media policies: %v", err)
	}
	dispatcher.RegisterRecoveryProcedures(pipeline.DefaultRecoveryConfig())

	poolCfg := queue.DefaultWorkerPoolConfig()
	if cfg.Queue.Concurrency > 0 {
		poolCfg.WorkerConfig.Concurrency = cfg.Queue.Concurrency
	}
	if cfg.Queue.PollInterval > 0 {
		poolCfg.WorkerConfig.PollInterval = cfg.Queue.PollInterval
	}
	pool := queue.NewWorkerPool(jobQueue, poolCfg)

	handler := newNotifyingHandler(dispatcher, notifier)
	jobTypes := []string{
		queue.JobTypeStory,
		queue.JobTypeStoryboard,
		queue.JobTypeImage,
		queue.JobTypeVideo,
		queue.JobTypeTTS,
		queue.JobTypeAssembly,
	}
	for _, jobType := range jobTypes {
		if !dispatcher.CanHandle(jobType) {
			log.Printf("No engines for %s jobs, handler not registered", jobType)
			continue
		}
		pool.RegisterHandler(jobType, handler)
	}

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.DefaultTimeout = cfg.Engines.RequestTimeout
	pipelineCfg.HealthCheckInterval = cfg.Engines.HealthInterval
	pipelineCfg.MaxRetries = cfg.Queue.MaxRetries
	pipelineSvc := pipeline.NewService(jobQueue, store, engines, pipelineCfg)
	pipelineSvc.AttachWorkerPool(pool)

	if err := pipelineSvc.Start(runCtx); err != nil {
		log.Fatalf("Failed to start pipeline service: %v", err)
	}
	log.Printf("Worker pool started with %d workers", poolCfg.NumWorkers)

	// Resource monitor drives auto-degradation from queue backlog,
	// memory pressure and breaker state.
	resourceMonitor := monitoring.NewService(jobQueue, redis, manager, engines, cacheSvc, nil)
	if err := resourceMonitor.Start(runCtx); err != nil {
		log.Fatalf("Failed to start resource monitor: %v", err)
	}

	obs.SetupHealthChecks(redis, pipelineSvc, engines, cfg.Storage.ArtifactDir)
	obs.SetupAlertChannels(&cfg.Alerting)
	healthMonitor := obs.SetupResilienceAlerts(runCtx, manager)
	defer healthMonitor.Stop()
	go obs.MonitorSystemHealth(runCtx, cfg.Engines.HealthInterval)

	opsServer := startOpsServer(cfg, obs)

	log.Println("Worker started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelShutdown()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ops server forced to shutdown: %v", err)
	}
	if err := resourceMonitor.Stop(); err != nil {
		log.Printf("Error stopping resource monitor: %v", err)
	}
	if err := pipelineSvc.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping pipeline service: %v", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down observability: %v", err)
	}

	log.Println("Worker exited")
}

func observabilityConfig(cfg *config.Config) *observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "storyforge-worker"
	obsCfg.ServiceVersion = version
	obsCfg.Logging = &logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: obsCfg.ServiceName,
		Version:     obsCfg.ServiceVersion,
	}
	obsCfg.Tracing = &tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: obsCfg.ServiceVersion,
		Environment:    obsCfg.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	}
	return obsCfg
}

// registerPolicies builds a breaker-guarded, retried execution policy
// per configured media type, primary engine first and fallbacks in
// their configured order.
func registerPolicies(dispatcher *pipeline.Dispatcher, chains map[engine.MediaType][]string, cfg *config.ResilienceConfig) error {
	breaker := resilience.CircuitBreakerConfig{
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryTimeout:   cfg.RecoveryTimeout,
		SuccessThreshold:  cfg.SuccessThreshold,
		CallTimeout:       cfg.CallTimeout,
		MaxConcurrent:     cfg.MaxConcurrent,
		HalfOpenMaxProbes: 1,
	}
	retry := resilience.RetryPolicy{
		MaxAttempts: cfg.MaxRetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Strategy:    resilience.BackoffJittered,
	}

	order := []engine.MediaType{
		engine.MediaTypeText,
		engine.MediaTypeImage,
		engine.MediaTypeVideo,
		engine.MediaTypeTTS,
	}
	for _, mediaType := range order {
		engineNames, ok := chains[mediaType]
		if !ok {
			continue
		}
		if err := dispatcher.RegisterMediaPolicy(mediaType, engineNames, breaker, retry); err != nil {
			return err
		}
		log.Printf("Registered %s generation policy (%d engines)", mediaType, len(engineNames))
	}
	return nil
}

// startOpsServer serves the worker's health, metrics and observability
// endpoints on the configured listen address.
func startOpsServer(cfg *config.Config, obs *observability.Service) *http.Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	obs.SetupMiddleware(router)
	obs.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server failed: %v", err)
		}
	}()

	return server
}
