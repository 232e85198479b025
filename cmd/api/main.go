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

	"github.com/storyforge/storyforge/internal/api"
	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/observability"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
	"github.com/storyforge/storyforge/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize observability (logging, metrics, tracing, alerting)
	obs, err := observability.NewService(observabilityConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logging.SetGlobalLogger(obs.Logger())

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

	// Initialize job queue and cache layers
	jobQueue := queue.NewQueue(redis, cfg.Queue.Name, queue.DefaultQueueConfig())
	cacheSvc := cache.NewService(redis, nil)
	store := cache.NewGenerationCache(cacheSvc)
	statsCache := cache.NewStatsCache(cacheSvc)

	// Initialize resilience manager with metric-emitting hooks
	managerCfg := obs.ResilienceManagerConfig()
	managerCfg.RecoveryTimeLimit = cfg.Resilience.RecoveryTimeLimit
	managerCfg.ErrorHistorySize = cfg.Resilience.ErrorHistorySize
	manager := resilience.NewManager(managerCfg, resilience.NewClassifier())

	// Register engine sidecars so the ops endpoints can report on them
	engines := pipeline.NewEngineManager()
	if _, err := pipeline.RegisterConfiguredEngines(engines, &cfg.Engines); err != nil {
		log.Fatalf("Failed to register engines: %v", err)
	}

	// Initialize pipeline service. The API process submits and tracks
	// jobs; the worker binary runs the pool that executes them.
	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.DefaultTimeout = cfg.Engines.RequestTimeout
	pipelineCfg.HealthCheckInterval = cfg.Engines.HealthInterval
	pipelineCfg.MaxRetries = cfg.Queue.MaxRetries
	pipelineSvc := pipeline.NewService(jobQueue, store, engines, pipelineCfg)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := pipelineSvc.Start(runCtx); err != nil {
		log.Fatalf("Failed to start pipeline service: %v", err)
	}

	// Wire health checks, alert channels, and resilience alerting
	obs.SetupHealthChecks(redis, pipelineSvc, engines, cfg.Storage.ArtifactDir)
	obs.SetupAlertChannels(&cfg.Alerting)
	monitor := obs.SetupResilienceAlerts(runCtx, manager)
	defer monitor.Stop()

	// Create API router with all dependencies
	router := api.NewRouter(cfg, redis, pipelineSvc, engines, manager, statsCache, store)

	// Observability endpoints that sit outside the versioned API surface
	router.GET("/metrics", gin.WrapH(obs.Metrics().Handler()))
	router.GET("/health/live", obs.Health().LivenessHandler())
	router.GET("/health/ready", obs.Health().ReadinessHandler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting API server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	stop()

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := pipelineSvc.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping pipeline service: %v", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down observability: %v", err)
	}

	log.Println("Server exited")
}

// observabilityConfig maps the environment configuration onto the
// observability stack
func observabilityConfig(cfg *config.Config) *observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "storyforge-api"
	obsCfg.ServiceVersion = api.Version
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
