package api

import (
	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, redis *queue.RedisClient, pipelineSvc pipeline.PipelineService, engines *pipeline.EngineManager, manager *resilience.Manager, statsCache *cache.StatsCache, store cache.GenerationStore) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	logger := logging.GetLogger()

	// Add middleware
	router.Use(RequestIDMiddleware())
	router.Use(logger.LoggingMiddleware())
	router.Use(logger.RecoveryMiddleware())
	router.Use(logger.ErrorLoggingMiddleware())
	router.Use(CORSMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(RateLimitMiddleware(redis))

	// Health check endpoint (no auth required)
	healthHandler := NewHealthHandler(redis, pipelineSvc)
	router.GET("/health", gin.WrapH(healthHandler))

	// API version info (no auth required)
	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, VersionInfo{
			Name:    "StoryForge Pipeline API",
			Version: Version,
			Status:  "ok",
		})
	})

	// Create handlers
	generationHandler := NewGenerationHandler(pipelineSvc)
	resilienceHandler := NewResilienceHandler(manager)
	statsHandler := NewStatsHandler(statsCache, store, engines)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Protected routes (require a service token)
		protected := v1.Group("")
		protected.Use(AuthMiddleware(cfg))
		{
			// Generation job routes
			generations := protected.Group("/generations")
			{
				generations.POST("", generationHandler.CreateGeneration)
				generations.GET("", generationHandler.ListGenerations)
				generations.GET("/:id/status", generationHandler.GetGenerationStatus)
				generations.GET("/:id/results", generationHandler.GetGenerationResults)
				generations.POST("/:id/cancel", generationHandler.CancelGeneration)
			}

			// Pipeline service routes
			pipelineRoutes := protected.Group("/pipeline")
			{
				pipelineRoutes.GET("/stats", generationHandler.GetPipelineStats)
			}

			// Resilience status and manual degradation controls
			resilienceRoutes := protected.Group("/resilience")
			{
				resilienceRoutes.GET("/status", resilienceHandler.GetStatus)
				resilienceRoutes.GET("/errors", resilienceHandler.GetErrors)
				resilienceRoutes.GET("/degradation", resilienceHandler.GetDegradation)
				resilienceRoutes.POST("/degradation/:domain/degrade", resilienceHandler.DegradeDomain)
				resilienceRoutes.POST("/degradation/:domain/restore", resilienceHandler.RestoreDomain)
			}

			// Statistics routes
			stats := protected.Group("/stats")
			{
				stats.GET("/dashboard", statsHandler.GetDashboardStats)
				stats.GET("/system", statsHandler.GetSystemMetrics)
				stats.GET("/engines", statsHandler.GetEngineStats)
				stats.GET("/engines/:name", statsHandler.GetEngineStatsDetail)
				stats.GET("/stories/:id", statsHandler.GetStoryStats)
			}
		}
	}

	// Catch-all route for undefined endpoints
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
