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

	"github.com/promoforge/promoforge/internal/billing"
	"github.com/promoforge/promoforge/internal/cache"
	"github.com/promoforge/promoforge/internal/config"
	"github.com/promoforge/promoforge/internal/database"
	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/internal/middleware"
	"github.com/promoforge/promoforge/internal/orchestrator"
	"github.com/promoforge/promoforge/internal/providers"
	"github.com/promoforge/promoforge/internal/queue"
	"github.com/promoforge/promoforge/internal/storage"
	"github.com/promoforge/promoforge/internal/sweep"
	"github.com/promoforge/promoforge/internal/tracing"
)

type API struct {
	repo           *database.Repository
	cache          *cache.Cache
	storage        *storage.Storage
	queue          *queue.Queue
	orchestrator   *orchestrator.Orchestrator
	synchronizer   *billing.Synchronizer
	sweeper        *sweep.Sweeper
	callbackSecret string
	logger         *logging.Logger
}

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	// Initialize tracing
	if cfg.Tracing.Enabled {
		tracer, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
		_ = tracer
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	migrateCancel()

	repo := database.NewRepository(db)

	// Initialize cache
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	// Initialize storage
	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	if err := q.SetupDeadLetterQueue(); err != nil {
		logger.Fatalf("Failed to set up dead letter queue: %v", err)
	}

	orch := newOrchestrator(cfg, repo, redisCache, logger)
	synchronizer := billing.New(repo, redisCache, cfg.Billing.WebhookSecret, logger)
	sweeper := sweep.New(repo, redisCache, cfg.Billing.SweepInterval, logger)

	api := &API{
		repo:           repo,
		cache:          redisCache,
		storage:        stor,
		queue:          q,
		orchestrator:   orch,
		synchronizer:   synchronizer,
		sweeper:        sweeper,
		callbackSecret: cfg.Pipeline.CallbackSecret,
		logger:         logger,
	}

	// Background reconciliation alongside the gated endpoint
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweeper.Start(sweepCtx)

	// Metrics server on its own port
	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	router := setupRouter(api, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	sweepCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func newOrchestrator(cfg *config.Config, repo *database.Repository, redisCache *cache.Cache, logger *logging.Logger) *orchestrator.Orchestrator {
	timeout := cfg.Pipeline.RequestTimeout
	sceneCallback := cfg.Pipeline.CallbackBaseURL + "/callbacks/scenes"
	assemblyCallback := cfg.Pipeline.CallbackBaseURL + "/callbacks/assembly"

	retry := providers.RetryPolicy{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		Timeout:        timeout,
	}

	return orchestrator.New(
		repo,
		providers.NewImageClient(cfg.Pipeline.ImageEndpoint, timeout),
		providers.NewScriptClient(cfg.Pipeline.ScriptEndpoint, timeout),
		providers.NewSceneClient(cfg.Pipeline.SceneEndpoint, sceneCallback, timeout),
		providers.NewAssemblyClient(cfg.Pipeline.AssemblyEndpoint, assemblyCallback, timeout),
		redisCache,
		retry,
		logger,
	)
}

func setupRouter(api *API, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.logger))

	rl := middleware.NewRateLimiter(20, 40)

	// Health check
	router.GET("/health", api.healthCheck)

	// Provider-facing endpoints, HMAC-signed
	router.POST("/webhooks/billing", api.billingWebhook)
	router.POST("/callbacks/scenes", api.sceneCallback)
	router.POST("/callbacks/assembly", api.assemblyCallback)

	// Operator endpoints
	internal := router.Group("/internal")
	internal.Use(middleware.InternalToken(cfg.Billing.SweepToken))
	{
		internal.POST("/sweep", api.runSweep)
		internal.GET("/queue", api.queueStats)
		internal.POST("/jobs/:id/requeue", api.requeueJob)
	}

	// Client API
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth())
	v1.Use(middleware.RateLimit(rl))
	{
		v1.POST("/jobs", middleware.SubmitLimit(api.cache, 30, time.Minute), api.createJob)
		v1.POST("/jobs/:id/generate", api.generateJob)
		v1.GET("/jobs/:id", api.getJob)
		v1.GET("/jobs", api.listJobs)
		v1.POST("/assets", api.uploadAsset)
		v1.GET("/assets", api.listAssets)
		v1.DELETE("/assets/*object", api.deleteAsset)
		v1.GET("/credits", api.getCredits)
		v1.GET("/credits/history", api.creditHistory)
	}

	return router
}
