package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/promoforge/promoforge/internal/cache"
	"github.com/promoforge/promoforge/internal/config"
	"github.com/promoforge/promoforge/internal/database"
	"github.com/promoforge/promoforge/internal/logging"
	"github.com/promoforge/promoforge/internal/metrics"
	"github.com/promoforge/promoforge/internal/orchestrator"
	"github.com/promoforge/promoforge/internal/providers"
	"github.com/promoforge/promoforge/internal/queue"
	"github.com/promoforge/promoforge/internal/tracing"
	"github.com/promoforge/promoforge/pkg/models"
)

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

	// Initialize tracing
	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-worker", cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	// Initialize cache
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

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

	// Metrics server on its own port
	metricsServer := metrics.NewServer(cfg.Metrics.WorkerPort)
	go func() {
		if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	// Command handler. Pipeline outcomes (failed jobs, credit shortfalls,
	// invalid statuses) are recorded on the job itself, so those commands
	// are acked. Only infrastructure errors go to the retry queue.
	handler := func(cmd queue.GenerateCommand, retryCount int) error {
		jobLogger := logger.WithJobID(cmd.JobID)
		jobLogger.Info("Processing generate command")

		metrics.JobsInProgress.Inc()
		err := orch.Advance(ctx, cmd.JobID, cmd.ScriptOverride)
		metrics.JobsInProgress.Dec()
		if err == nil {
			jobLogger.Info("Generate command processed")
			return nil
		}

		if isPipelineOutcome(err) {
			jobLogger.ErrorWithErr("job halted by pipeline outcome", err)
			return nil
		}

		jobLogger.ErrorWithErr("failed to process command", err)
		if pubErr := q.PublishToRetryQueue(ctx, cmd, retryCount); pubErr != nil {
			jobLogger.ErrorWithErr("failed to publish to retry queue", pubErr)
			return pubErr
		}
		return nil
	}

	// Start consuming commands
	logger.Info("Worker started, waiting for commands...")
	if err := q.ConsumeGenerate(ctx, handler); err != nil {
		logger.Fatalf("Failed to consume commands: %v", err)
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Worker stopped")
}

// isPipelineOutcome reports whether the error is a decision already persisted
// on the job, as opposed to an infrastructure failure worth retrying.
func isPipelineOutcome(err error) bool {
	return models.IsInsufficientCredits(err) ||
		models.IsUpstream(err) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrNotFound)
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
