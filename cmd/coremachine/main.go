package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/db"
	"github.com/geocore/coremachine/internal/handlers"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/machine"
	"github.com/geocore/coremachine/internal/observability"
	"github.com/geocore/coremachine/internal/orchestrator"
	"github.com/geocore/coremachine/internal/pipelines/catalogcleanup"
	"github.com/geocore/coremachine/internal/pipelines/helloworld"
	"github.com/geocore/coremachine/internal/pipelines/mosaic"
	"github.com/geocore/coremachine/internal/pipelines/rastercog"
	"github.com/geocore/coremachine/internal/pipelines/vectoringest"
	"github.com/geocore/coremachine/internal/platformlayer"
	"github.com/geocore/coremachine/internal/queue"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/repos"
	"github.com/geocore/coremachine/internal/server"
	"github.com/geocore/coremachine/internal/services"
	"github.com/geocore/coremachine/internal/state"
	"github.com/geocore/coremachine/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "coremachine",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})
	if shutdownOtel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(shutdownCtx)
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jobQueueName := utils.GetEnv("JOB_QUEUE_NAME", "coremachine-jobs", log)
	taskQueueName := utils.GetEnv("TASK_QUEUE_NAME", "coremachine-tasks", log)
	deadLetterName := utils.GetEnv("DEAD_LETTER_QUEUE_NAME", "coremachine-dead", log)
	maxRetries := utils.GetEnvAsInt("MAX_RETRIES", 3, log)
	batchThreshold := utils.GetEnvAsInt("FAN_OUT_BATCH_THRESHOLD", 50, log)
	leaseTimeoutSecs := utils.GetEnvAsInt("LEASE_TIMEOUT_SECONDS", 300, log)
	retryBackoffSecs := utils.GetEnvAsInt("RETRY_BACKOFF_SECONDS", 15, log)
	maxMessageBytes := utils.GetEnvAsInt("MAX_MESSAGE_BYTES", 262144, log)
	overflowContainer := utils.GetEnv("BLOB_OVERFLOW_CONTAINER", "overflow", log)
	jobWorkers := utils.GetEnvAsInt("JOB_WORKERS", 2, log)
	taskWorkers := utils.GetEnvAsInt("TASK_WORKERS", 8, log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "localhost:6379", log)
	port := utils.GetEnv("PORT", "8080", log)
	leaseTimeout := time.Duration(leaseTimeoutSecs) * time.Second
	retryBackoff := time.Duration(retryBackoffSecs) * time.Second

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	taskRepo := repos.NewTaskRepo(thePG, log)
	outboxRepo := repos.NewOutboxRepo(thePG, log)
	lineageRepo := repos.NewLineageRepo(thePG, log)

	// Redis queues
	log.Info("Setting up queues from main...")
	rdb, err := queue.NewRedisClient(log, redisAddr)
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}
	jobQueue, err := queue.NewRedisQueue(log, rdb, queue.Options{
		Name:            jobQueueName,
		DeadLetterName:  deadLetterName,
		LeaseTimeout:    leaseTimeout,
		RetryBackoff:    retryBackoff,
		MaxMessageBytes: maxMessageBytes,
	})
	if err != nil {
		log.Fatal("Job queue init failed", "error", err)
	}
	taskQueue, err := queue.NewRedisQueue(log, rdb, queue.Options{
		Name:            taskQueueName,
		DeadLetterName:  deadLetterName,
		LeaseTimeout:    leaseTimeout,
		RetryBackoff:    retryBackoff,
		MaxMessageBytes: maxMessageBytes,
	})
	if err != nil {
		log.Fatal("Task queue init failed", "error", err)
	}
	for _, q := range []queue.Queue{jobQueue, taskQueue} {
		if reaper, ok := q.(queue.Reaper); ok {
			reaper.StartReaper(ctx, 0)
		}
	}
	dlqView := queue.NewDeadLetterView(rdb, deadLetterName)

	// Blob store
	blobStore, err := blob.NewGCSStore(log)
	if err != nil {
		log.Warn("Blob store init failed, oversized results will fail", "error", err)
		blobStore = nil
	}

	// Registry + pipelines
	log.Info("Registering pipelines from main...")
	reg := registry.NewRegistry()
	if err := helloworld.Register(reg); err != nil {
		log.Fatal("Pipeline registration failed", "pipeline", helloworld.JobType, "error", err)
	}
	if err := vectoringest.Register(reg, vectoringest.Deps{Log: log, Blobs: blobStore, DB: thePG}); err != nil {
		log.Fatal("Pipeline registration failed", "pipeline", vectoringest.JobType, "error", err)
	}
	if err := rastercog.Register(reg, rastercog.Deps{Log: log, Blobs: blobStore}); err != nil {
		log.Fatal("Pipeline registration failed", "pipeline", rastercog.JobType, "error", err)
	}
	if err := mosaic.Register(reg, mosaic.Deps{Log: log, Blobs: blobStore}); err != nil {
		log.Fatal("Pipeline registration failed", "pipeline", mosaic.JobType, "error", err)
	}
	if err := catalogcleanup.Register(reg, log, thePG); err != nil {
		log.Fatal("Pipeline registration failed", "pipeline", catalogcleanup.JobType, "error", err)
	}
	log.Info("Pipelines registered", "job_types", strings.Join(reg.JobTypes(), ","))

	// State machine kernel
	stateManager := state.NewManager(thePG, log, jobRepo, taskRepo)
	orch := orchestrator.NewManager(log, batchThreshold)
	m := machine.NewMachine(
		log,
		machine.NewGormTxRunner(thePG),
		jobRepo,
		taskRepo,
		outboxRepo,
		stateManager,
		reg,
		orch,
		jobQueue,
		taskQueue,
		blobStore,
		machine.Config{
			MaxRetries:        maxRetries,
			MaxMessageBytes:   maxMessageBytes,
			OverflowContainer: overflowContainer,
			LeaseTimeout:      leaseTimeout,
			JobQueueName:      jobQueueName,
			TaskQueueName:     taskQueueName,
		},
	)
	m.StartWorkers(ctx, jobWorkers, taskWorkers)
	m.StartOutboxPump(ctx, time.Second)

	// Platform layer
	platform := platformlayer.NewLayer(log, m, jobRepo, lineageRepo, blobStore, platformlayer.NewGormTableInspector(thePG))

	// Services
	log.Info("Setting up Services from main...")
	jobService := services.NewJobService(log, m, platform, jobRepo, taskRepo, dlqView, thePG, rdb)

	// Handlers + router
	router := server.NewRouter(server.RouterConfig{
		JobsHandler:     handlers.NewJobsHandler(jobService),
		PlatformHandler: handlers.NewPlatformHandler(jobService),
		AdminHandler:    handlers.NewAdminHandler(jobService),
		HealthHandler:   handlers.NewHealthHandler(jobService),
	})

	log.Info("Starting HTTP server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("HTTP server exited", "error", err)
	}
}
