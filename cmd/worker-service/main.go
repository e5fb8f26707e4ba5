package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/bootstrap"
	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/config"
	"github.com/cuongbtq/fleet-jobs/internal/orchestrator"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
	"github.com/cuongbtq/fleet-jobs/internal/worker"
	"github.com/cuongbtq/fleet-jobs/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.WithAttrs(slog.String("service", "job-worker-service"))

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
	if cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	appLogger.Info("Database connection established", dbClient.Stats()...)

	rabbitClient, err := rabbitmq.NewClient(bootstrap.RabbitMQConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	var redisClient redis.UniversalClient
	if cfg.UsesRedis() {
		client, err := bootstrap.InitRedis(context.Background(), &cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client

		appLogger.Info("Redis connection established", slog.String("addr", cfg.Redis.Addr))
	}

	publishers, err := bootstrap.InitPublisher(cfg, redisClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publishers.Close()

	hub := channel.NewHub(&channel.HubConfig{
		Logger:        appLogger.Logger.With(slog.String("component", "agent-hub")),
		Ledger:        initLedger(&cfg.Channel, redisClient),
		AckTimeout:    cfg.Channel.AckTimeout,
		WriteTimeout:  cfg.Channel.WriteTimeout,
		DispatchRate:  cfg.Channel.DispatchRate,
		DispatchBurst: cfg.Channel.DispatchBurst,
	})
	defer hub.Close()

	orch := orchestrator.New(&orchestrator.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Channel:           hub,
		Publisher:         publishers.Publisher,
		JobTimeout:        cfg.Orchestrator.JobTimeout,
		TargetConcurrency: cfg.Orchestrator.TargetConcurrency,
		Poll: orchestrator.PollerConfig{
			Interval:          cfg.Orchestrator.PollInterval,
			BackoffMultiplier: cfg.Orchestrator.PollBackoffMultiplier,
			MaxInterval:       cfg.Orchestrator.PollMaxInterval,
			MaxAttempts:       cfg.Orchestrator.PollMaxAttempts,
		},
		Retry: orchestrator.RetryPolicy{
			Attempts:   cfg.Orchestrator.RetryAttempts,
			Interval:   cfg.Orchestrator.RetryInterval,
			Multiplier: cfg.Orchestrator.RetryBackoffMultiplier,
		},
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Queue:             rabbitClient,
		Store:             store,
		Runner:            orch,
		WorkerID:          workerID,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseTimeout:      cfg.Worker.LeaseTimeout,
		RecoveryInterval:  cfg.Worker.RecoveryInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx, cfg.Channel.SweepInterval)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     worker.SetupAgentRouter(hub, appLogger.Logger, bootstrap.HealthCheck(dbClient.HealthCheck, rabbitClient)),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 2)
	go func() {
		appLogger.Info("Agent endpoint listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("agent endpoint: %w", err)
		}
	}()

	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	case amqpErr := <-rabbitClient.NotifyClose():
		runErr = fmt.Errorf("rabbitmq connection closed: %v", amqpErr)
		appLogger.Error("RabbitMQ connection lost", slog.Any("error", amqpErr))
	}

	// jobs interrupted here stay RUNNING and are resumed by another worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Agent endpoint forced to shutdown", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLedger picks the command ledger backend
func initLedger(cfg *config.ChannelConfig, redisClient redis.UniversalClient) channel.Ledger {
	if cfg.Ledger == config.LedgerRedis {
		return channel.NewRedisLedger(redisClient, cfg.CommandRetention, cfg.KeyPrefix)
	}
	return channel.NewMemoryLedger(cfg.CommandRetention)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}
