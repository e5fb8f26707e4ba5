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

	"github.com/cuongbtq/fleet-jobs/internal/api/handler"
	"github.com/cuongbtq/fleet-jobs/internal/api/queue"
	"github.com/cuongbtq/fleet-jobs/internal/api/router"
	"github.com/cuongbtq/fleet-jobs/internal/bootstrap"
	"github.com/cuongbtq/fleet-jobs/internal/orchestrator"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
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
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.WithAttrs(slog.String("service", "job-api-service"))

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = bootstrap.InitRedis(context.Background(), &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	publishers, err := bootstrap.InitPublisher(cfg, redisOrNil(redisClient), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publishers.Close()

	orch := orchestrator.New(&orchestrator.Config{
		Logger:    appLogger.Logger,
		Store:     store,
		Publisher: publishers.Publisher,
		Scheduler: queue.NewScheduler(rabbitClient, appLogger.Logger),
		Retry: orchestrator.RetryPolicy{
			Attempts:   cfg.Orchestrator.RetryAttempts,
			Interval:   cfg.Orchestrator.RetryInterval,
			Multiplier: cfg.Orchestrator.RetryBackoffMultiplier,
		},
	})

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger.Logger,
		Orchestrator: orch,
		HealthCheck:  bootstrap.HealthCheck(dbClient.HealthCheck, rabbitClient),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	case <-quit:
	}

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// redisOrNil keeps a nil *redis.Client from becoming a non-nil interface
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
