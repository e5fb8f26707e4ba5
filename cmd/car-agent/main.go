package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/agent"
	"github.com/cuongbtq/fleet-jobs/internal/bootstrap"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("CAR_AGENT_CONFIG_PATH", "configs/car-agent/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAgentConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.WithAttrs(slog.String("service", "car-agent"))

	appLogger.Info("Starting car agent",
		slog.String("agent_id", cfg.Agent.ID),
		slog.String("worker_url", cfg.Agent.WorkerURL),
		slog.String("version", cfg.App.Version),
	)

	a, err := agent.New(&agent.Config{
		Logger:            appLogger.Logger,
		WorkerURL:         cfg.Agent.WorkerURL,
		AgentID:           cfg.Agent.ID,
		MaxConcurrent:     cfg.Agent.MaxConcurrent,
		ReconnectInterval: cfg.Agent.ReconnectInterval,
		Executors: map[domain.JobKind]agent.Executor{
			domain.JobKindFetchLogs: &agent.LogFetcher{
				SourceDir: cfg.Agent.LogDir,
				OutboxDir: cfg.Agent.OutboxDir,
			},
			domain.JobKindUploadPayload: &agent.PayloadInstaller{
				Client:  &http.Client{Timeout: 5 * time.Minute},
				DestDir: cfg.Agent.PayloadDir,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	appLogger.Info("Car agent stopped")
	return nil
}
