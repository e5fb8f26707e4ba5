package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobRunner drives one job to a terminal status
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// QueueClient is the part of the RabbitMQ client the worker consumes through
type QueueClient interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Queue             QueueClient
	Store             storage.JobStore
	Runner            JobRunner
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	RecoveryInterval  time.Duration
}

// Worker consumes job IDs and runs each job under a lease
type Worker struct {
	logger            *slog.Logger
	queue             QueueClient
	storage           storage.JobStore
	runner            JobRunner
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int
	heartbeatInterval time.Duration
	leaseTimeout      time.Duration
	recoveryInterval  time.Duration
	jobsChan          chan *domain.JobMessage
	inFlight          sync.Map // job ID -> struct{}
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
	now               func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	lease := cfg.LeaseTimeout
	if lease <= 0 {
		lease = 3 * heartbeat
	}

	return &Worker{
		logger:            cfg.Logger,
		queue:             cfg.Queue,
		storage:           cfg.Store,
		runner:            cfg.Runner,
		workerID:          cfg.WorkerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		heartbeatInterval: heartbeat,
		leaseTimeout:      lease,
		recoveryInterval:  cfg.RecoveryInterval,
		jobsChan:          make(chan *domain.JobMessage, concurrency),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// Start begins processing jobs and blocks until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("lease_timeout", w.leaseTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	if w.recoveryInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startRecoveryLoop(ctx)
		}()
	}

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop waits for in-flight jobs to return
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
