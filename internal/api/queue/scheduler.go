// Package queue hands submitted jobs to the worker service over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// JobMessage is the body of a job queue message
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Scheduler publishes job IDs onto the job queue
type Scheduler struct {
	client publisher
	logger *slog.Logger
}

// NewScheduler creates a Scheduler on top of a RabbitMQ client
func NewScheduler(client publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{client: client, logger: logger}
}

// Schedule enqueues jobID for a worker
func (s *Scheduler) Schedule(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}
	if err := s.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	s.logger.Debug("Job scheduled",
		slog.String("job_id", jobID),
	)
	return nil
}
