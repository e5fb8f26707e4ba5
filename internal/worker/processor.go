package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// processJob claims the job lease, keeps it alive and runs the job to a terminal status
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	if _, running := w.inFlight.LoadOrStore(msg.JobID, struct{}{}); running {
		w.logger.Debug("Job already running on this worker",
			slog.String("job_id", msg.JobID),
		)
		return fmt.Errorf("job %s: %w", msg.JobID, domain.ErrJobAlreadyClaimed)
	}
	defer w.inFlight.Delete(msg.JobID)

	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	staleBefore := w.now().Add(-w.leaseTimeout)
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID, staleBefore)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Warn("Job already claimed or finished, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job already claimed: %w", err)
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to claim job: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, cancel, heartbeatDone)
	defer close(heartbeatDone)

	if err := w.runner.Run(jobCtx, job.JobID); err != nil {
		if cause := context.Cause(jobCtx); errors.Is(cause, domain.ErrJobAlreadyClaimed) {
			return fmt.Errorf("lease lost while running: %w", cause)
		}
		return err
	}

	w.logger.Info("Job finished",
		slog.String("job_id", job.JobID),
		slog.String("worker_id", w.workerID),
	)
	return nil
}

// sendJobHeartbeat periodically renews the job lease. Losing the lease
// cancels the run so two workers never write the same job.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.storage.HeartbeatJob(ctx, jobID, w.workerID)
			switch {
			case err == nil:
				w.logger.Debug("Job heartbeat updated",
					slog.String("job_id", jobID),
				)
			case errors.Is(err, domain.ErrJobAlreadyClaimed):
				w.logger.Error("Job lease lost, stopping run",
					slog.String("job_id", jobID),
					slog.String("worker_id", w.workerID),
				)
				cancel(err)
				return
			default:
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
