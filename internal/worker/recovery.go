package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// startRecoveryLoop periodically picks up jobs whose lease expired or whose
// queue message never arrived
func (w *Worker) startRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.recoveryInterval)
	defer ticker.Stop()

	w.logger.Info("Recovery loop started",
		slog.Duration("interval", w.recoveryInterval),
		slog.Duration("lease_timeout", w.leaseTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.recoverJobs(ctx)
		}
	}
}

// recoverJobs hands recoverable jobs to idle pool slots and returns how many were queued
func (w *Worker) recoverJobs(ctx context.Context) int {
	staleBefore := w.now().Add(-w.leaseTimeout)
	ids, err := w.storage.ListRecoverableJobs(ctx, staleBefore, w.concurrency)
	if err != nil {
		w.logger.Warn("Failed to list recoverable jobs",
			slog.String("error", err.Error()),
		)
		return 0
	}

	queued := 0
	for _, id := range ids {
		if _, running := w.inFlight.Load(id); running {
			continue
		}
		select {
		case w.jobsChan <- &domain.JobMessage{JobID: id}:
			queued++
			w.logger.Info("Recovering job",
				slog.String("job_id", id),
			)
		default:
			// pool is busy; try again on the next tick
			return queued
		}
	}
	return queued
}
