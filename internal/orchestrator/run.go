package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/cuongbtq/fleet-jobs/internal/notify"
)

// run is the state of one Run call
type run struct {
	o         *Orchestrator
	job       *domain.Job
	targets   []domain.Target
	logger    *slog.Logger
	cancelled atomic.Bool
	publishMu sync.Mutex
}

// Run drives a job to a terminal status. It is safe to call on a job that was
// interrupted: terminal targets are skipped and dispatched targets are polled
// again without a second dispatch.
//
// Run returns nil once the job is terminal. A cancelled ctx leaves the job
// RUNNING for a later resume. domain.ErrStaleWrite means another writer
// touched the job and this run gave up.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	var job *domain.Job
	if err := o.retry.Do(ctx, o.logger, "load job", func(ctx context.Context) error {
		var err error
		job, err = o.store.GetJob(ctx, jobID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	logger := o.logger.With(slog.String("job_id", jobID))
	if job.Status.IsTerminal() {
		logger.Info("Job already finished", slog.String("status", string(job.Status)))
		return nil
	}

	var targets []domain.Target
	if err := o.retry.Do(ctx, o.logger, "load targets", func(ctx context.Context) error {
		var err error
		targets, err = o.store.ListTargets(ctx, jobID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	r := &run{o: o, job: job, targets: targets, logger: logger}
	r.cancelled.Store(job.CancelRequested())

	if job.TargetCount > 0 && len(targets) != job.TargetCount {
		msg := fmt.Sprintf("%s: %d of %d targets stored", domain.ErrIncompleteJob, len(targets), job.TargetCount)
		logger.Error("Refusing to run incomplete job", slog.String("error", msg))
		return r.finish(ctx, domain.JobStatusFailed, domain.TargetStatusFailed, msg)
	}

	if job.Status == domain.JobStatusCreated {
		if r.cancelled.Load() {
			return r.finish(ctx, domain.JobStatusCancelled, domain.TargetStatusCancelled, "job cancelled before start")
		}
		if err := r.start(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("Resuming job",
			slog.Int("targets", len(targets)),
			slog.Int("pending", r.pending()),
		)
	}

	deadline := o.now().Add(o.timeoutFor(job))
	if job.Deadline != nil {
		deadline = *job.Deadline
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	err := fanOut(runCtx, o.concurrency, r.targets, r.driveTarget)

	switch {
	case ctx.Err() != nil:
		logger.Warn("Job run interrupted", slog.String("error", ctx.Err().Error()))
		return ctx.Err()
	case r.pending() == 0:
		// every target finished, even if the deadline passed meanwhile
	case errors.Is(err, domain.ErrStaleWrite):
		logger.Error("Job modified by another writer, giving up", slog.String("error", err.Error()))
		return err
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("%s: exceeded deadline %s", domain.ErrJobTimeout, deadline.UTC().Format(time.RFC3339))
		return r.finish(ctx, domain.JobStatusTimeout, domain.TargetStatusTimeout, msg)
	case err != nil:
		return r.finish(ctx, domain.JobStatusFailed, domain.TargetStatusFailed, err.Error())
	}

	status := r.aggregate()
	msg := ""
	if status == domain.JobStatusFailed {
		msg = domain.ErrTargetFailed.Error()
	}
	return r.finish(ctx, status, domain.TargetStatusCancelled, msg)
}

func (o *Orchestrator) timeoutFor(job *domain.Job) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return o.jobTimeout
}

// start moves the job from CREATED to RUNNING and fixes its deadline
func (r *run) start(ctx context.Context) error {
	now := r.o.now().UTC()
	deadline := now.Add(r.o.timeoutFor(r.job))
	update := domain.JobUpdate{
		Status:    domain.JobStatusRunning,
		StartTime: &now,
		Deadline:  &deadline,
	}

	if err := r.updateJob(ctx, domain.JobStatusCreated, update); err != nil {
		return err
	}

	r.logger.Info("Job started",
		slog.Int("targets", len(r.targets)),
		slog.Time("deadline", deadline),
	)
	r.publishJob(ctx)
	return nil
}

func (r *run) pending() int {
	n := 0
	for i := range r.targets {
		if !r.targets[i].Status.IsTerminal() {
			n++
		}
	}
	return n
}

// aggregate derives the job status from finished targets
func (r *run) aggregate() domain.JobStatus {
	succeeded, cancelled := 0, 0
	for i := range r.targets {
		switch r.targets[i].Status {
		case domain.TargetStatusSucceeded:
			succeeded++
		case domain.TargetStatusCancelled:
			cancelled++
		}
	}

	switch {
	case succeeded == len(r.targets):
		return domain.JobStatusSucceeded
	case cancelled > 0 && r.cancelled.Load():
		return domain.JobStatusCancelled
	default:
		return domain.JobStatusFailed
	}
}

// finish marks every non-terminal target with targetStatus and ends the job
func (r *run) finish(ctx context.Context, status domain.JobStatus, targetStatus domain.TargetStatus, message string) error {
	ctx = context.WithoutCancel(ctx)
	now := r.o.now().UTC()

	for i := range r.targets {
		t := &r.targets[i]
		if t.Status.IsTerminal() {
			continue
		}
		update := domain.TargetUpdate{
			Status:      targetStatus,
			CompletedAt: &now,
		}
		if message != "" {
			update.Output = domain.Ptr(message)
		}
		if err := r.updateTarget(ctx, t, update); err != nil {
			return err
		}
		r.publishTarget(ctx, t)
	}

	update := domain.JobUpdate{
		Status:  status,
		EndTime: &now,
	}
	if message != "" {
		update.ErrorMessage = domain.Ptr(message)
	}
	if err := r.updateJob(ctx, r.job.Status, update); err != nil {
		return err
	}

	r.logger.Info("Job finished",
		slog.String("status", string(status)),
		slog.String("message", message),
	)
	r.publishJob(ctx)
	return nil
}

// driveTarget takes one target from wherever it stopped to a terminal status.
// Only infrastructure failures are returned; a failed command is recorded on
// the target and does not stop the job.
func (r *run) driveTarget(ctx context.Context, t *domain.Target) error {
	if t.Status.IsTerminal() {
		return nil
	}

	logger := r.logger.With(
		slog.String("target_key", t.TargetKey),
		slog.String("agent_id", t.AgentID),
	)

	if t.CommandID == nil {
		if r.refreshCancel(ctx) {
			logger.Info("Target cancelled before dispatch")
			return r.complete(ctx, t, domain.TargetStatusCancelled, "job cancelled")
		}

		done, err := r.dispatch(ctx, t, logger)
		if err != nil || done {
			return err
		}
	}

	state := PollState{Attempts: t.PollAttempts, LastPolledAt: t.LastPolledAt}
	exec, err := r.o.poller.Wait(ctx, *t.CommandID, state, func(ctx context.Context, attempts int, polledAt time.Time, exec channel.Execution) error {
		return r.recordPoll(ctx, t, attempts, polledAt, exec)
	})

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPollAttemptsExceeded), errors.Is(err, domain.ErrUnknownCommand):
		logger.Warn("Target polling failed", slog.String("error", err.Error()))
		return r.complete(ctx, t, domain.TargetStatusFailed, err.Error())
	default:
		return err
	}

	if exec.Status == channel.ExecutionSuccess {
		logger.Info("Target succeeded")
		return r.complete(ctx, t, domain.TargetStatusSucceeded, exec.Output)
	}

	logger.Warn("Target failed", slog.String("output", exec.Output))
	return r.complete(ctx, t, domain.TargetStatusFailed, exec.Output)
}

// dispatch sends the target's command and records it. done is true when the
// target already reached a terminal status.
func (r *run) dispatch(ctx context.Context, t *domain.Target, logger *slog.Logger) (done bool, err error) {
	cmd := channel.Command{
		ID:         commandIDFor(t.JobID, t.TargetKey),
		JobID:      t.JobID,
		TargetKey:  t.TargetKey,
		Kind:       r.job.Kind,
		PayloadRef: t.PayloadRef,
	}

	var commandID string
	err = r.o.retry.Do(ctx, r.logger, "dispatch command", func(ctx context.Context) error {
		var err error
		commandID, err = r.o.channel.Dispatch(ctx, t.AgentAddress, cmd)
		return err
	})
	if errors.Is(err, domain.ErrDispatchRejected) {
		logger.Warn("Command rejected by agent", slog.String("error", err.Error()))
		return true, r.complete(ctx, t, domain.TargetStatusFailed, err.Error())
	}
	if err != nil {
		return false, fmt.Errorf("failed to dispatch target %s: %w", t.TargetKey, err)
	}

	now := r.o.now().UTC()
	update := domain.TargetUpdate{
		Status:       domain.TargetStatusDispatched,
		CommandID:    &commandID,
		DispatchedAt: &now,
	}
	if err := r.updateTarget(ctx, t, update); err != nil {
		return false, err
	}

	logger.Info("Target dispatched", slog.String("command_id", commandID))
	r.publishTarget(ctx, t)
	return false, nil
}

// recordPoll persists the poll cursor and moves the target to IN_PROGRESS
// once the agent reports it
func (r *run) recordPoll(ctx context.Context, t *domain.Target, attempts int, polledAt time.Time, exec channel.Execution) error {
	r.refreshCancel(ctx)
	if exec.Status.IsTerminal() {
		return nil
	}

	status := t.Status
	if exec.Status == channel.ExecutionInProgress && t.Status == domain.TargetStatusDispatched {
		status = domain.TargetStatusInProgress
	}

	polledAt = polledAt.UTC()
	update := domain.TargetUpdate{
		Status:       status,
		PollAttempts: &attempts,
		LastPolledAt: &polledAt,
	}
	if exec.Output != "" {
		update.Output = domain.Ptr(exec.Output)
	}
	return r.updateTarget(ctx, t, update)
}

// complete records a terminal target status and announces it
func (r *run) complete(ctx context.Context, t *domain.Target, status domain.TargetStatus, output string) error {
	now := r.o.now().UTC()
	update := domain.TargetUpdate{
		Status:      status,
		Output:      &output,
		CompletedAt: &now,
	}
	if err := r.updateTarget(ctx, t, update); err != nil {
		return err
	}
	r.publishTarget(ctx, t)
	return nil
}

// refreshCancel re-reads the cancel flag; a failed read keeps the last known value
func (r *run) refreshCancel(ctx context.Context) bool {
	if r.cancelled.Load() {
		return true
	}
	job, err := r.o.store.GetJob(ctx, r.job.JobID)
	if err != nil {
		r.logger.Debug("Failed to refresh cancel flag", slog.String("error", err.Error()))
		return false
	}
	if job.CancelRequested() {
		r.logger.Info("Cancel observed, waiting for in-flight commands")
		r.cancelled.Store(true)
		return true
	}
	return false
}

// updateTarget writes update against the target's last known status and
// applies it locally on success
func (r *run) updateTarget(ctx context.Context, t *domain.Target, update domain.TargetUpdate) error {
	expected := t.Status
	err := r.o.retry.Do(ctx, r.logger, "update target", func(ctx context.Context) error {
		return r.o.store.UpdateTargetStatus(ctx, t.JobID, t.TargetKey, expected, update)
	})
	if err != nil {
		return fmt.Errorf("failed to record target %s as %s: %w", t.TargetKey, update.Status, err)
	}
	update.Apply(t)
	return nil
}

func (r *run) updateJob(ctx context.Context, expected domain.JobStatus, update domain.JobUpdate) error {
	err := r.o.retry.Do(ctx, r.logger, "update job", func(ctx context.Context) error {
		return r.o.store.UpdateJob(ctx, r.job.JobID, expected, update)
	})
	if err != nil {
		return fmt.Errorf("failed to record job as %s: %w", update.Status, err)
	}
	update.Apply(r.job)
	return nil
}

func (r *run) publishTarget(ctx context.Context, t *domain.Target) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.o.publisher.PublishUpdated(ctx, notify.TargetEvent(r.job, t))
}

func (r *run) publishJob(ctx context.Context) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.o.publisher.PublishUpdated(ctx, notify.JobEvent(notify.TypeJobUpdated, r.job))
}
