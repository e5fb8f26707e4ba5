// Package orchestrator drives remote-command jobs from submission to a
// terminal status.
//
// A job fans out to its targets in submission order. Each target is
// dispatched over the channel, polled until the agent reports a terminal
// execution status, and recorded in the job store. Every status change is
// persisted before it is published, so a job interrupted at any point can be
// resumed by calling Run again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/channel"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/cuongbtq/fleet-jobs/internal/notify"
	"github.com/cuongbtq/fleet-jobs/internal/storage"
	"github.com/google/uuid"
)

// DefaultJobTimeout bounds a job that does not set its own timeout
const DefaultJobTimeout = 10 * time.Minute

var (
	// jobNamespace scopes job IDs derived from idempotency keys
	jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fleet-jobs/job"))

	// commandNamespace scopes command IDs derived from (job, target)
	commandNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fleet-jobs/command"))
)

// commandIDFor returns the command ID of a target. It is the same on every
// dispatch attempt and after a restart, so the agent can recognise a resend.
func commandIDFor(jobID, targetKey string) string {
	return uuid.NewSHA1(commandNamespace, []byte(jobID+"/"+targetKey)).String()
}

// Scheduler hands a persisted job to whoever will run it
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// Config holds orchestrator dependencies and settings
type Config struct {
	Logger            *slog.Logger
	Store             storage.JobStore
	Channel           channel.Channel
	Publisher         notify.Publisher
	Scheduler         Scheduler
	JobTimeout        time.Duration
	TargetConcurrency int
	Poll              PollerConfig
	Retry             RetryPolicy
}

// Orchestrator owns every write to jobs and targets
type Orchestrator struct {
	logger      *slog.Logger
	store       storage.JobStore
	channel     channel.Channel
	publisher   notify.Publisher
	scheduler   Scheduler
	poller      *Poller
	retry       RetryPolicy
	jobTimeout  time.Duration
	concurrency int
	now         func() time.Time
}

// New creates a new Orchestrator. Channel may be nil for submit-only use.
func New(cfg *Config) *Orchestrator {
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	concurrency := cfg.TargetConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}

	return &Orchestrator{
		logger:      cfg.Logger,
		store:       cfg.Store,
		channel:     cfg.Channel,
		publisher:   publisher,
		scheduler:   cfg.Scheduler,
		poller:      NewPoller(cfg.Channel, cfg.Poll, cfg.Retry, cfg.Logger),
		retry:       cfg.Retry,
		jobTimeout:  jobTimeout,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SubmitRequest describes a job to create
type SubmitRequest struct {
	IdempotencyKey string
	Kind           domain.JobKind
	EventID        string
	TimeoutSeconds int
	Targets        []domain.TargetSpec
}

// JobID returns the job ID the request maps to. Requests with the same event
// and idempotency key always map to the same ID.
func (r *SubmitRequest) JobID() string {
	if r.IdempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(jobNamespace, []byte(r.EventID+"/"+r.IdempotencyKey)).String()
}

func (r *SubmitRequest) validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidJob, r.Kind)
	}
	if strings.TrimSpace(r.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", domain.ErrInvalidJob)
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must not be negative", domain.ErrInvalidJob)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", domain.ErrInvalidJob)
	}

	seen := make(map[string]struct{}, len(r.Targets))
	for i, spec := range r.Targets {
		if spec.AgentAddress == "" {
			return fmt.Errorf("%w: target %d has no agent_address", domain.ErrInvalidJob, i)
		}
		key := targetKeyFor(i, spec)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate target key %q", domain.ErrInvalidJob, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func targetKeyFor(position int, spec domain.TargetSpec) string {
	if spec.TargetKey != "" {
		return spec.TargetKey
	}
	agentID := spec.AgentID
	if agentID == "" {
		agentID = spec.AgentAddress
	}
	return domain.DefaultTargetKey(position, agentID)
}

// Submit persists a job and its targets, announces it and schedules it.
// Resubmitting an idempotency key returns the existing job unchanged.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	jobID := req.JobID()
	now := o.now().UTC()
	job := &domain.Job{
		JobID:          jobID,
		Kind:           req.Kind,
		EventID:        req.EventID,
		Status:         domain.JobStatusCreated,
		TimeoutSeconds: req.TimeoutSeconds,
		TargetCount:    len(req.Targets),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	targets := make([]domain.Target, len(req.Targets))
	for i, spec := range req.Targets {
		agentID := spec.AgentID
		if agentID == "" {
			agentID = spec.AgentAddress
		}
		targets[i] = domain.Target{
			JobID:        jobID,
			TargetKey:    targetKeyFor(i, spec),
			Position:     i,
			AgentID:      agentID,
			AgentAddress: spec.AgentAddress,
			PayloadRef:   spec.PayloadRef,
			Status:       domain.TargetStatusCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.GetJob(ctx, jobID)
		if err == nil {
			o.logger.Info("Job already submitted",
				slog.String("job_id", jobID),
				slog.String("idempotency_key", req.IdempotencyKey),
			)
			if err := o.restoreTargets(ctx, existing, targets); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to check existing job: %w", err)
		}
	}

	if err := o.retry.Do(ctx, o.logger, "create job", func(ctx context.Context) error {
		return o.store.CreateJobWithTargets(ctx, job, targets)
	}); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	o.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("event_id", job.EventID),
		slog.String("kind", string(job.Kind)),
		slog.Int("targets", len(req.Targets)),
	)

	o.publisher.PublishCreated(ctx, notify.JobEvent(notify.TypeJobCreated, job))

	if o.scheduler != nil {
		// a lost schedule is picked up later by the worker's recovery loop
		if err := o.scheduler.Schedule(ctx, jobID); err != nil {
			o.logger.Warn("Failed to schedule job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}

	return job, nil
}

// restoreTargets writes targets missing from a job that has not started yet.
// Targets already stored are left as they are.
func (o *Orchestrator) restoreTargets(ctx context.Context, job *domain.Job, targets []domain.Target) error {
	if job.Status != domain.JobStatusCreated {
		return nil
	}
	stored, err := o.store.ListTargets(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to check existing targets: %w", err)
	}
	if len(stored) >= len(targets) {
		return nil
	}

	o.logger.Warn("Submitted job is missing targets, restoring them",
		slog.String("job_id", job.JobID),
		slog.Int("stored", len(stored)),
		slog.Int("submitted", len(targets)),
	)
	if err := o.retry.Do(ctx, o.logger, "restore targets", func(ctx context.Context) error {
		return o.store.CreateJobWithTargets(ctx, job, targets)
	}); err != nil {
		return fmt.Errorf("failed to restore targets: %w", err)
	}
	return nil
}

// JobView is a job together with its targets in submission order
type JobView struct {
	Job     *domain.Job
	Targets []domain.Target
}

// GetJob returns a job and its targets
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	targets, err := o.store.ListTargets(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return &JobView{Job: job, Targets: targets}, nil
}

// ListJobsByEvent returns the jobs of an event, newest first
func (o *Orchestrator) ListJobsByEvent(ctx context.Context, eventID string, filter storage.JobFilter) ([]domain.Job, error) {
	return o.store.ListJobsByEvent(ctx, eventID, filter)
}

// Cancel asks a running job to stop. The command in flight is allowed to
// finish; targets not yet dispatched end CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: job is already %s", domain.ErrInvalidTransition, job.Status)
	}

	job, err = o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}

	o.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)
	return job, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound)
}
