package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// JobStore persists jobs and their per-target records.
//
// CreateJobWithTargets writes a job and all of its targets atomically and is
// idempotent: records that already exist are left in place. Status updates are compare-and-swap on the
// caller's expected prior status and fail with domain.ErrStaleWrite when the
// stored status differs.
type JobStore interface {
	CreateJobWithTargets(ctx context.Context, job *domain.Job, targets []domain.Target) error
	UpdateTargetStatus(ctx context.Context, jobID, targetKey string, expected domain.TargetStatus, update domain.TargetUpdate) error
	UpdateJob(ctx context.Context, jobID string, expected domain.JobStatus, update domain.JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListTargets(ctx context.Context, jobID string) ([]domain.Target, error)
	ListJobsByEvent(ctx context.Context, eventID string, filter JobFilter) ([]domain.Job, error)

	// ClaimJob takes the lease on a CREATED or RUNNING job. The lease is free
	// when unowned, already owned by workerID, or its heartbeat is older than
	// staleBefore.
	ClaimJob(ctx context.Context, jobID, workerID string, staleBefore time.Time) (*domain.Job, error)
	HeartbeatJob(ctx context.Context, jobID, workerID string) error
	RequestCancel(ctx context.Context, jobID string) (*domain.Job, error)
	ListRecoverableJobs(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
}

// JobFilter narrows ListJobsByEvent. PageSize <= 0 disables the limit;
// otherwise PageSize+1 rows are returned so callers can detect a next page.
type JobFilter struct {
	Kind     domain.JobKind
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor points just past the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// before reports whether job sorts after the cursor in (created_at DESC, job_id DESC) order
func (c *JobCursor) before(job *domain.Job) bool {
	if c == nil {
		return true
	}
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.JobID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

var (
	_ JobStore = (*PostgresStore)(nil)
	_ JobStore = (*MemoryStore)(nil)
)
