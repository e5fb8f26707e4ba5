package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

type targetKey struct {
	jobID     string
	targetKey string
}

// MemoryStore is an in-process JobStore. It is used by tests and by local
// runs without PostgreSQL; records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	targets map[targetKey]*domain.Target
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.Job),
		targets: make(map[targetKey]*domain.Target),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateJobWithTargets(ctx context.Context, job *domain.Job, targets []domain.Target) error {
	for i := range targets {
		if targets[i].JobID != job.JobID {
			return fmt.Errorf("%w: target %s belongs to job %s", domain.ErrInvalidJob, targets[i].TargetKey, targets[i].JobID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; !ok {
		stored := cloneJob(job)
		s.jobs[job.JobID] = &stored
	}
	for i := range targets {
		key := targetKey{job.JobID, targets[i].TargetKey}
		if _, ok := s.targets[key]; ok {
			continue
		}
		stored := cloneTarget(&targets[i])
		s.targets[key] = &stored
	}
	return nil
}

func (s *MemoryStore) UpdateTargetStatus(ctx context.Context, jobID, key string, expected domain.TargetStatus, update domain.TargetUpdate) error {
	if !expected.CanTransition(update.Status) {
		return fmt.Errorf("%w: target %s from %s to %s", domain.ErrInvalidTransition, key, expected, update.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.targets[targetKey{jobID, key}]
	if !ok {
		return domain.ErrTargetNotFound
	}
	if target.Status != expected {
		return fmt.Errorf("%w: target %s is %s, expected %s", domain.ErrStaleWrite, key, target.Status, expected)
	}

	update.Apply(target)
	target.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, jobID string, expected domain.JobStatus, update domain.JobUpdate) error {
	if expected != update.Status && !expected.CanTransition(update.Status) {
		return fmt.Errorf("%w: job from %s to %s", domain.ErrInvalidTransition, expected, update.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != expected {
		return fmt.Errorf("%w: job is %s, expected %s", domain.ErrStaleWrite, job.Status, expected)
	}

	update.Apply(job)
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *MemoryStore) ListTargets(ctx context.Context, jobID string) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []domain.Target
	for key, target := range s.targets {
		if key.jobID == jobID {
			targets = append(targets, cloneTarget(target))
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Position < targets[j].Position
	})
	return targets, nil
}

func (s *MemoryStore) ListJobsByEvent(ctx context.Context, eventID string, filter JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.EventID != eventID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if !filter.Cursor.before(job) {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID > jobs[j].JobID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, jobID, workerID string, staleBefore time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return nil, domain.ErrJobAlreadyClaimed
	}

	free := job.WorkerID == nil || *job.WorkerID == workerID ||
		job.HeartbeatAt == nil || job.HeartbeatAt.Before(staleBefore)
	if !free {
		return nil, domain.ErrJobAlreadyClaimed
	}

	now := s.now()
	job.WorkerID = domain.Ptr(workerID)
	job.HeartbeatAt = &now
	job.UpdatedAt = now

	out := cloneJob(job)
	return &out, nil
}

func (s *MemoryStore) HeartbeatJob(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.WorkerID == nil || *job.WorkerID != workerID {
		return domain.ErrJobAlreadyClaimed
	}
	now := s.now()
	job.HeartbeatAt = &now
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.CancelRequestedAt == nil {
		now := s.now()
		job.CancelRequestedAt = &now
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *MemoryStore) ListRecoverableJobs(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusCreated && job.Status != domain.JobStatusRunning {
			continue
		}
		unclaimed := job.WorkerID == nil && job.CreatedAt.Before(staleBefore)
		stale := job.HeartbeatAt != nil && job.HeartbeatAt.Before(staleBefore)
		if unclaimed || stale {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	ids := make([]string, 0, len(candidates))
	for _, job := range candidates {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, job.JobID)
	}
	return ids, nil
}

func cloneJob(job *domain.Job) domain.Job {
	out := *job
	out.WorkerID = clonePtr(job.WorkerID)
	out.StartTime = clonePtr(job.StartTime)
	out.EndTime = clonePtr(job.EndTime)
	out.Deadline = clonePtr(job.Deadline)
	out.HeartbeatAt = clonePtr(job.HeartbeatAt)
	out.CancelRequestedAt = clonePtr(job.CancelRequestedAt)
	return out
}

func cloneTarget(target *domain.Target) domain.Target {
	out := *target
	out.CommandID = clonePtr(target.CommandID)
	out.DispatchedAt = clonePtr(target.DispatchedAt)
	out.LastPolledAt = clonePtr(target.LastPolledAt)
	out.CompletedAt = clonePtr(target.CompletedAt)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
