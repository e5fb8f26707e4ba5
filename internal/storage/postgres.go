package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `
	job_id, kind, event_id, status, timeout_seconds, target_count, worker_id, error_message,
	created_at, updated_at, start_time, end_time, deadline, heartbeat_at, cancel_requested_at`

const targetColumns = `
	job_id, target_key, position, agent_id, agent_address, payload_ref, command_id,
	status, poll_attempts, output, created_at, updated_at, dispatched_at, last_polled_at, completed_at`

// PostgresStore is the JobStore backed by PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the jobs and job_targets tables if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", classify(err))
	}
	return nil
}

const insertJobQuery = `
	INSERT INTO jobs (
		job_id, kind, event_id, status, timeout_seconds,
		target_count, error_message, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9
	)
	ON CONFLICT (job_id) DO NOTHING
`

const insertTargetQuery = `
	INSERT INTO job_targets (
		job_id, target_key, position, agent_id, agent_address,
		payload_ref, status, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9
	)
	ON CONFLICT (job_id, target_key) DO NOTHING
`

// CreateJobWithTargets inserts a job and its targets in one transaction.
// Rows that already exist are left untouched.
func (s *PostgresStore) CreateJobWithTargets(ctx context.Context, job *domain.Job, targets []domain.Target) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		insertJobQuery,
		job.JobID,
		job.Kind,
		job.EventID,
		job.Status,
		job.TimeoutSeconds,
		job.TargetCount,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Job already exists, create skipped",
			slog.String("job_id", job.JobID),
		)
	}

	for i := range targets {
		target := &targets[i]
		_, err = tx.ExecContext(
			ctx,
			insertTargetQuery,
			job.JobID,
			target.TargetKey,
			target.Position,
			target.AgentID,
			target.AgentAddress,
			target.PayloadRef,
			target.Status,
			target.CreatedAt,
			target.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create target %s: %w", target.TargetKey, classify(err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) UpdateTargetStatus(ctx context.Context, jobID, targetKey string, expected domain.TargetStatus, update domain.TargetUpdate) error {
	if !expected.CanTransition(update.Status) {
		return fmt.Errorf("%w: target %s from %s to %s", domain.ErrInvalidTransition, targetKey, expected, update.Status)
	}

	query := `
		UPDATE job_targets
		SET status = $1,
			command_id = COALESCE($2, command_id),
			poll_attempts = COALESCE($3, poll_attempts),
			output = COALESCE($4, output),
			dispatched_at = COALESCE($5, dispatched_at),
			last_polled_at = COALESCE($6, last_polled_at),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE job_id = $8
		  AND target_key = $9
		  AND status = $10
	`

	res, err := s.db.ExecContext(ctx, query,
		update.Status,
		update.CommandID,
		update.PollAttempts,
		update.Output,
		update.DispatchedAt,
		update.LastPolledAt,
		update.CompletedAt,
		jobID,
		targetKey,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", classify(err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", classify(err))
	}

	if rowsAffected == 0 {
		var current string
		err := s.db.GetContext(ctx, &current,
			`SELECT status FROM job_targets WHERE job_id = $1 AND target_key = $2`, jobID, targetKey)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrTargetNotFound
			}
			return fmt.Errorf("failed to read target status: %w", classify(err))
		}
		return fmt.Errorf("%w: target %s is %s, expected %s", domain.ErrStaleWrite, targetKey, current, expected)
	}

	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, expected domain.JobStatus, update domain.JobUpdate) error {
	if expected != update.Status && !expected.CanTransition(update.Status) {
		return fmt.Errorf("%w: job from %s to %s", domain.ErrInvalidTransition, expected, update.Status)
	}

	query := `
		UPDATE jobs
		SET status = $1,
			start_time = COALESCE($2, start_time),
			end_time = COALESCE($3, end_time),
			deadline = COALESCE($4, deadline),
			error_message = COALESCE($5, error_message),
			updated_at = NOW()
		WHERE job_id = $6
		  AND status = $7
	`

	res, err := s.db.ExecContext(ctx, query,
		update.Status,
		update.StartTime,
		update.EndTime,
		update.Deadline,
		update.ErrorMessage,
		jobID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", classify(err))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", classify(err))
	}

	if rowsAffected == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s, expected %s", domain.ErrStaleWrite, job.Status, expected)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(update.Status)),
	)

	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", classify(err))
	}

	return &job, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context, jobID string) ([]domain.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM job_targets WHERE job_id = $1 ORDER BY position ASC`

	var targets []domain.Target
	if err := s.db.SelectContext(ctx, &targets, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", classify(err))
	}

	return targets, nil
}

func (s *PostgresStore) ListJobsByEvent(ctx context.Context, eventID string, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE event_id = $1`
	args := []interface{}{eventID}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	if filter.PageSize > 0 {
		// Fetch one extra to determine if there are more results
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", classify(err))
	}

	return jobs, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, workerID string, staleBefore time.Time) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET worker_id = $1,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
		  AND (worker_id IS NULL OR worker_id = $1 OR heartbeat_at IS NULL OR heartbeat_at < $5)
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, workerID, jobID, domain.JobStatusCreated, domain.JobStatusRunning, staleBefore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed, finished or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", classify(err))
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("kind", string(job.Kind)),
	)

	return &job, nil
}

// HeartbeatJob updates the heartbeat timestamp of a job leased by workerID
func (s *PostgresStore) HeartbeatJob(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs
		SET heartbeat_at = NOW()
		WHERE job_id = $1 AND worker_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", classify(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", classify(err))
	}

	if rowsAffected == 0 {
		return domain.ErrJobAlreadyClaimed
	}

	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET cancel_requested_at = COALESCE(cancel_requested_at, NOW())
		WHERE job_id = $1
		RETURNING ` + jobColumns

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to request cancel: %w", classify(err))
	}

	return &job, nil
}

func (s *PostgresStore) ListRecoverableJobs(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT job_id
		FROM jobs
		WHERE status IN ($1, $2)
		  AND (
		    (worker_id IS NULL AND created_at < $3)
		    OR heartbeat_at < $3
		  )
		ORDER BY created_at ASC
		LIMIT $4
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusCreated, domain.JobStatusRunning, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list recoverable jobs: %w", classify(err))
	}

	return ids, nil
}
