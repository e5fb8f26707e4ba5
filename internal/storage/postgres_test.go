package storage

import (
	"context"
	"database/sql/driver"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), logger), mock
}

func jobRow(id, eventID string, status domain.JobStatus, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"job_id", "kind", "event_id", "status", "timeout_seconds", "target_count", "worker_id", "error_message",
		"created_at", "updated_at", "start_time", "end_time", "deadline", "heartbeat_at", "cancel_requested_at",
	}).AddRow(
		id, string(domain.JobKindFetchLogs), eventID, string(status), 0, 1, nil, "",
		createdAt, createdAt, nil, nil, nil, nil, nil,
	)
}

func createRequest(now time.Time) (*domain.Job, []domain.Target) {
	job := &domain.Job{
		JobID:       "job-1",
		Kind:        domain.JobKindFetchLogs,
		EventID:     "event-1",
		Status:      domain.JobStatusCreated,
		TargetCount: 2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	targets := []domain.Target{
		{JobID: "job-1", TargetKey: "0-car-1", Position: 0, AgentID: "car-1", AgentAddress: "car-1", Status: domain.TargetStatusCreated},
		{JobID: "job-1", TargetKey: "1-car-2", Position: 1, AgentID: "car-2", AgentAddress: "car-2", Status: domain.TargetStatusCreated},
	}
	return job, targets
}

func TestPostgresStore_CreateJobWithTargetsIsUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	job, targets := createRequest(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs .* ON CONFLICT \(job_id\) DO NOTHING`).
		WithArgs("job-1", "FETCH_LOGS", "event-1", "CREATED", 0, 2, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO job_targets .* ON CONFLICT \(job_id, target_key\) DO NOTHING`).
		WithArgs("job-1", "0-car-1", 0, "car-1", "car-1", "", "CREATED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO job_targets`).
		WithArgs("job-1", "1-car-2", 1, "car-2", "car-2", "", "CREATED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateJobWithTargets(context.Background(), job, targets))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJobWithTargetsRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	job, targets := createRequest(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO job_targets`).
		WithArgs("job-1", "0-car-1", 0, "car-1", "car-1", "", "CREATED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO job_targets`).
		WithArgs("job-1", "1-car-2", 1, "car-2", "car-2", "", "CREATED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for table job_targets"})
	mock.ExpectRollback()

	err := s.CreateJobWithTargets(context.Background(), job, targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1-car-2")
	assert.False(t, domain.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTargetStatusStaleWrite(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE job_targets`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM job_targets`).
		WithArgs("job-1", "0-car-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("SUCCEEDED"))

	err := s.UpdateTargetStatus(context.Background(), "job-1", "0-car-1", domain.TargetStatusDispatched, domain.TargetUpdate{
		Status: domain.TargetStatusInProgress,
	})
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTargetStatusRejectsRegression(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.UpdateTargetStatus(context.Background(), "job-1", "0-car-1", domain.TargetStatusSucceeded, domain.TargetUpdate{
		Status: domain.TargetStatusDispatched,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement is sent")
}

func TestPostgresStore_GetJob(t *testing.T) {
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM jobs WHERE job_id = \$1`).
			WithArgs("job-1").
			WillReturnRows(jobRow("job-1", "event-1", domain.JobStatusRunning, now))

		job, err := s.GetJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, job.Status)
		assert.Equal(t, domain.JobKindFetchLogs, job.Kind)
		assert.Nil(t, job.WorkerID)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM jobs WHERE job_id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

		_, err := s.GetJob(context.Background(), "job-1")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("connection lost", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM jobs`).
			WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

		_, err := s.GetJob(context.Background(), "job-1")
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestPostgresStore_ListJobsByEventBuildsCursorQuery(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM jobs WHERE event_id = \$1 AND status = \$2 AND \(created_at, job_id\) < \(\$3, \$4\) ORDER BY created_at DESC, job_id DESC LIMIT \$5`).
		WithArgs("event-1", "FAILED", sqlmock.AnyArg(), "job-9", 11).
		WillReturnRows(jobRow("job-1", "event-1", domain.JobStatusFailed, now))

	jobs, err := s.ListJobsByEvent(context.Background(), "event-1", JobFilter{
		Status:   domain.JobStatusFailed,
		PageSize: 10,
		Cursor:   &JobCursor{CreatedAt: now, JobID: "job-9"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJobAlreadyClaimed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE jobs SET worker_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err := s.ClaimJob(context.Background(), "job-1", "worker-a", time.Now())
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "bad connection", err: driver.ErrBadConn, unavailable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, unavailable: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, unavailable: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, unavailable: false},
		{name: "context canceled", err: context.Canceled, unavailable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.unavailable, domain.IsTransient(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}
