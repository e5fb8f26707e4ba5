package domain

import (
	"fmt"
	"time"
)

// Job is one requested unit of orchestrated work
type Job struct {
	JobID             string     `db:"job_id" json:"job_id"`
	Kind              JobKind    `db:"kind" json:"kind"`
	EventID           string     `db:"event_id" json:"event_id"`
	Status            JobStatus  `db:"status" json:"status"`
	TimeoutSeconds    int        `db:"timeout_seconds" json:"timeout_seconds"`
	TargetCount       int        `db:"target_count" json:"target_count"` // targets submitted with the job
	WorkerID          *string    `db:"worker_id" json:"worker_id,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	StartTime         *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime           *time.Time `db:"end_time" json:"end_time,omitempty"`
	Deadline          *time.Time `db:"deadline" json:"deadline,omitempty"`
	HeartbeatAt       *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	CancelRequestedAt *time.Time `db:"cancel_requested_at" json:"cancel_requested_at,omitempty"`
}

// CancelRequested reports whether a caller asked for the job to stop
func (j *Job) CancelRequested() bool {
	return j.CancelRequestedAt != nil
}

// Target is one (remote agent, payload) pair within a job
type Target struct {
	JobID        string       `db:"job_id" json:"job_id"`
	TargetKey    string       `db:"target_key" json:"target_key"`
	Position     int          `db:"position" json:"position"`
	AgentID      string       `db:"agent_id" json:"agent_id"`
	AgentAddress string       `db:"agent_address" json:"agent_address"`
	PayloadRef   string       `db:"payload_ref" json:"payload_ref"`
	CommandID    *string      `db:"command_id" json:"command_id,omitempty"`
	Status       TargetStatus `db:"status" json:"status"`
	PollAttempts int          `db:"poll_attempts" json:"poll_attempts"`
	Output       string       `db:"output" json:"output,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
	DispatchedAt *time.Time   `db:"dispatched_at" json:"dispatched_at,omitempty"`
	LastPolledAt *time.Time   `db:"last_polled_at" json:"last_polled_at,omitempty"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// TargetSpec is the caller-supplied part of a target
type TargetSpec struct {
	TargetKey    string
	AgentID      string
	AgentAddress string
	PayloadRef   string
}

// DefaultTargetKey builds the key used when a submission does not name its targets
func DefaultTargetKey(position int, agentID string) string {
	return fmt.Sprintf("%d-%s", position, agentID)
}

// TargetUpdate carries the fields written together with a target status change.
// Nil pointers leave the stored value untouched.
type TargetUpdate struct {
	Status       TargetStatus
	CommandID    *string
	PollAttempts *int
	Output       *string
	DispatchedAt *time.Time
	LastPolledAt *time.Time
	CompletedAt  *time.Time
}

// Apply copies the update onto t
func (u TargetUpdate) Apply(t *Target) {
	t.Status = u.Status
	if u.CommandID != nil {
		id := *u.CommandID
		t.CommandID = &id
	}
	if u.PollAttempts != nil {
		t.PollAttempts = *u.PollAttempts
	}
	if u.Output != nil {
		t.Output = *u.Output
	}
	if u.DispatchedAt != nil {
		ts := *u.DispatchedAt
		t.DispatchedAt = &ts
	}
	if u.LastPolledAt != nil {
		ts := *u.LastPolledAt
		t.LastPolledAt = &ts
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}
}

// JobUpdate carries the fields written together with a job status change
type JobUpdate struct {
	Status       JobStatus
	StartTime    *time.Time
	EndTime      *time.Time
	Deadline     *time.Time
	ErrorMessage *string
}

// Apply copies the update onto j
func (u JobUpdate) Apply(j *Job) {
	j.Status = u.Status
	if u.StartTime != nil {
		ts := *u.StartTime
		j.StartTime = &ts
	}
	if u.EndTime != nil {
		ts := *u.EndTime
		j.EndTime = &ts
	}
	if u.Deadline != nil {
		ts := *u.Deadline
		j.Deadline = &ts
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
