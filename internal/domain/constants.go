package domain

// JobKind selects the command a job sends to each of its targets
type JobKind string

const (
	JobKindFetchLogs     JobKind = "FETCH_LOGS"
	JobKindUploadPayload JobKind = "UPLOAD_PAYLOAD"
)

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	switch k {
	case JobKindFetchLogs, JobKindUploadPayload:
		return true
	}
	return false
}

// JobStatus is the aggregate status of a job
type JobStatus string

// Job status constants
const (
	JobStatusCreated   JobStatus = "CREATED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can happen
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool {
	return s == JobStatusCreated || s == JobStatusRunning || s.IsTerminal()
}

// CanTransition reports whether a job may move from s to next
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusCreated:
		return next == JobStatusRunning || next.IsTerminal()
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// TargetStatus is the status of one (agent, payload) pair within a job
type TargetStatus string

// Target status constants, in lifecycle order
const (
	TargetStatusCreated    TargetStatus = "CREATED"
	TargetStatusDispatched TargetStatus = "DISPATCHED"
	TargetStatusInProgress TargetStatus = "IN_PROGRESS"
	TargetStatusSucceeded  TargetStatus = "SUCCEEDED"
	TargetStatusFailed     TargetStatus = "FAILED"
	TargetStatusTimeout    TargetStatus = "TIMEOUT"
	TargetStatusCancelled  TargetStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can happen
func (s TargetStatus) IsTerminal() bool {
	return s.rank() == terminalRank
}

const terminalRank = 3

func (s TargetStatus) rank() int {
	switch s {
	case TargetStatusCreated:
		return 0
	case TargetStatusDispatched:
		return 1
	case TargetStatusInProgress:
		return 2
	case TargetStatusSucceeded, TargetStatusFailed, TargetStatusTimeout, TargetStatusCancelled:
		return terminalRank
	}
	return -1
}

// CanTransition reports whether a target may move from s to next.
// Statuses only move forward; a non-terminal status may be rewritten with
// itself to record progress fields such as poll attempts.
func (s TargetStatus) CanTransition(next TargetStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || from == terminalRank {
		return false
	}
	if from == to {
		return s == next
	}
	return to > from
}
