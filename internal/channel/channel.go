// Package channel delivers commands to remote agents and reports how their
// execution is going.
//
// Channel is the only boundary between the orchestrator and the cars. Hub is
// the production binding: agents hold a websocket open to the worker, the hub
// writes command frames to them and records the status frames they stream
// back in a Ledger.
package channel

import (
	"context"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// ExecutionStatus is the state of a dispatched command as seen by the agent
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "Pending"
	ExecutionInProgress ExecutionStatus = "InProgress"
	ExecutionSuccess    ExecutionStatus = "Success"
	ExecutionFailed     ExecutionStatus = "Failed"
)

// IsTerminal reports whether the command has finished
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// Valid reports whether s is a known execution status
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionInProgress, ExecutionSuccess, ExecutionFailed:
		return true
	}
	return false
}

// Command is what a target asks its agent to do. ID is the command ID; an
// empty ID lets the channel pick one. Dispatching an ID the agent already
// accepted returns that ID without running the command again.
type Command struct {
	ID         string         `json:"-"`
	JobID      string         `json:"job_id"`
	TargetKey  string         `json:"target_key"`
	Kind       domain.JobKind `json:"kind"`
	PayloadRef string         `json:"payload_ref"`
}

// Execution is one poll result
type Execution struct {
	Status ExecutionStatus `json:"status"`
	Output string          `json:"output"`
}

// Channel dispatches commands and polls their execution.
//
// Dispatch fails with domain.ErrAgentUnreachable or domain.ErrDispatchRejected.
// Dispatch is idempotent on Command.ID.
// Poll fails with domain.ErrUnknownCommand when the command was never
// dispatched or its record has expired.
type Channel interface {
	Dispatch(ctx context.Context, agentAddress string, cmd Command) (string, error)
	Poll(ctx context.Context, commandID string) (Execution, error)
}
