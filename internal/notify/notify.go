// Package notify emits job and target lifecycle events to observers.
//
// Publishing is fire-and-forget: transports log their failures and never
// report them back to the state machine.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// Event types
const (
	TypeJobCreated = "JOB_CREATED"
	TypeJobUpdated = "JOB_UPDATED"
)

// Routing keys used on the events exchange
const (
	RoutingKeyCreated = "job.created"
	RoutingKeyUpdated = "job.updated"
)

// Event is one lifecycle notification. TargetKey is empty for job-level events.
type Event struct {
	Type       string         `json:"type"`
	JobID      string         `json:"jobId"`
	EventID    string         `json:"eventId"`
	Kind       domain.JobKind `json:"kind"`
	TargetKey  string         `json:"targetKey,omitempty"`
	Status     string         `json:"status"`
	Output     string         `json:"output,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// IsTargetEvent reports whether the event describes a single target
func (e Event) IsTargetEvent() bool {
	return e.TargetKey != ""
}

// JobEvent builds a job-level event from the job's current state
func JobEvent(eventType string, job *domain.Job) Event {
	return Event{
		Type:       eventType,
		JobID:      job.JobID,
		EventID:    job.EventID,
		Kind:       job.Kind,
		Status:     string(job.Status),
		Output:     job.ErrorMessage,
		OccurredAt: time.Now().UTC(),
	}
}

// TargetEvent builds a target-level update event
func TargetEvent(job *domain.Job, target *domain.Target) Event {
	return Event{
		Type:       TypeJobUpdated,
		JobID:      job.JobID,
		EventID:    job.EventID,
		Kind:       job.Kind,
		TargetKey:  target.TargetKey,
		Status:     string(target.Status),
		Output:     target.Output,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher sends lifecycle events
type Publisher interface {
	PublishCreated(ctx context.Context, evt Event)
	PublishUpdated(ctx context.Context, evt Event)
}

func routingKey(evt Event) string {
	if evt.Type == TypeJobCreated {
		return RoutingKeyCreated
	}
	return RoutingKeyUpdated
}

func encode(logger *slog.Logger, evt Event) ([]byte, bool) {
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Error("Failed to marshal event",
			slog.String("job_id", evt.JobID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return body, true
}

// Nop discards every event
type Nop struct{}

func (Nop) PublishCreated(context.Context, Event) {}
func (Nop) PublishUpdated(context.Context, Event) {}

// Multi forwards every event to each publisher in order
type Multi []Publisher

func (m Multi) PublishCreated(ctx context.Context, evt Event) {
	for _, p := range m {
		p.PublishCreated(ctx, evt)
	}
}

func (m Multi) PublishUpdated(ctx context.Context, evt Event) {
	for _, p := range m {
		p.PublishUpdated(ctx, evt)
	}
}

var (
	_ Publisher = Nop{}
	_ Publisher = Multi(nil)
)
