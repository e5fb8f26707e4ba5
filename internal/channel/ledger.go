package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
)

// Record is the channel's view of one dispatched command
type Record struct {
	CommandID string          `json:"command_id"`
	AgentID   string          `json:"agent_id"`
	Status    ExecutionStatus `json:"status"`
	Output    string          `json:"output"`
	Accepted  bool            `json:"accepted"` // the agent acked the command
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ledger stores command records for a limited retention period.
// Get returns domain.ErrUnknownCommand for missing or expired records.
type Ledger interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, commandID string) (*Record, error)
}

// MemoryLedger keeps command records in process memory
type MemoryLedger struct {
	mu        sync.Mutex
	records   map[string]Record
	retention time.Duration
	now       func() time.Time
}

// NewMemoryLedger creates a MemoryLedger whose records expire retention after their last update
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		records:   make(map[string]Record),
		retention: retention,
		now:       time.Now,
	}
}

func (l *MemoryLedger) Put(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = l.now()
	}
	l.records[rec.CommandID] = rec
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, commandID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, commandID)
	}
	if l.expired(rec, l.now()) {
		delete(l.records, commandID)
		return nil, fmt.Errorf("%w: %s expired", domain.ErrUnknownCommand, commandID)
	}
	return &rec, nil
}

// Sweep drops expired records and returns how many were removed
func (l *MemoryLedger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.records {
		if l.expired(rec, now) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

func (l *MemoryLedger) expired(rec Record, now time.Time) bool {
	return l.retention > 0 && now.Sub(rec.UpdatedAt) > l.retention
}
