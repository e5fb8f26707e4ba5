package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "fleet:command:"

// RedisLedger keeps command records in Redis hashes with a TTL, so command
// state survives a worker restart and expires on its own.
type RedisLedger struct {
	client    redis.UniversalClient
	retention time.Duration
	prefix    string
}

// NewRedisLedger creates a RedisLedger. An empty prefix selects the default key prefix.
func NewRedisLedger(client redis.UniversalClient, retention time.Duration, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLedger{
		client:    client,
		retention: retention,
		prefix:    prefix,
	}
}

func (l *RedisLedger) key(commandID string) string {
	return l.prefix + commandID
}

func (l *RedisLedger) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	key := l.key(rec.CommandID)

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"agent_id", rec.AgentID,
			"status", string(rec.Status),
			"output", rec.Output,
			"accepted", strconv.FormatBool(rec.Accepted),
			"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if l.retention > 0 {
			pipe.Expire(ctx, key, l.retention)
		}
		return nil
	})
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to store command record: %w", err))
	}
	return nil
}

func (l *RedisLedger) Get(ctx context.Context, commandID string) (*Record, error) {
	fields, err := l.client.HGetAll(ctx, l.key(commandID)).Result()
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read command record: %w", err))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, commandID)
	}

	rec := &Record{
		CommandID: commandID,
		AgentID:   fields["agent_id"],
		Status:    ExecutionStatus(fields["status"]),
		Output:    fields["output"],
	}
	rec.Accepted, _ = strconv.ParseBool(fields["accepted"])
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
