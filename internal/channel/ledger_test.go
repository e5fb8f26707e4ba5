package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/fleet-jobs/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_PutGet(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(time.Minute)

	require.NoError(t, l.Put(ctx, Record{CommandID: "cmd-1", AgentID: "car-1", Status: ExecutionPending}))
	require.NoError(t, l.Put(ctx, Record{CommandID: "cmd-1", AgentID: "car-1", Status: ExecutionSuccess, Output: "done"}))

	rec, err := l.Get(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, rec.Status)
	assert.Equal(t, "done", rec.Output)
	assert.False(t, rec.UpdatedAt.IsZero())

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
}

func TestMemoryLedger_Expiry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base

	l := NewMemoryLedger(time.Minute)
	l.now = func() time.Time { return now }

	require.NoError(t, l.Put(ctx, Record{CommandID: "old", Status: ExecutionSuccess}))
	now = base.Add(50 * time.Second)
	require.NoError(t, l.Put(ctx, Record{CommandID: "fresh", Status: ExecutionInProgress}))

	now = base.Add(90 * time.Second)
	_, err := l.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)

	_, err = l.Get(ctx, "fresh")
	assert.NoError(t, err)

	assert.Equal(t, 1, l.Sweep(base.Add(5*time.Minute)))
	_, err = l.Get(ctx, "fresh")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
}

func newRedisLedger(t *testing.T, retention time.Duration) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLedger(client, retention, ""), mr
}

func TestRedisLedger_PutGet(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t, time.Minute)

	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Put(ctx, Record{
		CommandID: "cmd-1",
		AgentID:   "car-1",
		Status:    ExecutionInProgress,
		Output:    "uploading",
		Accepted:  true,
		UpdatedAt: updated,
	}))

	rec, err := l.Get(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "car-1", rec.AgentID)
	assert.Equal(t, ExecutionInProgress, rec.Status)
	assert.Equal(t, "uploading", rec.Output)
	assert.True(t, rec.Accepted)
	assert.True(t, updated.Equal(rec.UpdatedAt))

	assert.True(t, mr.Exists("fleet:command:cmd-1"))
	assert.Equal(t, time.Minute, mr.TTL("fleet:command:cmd-1"))
}

func TestRedisLedger_Expiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t, time.Minute)

	require.NoError(t, l.Put(ctx, Record{CommandID: "cmd-1", Status: ExecutionSuccess}))
	mr.FastForward(2 * time.Minute)

	_, err := l.Get(ctx, "cmd-1")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
}

func TestRedisLedger_Unavailable(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLedger(t, time.Minute)
	mr.Close()

	_, err := l.Get(ctx, "cmd-1")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.NotErrorIs(t, err, domain.ErrUnknownCommand)
}
