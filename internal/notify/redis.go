package notify

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on
const DefaultRedisChannel = "job-events"

// RedisPublisher publishes events on a Redis pub/sub channel
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher creates a RedisPublisher. An empty channel selects DefaultRedisChannel.
func NewRedisPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) PublishCreated(ctx context.Context, evt Event) {
	p.publish(ctx, evt)
}

func (p *RedisPublisher) PublishUpdated(ctx context.Context, evt Event) {
	p.publish(ctx, evt)
}

func (p *RedisPublisher) publish(ctx context.Context, evt Event) {
	body, ok := encode(p.logger, evt)
	if !ok {
		return
	}

	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		p.logger.Error("Failed to publish event to Redis",
			slog.String("job_id", evt.JobID),
			slog.String("channel", p.channel),
			slog.String("error", err.Error()),
		)
	}
}

var _ Publisher = (*RedisPublisher)(nil)
