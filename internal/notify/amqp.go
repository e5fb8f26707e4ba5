package notify

import (
	"context"
	"log/slog"
)

// amqpClient is the part of shared/rabbitmq.Client the publisher needs
type amqpClient interface {
	PublishToWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPPublisher publishes events to a RabbitMQ exchange
type AMQPPublisher struct {
	client amqpClient
	logger *slog.Logger
}

// NewAMQPPublisher creates a publisher on top of a connected rabbitmq client
func NewAMQPPublisher(client amqpClient, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{client: client, logger: logger}
}

func (p *AMQPPublisher) PublishCreated(ctx context.Context, evt Event) {
	p.publish(ctx, evt)
}

func (p *AMQPPublisher) PublishUpdated(ctx context.Context, evt Event) {
	p.publish(ctx, evt)
}

func (p *AMQPPublisher) publish(ctx context.Context, evt Event) {
	body, ok := encode(p.logger, evt)
	if !ok {
		return
	}

	key := routingKey(evt)
	if err := p.client.PublishToWithRetry(ctx, key, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("job_id", evt.JobID),
			slog.String("routing_key", key),
			slog.String("status", evt.Status),
			slog.String("error", err.Error()),
		)
	}
}

var _ Publisher = (*AMQPPublisher)(nil)
