package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-amqp/internal/rabbitmq"
)

// Publisher publishes messages of type T through a shared transport publisher
type Publisher[T any] struct {
	publisher *rabbitmq.Publisher
}

var _ MessagePublisher[struct{}] = (*Publisher[struct{}])(nil)

// NewPublisher creates a typed publisher
func NewPublisher[T any](publisher *rabbitmq.Publisher) *Publisher[T] {
	return &Publisher[T]{publisher: publisher}
}

// Publish publishes msg to exchange with routingKey
func (p *Publisher[T]) Publish(ctx context.Context, exchange, routingKey string, msg T, options ...PublishOption) error {
	return p.publisher.Publish(ctx, exchange, routingKey, msg, options...)
}

// PublishBatch publishes msgs concurrently in chunks. It is not atomic.
func (p *Publisher[T]) PublishBatch(ctx context.Context, exchange, routingKey string, msgs []T) error {
	batch := make([]interface{}, len(msgs))
	for i, msg := range msgs {
		batch[i] = msg
	}
	return p.publisher.PublishBatch(ctx, exchange, routingKey, batch)
}

// PublishToDeadLetter publishes msg to the dead-letter exchange, recording the
// original destination, the cause and the attempt count in its headers.
func (p *Publisher[T]) PublishToDeadLetter(ctx context.Context, exchange, routingKey string, msg T, cause error, attempts int) error {
	return p.publisher.PublishToDeadLetter(ctx, exchange, routingKey, msg, cause, attempts)
}

// Flush waits for outstanding publisher confirms. It returns immediately
// when confirms are disabled.
func (p *Publisher[T]) Flush(ctx context.Context, timeout time.Duration) error {
	return p.publisher.Flush(ctx, timeout)
}
