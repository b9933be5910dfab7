package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-amqp/internal/rabbitmq"
)

// MessagePublisher is the publish contract for one payload type
type MessagePublisher[T any] interface {
	// Publish publishes a single message
	Publish(ctx context.Context, exchange, routingKey string, msg T, options ...PublishOption) error

	// PublishBatch publishes messages concurrently in chunks
	PublishBatch(ctx context.Context, exchange, routingKey string, msgs []T) error

	// PublishToDeadLetter sends a message that could not be processed to the
	// dead-letter exchange
	PublishToDeadLetter(ctx context.Context, exchange, routingKey string, msg T, cause error, attempts int) error

	// Flush waits for outstanding publisher confirms
	Flush(ctx context.Context, timeout time.Duration) error
}

// MessageSubscriber is the subscribe contract for one payload type
type MessageSubscriber[T any] interface {
	// Start consumes queue, passing each decoded message to handler
	Start(ctx context.Context, queue string, handler Handler[T]) error

	// Stop cancels all consumers and waits for in-flight handlers
	Stop(ctx context.Context) error

	// IsHealthy reports whether consumption can make progress
	IsHealthy() bool
}

// Handler processes one message. Returning true acknowledges it, false
// requeues it, and an error rejects it without requeue.
type Handler[T any] func(ctx context.Context, msg T) (bool, error)

// ConsumerInfo describes one active consumer slot
type ConsumerInfo = rabbitmq.ConsumerInfo

// PublishOption customizes a single publish
type PublishOption = rabbitmq.PublishOption

// WithHeaders adds application headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return rabbitmq.WithHeaders(headers)
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) PublishOption {
	return rabbitmq.WithMessageID(id)
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return rabbitmq.WithCorrelationID(id)
}

// WithMessageType overrides the type name derived from the payload
func WithMessageType(name string) PublishOption {
	return rabbitmq.WithMessageType(name)
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return rabbitmq.WithPriority(priority)
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return rabbitmq.WithExpiration(ttl)
}

// WithDeliveryMode overrides the publisher's persistence setting
func WithDeliveryMode(persistent bool) PublishOption {
	return rabbitmq.WithDeliveryMode(persistent)
}
