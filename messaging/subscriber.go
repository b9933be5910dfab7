package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/glimte/mmate-amqp/serialization"
)

// Subscriber consumes messages of type T, decoding bodies with its codec
type Subscriber[T any] struct {
	subscriber *rabbitmq.Subscriber
	codec      serialization.Codec
}

var _ MessageSubscriber[struct{}] = (*Subscriber[struct{}])(nil)

// SubscriberOption configures a Subscriber
type SubscriberOption[T any] func(*Subscriber[T])

// WithDecoder sets the codec used to decode message bodies
func WithDecoder[T any](codec serialization.Codec) SubscriberOption[T] {
	return func(s *Subscriber[T]) {
		s.codec = codec
	}
}

// NewSubscriber creates a typed subscriber. Bodies are decoded as JSON unless
// another codec is configured.
func NewSubscriber[T any](subscriber *rabbitmq.Subscriber, options ...SubscriberOption[T]) *Subscriber[T] {
	s := &Subscriber[T]{
		subscriber: subscriber,
		codec:      serialization.NewJSONCodec(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start starts the consumer slots on queue. Message metadata is available to
// handler through contracts.MetadataFromContext.
func (s *Subscriber[T]) Start(ctx context.Context, queue string, handler Handler[T]) error {
	decode := func(body []byte) (interface{}, error) {
		return serialization.Decode[T](s.codec, body)
	}

	return s.subscriber.Start(ctx, queue, decode, func(ctx context.Context, msg interface{}) (bool, error) {
		typed, ok := msg.(T)
		if !ok {
			return false, fmt.Errorf("unexpected message type %T", msg)
		}
		return handler(ctx, typed)
	})
}

// Stop cancels all consumers and waits for in-flight handlers
func (s *Subscriber[T]) Stop(ctx context.Context) error {
	return s.subscriber.Stop(ctx)
}

// IsHealthy reports whether the subscriber is consuming on an open connection
func (s *Subscriber[T]) IsHealthy() bool {
	return s.subscriber.IsHealthy()
}

// ActiveConsumers returns the current consumer slots ordered by index
func (s *Subscriber[T]) ActiveConsumers() []ConsumerInfo {
	return s.subscriber.ActiveConsumers()
}
