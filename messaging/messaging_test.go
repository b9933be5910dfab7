package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
)

type orderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type published struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

// fakeChannel is an in-memory rabbitmq.Channel shared by all tests in this file.
type fakeChannel struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.broker.consume(consumer), nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.broker.cancel(consumer)
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error { return nil }

func (c *fakeChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (rabbitmq.Confirmation, error) {
	c.broker.publish(published{exchange: exchange, routingKey: key, msg: msg})
	return nil, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeBroker records publishes and feeds deliveries to consumers.
type fakeBroker struct {
	mu        sync.Mutex
	published []published
	consumers map[string]chan amqp.Delivery
	acks      chan ackResult
}

type ackResult struct {
	tag     uint64
	ack     bool
	requeue bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		consumers: make(map[string]chan amqp.Delivery),
		acks:      make(chan ackResult, 16),
	}
}

func (b *fakeBroker) NewChannel() (rabbitmq.Channel, error) {
	return &fakeChannel{broker: b}, nil
}

func (b *fakeBroker) publish(p published) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, p)
}

func (b *fakeBroker) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBroker) consume(tag string) <-chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan amqp.Delivery, 4)
	b.consumers[tag] = ch
	return ch
}

func (b *fakeBroker) cancel(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.consumers[tag]; ok {
		close(ch)
		delete(b.consumers, tag)
	}
}

// deliver pushes body to any one consumer.
func (b *fakeBroker) deliver(t *testing.T, tag uint64, body []byte) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.consumers {
		ch <- amqp.Delivery{
			Acknowledger: b,
			DeliveryTag:  tag,
			MessageId:    "msg-1",
			ContentType:  contracts.ContentTypeJSON,
			Body:         body,
		}
		return
	}
	t.Fatal("no consumers registered")
}

func (b *fakeBroker) Ack(tag uint64, multiple bool) error {
	b.acks <- ackResult{tag: tag, ack: true}
	return nil
}

func (b *fakeBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.acks <- ackResult{tag: tag, requeue: requeue}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *fakeBroker) awaitAck(t *testing.T) ackResult {
	t.Helper()
	select {
	case r := <-b.acks:
		return r
	case <-time.After(time.Second):
		t.Fatal("message was not settled")
		return ackResult{}
	}
}

func newPool(t *testing.T, broker *fakeBroker, size int) *rabbitmq.ChannelPool {
	t.Helper()
	pool, err := rabbitmq.NewChannelPool(broker, rabbitmq.WithMaxChannels(size))
	require.NoError(t, err)
	return pool
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publish encodes payload as camelCase json", func(t *testing.T) {
		broker := newFakeBroker()
		orders := NewPublisher[orderCreated](rabbitmq.NewPublisher(newPool(t, broker, 2)))

		require.NoError(t, orders.Publish(ctx, "orders", "created", orderCreated{OrderID: "A1", Amount: 3},
			WithCorrelationID("c-1")))

		msgs := broker.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "orders", msgs[0].exchange)
		assert.Equal(t, "created", msgs[0].routingKey)
		assert.JSONEq(t, `{"orderId":"A1","amount":3}`, string(msgs[0].msg.Body))
		assert.Equal(t, "c-1", msgs[0].msg.CorrelationId)
		assert.NotEmpty(t, msgs[0].msg.MessageId)
	})

	t.Run("publish batch sends every message once", func(t *testing.T) {
		broker := newFakeBroker()
		orders := NewPublisher[orderCreated](rabbitmq.NewPublisher(newPool(t, broker, 5)))

		batch := make([]orderCreated, 25)
		for i := range batch {
			batch[i] = orderCreated{OrderID: string(rune('A' + i))}
		}
		require.NoError(t, orders.PublishBatch(ctx, "orders", "created", batch))

		seen := make(map[string]int)
		for _, p := range broker.messages() {
			var o orderCreated
			require.NoError(t, json.Unmarshal(p.msg.Body, &o))
			seen[o.OrderID]++
		}
		assert.Len(t, seen, 25)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})

	t.Run("dead letter carries failure headers", func(t *testing.T) {
		broker := newFakeBroker()
		orders := NewPublisher[orderCreated](rabbitmq.NewPublisher(newPool(t, broker, 1),
			rabbitmq.WithDeadLetterExchange("dlx")))

		require.NoError(t, orders.PublishToDeadLetter(ctx, "orders", "created", orderCreated{OrderID: "A1"}, errors.New("boom"), 3))

		msgs := broker.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "dlx", msgs[0].exchange)

		dl, ok := contracts.DeadLetterFromHeaders(msgs[0].msg.Headers)
		require.True(t, ok)
		assert.Equal(t, "orders", dl.OriginalExchange)
		assert.Equal(t, "created", dl.OriginalRoutingKey)
		assert.Equal(t, "boom", dl.Reason)
		assert.Equal(t, 3, dl.AttemptCount)
	})

	t.Run("flush without confirms returns immediately", func(t *testing.T) {
		orders := NewPublisher[orderCreated](rabbitmq.NewPublisher(newPool(t, newFakeBroker(), 1)))
		assert.NoError(t, orders.Flush(ctx, time.Second))
	})
}

func TestSubscriber(t *testing.T) {
	t.Run("handler receives typed message and metadata", func(t *testing.T) {
		broker := newFakeBroker()
		sub := NewSubscriber[orderCreated](rabbitmq.NewSubscriber(newPool(t, broker, 1)))

		type received struct {
			order orderCreated
			md    contracts.Metadata
		}
		got := make(chan received, 1)
		require.NoError(t, sub.Start(context.Background(), "billing", func(ctx context.Context, msg orderCreated) (bool, error) {
			md, _ := contracts.MetadataFromContext(ctx)
			got <- received{order: msg, md: md}
			return true, nil
		}))
		defer sub.Stop(context.Background())

		assert.Len(t, sub.ActiveConsumers(), 1)
		broker.deliver(t, 7, []byte(`{"orderId":"A1","amount":2}`))

		r := <-got
		assert.Equal(t, orderCreated{OrderID: "A1", Amount: 2}, r.order)
		assert.Equal(t, "msg-1", r.md.MessageID)
		assert.Equal(t, ackResult{tag: 7, ack: true}, broker.awaitAck(t))
	})

	t.Run("undecodable body is rejected without calling handler", func(t *testing.T) {
		broker := newFakeBroker()
		sub := NewSubscriber[orderCreated](rabbitmq.NewSubscriber(newPool(t, broker, 1)))

		called := make(chan struct{}, 1)
		require.NoError(t, sub.Start(context.Background(), "billing", func(ctx context.Context, msg orderCreated) (bool, error) {
			called <- struct{}{}
			return true, nil
		}))
		defer sub.Stop(context.Background())

		broker.deliver(t, 9, []byte(`not json`))

		assert.Equal(t, ackResult{tag: 9, requeue: false}, broker.awaitAck(t))
		assert.Empty(t, called)
	})

	t.Run("false requeues", func(t *testing.T) {
		broker := newFakeBroker()
		sub := NewSubscriber[orderCreated](rabbitmq.NewSubscriber(newPool(t, broker, 1)))

		require.NoError(t, sub.Start(context.Background(), "billing", func(ctx context.Context, msg orderCreated) (bool, error) {
			return false, nil
		}))
		defer sub.Stop(context.Background())

		broker.deliver(t, 3, []byte(`{"orderId":"A1"}`))
		assert.Equal(t, ackResult{tag: 3, requeue: true}, broker.awaitAck(t))
	})

	t.Run("stop ends consumption", func(t *testing.T) {
		broker := newFakeBroker()
		sub := NewSubscriber[orderCreated](rabbitmq.NewSubscriber(newPool(t, broker, 2)))

		require.NoError(t, sub.Start(context.Background(), "billing", func(ctx context.Context, msg orderCreated) (bool, error) {
			return true, nil
		}))
		assert.True(t, sub.IsHealthy())
		assert.Len(t, sub.ActiveConsumers(), 2)

		require.NoError(t, sub.Stop(context.Background()))
		assert.False(t, sub.IsHealthy())
		assert.Empty(t, sub.ActiveConsumers())
	})
}
