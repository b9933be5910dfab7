package mmate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unreachableConfig points at a closed local port so connects fail fast.
func unreachableConfig() config.Config {
	cfg := config.Default()
	cfg.Connection.Host = "127.0.0.1"
	cfg.Connection.Port = 1
	cfg.Connection.ConnectTimeout = 500 * time.Millisecond
	cfg.Connection.AutoRecovery = false
	return cfg
}

func TestNewClient(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := config.Default()
		cfg.Pool.ChannelsPerConnection = 0

		_, err := NewClient(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool.channelsPerConnection")
	})

	t.Run("fails on unreadable CA certificate", func(t *testing.T) {
		cfg := config.Default()
		cfg.Connection.TLS.Enabled = true
		cfg.Connection.TLS.CACert = filepath.Join(t.TempDir(), "missing.pem")

		_, err := NewClient(cfg, WithLogger(quietLogger()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read CA certificate")
	})

	t.Run("builds without contacting the broker", func(t *testing.T) {
		client, err := NewClient(unreachableConfig(), WithLogger(quietLogger()))
		require.NoError(t, err)

		assert.NotNil(t, client.Publisher())
		assert.NotNil(t, client.Topology())
		assert.False(t, client.IsHealthy())
		assert.NoError(t, client.Close(context.Background()))
	})
}

func TestClientHealthBeforeConnect(t *testing.T) {
	client, err := NewClient(unreachableConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report := client.Health(ctx)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Failing(), "rabbitmq")
	assert.Contains(t, report.Checks, "channel_pool")
}

func TestClientStartUnreachable(t *testing.T) {
	client, err := NewClient(unreachableConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Start(ctx)
	require.Error(t, err)
	assert.False(t, client.IsHealthy())
}

func TestClientClose(t *testing.T) {
	client, err := NewClient(unreachableConfig(), WithLogger(quietLogger()))
	require.NoError(t, err)

	s, err := client.NewSubscriber("billing")
	require.NoError(t, err)
	assert.Empty(t, s.ActiveConsumers())

	ctx := context.Background()
	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
}

func TestTopology(t *testing.T) {
	cfg := config.TopologyConfig{
		DeadLetterExchange: "mmate.dlx",
		DeadLetterQueue:    "mmate.dlq",
		Exchanges:          []config.ExchangeConfig{{Name: "orders", Type: "topic", Durable: true}},
		Queues: []config.QueueConfig{
			{Name: "billing", Durable: true, Type: "quorum", DeliveryLimit: 5, MessageTTL: time.Minute},
			{Name: "audit", MaxLength: 100},
		},
	}

	topology := Topology(cfg)

	assert.Equal(t, "mmate.dlx", topology.DeadLetterExchange)
	assert.Equal(t, "mmate.dlq", topology.DeadLetterQueue)
	assert.Equal(t, []rabbitmq.ExchangeDeclaration{{Name: "orders", Type: "topic", Durable: true}}, topology.Exchanges)
	require.Len(t, topology.Queues, 2)

	billing := topology.Queues[0]
	assert.Equal(t, "billing", billing.Name)
	assert.Equal(t, "mmate.dlx", billing.DeadLetterExchange)
	assert.Equal(t, rabbitmq.QueueTypeQuorum, billing.Type)
	assert.Equal(t, 5, billing.DeliveryLimit)
	assert.Equal(t, time.Minute, billing.MessageTTL)

	audit := topology.Queues[1]
	assert.Equal(t, 100, audit.MaxLength)
	assert.Equal(t, "mmate.dlx", audit.DeadLetterExchange)
}

type sentMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

// memoryBroker hands out in-memory channels and records every publish.
type memoryBroker struct {
	mu        sync.Mutex
	channels  []*memoryChannel
	published []sentMessage
}

func (b *memoryBroker) NewChannel() (rabbitmq.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := &memoryChannel{broker: b, consumers: make(map[string]chan amqp.Delivery)}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *memoryBroker) sent() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.published...)
}

// deliver hands d to any active consumer.
func (b *memoryBroker) deliver(d amqp.Delivery) bool {
	b.mu.Lock()
	channels := append([]*memoryChannel(nil), b.channels...)
	b.mu.Unlock()
	for _, ch := range channels {
		ch.mu.Lock()
		for tag, deliveries := range ch.consumers {
			d.ConsumerTag = tag
			deliveries <- d
			ch.mu.Unlock()
			return true
		}
		ch.mu.Unlock()
	}
	return false
}

type memoryChannel struct {
	broker *memoryBroker

	mu        sync.Mutex
	closed    bool
	consumers map[string]chan amqp.Delivery
}

func (c *memoryChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }
func (c *memoryChannel) Confirm(noWait bool) error                              { return nil }

func (c *memoryChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries := make(chan amqp.Delivery, 8)
	c.consumers[consumer] = deliveries
	return deliveries, nil
}

func (c *memoryChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *memoryChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (rabbitmq.Confirmation, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.published = append(c.broker.published, sentMessage{exchange: exchange, routingKey: key, msg: msg})
	return nil, nil
}

func (c *memoryChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *memoryChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *memoryChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *memoryChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *memoryChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *memoryChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type settledDelivery struct {
	tag     uint64
	ack     bool
	requeue bool
}

type deliveryLog chan settledDelivery

func (l deliveryLog) Ack(tag uint64, multiple bool) error {
	l <- settledDelivery{tag: tag, ack: true}
	return nil
}

func (l deliveryLog) Nack(tag uint64, multiple bool, requeue bool) error {
	l <- settledDelivery{tag: tag, requeue: requeue}
	return nil
}

func (l deliveryLog) Reject(tag uint64, requeue bool) error {
	return l.Nack(tag, false, requeue)
}

func TestClientSubscriberKeepsSharedPoolFree(t *testing.T) {
	cfg := unreachableConfig()
	cfg.Pool.ChannelsPerConnection = 2
	cfg.Reliability.MaxDeliveryAttempts = 2

	broker := &memoryBroker{}
	client, err := NewClient(cfg, WithLogger(quietLogger()), withChannelFactory(broker))
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handled int
	var mu sync.Mutex
	_, err = Subscribe[json.RawMessage](ctx, client, "billing", func(ctx context.Context, msg json.RawMessage) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		handled++
		return false, nil
	})
	require.NoError(t, err)

	t.Run("publisher is not blocked by consumers", func(t *testing.T) {
		publishCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		require.NoError(t, client.Publisher().Publish(publishCtx, "orders", "created", map[string]string{"orderId": "A1"}))
	})

	t.Run("pool health check does not wait for a channel", func(t *testing.T) {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		report := client.Health(checkCtx)
		require.Contains(t, report.Checks, "channel_pool")
		assert.Equal(t, health.StatusHealthy, report.Checks["channel_pool"].Status)
		assert.NoError(t, checkCtx.Err())
	})

	t.Run("refused classic delivery reaches the dead-letter exchange", func(t *testing.T) {
		settled := make(deliveryLog, 4)
		first := amqp.Delivery{
			Acknowledger: settled,
			DeliveryTag:  1,
			MessageId:    "m-1",
			Exchange:     "orders",
			RoutingKey:   "created",
			Body:         []byte(`{"orderId":"A1"}`),
		}
		require.True(t, broker.deliver(first))
		require.Equal(t, settledDelivery{tag: 1, ack: true}, awaitSettled(t, settled))

		sent := broker.sent()
		retry := sent[len(sent)-1]
		require.Equal(t, "", retry.exchange)
		require.Equal(t, "billing", retry.routingKey)

		second := amqp.Delivery{
			Acknowledger: settled,
			DeliveryTag:  2,
			MessageId:    retry.msg.MessageId,
			Exchange:     retry.exchange,
			RoutingKey:   retry.routingKey,
			Headers:      retry.msg.Headers,
			Body:         retry.msg.Body,
		}
		require.True(t, broker.deliver(second))
		require.Equal(t, settledDelivery{tag: 2, ack: true}, awaitSettled(t, settled))

		sent = broker.sent()
		dead := sent[len(sent)-1]
		assert.Equal(t, cfg.Topology.DeadLetterExchange, dead.exchange)
		dl, ok := contracts.DeadLetterFromHeaders(dead.msg.Headers)
		require.True(t, ok)
		assert.Equal(t, 2, dl.AttemptCount)
		assert.Equal(t, "orders", dl.OriginalExchange)
		assert.Equal(t, "created", dl.OriginalRoutingKey)

		mu.Lock()
		assert.Equal(t, 2, handled)
		mu.Unlock()
	})
}

func awaitSettled(t *testing.T, settled deliveryLog) settledDelivery {
	t.Helper()
	select {
	case got := <-settled:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not settled")
		return settledDelivery{}
	}
}
