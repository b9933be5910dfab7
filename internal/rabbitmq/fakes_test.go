package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

var errFakeTransport = errors.New("fake transport failure")

// callLog records calls across channels in the order they happened.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type queueDeclare struct {
	Name    string
	Durable bool
	Args    amqp.Table
}

type exchangeDeclare struct {
	Name string
	Kind string
}

type bindCall struct {
	Queue    string
	Key      string
	Exchange string
}

// fakeChannel is an in-memory Channel. Cancel closes the consumer's delivery
// stream the way amqp091-go does.
type fakeChannel struct {
	id  int
	log *callLog

	mu          sync.Mutex
	closed      bool
	confirmMode bool
	prefetch    int
	consumers   map[string]chan amqp.Delivery
	published   []publishedMessage
	exchanges   []exchangeDeclare
	queues      []queueDeclare
	bindings    []bindCall
	cancelled   []string

	qosErr       error
	consumeErr   error
	cancelErr    error
	declareErr   error
	failPublish  int  // number of publishes that fail and close the channel
	nackConfirms bool // confirms resolve as nacks
	confirm      func() Confirmation
	onPublish    func(ch *fakeChannel, msg amqp.Publishing) error
	onCancel     func(tag string)
}

func newFakeChannel(id int) *fakeChannel {
	return &fakeChannel{id: id, consumers: make(map[string]chan amqp.Delivery)}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qosErr != nil {
		return c.qosErr
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if c.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = deliveries
	c.log.add("consume:%s", consumer)
	return deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	if c.onCancel != nil {
		c.onCancel(consumer)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.add("cancel:%s", consumer)
	c.cancelled = append(c.cancelled, consumer)
	if c.cancelErr != nil {
		return c.cancelErr
	}
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmMode = true
	return nil
}

func (c *fakeChannel) PublishDeferred(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	if c.onPublish != nil {
		if err := c.onPublish(c, msg); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.failPublish > 0 {
		c.failPublish--
		c.closed = true
		return nil, errFakeTransport
	}
	c.published = append(c.published, publishedMessage{Exchange: exchange, RoutingKey: key, Msg: msg})

	if !c.confirmMode {
		return nil, nil
	}
	if c.confirm != nil {
		return c.confirm(), nil
	}
	return fakeConfirmation{ack: !c.nackConfirms}, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.exchanges = append(c.exchanges, exchangeDeclare{Name: name, Kind: kind})
	return nil
}

func (c *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.queues = append(c.queues, queueDeclare{Name: name, Durable: durable, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.queues {
		if q.Name == name {
			return amqp.Queue{Name: name, Messages: 3, Consumers: 1}, nil
		}
	}
	c.closed = true
	return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, bindCall{Queue: name, Key: key, Exchange: exchange})
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

// deliver pushes a delivery to the consumer registered under tag.
func (c *fakeChannel) deliver(tag string, d amqp.Delivery) bool {
	c.mu.Lock()
	deliveries, ok := c.consumers[tag]
	c.mu.Unlock()
	if !ok {
		return false
	}
	d.ConsumerTag = tag
	deliveries <- d
	return true
}

// drop simulates the broker closing the channel.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
	}
}

func (c *fakeChannel) publishedMessages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func (c *fakeChannel) consumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

type fakeConfirmation struct {
	ack bool
}

func (f fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	return f.ack, nil
}

// blockingConfirmation resolves once release is closed.
type blockingConfirmation struct {
	release chan struct{}
}

func (b blockingConfirmation) WaitContext(ctx context.Context) (bool, error) {
	select {
	case <-b.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// fakeFactory hands out fakeChannels and remembers them.
type fakeFactory struct {
	mu      sync.Mutex
	log     *callLog
	created []*fakeChannel
	err     error
	setup   func(ch *fakeChannel)
}

func (f *fakeFactory) NewChannel() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := newFakeChannel(len(f.created) + 1)
	ch.log = f.log
	if f.setup != nil {
		f.setup(ch)
	}
	f.created = append(f.created, ch)
	return ch, nil
}

func (f *fakeFactory) channels() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.created...)
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFactory) allPublished() []publishedMessage {
	var all []publishedMessage
	for _, ch := range f.channels() {
		all = append(all, ch.publishedMessages()...)
	}
	return all
}

// mockDeliveryAcknowledger implements amqp.Acknowledger
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// mockListener records connection state notifications
type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnConnected() {
	m.Called()
}

func (m *mockListener) OnDisconnected(err error) {
	m.Called(err)
}

func (m *mockListener) OnReconnecting(attempt int) {
	m.Called(attempt)
}

// fakeConnection is an in-memory amqpConnection
type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels int
}

func (c *fakeConnection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.channels++
	return nil, errors.New("fake connection cannot open real channels")
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.notify {
		close(ch)
	}
	c.notify = nil
	return nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

// drop simulates the broker closing the connection.
func (c *fakeConnection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.notify {
		ch <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown", Recover: true}
		close(ch)
	}
	c.notify = nil
}
