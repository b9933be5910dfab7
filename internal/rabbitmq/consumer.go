package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/reliability"
)

// Decoder turns a delivery body into the message passed to the handler
type Decoder func(body []byte) (interface{}, error)

// MessageHandler processes one message. Returning true acks the delivery,
// false nacks it for redelivery, and an error (or panic) rejects it without
// requeue.
type MessageHandler func(ctx context.Context, msg interface{}) (bool, error)

// HealthReporter reports whether the underlying connection is usable
type HealthReporter interface {
	IsHealthy() bool
}

// DeadLetterPublisher carries out a redelivery budget: it puts refused
// deliveries back on their queue with an attempt count and forwards the ones
// that ran out of attempts to the dead-letter exchange. It must not draw
// channels from the subscriber's pool, which the consumers hold until Stop.
type DeadLetterPublisher interface {
	RepublishDelivery(ctx context.Context, d amqp.Delivery, queue string, attempt int) error
	PublishDeliveryToDeadLetter(ctx context.Context, d amqp.Delivery, cause error, attemptCount int) error
}

// SlotState is the lifecycle state of a consumer slot
type SlotState int

const (
	SlotCreated SlotState = iota
	SlotConsuming
	SlotCancelling
	SlotStopped
)

func (s SlotState) String() string {
	switch s {
	case SlotCreated:
		return "created"
	case SlotConsuming:
		return "consuming"
	case SlotCancelling:
		return "cancelling"
	case SlotStopped:
		return "stopped"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// ConsumerInfo describes one consumer slot
type ConsumerInfo struct {
	Index       int
	Queue       string
	ConsumerTag string
	State       SlotState
}

// consumerSlot binds one pooled channel to one consumer tag. ch, tag and state
// are guarded by Subscriber.mu.
type consumerSlot struct {
	index int
	queue string
	ch    Channel
	tag   string
	state SlotState
	done  chan struct{}
}

// Subscriber runs one consumer loop per slot, each on its own pooled channel.
type Subscriber struct {
	pool             *ChannelPool
	prefetchCount    int
	consumerCount    int
	gracePeriod      time.Duration
	resubscribeDelay time.Duration
	health           HealthReporter
	deadLetter       DeadLetterPublisher
	maxAttempts      int
	logger           *slog.Logger
	newTag           func(queue string, index int) string

	mu       sync.Mutex
	slots    map[int]*consumerSlot
	running  bool
	stopping bool

	// loopCtx ends the consumer loops; handlerCtx is passed to handlers and
	// only ends once the shutdown grace period is over.
	loopCtx       context.Context
	loopCancel    context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithPrefetchCount sets the per-channel prefetch limit
func WithPrefetchCount(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetchCount = count
	}
}

// WithConsumerCount sets the number of consumer slots. Defaults to the pool size.
func WithConsumerCount(count int) SubscriberOption {
	return func(s *Subscriber) {
		s.consumerCount = count
	}
}

// WithShutdownGracePeriod sets how long Stop waits for in-flight handlers
func WithShutdownGracePeriod(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.gracePeriod = d
	}
}

// WithResubscribeDelay sets the initial delay before a lost consumer is re-registered
func WithResubscribeDelay(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.resubscribeDelay = d
	}
}

// WithHealthReporter sets the source for IsHealthy
func WithHealthReporter(h HealthReporter) SubscriberOption {
	return func(s *Subscriber) {
		s.health = h
	}
}

// WithDeadLetterPublisher enables a redelivery budget. A refused message is
// acked and republished to its queue with the attempt count in a header, since
// classic queues do not count redeliveries. Once it has been delivered
// maxAttempts times it is forwarded to the dead-letter exchange and acked.
func WithDeadLetterPublisher(p DeadLetterPublisher, maxAttempts int) SubscriberOption {
	return func(s *Subscriber) {
		s.deadLetter = p
		s.maxAttempts = maxAttempts
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// NewSubscriber creates a new subscriber
func NewSubscriber(pool *ChannelPool, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		pool:             pool,
		prefetchCount:    10,
		consumerCount:    pool.Size(),
		gracePeriod:      5 * time.Second,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
		newTag: func(queue string, index int) string {
			return fmt.Sprintf("%s.%d.%s", queue, index, uuid.New().String())
		},
		slots: make(map[int]*consumerSlot),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start registers one consumer per slot on queue and starts their loops. If
// any slot fails to start, the slots already registered are cancelled and
// their channels discarded.
func (s *Subscriber) Start(ctx context.Context, queue string, decode Decoder, handler MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return &ConsumerError{Queue: queue, Op: "start", Err: ErrConsumerRunning, Timestamp: time.Now()}
	}
	if s.consumerCount < 1 {
		return &ConsumerError{
			Queue:     queue,
			Op:        "start",
			Err:       fmt.Errorf("%w: consumer count must be at least 1", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}

	type started struct {
		slot       *consumerSlot
		deliveries <-chan amqp.Delivery
	}
	slots := make([]started, 0, s.consumerCount)

	for i := 0; i < s.consumerCount; i++ {
		slot, deliveries, err := s.register(ctx, queue, i)
		if err != nil {
			for _, st := range slots {
				if cerr := st.slot.ch.Cancel(st.slot.tag, false); cerr != nil {
					s.logger.Debug("failed to cancel consumer during rollback", "consumerTag", st.slot.tag, "error", cerr)
				}
				s.pool.Discard(st.slot.ch)
			}
			s.logger.Error("failed to start subscriber", "queue", queue, "slot", i, "error", err)
			return err
		}
		slots = append(slots, started{slot: slot, deliveries: deliveries})
	}

	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.handlerCtx, s.handlerCancel = context.WithCancel(context.Background())
	s.slots = make(map[int]*consumerSlot, len(slots))
	s.running = true

	for _, st := range slots {
		s.slots[st.slot.index] = st.slot
		go s.run(s.loopCtx, s.handlerCtx, st.slot, st.deliveries, decode, handler)
	}

	s.logger.Info("subscribed to queue",
		"queue", queue,
		"consumers", len(slots),
		"prefetchCount", s.prefetchCount)
	return nil
}

// register acquires a channel, applies QoS and starts a consumer with a
// generated tag.
func (s *Subscriber) register(ctx context.Context, queue string, index int) (*consumerSlot, <-chan amqp.Delivery, error) {
	slot := &consumerSlot{
		index: index,
		queue: queue,
		tag:   s.newTag(queue, index),
		state: SlotCreated,
		done:  make(chan struct{}),
	}

	ch, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: slot.tag, Op: "acquire channel", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(s.prefetchCount, 0, false); err != nil {
		s.pool.Discard(ch)
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: slot.tag, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		slot.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		s.pool.Discard(ch)
		return nil, nil, &ConsumerError{Queue: queue, ConsumerTag: slot.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	slot.ch = ch
	slot.state = SlotConsuming
	return slot, deliveries, nil
}

func (s *Subscriber) run(ctx, handlerCtx context.Context, slot *consumerSlot, deliveries <-chan amqp.Delivery, decode Decoder, handler MessageHandler) {
	defer close(slot.done)

	for {
		if ctx.Err() != nil {
			s.requeueBuffered(slot, deliveries)
			return
		}

		select {
		case <-ctx.Done():
			s.requeueBuffered(slot, deliveries)
			return

		case d, ok := <-deliveries:
			if !ok {
				deliveries = s.resubscribe(ctx, slot)
				if deliveries == nil {
					return
				}
				continue
			}
			s.handle(handlerCtx, slot, d, decode, handler)
		}
	}
}

// requeueBuffered returns deliveries that arrived but were never handled.
func (s *Subscriber) requeueBuffered(slot *consumerSlot, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if err := d.Nack(false, true); err != nil {
				s.logger.Debug("failed to requeue buffered delivery", "queue", slot.queue, "error", err)
			}
		default:
			return
		}
	}
}

// resubscribe re-registers a slot whose delivery stream closed while it was
// still meant to be consuming. It returns nil once the subscriber is stopping.
func (s *Subscriber) resubscribe(ctx context.Context, slot *consumerSlot) <-chan amqp.Delivery {
	s.mu.Lock()
	if slot.state != SlotConsuming {
		s.mu.Unlock()
		return nil
	}
	lost := slot.ch
	slot.ch = nil
	s.mu.Unlock()

	s.logger.Warn("delivery stream closed, resubscribing",
		"queue", slot.queue,
		"consumerTag", slot.tag,
		"delay", s.resubscribeDelay)
	if lost != nil {
		s.pool.Discard(lost)
	}

	select {
	case <-time.After(s.resubscribeDelay):
	case <-ctx.Done():
		return nil
	}

	var deliveries <-chan amqp.Delivery
	policy := reliability.NewExponentialBackoff(s.resubscribeDelay, 30*s.resubscribeDelay, 2, reliability.Unlimited)
	err := reliability.Retry(ctx, policy, func() error {
		fresh, d, err := s.register(ctx, slot.queue, slot.index)
		if err != nil {
			s.logger.Warn("resubscribe failed", "queue", slot.queue, "slot", slot.index, "error", err)
			return err
		}

		s.mu.Lock()
		if slot.state != SlotConsuming {
			s.mu.Unlock()
			_ = fresh.ch.Cancel(fresh.tag, false)
			s.pool.Discard(fresh.ch)
			return reliability.Permanent(context.Canceled)
		}
		slot.ch = fresh.ch
		slot.tag = fresh.tag
		s.mu.Unlock()

		deliveries = d
		return nil
	})
	if err != nil {
		return nil
	}

	s.logger.Info("resubscribed to queue", "queue", slot.queue, "consumerTag", slot.tag)
	return deliveries
}

func (s *Subscriber) handle(handlerCtx context.Context, slot *consumerSlot, d amqp.Delivery, decode Decoder, handler MessageHandler) {
	md := metadataFromDelivery(d)

	msg, err := decode(d.Body)
	if err != nil {
		s.logger.Error("failed to decode message, rejecting",
			"queue", slot.queue,
			"messageId", md.MessageID,
			"error", err)
		s.nack(slot, d, false)
		return
	}

	ctx := contracts.ContextWithMetadata(handlerCtx, md)
	ok, err := invoke(ctx, handler, msg)
	switch {
	case err != nil:
		s.logger.Error("message handler failed, rejecting",
			"queue", slot.queue,
			"messageId", md.MessageID,
			"attempt", md.DeliveryCount,
			"error", err)
		s.nack(slot, d, false)

	case ok:
		if err := d.Ack(false); err != nil {
			s.logger.Error("failed to ack message", "queue", slot.queue, "messageId", md.MessageID, "error", err)
		}

	case s.budgeted() && md.DeliveryCount >= s.maxAttempts:
		cause := fmt.Errorf("%w after %d attempts", ErrRedeliveryExhausted, md.DeliveryCount)
		if err := s.deadLetter.PublishDeliveryToDeadLetter(ctx, d, cause, md.DeliveryCount); err != nil {
			s.logger.Error("failed to dead-letter message, requeueing",
				"queue", slot.queue,
				"messageId", md.MessageID,
				"error", err)
			s.nack(slot, d, true)
			return
		}
		if err := d.Ack(false); err != nil {
			s.logger.Error("failed to ack dead-lettered message", "queue", slot.queue, "messageId", md.MessageID, "error", err)
		}

	case s.budgeted():
		if err := s.deadLetter.RepublishDelivery(ctx, d, slot.queue, md.DeliveryCount); err != nil {
			s.logger.Error("failed to republish refused message, requeueing",
				"queue", slot.queue,
				"messageId", md.MessageID,
				"attempt", md.DeliveryCount,
				"error", err)
			s.nack(slot, d, true)
			return
		}
		if err := d.Ack(false); err != nil {
			s.logger.Error("failed to ack republished message", "queue", slot.queue, "messageId", md.MessageID, "error", err)
		}

	default:
		s.nack(slot, d, true)
	}
}

func (s *Subscriber) budgeted() bool {
	return s.deadLetter != nil && s.maxAttempts > 0
}

func (s *Subscriber) nack(slot *consumerSlot, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		s.logger.Error("failed to nack message",
			"queue", slot.queue,
			"messageId", d.MessageId,
			"requeue", requeue,
			"error", err)
	}
}

// invoke calls handler, turning errors and panics into ErrHandlerFailure.
func invoke(ctx context.Context, handler MessageHandler, msg interface{}) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()

	ok, err = handler(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrHandlerFailure, err)
	}
	return ok, nil
}

// Stop shuts the subscriber down in a fixed order:
//  1. cancel every consumer at the broker so no new deliveries are pushed
//  2. end the local consumer loops
//  3. wait up to the grace period for in-flight handlers
//  4. release the channels and clear the slot table
//
// Channels whose loop did not finish within the grace period are discarded.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	slots := s.sortedSlots()
	for _, slot := range slots {
		slot.state = SlotCancelling
	}
	loopCancel, handlerCancel := s.loopCancel, s.handlerCancel
	s.mu.Unlock()

	var errs error
	for _, slot := range slots {
		s.mu.Lock()
		ch, tag := slot.ch, slot.tag
		s.mu.Unlock()
		if ch == nil {
			continue
		}
		if err := ch.Cancel(tag, false); err != nil {
			s.logger.Warn("failed to cancel consumer", "queue", slot.queue, "consumerTag", tag, "error", err)
			errs = errors.Join(errs, &ConsumerError{
				Queue:       slot.queue,
				ConsumerTag: tag,
				Op:          "cancel",
				Err:         err,
				Timestamp:   time.Now(),
			})
		}
	}

	loopCancel()

	finished := s.awaitLoops(ctx, slots)
	handlerCancel()

	s.mu.Lock()
	release := make([]Channel, 0, len(slots))
	discard := make([]Channel, 0)
	for _, slot := range slots {
		if slot.ch != nil {
			if finished[slot.index] {
				release = append(release, slot.ch)
			} else {
				discard = append(discard, slot.ch)
			}
		}
		slot.ch = nil
		slot.state = SlotStopped
	}
	s.slots = make(map[int]*consumerSlot)
	s.running = false
	s.stopping = false
	s.mu.Unlock()

	for _, ch := range release {
		s.pool.Release(ch)
	}
	for _, ch := range discard {
		s.pool.Discard(ch)
	}

	s.logger.Info("subscriber stopped",
		"consumers", len(slots),
		"unfinished", len(discard))
	return errs
}

// awaitLoops waits for the consumer loops until the grace period or ctx ends
// and reports which of them finished.
func (s *Subscriber) awaitLoops(ctx context.Context, slots []*consumerSlot) map[int]bool {
	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	finished := make(map[int]bool, len(slots))
	for _, slot := range slots {
		select {
		case <-slot.done:
			finished[slot.index] = true
			continue
		default:
		}

		select {
		case <-slot.done:
			finished[slot.index] = true
		case <-timer.C:
			s.logger.Warn("grace period elapsed with handlers still running", "gracePeriod", s.gracePeriod)
			return finished
		case <-ctx.Done():
			return finished
		}
	}
	return finished
}

// IsHealthy reports whether the connection behind the subscriber is open. Without
// a health reporter it reports whether the subscriber is running.
func (s *Subscriber) IsHealthy() bool {
	if s.health != nil {
		return s.health.IsHealthy()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveConsumers returns a snapshot of the consumer slots ordered by index
func (s *Subscriber) ActiveConsumers() []ConsumerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ConsumerInfo, 0, len(s.slots))
	for _, slot := range s.sortedSlots() {
		infos = append(infos, ConsumerInfo{
			Index:       slot.index,
			Queue:       slot.queue,
			ConsumerTag: slot.tag,
			State:       slot.state,
		})
	}
	return infos
}

// sortedSlots must be called with s.mu held.
func (s *Subscriber) sortedSlots() []*consumerSlot {
	slots := make([]*consumerSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })
	return slots
}

func metadataFromDelivery(d amqp.Delivery) contracts.Metadata {
	return contracts.Metadata{
		MessageID:     d.MessageId,
		Timestamp:     d.Timestamp,
		ContentType:   d.ContentType,
		Type:          d.Type,
		Persistent:    d.DeliveryMode == amqp.Persistent,
		CorrelationID: d.CorrelationId,
		Headers:       d.Headers,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryAttempt(d),
	}
}

// deliveryAttempt returns the 1-based delivery attempt. Quorum queues count
// previous deliveries in x-delivery-count, classic queues only flag
// redelivery, and republished messages carry the attempts made so far in
// x-retry-count. The highest of the three wins.
func deliveryAttempt(d amqp.Delivery) int {
	attempt := contracts.IntHeader(d.Headers, contracts.HeaderDeliveryCount) + 1
	if d.Redelivered {
		attempt = max(attempt, 2)
	}
	if retries := contracts.IntHeader(d.Headers, contracts.HeaderRetryCount); retries > 0 {
		attempt = max(attempt, retries+1)
	}
	return attempt
}
