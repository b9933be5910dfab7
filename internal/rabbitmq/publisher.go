package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/reliability"
	"github.com/glimte/mmate-amqp/serialization"
)

// Publisher serializes messages and publishes them on pooled channels
type Publisher struct {
	pool               *ChannelPool
	codec              serialization.Codec
	persistent         bool
	confirms           bool
	confirmTimeout     time.Duration
	retryPolicy        reliability.RetryPolicy
	deadLetterExchange string
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string

	tracker *confirmTracker
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithCodec sets the message codec
func WithCodec(codec serialization.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithPersistence selects persistent or transient delivery mode
func WithPersistence(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithPublisherConfirms waits for a broker confirm on every publish. The pool
// must create its channels in confirm mode.
func WithPublisherConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithConfirmTimeout bounds the wait for a single publisher confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithRetryPolicy sets the retry policy for single publishes
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithDeadLetterExchange sets the exchange used by PublishToDeadLetter
func WithDeadLetterExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.deadLetterExchange = exchange
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithClock sets the time source for message timestamps
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithIDGenerator sets the message id generator
func WithIDGenerator(newID func() string) PublisherOption {
	return func(p *Publisher) {
		p.newID = newID
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		codec:          serialization.NewJSONCodec(),
		persistent:     true,
		confirmTimeout: 5 * time.Second,
		retryPolicy:    reliability.NewFixedDelay(time.Second, 3),
		logger:         slog.Default(),
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
		tracker:        newConfirmTracker(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOption overrides message properties for a single publish
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers       amqp.Table
	messageID     string
	correlationID string
	messageType   string
	priority      uint8
	expiration    time.Duration
	persistent    *bool
}

// WithHeaders adds message headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = amqp.Table{}
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithMessageID replaces the generated message id
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithMessageType replaces the type name derived from the message value
func WithMessageType(name string) PublishOption {
	return func(o *publishOptions) {
		o.messageType = name
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(o *publishOptions) {
		o.priority = priority
	}
}

// WithExpiration sets a per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.expiration = ttl
	}
}

// WithDeliveryMode overrides the configured persistence for one message
func WithDeliveryMode(persistent bool) PublishOption {
	return func(o *publishOptions) {
		o.persistent = &persistent
	}
}

// Publish serializes message and publishes it. Transport failures are retried
// according to the retry policy; the final failure is logged and returned as
// a *PublishError. Encoding failures are returned without retrying.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, message interface{}, options ...PublishOption) error {
	msg, err := p.buildMessage(message, options)
	if err != nil {
		return p.fail(exchange, routingKey, 1, err)
	}

	if err := p.publishWithRetry(ctx, exchange, routingKey, msg); err != nil {
		return p.fail(exchange, routingKey, 1, err, "messageId", msg.MessageId)
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"type", msg.Type)
	return nil
}

// PublishBatch publishes messages in concurrent chunks, one pooled channel per
// chunk and one publish call per message. It is not atomic: when a chunk fails
// the messages already published by other chunks stay published.
func (p *Publisher) PublishBatch(ctx context.Context, exchange, routingKey string, messages []interface{}) error {
	if len(messages) == 0 {
		return nil
	}

	batch := make([]amqp.Publishing, 0, len(messages))
	for _, message := range messages {
		msg, err := p.buildMessage(message, nil)
		if err != nil {
			return p.fail(exchange, routingKey, len(messages), err)
		}
		batch = append(batch, msg)
	}

	chunks := chunk(batch, p.pool.Size())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.pool.Size())
	for _, c := range chunks {
		g.Go(func() error {
			return p.pool.Execute(gctx, func(ch Channel) error {
				return p.publishChunk(gctx, ch, exchange, routingKey, c)
			})
		})
	}

	if err := g.Wait(); err != nil {
		return p.fail(exchange, routingKey, len(messages), err, "chunks", len(chunks))
	}

	p.logger.Debug("batch published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messages", len(messages),
		"chunks", len(chunks))
	return nil
}

func (p *Publisher) publishChunk(ctx context.Context, ch Channel, exchange, routingKey string, msgs []amqp.Publishing) error {
	pending := make([]Confirmation, 0, len(msgs))
	for _, msg := range msgs {
		conf, err := ch.PublishDeferred(ctx, exchange, routingKey, msg)
		if err != nil {
			return fmt.Errorf("publish message %s: %w", msg.MessageId, err)
		}
		if conf != nil && p.confirms {
			id := p.tracker.add(conf)
			defer p.tracker.done(id)
			pending = append(pending, conf)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	return waitConfirms(wctx, pending)
}

// PublishToDeadLetter publishes message to the dead-letter exchange with
// headers describing where it was going and why it failed.
func (p *Publisher) PublishToDeadLetter(ctx context.Context, originalExchange, originalRoutingKey string, message interface{}, cause error, attemptCount int) error {
	if p.deadLetterExchange == "" {
		return p.fail("", DeadLetterRoutingKey, 1, ErrNoDeadLetterExchange)
	}

	dl := contracts.NewDeadLetter(originalExchange, originalRoutingKey, cause, attemptCount, p.now())
	return p.Publish(ctx, p.deadLetterExchange, DeadLetterRoutingKey, message, WithHeaders(dl.Apply(nil)))
}

// PublishDeliveryToDeadLetter forwards a consumed delivery to the dead-letter
// exchange, keeping its body and properties.
func (p *Publisher) PublishDeliveryToDeadLetter(ctx context.Context, d amqp.Delivery, cause error, attemptCount int) error {
	if p.deadLetterExchange == "" {
		return p.fail("", DeadLetterRoutingKey, 1, ErrNoDeadLetterExchange)
	}

	exchange, routingKey := d.Exchange, d.RoutingKey
	if original, ok := d.Headers[contracts.HeaderOriginalExchange].(string); ok {
		exchange = original
		routingKey, _ = d.Headers[contracts.HeaderOriginalRoutingKey].(string)
	}

	msg := publishingFromDelivery(d, 5)
	dl := contracts.NewDeadLetter(exchange, routingKey, cause, attemptCount, p.now())
	dl.Apply(msg.Headers)

	if err := p.publishWithRetry(ctx, p.deadLetterExchange, DeadLetterRoutingKey, msg); err != nil {
		return p.fail(p.deadLetterExchange, DeadLetterRoutingKey, 1, err, "messageId", d.MessageId)
	}

	p.logger.Info("message sent to dead-letter exchange",
		"exchange", p.deadLetterExchange,
		"originalExchange", exchange,
		"originalRoutingKey", routingKey,
		"messageId", d.MessageId,
		"attemptCount", attemptCount,
		"reason", dl.Reason)
	return nil
}

// RepublishDelivery puts a refused delivery back on queue through the default
// exchange, recording attempt in the retry-count header and the first
// destination in the original exchange and routing key headers. The message
// goes to the tail of the queue.
func (p *Publisher) RepublishDelivery(ctx context.Context, d amqp.Delivery, queue string, attempt int) error {
	msg := publishingFromDelivery(d, 3)
	msg.Headers[contracts.HeaderRetryCount] = int32(attempt)
	if _, ok := msg.Headers[contracts.HeaderOriginalExchange]; !ok {
		msg.Headers[contracts.HeaderOriginalExchange] = d.Exchange
		msg.Headers[contracts.HeaderOriginalRoutingKey] = d.RoutingKey
	}

	if err := p.publishWithRetry(ctx, "", queue, msg); err != nil {
		return p.fail("", queue, 1, err, "messageId", d.MessageId)
	}

	p.logger.Debug("message requeued for another attempt",
		"queue", queue,
		"messageId", d.MessageId,
		"attempt", attempt)
	return nil
}

// publishingFromDelivery copies the body and properties of d. The headers are
// a fresh table with room for extra entries.
func publishingFromDelivery(d amqp.Delivery, extra int) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+extra)
	for k, v := range d.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// Flush waits until every publish still waiting for a broker confirm has been
// confirmed. It returns ErrPublishTimeout when timeout elapses first, and is a
// no-op when publisher confirms are disabled.
func (p *Publisher) Flush(ctx context.Context, timeout time.Duration) error {
	if !p.confirms {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return waitConfirms(ctx, p.tracker.outstanding())
}

// PendingConfirms returns the number of publishes waiting for a broker confirm
func (p *Publisher) PendingConfirms() int {
	return p.tracker.len()
}

func (p *Publisher) publishWithRetry(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	attempt := 0
	return reliability.Retry(ctx, p.retryPolicy, func() error {
		attempt++
		err := p.pool.Execute(ctx, func(ch Channel) error {
			conf, err := ch.PublishDeferred(ctx, exchange, routingKey, msg)
			if err != nil {
				return err
			}
			return p.awaitConfirm(ctx, conf)
		})
		if err != nil && reliability.IsRetryable(err) {
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"messageId", msg.MessageId,
				"attempt", attempt,
				"error", err)
		}
		return err
	})
}

func (p *Publisher) awaitConfirm(ctx context.Context, conf Confirmation) error {
	if conf == nil || !p.confirms {
		return nil
	}

	id := p.tracker.add(conf)
	defer p.tracker.done(id)

	wctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ack, err := conf.WaitContext(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: no confirm within %s", ErrPublishTimeout, p.confirmTimeout)
		}
		return err
	}
	if !ack {
		return ErrPublishNotConfirmed
	}
	return nil
}

func (p *Publisher) buildMessage(message interface{}, options []PublishOption) (amqp.Publishing, error) {
	body, err := p.codec.Marshal(message)
	if err != nil {
		return amqp.Publishing{}, err
	}

	var opts publishOptions
	for _, opt := range options {
		opt(&opts)
	}

	md := contracts.Metadata{
		MessageID:     opts.messageID,
		Timestamp:     p.now().UTC(),
		ContentType:   p.codec.ContentType(),
		Type:          opts.messageType,
		Persistent:    p.persistent,
		CorrelationID: opts.correlationID,
		Headers:       opts.headers,
	}
	if md.MessageID == "" {
		md.MessageID = p.newID()
	}
	if md.Type == "" {
		md.Type = contracts.TypeName(message)
	}
	if opts.persistent != nil {
		md.Persistent = *opts.persistent
	}

	msg := amqp.Publishing{
		Headers:       amqp.Table(md.Headers),
		ContentType:   md.ContentType,
		DeliveryMode:  amqp.Transient,
		Priority:      opts.priority,
		CorrelationId: md.CorrelationID,
		MessageId:     md.MessageID,
		Timestamp:     md.Timestamp,
		Type:          md.Type,
		Body:          body,
	}
	if md.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if opts.expiration > 0 {
		msg.Expiration = fmt.Sprintf("%d", opts.expiration.Milliseconds())
	}
	return msg, nil
}

func (p *Publisher) fail(exchange, routingKey string, messages int, err error, attrs ...any) error {
	args := append([]any{
		"exchange", exchange,
		"routingKey", routingKey,
		"error", err,
	}, attrs...)
	p.logger.Error("failed to publish", args...)

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Messages:   messages,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// chunk splits items into chunks of max(1, len(items)/n) items. The number of
// chunks is ceil(len(items) / max(1, len(items)/n)).
func chunk[T any](items []T, n int) [][]T {
	size := 1
	if n > 0 {
		size = max(1, len(items)/n)
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
