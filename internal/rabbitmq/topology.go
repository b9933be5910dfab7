package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterRoutingKey is the routing key used for messages sent to the
// dead-letter exchange.
const DeadLetterRoutingKey = "dead-letter"

// QueueTypeQuorum selects a quorum queue
const QueueTypeQuorum = "quorum"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string // topic, direct, fanout or headers
	Durable    bool
	AutoDelete bool
}

// QueueDeclaration defines a queue to be declared. Zero limits are not sent
// to the broker.
type QueueDeclaration struct {
	Name               string
	Durable            bool
	AutoDelete         bool
	MaxLength          int
	MaxLengthBytes     int
	MessageTTL         time.Duration
	DeadLetterExchange string
	Type               string // classic (default) or quorum
	DeliveryLimit      int    // quorum queues only
}

// Arguments returns the x-arguments for the queue declaration
func (q QueueDeclaration) Arguments() amqp.Table {
	args := amqp.Table{}
	if q.MaxLength > 0 {
		args["x-max-length"] = int64(q.MaxLength)
	}
	if q.MaxLengthBytes > 0 {
		args["x-max-length-bytes"] = int64(q.MaxLengthBytes)
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.Type == QueueTypeQuorum {
		args["x-queue-type"] = QueueTypeQuorum
		if q.DeliveryLimit > 0 {
			args["x-delivery-limit"] = int64(q.DeliveryLimit)
		}
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of broker objects an application needs. Every
// queue is bound to every exchange.
type Topology struct {
	DeadLetterExchange string
	DeadLetterQueue    string
	Exchanges          []ExchangeDeclaration
	Queues             []QueueDeclaration
}

// BindingKey returns the routing key used to bind queue to an exchange of the
// given kind: fanout and headers use an empty key, topic matches everything and
// direct uses the queue name.
func BindingKey(kind, queue string) string {
	switch kind {
	case amqp.ExchangeTopic:
		return "#"
	case amqp.ExchangeDirect:
		return queue
	default:
		return ""
	}
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(tm)
	}
	return tm
}

// Declare declares the dead-letter exchange and queue, then every exchange and
// queue in topology, then binds each queue to each exchange. All declarations
// run on a single pooled channel and are idempotent at the broker.
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		if topology.DeadLetterExchange != "" {
			if err := tm.declareDeadLetter(ch, topology.DeadLetterExchange, topology.DeadLetterQueue); err != nil {
				return err
			}
		}

		for _, exchange := range topology.Exchanges {
			if err := tm.declareExchange(ch, exchange); err != nil {
				return err
			}
		}

		for _, queue := range topology.Queues {
			if _, err := tm.declareQueue(ch, queue); err != nil {
				return err
			}
		}

		for _, queue := range topology.Queues {
			for _, exchange := range topology.Exchanges {
				binding := Binding{
					Queue:      queue.Name,
					Exchange:   exchange.Name,
					RoutingKey: BindingKey(exchange.Type, queue.Name),
				}
				if err := tm.bindQueue(ch, binding); err != nil {
					return err
				}
			}
		}

		tm.logger.Info("topology declared",
			"exchanges", len(topology.Exchanges),
			"queues", len(topology.Queues),
			"deadLetterExchange", topology.DeadLetterExchange)
		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return tm.declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = tm.declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return tm.bindQueue(ch, binding)
	})
}

// InspectQueue passively declares a queue and returns its message and consumer
// counts. A missing queue closes the channel, which the pool then discards.
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      name,
				Op:        "inspect",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		return nil
	})
	return q, err
}

func (tm *TopologyManager) declareDeadLetter(ch Channel, exchange, queue string) error {
	err := tm.declareExchange(ch, ExchangeDeclaration{
		Name:    exchange,
		Type:    amqp.ExchangeFanout,
		Durable: true,
	})
	if err != nil {
		return err
	}
	if queue == "" {
		return nil
	}

	if _, err := tm.declareQueue(ch, QueueDeclaration{Name: queue, Durable: true}); err != nil {
		return err
	}
	return tm.bindQueue(ch, Binding{Queue: queue, Exchange: exchange})
}

func (tm *TopologyManager) declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("exchange declared", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

func (tm *TopologyManager) declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		false, // exclusive
		false, // no-wait
		queue.Arguments(),
	)
	if err != nil {
		return q, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("queue declared", "queue", queue.Name, "messages", q.Messages)
	return q, nil
}

func (tm *TopologyManager) bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	tm.logger.Debug("queue bound",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"routingKey", binding.RoutingKey)
	return nil
}
