package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueueDepthWarning is the message count above which a queue check
// reports degraded.
const DefaultQueueDepthWarning = 10000

// Reporter is anything that can report a simple up/down signal, such as the
// connection manager or a subscriber.
type Reporter interface {
	IsHealthy() bool
}

// ChannelPool is the part of the channel pool the pool checker uses.
type ChannelPool interface {
	Size() int
	InUse() int
}

// QueueInspector looks up a queue without declaring it.
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// ConnectionChecker checks that the broker connection is open
type ConnectionChecker struct {
	conn Reporter
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Reporter) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	open := c.conn.IsHealthy()
	result.Details["connection_open"] = open
	if open {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is not open"
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// ChannelPoolChecker reports pool utilisation. It reads the pool counters and
// never takes a channel, so a saturated pool cannot stall the check.
type ChannelPoolChecker struct {
	pool ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	size, inUse := c.pool.Size(), c.pool.InUse()
	result.Details["pool_size"] = size
	result.Details["in_use"] = inUse
	result.Details["available"] = max(size-inUse, 0)

	if inUse >= size {
		result.Status = StatusDegraded
		result.Message = "All pool channels are in use"
	} else {
		result.Status = StatusHealthy
		result.Message = "Channel pool is healthy"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queue        string
	inspector    QueueInspector
	depthWarning int
}

// NewQueueChecker creates a new queue health checker. A depthWarning of zero
// uses DefaultQueueDepthWarning.
func NewQueueChecker(queue string, inspector QueueInspector, depthWarning int) *QueueChecker {
	if depthWarning <= 0 {
		depthWarning = DefaultQueueDepthWarning
	}
	return &QueueChecker{
		queue:        queue,
		inspector:    inspector,
		depthWarning: depthWarning,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	q, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	result.Details["queue_name"] = q.Name
	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	if q.Messages > c.depthWarning {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// SubscriberChecker reports whether a subscriber is running on a healthy
// connection
type SubscriberChecker struct {
	name       string
	subscriber Reporter
}

// NewSubscriberChecker creates a checker for the subscriber consuming queue
func NewSubscriberChecker(queue string, subscriber Reporter) *SubscriberChecker {
	return &SubscriberChecker{
		name:       fmt.Sprintf("subscriber_%s", queue),
		subscriber: subscriber,
	}
}

func (c *SubscriberChecker) Name() string {
	return c.name
}

func (c *SubscriberChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	if c.subscriber.IsHealthy() {
		result.Status = StatusHealthy
		result.Message = "Subscriber is consuming"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Subscriber is not consuming"
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}
