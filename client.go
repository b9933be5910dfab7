// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-amqp/config"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/glimte/mmate-amqp/internal/reliability"
	"github.com/glimte/mmate-amqp/messaging"
)

// Client wires the connection, channel pool, topology, publisher and
// subscribers from one configuration
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	conn      *rabbitmq.ConnectionManager
	channels  rabbitmq.ChannelFactory
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	health    *health.Registry
	lifecycle *health.Lifecycle

	mu          sync.Mutex
	subscribers int
	closed      bool
}

// ClientOption configures the client
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger   *slog.Logger
	channels rabbitmq.ChannelFactory
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// withChannelFactory opens every pooled channel from f instead of the
// connection manager.
func withChannelFactory(f rabbitmq.ChannelFactory) ClientOption {
	return func(o *clientOptions) {
		o.channels = f
	}
}

// NewClient builds all components from cfg. It does not contact the broker;
// call Start for that.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &clientOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}
	logger := opts.logger

	connOptions, err := connectionOptions(cfg.Connection, logger)
	if err != nil {
		return nil, err
	}
	conn := rabbitmq.NewConnectionManager(connOptions...)
	channels := opts.channels
	if channels == nil {
		channels = conn
	}

	pool, err := rabbitmq.NewChannelPool(channels,
		rabbitmq.WithMaxChannels(cfg.Pool.ChannelsPerConnection),
		rabbitmq.WithConfirmMode(cfg.Reliability.PublisherConfirms),
		rabbitmq.WithPoolLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	rel := cfg.Reliability
	publisher := rabbitmq.NewPublisher(pool,
		rabbitmq.WithPublisherConfirms(rel.PublisherConfirms),
		rabbitmq.WithPersistence(rel.PersistentMessages),
		rabbitmq.WithConfirmTimeout(rel.ConfirmTimeout),
		rabbitmq.WithRetryPolicy(reliability.NewFixedDelay(rel.RetryDelay, rel.MaxRetryAttempts)),
		rabbitmq.WithDeadLetterExchange(cfg.Topology.DeadLetterExchange),
		rabbitmq.WithPublisherLogger(logger))

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(conn))
	registry.Register(health.NewChannelPoolChecker(pool))

	lifecycle := health.NewLifecycle(registry, health.WithLifecycleLogger(logger))
	lifecycle.AddCloser("connection", conn.Close)
	lifecycle.AddCloser("channel pool", pool.Close)
	if rel.PublisherConfirms {
		lifecycle.AddCloser("publisher confirms", func() error {
			return publisher.Flush(context.Background(), rel.ConfirmTimeout)
		})
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		channels:  channels,
		pool:      pool,
		topology:  rabbitmq.NewTopologyManager(pool, rabbitmq.WithTopologyLogger(logger)),
		publisher: publisher,
		health:    registry,
		lifecycle: lifecycle,
	}, nil
}

func connectionOptions(cfg config.ConnectionConfig, logger *slog.Logger) ([]rabbitmq.ConnectionOption, error) {
	options := []rabbitmq.ConnectionOption{
		rabbitmq.WithEndpoint(cfg.Host, cfg.Port, cfg.VHost),
		rabbitmq.WithCredentials(cfg.Username, cfg.Password),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithAutoRecovery(cfg.AutoRecovery),
		rabbitmq.WithRecoveryInterval(cfg.RecoveryInterval),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithClientName(cfg.ClientName),
		rabbitmq.WithLogger(logger),
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := rabbitmq.TLSConfig(rabbitmq.TLSOptions{
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
			ServerName: cfg.TLS.ServerName,
			VerifyPeer: cfg.TLS.VerifyPeer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		options = append(options, rabbitmq.WithTLS(tlsConfig))
	}
	return options, nil
}

// Topology converts the configured topology into declarations
func Topology(cfg config.TopologyConfig) rabbitmq.Topology {
	topology := rabbitmq.Topology{
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}
	for _, ex := range cfg.Exchanges {
		topology.Exchanges = append(topology.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       ex.Name,
			Type:       ex.Type,
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
		})
	}
	for _, q := range cfg.Queues {
		topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{
			Name:               q.Name,
			Durable:            q.Durable,
			AutoDelete:         q.AutoDelete,
			MaxLength:          q.MaxLength,
			MaxLengthBytes:     q.MaxLengthBytes,
			MessageTTL:         q.MessageTTL,
			DeadLetterExchange: cfg.DeadLetterExchange,
			Type:               q.Type,
			DeliveryLimit:      q.DeliveryLimit,
		})
	}
	return topology
}

// Connect opens the broker connection
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// DeclareTopology declares the configured exchanges, queues and bindings and
// registers a health check for every declared queue
func (c *Client) DeclareTopology(ctx context.Context) error {
	if err := c.topology.Declare(ctx, Topology(c.cfg.Topology)); err != nil {
		return err
	}
	for _, q := range c.cfg.Topology.Queues {
		c.health.Register(health.NewQueueChecker(q.Name, c.topology, 0))
	}
	return nil
}

// Start connects, declares the topology and verifies health
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.DeclareTopology(ctx); err != nil {
		return err
	}
	return c.lifecycle.Start(ctx)
}

// Publisher returns the shared publisher. Wrap it with messaging.NewPublisher
// for a typed API.
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Topology returns the topology manager for declarations beyond the
// configured ones
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// NewSubscriber creates a subscriber configured from the client settings.
// Its consumers hold channels from a pool of their own, so they never starve
// the publisher, the topology manager or the health checks. It is stopped by
// Close.
func (c *Client) NewSubscriber(name string) (*rabbitmq.Subscriber, error) {
	logger := c.logger.With("subscriber", name)
	pool, err := rabbitmq.NewChannelPool(c.channels,
		rabbitmq.WithMaxChannels(c.cfg.Pool.ChannelsPerConnection),
		rabbitmq.WithPoolLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool for subscriber %s: %w", name, err)
	}

	options := []rabbitmq.SubscriberOption{
		rabbitmq.WithPrefetchCount(c.cfg.Pool.PrefetchCount),
		rabbitmq.WithShutdownGracePeriod(c.cfg.Reliability.ShutdownGracePeriod),
		rabbitmq.WithHealthReporter(c.conn),
		rabbitmq.WithSubscriberLogger(logger),
	}
	if n := c.cfg.Reliability.MaxDeliveryAttempts; n > 0 {
		options = append(options, rabbitmq.WithDeadLetterPublisher(c.publisher, n))
	}

	s := rabbitmq.NewSubscriber(pool, options...)
	c.lifecycle.AddConsumer(name, s)
	c.lifecycle.AddCloser("subscriber pool "+name, pool.Close)

	c.mu.Lock()
	c.subscribers++
	c.mu.Unlock()
	return s, nil
}

// Subscribe starts a typed subscriber on queue and registers it for health
// checks and shutdown
func Subscribe[T any](ctx context.Context, c *Client, queue string, handler messaging.Handler[T]) (*messaging.Subscriber[T], error) {
	subscriber, err := c.NewSubscriber(queue)
	if err != nil {
		return nil, err
	}
	s := messaging.NewSubscriber[T](subscriber)
	if err := s.Start(ctx, queue, handler); err != nil {
		return nil, err
	}
	c.health.Register(health.NewSubscriberChecker(queue, s))
	return s, nil
}

// Health runs all registered health checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// IsHealthy reports whether the broker connection is open
func (c *Client) IsHealthy() bool {
	return c.conn.IsHealthy()
}

// Close stops all subscribers, then flushes confirms and closes the pool and
// the connection
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribers := c.subscribers
	c.mu.Unlock()

	c.logger.Info("closing client", "subscribers", subscribers)
	return c.lifecycle.Stop(ctx)
}
