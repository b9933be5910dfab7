package config

import (
	"errors"
	"fmt"
)

var exchangeTypes = map[string]bool{
	"direct":  true,
	"fanout":  true,
	"topic":   true,
	"headers": true,
}

var queueTypes = map[string]bool{
	"":        true,
	"classic": true,
	"quorum":  true,
}

// Validate checks that all required fields are set and values are valid. It
// reports every problem, not just the first.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	conn := c.Connection
	check(conn.Host != "", "connection.host is required")
	check(conn.Port >= 1 && conn.Port <= 65535, "connection.port must be between 1 and 65535, got %d", conn.Port)
	check(conn.VHost != "", "connection.vhost is required")
	check(conn.Heartbeat >= 0, "connection.heartbeat must be >= 0")
	check(!conn.AutoRecovery || conn.RecoveryInterval > 0, "connection.recoveryInterval must be > 0 when autoRecovery is enabled")
	check(conn.ConnectTimeout > 0, "connection.connectTimeout must be > 0")
	check((conn.TLS.ClientCert == "") == (conn.TLS.ClientKey == ""), "connection.tls.clientCert and connection.tls.clientKey must be set together")

	check(c.Pool.ChannelsPerConnection >= 1, "pool.channelsPerConnection must be >= 1")
	check(c.Pool.PrefetchCount >= 1, "pool.prefetchCount must be >= 1")

	rel := c.Reliability
	check(rel.MaxRetryAttempts >= 0, "reliability.maxRetryAttempts must be >= 0")
	check(rel.RetryDelay >= 0, "reliability.retryDelay must be >= 0")
	check(!rel.PublisherConfirms || rel.ConfirmTimeout > 0, "reliability.confirmTimeout must be > 0 when publisherConfirms is enabled")
	check(rel.ShutdownGracePeriod >= 0, "reliability.shutdownGracePeriod must be >= 0")
	check(rel.MaxDeliveryAttempts >= 0, "reliability.maxDeliveryAttempts must be >= 0")
	check(rel.MaxDeliveryAttempts == 0 || c.Topology.DeadLetterExchange != "",
		"topology.deadLetterExchange is required when reliability.maxDeliveryAttempts is set")

	check(c.Topology.DeadLetterQueue == "" || c.Topology.DeadLetterExchange != "",
		"topology.deadLetterQueue requires topology.deadLetterExchange")
	for i, ex := range c.Topology.Exchanges {
		check(ex.Name != "", "topology.exchanges[%d].name is required", i)
		check(exchangeTypes[ex.Type], "topology.exchanges[%d].type must be direct, fanout, topic or headers, got %q", i, ex.Type)
	}
	for i, q := range c.Topology.Queues {
		check(q.Name != "", "topology.queues[%d].name is required", i)
		check(queueTypes[q.Type], "topology.queues[%d].type must be classic or quorum, got %q", i, q.Type)
		check(q.MaxLength >= 0, "topology.queues[%d].maxLength must be >= 0", i)
		check(q.MaxLengthBytes >= 0, "topology.queues[%d].maxLengthBytes must be >= 0", i)
		check(q.MessageTTL >= 0, "topology.queues[%d].messageTtl must be >= 0", i)
		check(q.DeliveryLimit == 0 || q.Type == "quorum", "topology.queues[%d].deliveryLimit requires a quorum queue", i)
	}

	check(c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format must be text or json, got %q", c.Logging.Format)

	return errors.Join(errs...)
}
