package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "*****"

// Config is the complete configuration of the messaging layer
type Config struct {
	Connection  ConnectionConfig  `mapstructure:"connection" yaml:"connection"`
	Pool        PoolConfig        `mapstructure:"pool" yaml:"pool"`
	Reliability ReliabilityConfig `mapstructure:"reliability" yaml:"reliability"`
	Topology    TopologyConfig    `mapstructure:"topology" yaml:"topology"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ConnectionConfig describes how to reach the broker
type ConnectionConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"`
	VHost            string        `mapstructure:"vhost" yaml:"vhost"`
	Username         string        `mapstructure:"username" yaml:"username"`
	Password         string        `mapstructure:"password" yaml:"password"`
	Heartbeat        time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
	AutoRecovery     bool          `mapstructure:"autoRecovery" yaml:"autoRecovery"`
	RecoveryInterval time.Duration `mapstructure:"recoveryInterval" yaml:"recoveryInterval"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout" yaml:"connectTimeout"`
	ClientName       string        `mapstructure:"clientName" yaml:"clientName"`
	TLS              TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig enables amqps
type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	CACert     string `mapstructure:"caCert" yaml:"caCert,omitempty"`
	ClientCert string `mapstructure:"clientCert" yaml:"clientCert,omitempty"`
	ClientKey  string `mapstructure:"clientKey" yaml:"clientKey,omitempty"`
	ServerName string `mapstructure:"serverName" yaml:"serverName,omitempty"`
	VerifyPeer bool   `mapstructure:"verifyPeer" yaml:"verifyPeer"`
}

// PoolConfig sizes the channel pool and the subscriber
type PoolConfig struct {
	ChannelsPerConnection int `mapstructure:"channelsPerConnection" yaml:"channelsPerConnection"`
	PrefetchCount         int `mapstructure:"prefetchCount" yaml:"prefetchCount"`
}

// ReliabilityConfig controls delivery guarantees
type ReliabilityConfig struct {
	PublisherConfirms   bool          `mapstructure:"publisherConfirms" yaml:"publisherConfirms"`
	PersistentMessages  bool          `mapstructure:"persistentMessages" yaml:"persistentMessages"`
	MaxRetryAttempts    int           `mapstructure:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	RetryDelay          time.Duration `mapstructure:"retryDelay" yaml:"retryDelay"`
	ConfirmTimeout      time.Duration `mapstructure:"confirmTimeout" yaml:"confirmTimeout"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdownGracePeriod" yaml:"shutdownGracePeriod"`
	MaxDeliveryAttempts int           `mapstructure:"maxDeliveryAttempts" yaml:"maxDeliveryAttempts"`
}

// TopologyConfig lists the broker objects declared at startup
type TopologyConfig struct {
	DeadLetterExchange string           `mapstructure:"deadLetterExchange" yaml:"deadLetterExchange"`
	DeadLetterQueue    string           `mapstructure:"deadLetterQueue" yaml:"deadLetterQueue"`
	Exchanges          []ExchangeConfig `mapstructure:"exchanges" yaml:"exchanges"`
	Queues             []QueueConfig    `mapstructure:"queues" yaml:"queues"`
}

// ExchangeConfig declares one exchange
type ExchangeConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Type       string `mapstructure:"type" yaml:"type"`
	Durable    bool   `mapstructure:"durable" yaml:"durable"`
	AutoDelete bool   `mapstructure:"autoDelete" yaml:"autoDelete"`
}

// QueueConfig declares one queue
type QueueConfig struct {
	Name           string        `mapstructure:"name" yaml:"name"`
	Durable        bool          `mapstructure:"durable" yaml:"durable"`
	AutoDelete     bool          `mapstructure:"autoDelete" yaml:"autoDelete"`
	MaxLength      int           `mapstructure:"maxLength" yaml:"maxLength,omitempty"`
	MaxLengthBytes int           `mapstructure:"maxLengthBytes" yaml:"maxLengthBytes,omitempty"`
	MessageTTL     time.Duration `mapstructure:"messageTtl" yaml:"messageTtl,omitempty"`
	Type           string        `mapstructure:"type" yaml:"type,omitempty"`
	DeliveryLimit  int           `mapstructure:"deliveryLimit" yaml:"deliveryLimit,omitempty"`
}

// LoggingConfig selects the log level and format
type LoggingConfig struct {
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Format  string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			Host:             "localhost",
			Port:             5672,
			VHost:            "/",
			Username:         "guest",
			Password:         "guest",
			Heartbeat:        60 * time.Second,
			AutoRecovery:     true,
			RecoveryInterval: 10 * time.Second,
			ConnectTimeout:   30 * time.Second,
			ClientName:       "mmate",
			TLS: TLSConfig{
				VerifyPeer: true,
			},
		},
		Pool: PoolConfig{
			ChannelsPerConnection: 10,
			PrefetchCount:         10,
		},
		Reliability: ReliabilityConfig{
			PublisherConfirms:   false,
			PersistentMessages:  true,
			MaxRetryAttempts:    3,
			RetryDelay:          time.Second,
			ConfirmTimeout:      5 * time.Second,
			ShutdownGracePeriod: 5 * time.Second,
			MaxDeliveryAttempts: 0,
		},
		Topology: TopologyConfig{
			DeadLetterExchange: "mmate.dlx",
			DeadLetterQueue:    "mmate.dlq",
		},
		Logging: LoggingConfig{
			Format: "text",
		},
	}
}

// Redacted returns a copy of c with secrets masked
func (c Config) Redacted() Config {
	if c.Connection.Password != "" {
		c.Connection.Password = redacted
	}
	return c
}

// YAML renders the configuration with secrets masked
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("render config yaml: %w", err)
	}
	return out, nil
}

// NewLogger builds a logger writing to w in the configured format. Verbose
// enables debug level.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if l.Verbose {
		opts.Level = slog.LevelDebug
	}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
