package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MMATE_CONNECTION_HOST.
const EnvPrefix = "MMATE"

// flag name -> configuration key
var flagKeys = map[string]string{
	"host":       "connection.host",
	"port":       "connection.port",
	"vhost":      "connection.vhost",
	"username":   "connection.username",
	"password":   "connection.password",
	"client":     "connection.clientName",
	"channels":   "pool.channelsPerConnection",
	"prefetch":   "pool.prefetchCount",
	"confirms":   "reliability.publisherConfirms",
	"verbose":    "logging.verbose",
	"log-format": "logging.format",
}

// RegisterFlags adds the command-line overrides to flags
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("host", d.Connection.Host, "Broker host")
	flags.Int("port", d.Connection.Port, "Broker port")
	flags.String("vhost", d.Connection.VHost, "Broker virtual host")
	flags.String("username", d.Connection.Username, "Broker username")
	flags.String("password", "", "Broker password")
	flags.String("client", d.Connection.ClientName, "Connection name shown by the broker")
	flags.Int("channels", d.Pool.ChannelsPerConnection, "Channels per connection (pool size and consumer count)")
	flags.Int("prefetch", d.Pool.PrefetchCount, "Unacknowledged messages per consumer")
	flags.Bool("confirms", d.Reliability.PublisherConfirms, "Wait for publisher confirms")
	flags.BoolP("verbose", "v", d.Logging.Verbose, "Enable debug logging")
	flags.String("log-format", d.Logging.Format, "Log format: text or json")
}

// Load builds the configuration from, in increasing priority: defaults, the
// YAML file at path, MMATE_* environment variables and changed flags. An
// empty path looks for mmate.yaml in the working directory. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mmate")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("connection.host", d.Connection.Host)
	v.SetDefault("connection.port", d.Connection.Port)
	v.SetDefault("connection.vhost", d.Connection.VHost)
	v.SetDefault("connection.username", d.Connection.Username)
	v.SetDefault("connection.password", d.Connection.Password)
	v.SetDefault("connection.heartbeat", d.Connection.Heartbeat)
	v.SetDefault("connection.autoRecovery", d.Connection.AutoRecovery)
	v.SetDefault("connection.recoveryInterval", d.Connection.RecoveryInterval)
	v.SetDefault("connection.connectTimeout", d.Connection.ConnectTimeout)
	v.SetDefault("connection.clientName", d.Connection.ClientName)
	v.SetDefault("connection.tls.enabled", d.Connection.TLS.Enabled)
	v.SetDefault("connection.tls.caCert", d.Connection.TLS.CACert)
	v.SetDefault("connection.tls.clientCert", d.Connection.TLS.ClientCert)
	v.SetDefault("connection.tls.clientKey", d.Connection.TLS.ClientKey)
	v.SetDefault("connection.tls.serverName", d.Connection.TLS.ServerName)
	v.SetDefault("connection.tls.verifyPeer", d.Connection.TLS.VerifyPeer)

	v.SetDefault("pool.channelsPerConnection", d.Pool.ChannelsPerConnection)
	v.SetDefault("pool.prefetchCount", d.Pool.PrefetchCount)

	v.SetDefault("reliability.publisherConfirms", d.Reliability.PublisherConfirms)
	v.SetDefault("reliability.persistentMessages", d.Reliability.PersistentMessages)
	v.SetDefault("reliability.maxRetryAttempts", d.Reliability.MaxRetryAttempts)
	v.SetDefault("reliability.retryDelay", d.Reliability.RetryDelay)
	v.SetDefault("reliability.confirmTimeout", d.Reliability.ConfirmTimeout)
	v.SetDefault("reliability.shutdownGracePeriod", d.Reliability.ShutdownGracePeriod)
	v.SetDefault("reliability.maxDeliveryAttempts", d.Reliability.MaxDeliveryAttempts)

	v.SetDefault("topology.deadLetterExchange", d.Topology.DeadLetterExchange)
	v.SetDefault("topology.deadLetterQueue", d.Topology.DeadLetterQueue)

	v.SetDefault("logging.verbose", d.Logging.Verbose)
	v.SetDefault("logging.format", d.Logging.Format)
}
