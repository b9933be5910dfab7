package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-amqp/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// amqpConnection is the part of *amqp.Connection the manager depends on.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

type dialFunc func(url string, cfg amqp.Config) (amqpConnection, error)

func dialAMQP(url string, cfg amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionManager owns the single long-lived broker connection. When
// auto-recovery is enabled it redials after the broker drops the connection;
// callers only observe the outage through IsHealthy.
type ConnectionManager struct {
	url              string
	host             string
	port             int
	vhost            string
	username         string
	password         string
	heartbeat        time.Duration
	autoRecovery     bool
	recoveryInterval time.Duration
	connectTimeout   time.Duration
	clientName       string
	tlsConfig        *tls.Config
	logger           *slog.Logger
	dial             dialFunc

	// connectMu serializes dials. mu is never held across one.
	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      amqpConnection
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithURL sets a complete AMQP URL, overriding endpoint and credential options.
func WithURL(url string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.url = url
	}
}

// WithEndpoint sets the broker host, port and virtual host
func WithEndpoint(host string, port int, vhost string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.host = host
		cm.port = port
		cm.vhost = vhost
	}
}

// WithCredentials sets the username and password
func WithCredentials(username, password string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.username = username
		cm.password = password
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithAutoRecovery enables or disables reconnecting after connection loss
func WithAutoRecovery(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.autoRecovery = enabled
	}
}

// WithRecoveryInterval sets the delay between recovery attempts
func WithRecoveryInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.recoveryInterval = interval
	}
}

// WithConnectTimeout bounds the TCP and AMQP handshake of a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithClientName sets the connection name shown in the broker management UI
func WithClientName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clientName = name
	}
}

// WithTLS enables amqps using the given TLS configuration
func WithTLS(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

func withDialer(dial dialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		host:             "localhost",
		port:             5672,
		vhost:            "/",
		username:         "guest",
		password:         "guest",
		heartbeat:        60 * time.Second,
		autoRecovery:     true,
		recoveryInterval: 10 * time.Second,
		connectTimeout:   30 * time.Second,
		logger:           slog.Default(),
		dial:             dialAMQP,
		ctx:              ctx,
		cancel:           cancel,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// URL returns the connection URL including credentials.
func (cm *ConnectionManager) URL() string {
	if cm.url != "" {
		return cm.url
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cm.host,
		Port:     cm.port,
		Username: cm.username,
		Password: cm.password,
		Vhost:    cm.vhost,
	}
	if cm.tlsConfig != nil {
		uri.Scheme = "amqps"
	}
	return uri.String()
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if cm.clientName != "" {
		props.SetClientConnectionName(cm.clientName)
	}
	return amqp.Config{
		Heartbeat:       cm.heartbeat,
		TLSClientConfig: cm.tlsConfig,
		Properties:      props,
		Dial:            amqp.DefaultDial(cm.connectTimeout),
	}
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	return cm.connect(ctx, 1)
}

func (cm *ConnectionManager) connect(ctx context.Context, attempt int) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.RLock()
	closed, current := cm.closed, cm.conn
	cm.mu.RUnlock()
	if closed {
		return cm.connectError(attempt, ErrConnectionClosed)
	}
	if current != nil && !current.IsClosed() {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return cm.connectError(attempt, err)
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return cm.connectError(attempt, ErrConnectionClosed)
	}
	cm.conn = conn
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()
	go cm.watch(conn, notifyClose)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.URL()),
		"clientName", cm.clientName,
		"heartbeat", cm.heartbeat)

	cm.notifyConnected()
	return nil
}

func (cm *ConnectionManager) connectError(attempt int, err error) error {
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.URL()),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempt,
	}
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (amqpConnection, error) {
	type dialResult struct {
		conn amqpConnection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.URL(), cm.amqpConfig())
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		// Close a connection that completes after we stopped waiting.
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, ctx.Err())
	}
}

// watch waits for the connection to close and starts recovery when it was
// not closed by us.
func (cm *ConnectionManager) watch(conn amqpConnection, notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			return
		}

		cm.logger.Error("connection closed by broker",
			"error", amqpErr,
			"recoverable", amqpErr.Recover)

		cm.mu.Lock()
		if cm.conn == conn {
			cm.conn = nil
		}
		closed := cm.closed
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)

		if !closed && cm.autoRecovery {
			cm.recover()
		}

	case <-cm.ctx.Done():
	}
}

// recover redials at a fixed interval until it succeeds or the manager is closed.
func (cm *ConnectionManager) recover() {
	start := time.Now()
	attempt := 0
	policy := reliability.NewFixedDelay(cm.recoveryInterval, reliability.Unlimited)

	select {
	case <-time.After(cm.recoveryInterval):
	case <-cm.ctx.Done():
		return
	}

	err := reliability.Retry(cm.ctx, policy, func() error {
		attempt++
		cm.logger.Info("attempting to recover connection", "attempt", attempt)
		cm.notifyReconnecting(attempt)

		err := cm.connect(cm.ctx, attempt)
		if err != nil {
			cm.logger.Warn("connection recovery failed",
				"attempt", attempt,
				"error", err,
				"nextRetryIn", cm.recoveryInterval)
		}
		return err
	})
	if err != nil {
		cm.logger.Info("connection recovery stopped", "attempts", attempt, "error", err)
		return
	}

	cm.logger.Info("connection recovered",
		"attempts", attempt,
		"duration", time.Since(start))
}

// NewChannel opens a channel on the current connection. It implements ChannelFactory.
func (cm *ConnectionManager) NewChannel() (Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	cm.mu.RUnlock()

	if conn == nil {
		return nil, ErrConnectionNotReady
	}
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}
	return amqpChannel{Channel: ch}, nil
}

// IsHealthy reports whether the connection is currently open.
func (cm *ConnectionManager) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops recovery
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.cancel()

	if cm.conn == nil {
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}

	cm.logger.Info("closing RabbitMQ connection")
	return conn.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
