package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ChannelPool hands out channels to at most maxSize concurrent holders.
//
// Every successful Acquire must be paired with exactly one Release or Discard,
// on every exit path. Execute does this for the caller.
type ChannelPool struct {
	factory ChannelFactory
	maxSize int
	confirm bool
	logger  *slog.Logger

	permits *semaphore.Weighted

	mu     sync.Mutex
	idle   []Channel // LIFO: the most recently released channel is reused first
	inUse  int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the number of channels that may be checked out at once
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithConfirmMode puts every channel created by the pool into confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are created lazily.
func NewChannelPool(factory ChannelFactory, options ...ChannelPoolOption) (*ChannelPool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: channel factory is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		factory: factory,
		maxSize: 10,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.permits = semaphore.NewWeighted(int64(pool.maxSize))
	pool.idle = make([]Channel, 0, pool.maxSize)

	return pool, nil
}

// Acquire blocks until a permit is free, then returns an open pooled channel
// or a newly created one. If ctx ends first the error wraps ErrPoolExhausted.
func (cp *ChannelPool) Acquire(ctx context.Context) (Channel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	if err := cp.permits.Acquire(ctx, 1); err != nil {
		return nil, &ChannelError{
			Op:        "acquire",
			Err:       fmt.Errorf("%w: %w", ErrPoolExhausted, err),
			Timestamp: time.Now(),
		}
	}

	ch, err := cp.take()
	if err != nil {
		cp.permits.Release(1)
		return nil, err
	}
	return ch, nil
}

// take pops an open idle channel or creates a new one. The caller holds a permit.
func (cp *ChannelPool) take() (Channel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	for len(cp.idle) > 0 {
		last := len(cp.idle) - 1
		ch := cp.idle[last]
		cp.idle[last] = nil
		cp.idle = cp.idle[:last]

		if ch.IsClosed() {
			cp.logger.Debug("discarding closed idle channel")
			continue
		}
		cp.inUse++
		cp.mu.Unlock()
		return ch, nil
	}
	cp.mu.Unlock()

	ch, err := cp.create()
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	cp.inUse++
	cp.mu.Unlock()
	return ch, nil
}

func (cp *ChannelPool) create() (Channel, error) {
	ch, err := cp.factory.NewChannel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "enable confirms",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	cp.logger.Debug("created pooled channel", "confirmMode", cp.confirm)
	return ch, nil
}

// Release returns ch to the pool. A closed or faulted channel is dropped
// instead, and a replacement is created by a later Acquire.
func (cp *ChannelPool) Release(ch Channel) {
	if ch == nil {
		return
	}
	defer cp.permits.Release(1)

	cp.mu.Lock()
	cp.inUse--
	if cp.closed || ch.IsClosed() {
		cp.mu.Unlock()
		cp.closeChannel(ch)
		return
	}
	cp.idle = append(cp.idle, ch)
	cp.mu.Unlock()
}

// Discard closes ch and frees its permit without returning it to the pool.
func (cp *ChannelPool) Discard(ch Channel) {
	if ch == nil {
		return
	}
	defer cp.permits.Release(1)

	cp.mu.Lock()
	cp.inUse--
	cp.mu.Unlock()
	cp.closeChannel(ch)
}

func (cp *ChannelPool) closeChannel(ch Channel) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil {
		cp.logger.Debug("failed to close channel", "error", err)
	}
}

// Execute runs fn with a channel from the pool and always releases it.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer cp.Release(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch)
}

// Close closes all idle channels. Channels still checked out are closed when
// they are released.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	idle := cp.idle
	cp.idle = nil
	cp.mu.Unlock()

	var errs error
	for _, ch := range idle {
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Size returns the maximum number of concurrently checked-out channels
func (cp *ChannelPool) Size() int {
	return cp.maxSize
}

// InUse returns the number of channels currently checked out
func (cp *ChannelPool) InUse() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.inUse
}

// Idle returns the number of channels waiting in the pool
func (cp *ChannelPool) Idle() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.idle)
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}
