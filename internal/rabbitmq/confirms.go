package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// confirmTracker records publisher confirms that have not been resolved yet so
// Flush can wait for them.
type confirmTracker struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]Confirmation
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: make(map[uint64]Confirmation)}
}

func (t *confirmTracker) add(c Confirmation) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.pending[t.next] = c
	return t.next
}

func (t *confirmTracker) done(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *confirmTracker) outstanding() []Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Confirmation, 0, len(t.pending))
	for _, c := range t.pending {
		out = append(out, c)
	}
	return out
}

func (t *confirmTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// waitConfirms blocks until every confirmation resolves or ctx is done. Nacks are
// counted rather than returned early so every outstanding confirm is drained.
func waitConfirms(ctx context.Context, confirms []Confirmation) error {
	nacked := 0
	for i, c := range confirms {
		ack, err := c.WaitContext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %d of %d confirms outstanding", ErrPublishTimeout, len(confirms)-i, len(confirms))
			}
			return err
		}
		if !ack {
			nacked++
		}
	}
	if nacked > 0 {
		return fmt.Errorf("%w: %d of %d messages nacked by broker", ErrPublishNotConfirmed, nacked, len(confirms))
	}
	return nil
}
