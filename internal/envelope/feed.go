package envelope

import (
	"context"
	"errors"
	"sync"
)

// ErrFeedClosed is returned by Next once the feed is closed and drained.
var ErrFeedClosed = errors.New("envelope feed closed")

// Notification announces that a request envelope was created. Delivery is at
// least once: the same request may be announced more than once.
type Notification struct {
	RequestID string
	AccountID string
}

// Feed is the executor's source of creation notifications. After Close,
// Publish reports false and Next drains what is queued, then returns
// ErrFeedClosed.
type Feed interface {
	Publish(n Notification) bool
	Next(ctx context.Context) (Notification, error)
	Close()
}

var _ Feed = (*MemoryFeed)(nil)

// MemoryFeed is an unbounded in-process FIFO. Publishers never block; Next
// blocks until a notification arrives, the context ends or the feed closes.
type MemoryFeed struct {
	mu     sync.Mutex
	items  []Notification
	closed bool
	signal chan struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		items:  make([]Notification, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

func (f *MemoryFeed) Publish(n Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || n.RequestID == "" {
		return false
	}
	f.items = append(f.items, n)
	f.notifyLocked()
	return true
}

func (f *MemoryFeed) notifyLocked() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *MemoryFeed) tryNext() (Notification, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return Notification{}, false, f.closed
	}
	n := f.items[0]
	f.items[0] = Notification{}
	f.items = f.items[1:]
	if len(f.items) > 0 && !f.closed {
		// wake another waiter for the remainder
		f.notifyLocked()
	}
	return n, true, f.closed
}

func (f *MemoryFeed) Next(ctx context.Context) (Notification, error) {
	for {
		n, ok, closed := f.tryNext()
		if ok {
			return n, nil
		}
		if closed {
			return Notification{}, ErrFeedClosed
		}
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-f.signal:
		}
	}
}

// Len reports queued notifications.
func (f *MemoryFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Close stops accepting notifications; queued ones can still be drained.
func (f *MemoryFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.signal)
}
