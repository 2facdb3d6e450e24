package httpauth

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when too many handshake rounds are waiting.
	ErrQueueFull = errors.New("httpauth: handshake queue is full")

	// ErrAcquireTimeout is returned when waiting for a handshake slot times out.
	ErrAcquireTimeout = errors.New("httpauth: timeout waiting for a handshake slot")
)

// DefaultAcquireTimeout bounds the wait for a handshake slot.
const DefaultAcquireTimeout = 10 * time.Second

// limiter caps the number of handshake rounds running at once. Providers
// backed by a domain controller or an OS library are the scarce resource.
type limiter struct {
	sem       chan struct{}
	maxSize   int
	queueSize int32 // atomic
	maxQueue  int
	timeout   time.Duration
}

// newLimiter returns nil when maxConcurrent is not positive; a nil limiter
// never blocks. maxQueue < 0 means an unbounded queue.
func newLimiter(maxConcurrent, maxQueue int, timeout time.Duration) *limiter {
	if maxConcurrent <= 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &limiter{
		sem:      make(chan struct{}, maxConcurrent),
		maxSize:  maxConcurrent,
		maxQueue: maxQueue,
		timeout:  timeout,
	}
}

// Acquire blocks until a slot is free, ctx is done or the timeout passes.
func (l *limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	default:
	}

	qLen := atomic.AddInt32(&l.queueSize, 1)
	defer atomic.AddInt32(&l.queueSize, -1)
	if l.maxQueue >= 0 && int(qLen) > l.maxQueue {
		return ErrQueueFull
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAcquireTimeout
	}
}

// Release returns a slot. It must only be called after a successful Acquire.
func (l *limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}

// Stats returns busy slots, waiters and capacity.
func (l *limiter) Stats() (active, queued, max int) {
	if l == nil {
		return 0, 0, 0
	}
	return len(l.sem), int(atomic.LoadInt32(&l.queueSize)), l.maxSize
}
