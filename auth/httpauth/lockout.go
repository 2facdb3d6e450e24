package httpauth

import (
	"errors"
	"sync"
	"time"
)

// LockState is the state of one remote's lockout breaker.
type LockState int

const (
	// LockClosed means handshakes from the remote are accepted.
	LockClosed LockState = iota
	// LockOpen means the remote is locked out.
	LockOpen
	// LockHalfOpen means the cooldown elapsed and one handshake may probe.
	LockHalfOpen
)

// String returns the string representation of the state.
func (s LockState) String() string {
	switch s {
	case LockClosed:
		return "Closed"
	case LockOpen:
		return "Open"
	case LockHalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrLockedOut is returned when a remote has failed too many handshakes.
var ErrLockedOut = errors.New("httpauth: too many failed handshakes")

// LockoutPolicy configures per-remote lockout.
type LockoutPolicy struct {
	// FailureThreshold consecutive failures lock the remote out.
	FailureThreshold int
	// Cooldown is how long a locked-out remote is rejected.
	Cooldown time.Duration

	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(remote string, from, to LockState)
}

type lockEntry struct {
	state       LockState
	failures    int
	lastFailure time.Time
}

// lockout is a circuit breaker per remote address.
type lockout struct {
	mu      sync.Mutex
	entries map[string]*lockEntry

	threshold int
	cooldown  time.Duration
	clock     Clock
	lastPrune time.Time

	onStateChange func(remote string, from, to LockState)
}

// newLockout returns nil for a nil policy; a nil lockout allows everything.
func newLockout(policy *LockoutPolicy, clock Clock) *lockout {
	if policy == nil || policy.FailureThreshold <= 0 {
		return nil
	}
	return &lockout{
		entries:       make(map[string]*lockEntry),
		threshold:     policy.FailureThreshold,
		cooldown:      policy.Cooldown,
		clock:         clock,
		lastPrune:     clock.Now(),
		onStateChange: policy.OnStateChange,
	}
}

// Allow reports whether remote may start or continue a handshake.
func (l *lockout) Allow(remote string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[remote]
	if !ok || e.state != LockOpen {
		return nil
	}
	if l.clock.Now().Sub(e.lastFailure) > l.cooldown {
		l.transitionLocked(remote, e, LockHalfOpen)
		return nil
	}
	return ErrLockedOut
}

// RetryAfter returns how long remote stays locked out.
func (l *lockout) RetryAfter(remote string) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[remote]
	if !ok || e.state != LockOpen {
		return 0
	}
	d := l.cooldown - l.clock.Now().Sub(e.lastFailure)
	if d < 0 {
		return 0
	}
	return d
}

// Record updates remote's breaker with a handshake outcome.
func (l *lockout) Record(remote string, success bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[remote]
	if success {
		if ok {
			// a clean remote carries no entry
			l.transitionLocked(remote, e, LockClosed)
			delete(l.entries, remote)
		}
		return
	}
	now := l.clock.Now()
	if !ok {
		if now.Sub(l.lastPrune) > l.cooldown {
			l.pruneLocked(now)
		}
		e = &lockEntry{}
		l.entries[remote] = e
	}

	e.failures++
	e.lastFailure = now

	switch {
	case e.state == LockHalfOpen:
		l.transitionLocked(remote, e, LockOpen)
	case e.state == LockClosed && e.failures >= l.threshold:
		l.transitionLocked(remote, e, LockOpen)
	}
}

// Prune forgets remotes whose last failure is older than the cooldown and
// returns how many were removed. A forgotten remote starts over with a
// clean failure count.
func (l *lockout) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.clock.Now())
}

// Len returns the number of remotes being tracked.
func (l *lockout) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// pruneLocked must be called with l.mu held.
func (l *lockout) pruneLocked(now time.Time) int {
	n := 0
	for remote, e := range l.entries {
		if now.Sub(e.lastFailure) > l.cooldown {
			delete(l.entries, remote)
			n++
		}
	}
	l.lastPrune = now
	return n
}

// State returns remote's current state.
func (l *lockout) State(remote string) LockState {
	if l == nil {
		return LockClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[remote]; ok {
		return e.state
	}
	return LockClosed
}

// transitionLocked must be called with l.mu held.
func (l *lockout) transitionLocked(remote string, e *lockEntry, to LockState) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	if l.onStateChange != nil {
		go l.onStateChange(remote, from, to)
	}
}
