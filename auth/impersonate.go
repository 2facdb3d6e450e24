package auth

import (
	"errors"
	"runtime"
	"sync"
)

var (
	// ErrImpersonating is returned by Impersonate while a previous
	// impersonation has not been reverted.
	ErrImpersonating = errors.New("impersonation already active")

	// ErrForeignThread is returned by Revert and Close when called from a
	// goroutine other than the one impersonating. Nothing is reverted.
	ErrForeignThread = errors.New("impersonation must be reverted on the impersonating thread")
)

// Impersonation is an active impersonation of the authenticated client on
// the calling OS thread. Revert it on the same goroutine that started it.
type Impersonation struct {
	ctx    *ServerContext
	thread uint64

	mu       sync.Mutex
	reverted bool
	err      error
}

// Impersonate makes the calling goroutine's OS thread act as the client.
// The goroutine stays locked to its thread until Revert succeeds.
func (c *ServerContext) Impersonate() (*Impersonation, error) {
	if c.state != StateDone {
		return nil, &InvalidStateError{Op: "impersonate", State: c.state}
	}
	if c.imp != nil {
		return nil, ErrImpersonating
	}

	runtime.LockOSThread()
	if st := c.provider.ImpersonateSecurityContext(c.handle); st != StatusOK {
		runtime.UnlockOSThread()
		return nil, &NegotiationError{Op: "impersonate security context", Status: st}
	}

	imp := &Impersonation{ctx: c, thread: currentThread()}
	c.imp = imp
	c.logger.Debug("impersonating client")
	return imp, nil
}

// Revert ends the impersonation. It must run on the impersonating
// goroutine; elsewhere it returns ErrForeignThread and changes nothing. Only
// the first call from that goroutine has an effect; later calls return its
// result.
//
// If the provider fails to revert, the goroutine stays locked to the
// impersonating thread so the runtime discards the thread when the
// goroutine exits.
func (i *Impersonation) Revert() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reverted {
		return i.err
	}
	if currentThread() != i.thread {
		return ErrForeignThread
	}
	i.reverted = true

	c := i.ctx
	c.imp = nil
	if st := c.provider.RevertSecurityContext(c.handle); st != StatusOK {
		i.err = &NegotiationError{Op: "revert security context", Status: st}
		c.logger.Error("revert impersonation failed", "status", st)
		return i.err
	}
	runtime.UnlockOSThread()
	c.logger.Debug("impersonation reverted")
	return nil
}
