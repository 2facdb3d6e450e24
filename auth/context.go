package auth

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a ServerContext.
type State int

const (
	StateUninitialized State = iota
	StateNegotiating
	StateDone
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// errEmptyContinuation is the cause reported when a provider asks for another
// round without giving the client anything to respond to.
var errEmptyContinuation = errors.New("provider requested another round without an output token")

// ServerContext drives the server side of a negotiated authentication
// handshake against a Provider.
//
// NewServerContext runs the first round. While Done reports false, send
// Token to the client and pass its reply to Continue. Once Done, the
// authenticated principal is available through AccessToken and Impersonate.
// Close releases the provider context.
//
// # Thread Safety
//
// ServerContext is NOT safe for concurrent use. Callers must serialize all
// calls, typically by owning the context from a single goroutine.
type ServerContext struct {
	provider Provider
	cred     CredentialHandle

	handle    ContextHandle
	hasHandle bool

	flags        ContextFlags
	dataRep      DataRepresentation
	maxTokenSize int
	bindings     []byte

	token       []byte
	done        bool
	resultFlags ContextFlags
	expiry      time.Time

	state   State
	rounds  int
	id      string
	started time.Time
	peer    string
	imp     *Impersonation

	logger  *slog.Logger
	metrics *HandshakeMetrics
	events  *SecurityLogger
}

// NewServerContext creates a context on cred and processes the client's first
// token. An empty token is passed to the provider as is.
//
// A provider status outside the success set is returned as a
// *NegotiationError; any provider context allocated by the failed round has
// been deleted by then.
func NewServerContext(p Provider, cred CredentialHandle, token []byte, opts ...Option) (*ServerContext, error) {
	if p == nil {
		return nil, errors.New("new server context: nil provider")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxTokenSize <= 0 {
		return nil, fmt.Errorf("new server context: invalid max token size %d", o.maxTokenSize)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &ServerContext{
		provider:     p,
		cred:         cred,
		flags:        o.flags,
		dataRep:      o.dataRep,
		maxTokenSize: o.maxTokenSize,
		state:        StateUninitialized,
		id:           uuid.New().String(),
		started:      time.Now(),
		peer:         o.peer,
		metrics:      o.metrics,
		events:       o.events,
	}
	c.logger = o.logger.With("context_id", c.id, "provider", providerName(p))
	if o.peer != "" {
		c.logger = c.logger.With("peer", o.peer)
	}
	if o.bindings != nil {
		c.bindings = o.bindings.Marshal()
	}

	// The context always supplies its own output buffer.
	if c.flags&FlagAllocateMemory != 0 {
		c.flags &^= FlagAllocateMemory
		c.logger.Debug("cleared ALLOCATE_MEMORY from requested flags", "flags", c.flags)
	}

	c.events.LogAuthentication(c.id, SubtypeAuthAttempt, OutcomeAttempt, SeverityInfo, "", c.peer,
		map[string]any{"provider": providerName(p), "flags": c.flags.String()})

	if err := c.round(token); err != nil {
		return nil, err
	}
	return c, nil
}

// Continue processes the client's next token.
func (c *ServerContext) Continue(token []byte) error {
	if c.state != StateNegotiating {
		return &InvalidStateError{Op: "continue", State: c.state}
	}
	return c.round(token)
}

func (c *ServerContext) round(in []byte) error {
	out := getOutputBuffer(c.maxTokenSize)
	defer putOutputBuffer(out)

	input := []*Buffer{NewInputBuffer(BufferToken, in)}
	if c.bindings != nil {
		input = append(input, NewInputBuffer(BufferChannelBindings, c.bindings))
	}

	req := &AcceptRequest{
		Credential: c.cred,
		Input:      input,
		Flags:      c.flags,
		DataRep:    c.dataRep,
		Output:     out,
	}
	if c.hasHandle {
		h := c.handle
		req.Context = &h
	}

	res, status := c.provider.AcceptSecurityContext(req)
	c.rounds++
	c.resultFlags = res.Flags
	c.expiry = res.Expiry
	c.metrics.RecordRound(status)

	if !res.Context.IsZero() {
		if !c.hasHandle {
			c.metrics.ContextOpened()
		}
		c.handle = res.Context
		c.hasHandle = true
	}

	c.logger.Debug("accept round",
		"round", c.rounds,
		"status", status,
		"in_len", len(in),
		"out_len", out.Len(),
		"result_flags", res.Flags)

	action, ok := roundActions[status]
	if !ok {
		return c.fail(&NegotiationError{Op: "accept security context", Status: status, Err: res.Err})
	}

	if action.complete {
		if st := c.provider.CompleteAuthToken(c.handle, out); st != StatusOK {
			return c.fail(&NegotiationError{Op: "complete auth token", Status: st})
		}
	}

	if action.again && out.Len() == 0 {
		return c.fail(&NegotiationError{Op: "accept security context", Status: status, Err: errEmptyContinuation})
	}

	c.token = bytes.Clone(out.Bytes())
	c.done = !action.again
	if !c.done {
		c.state = StateNegotiating
		return nil
	}

	c.state = StateDone
	c.metrics.RecordOutcome(true, time.Since(c.started))
	c.logger.Debug("handshake complete", "rounds", c.rounds, "result_flags", c.resultFlags, "expiry", c.expiry)
	c.events.LogAuthentication(c.id, SubtypeAuthSuccess, OutcomeSuccess, SeverityInfo, "", c.peer,
		map[string]any{"rounds": c.rounds, "flags": c.resultFlags.String()})
	return nil
}

// fail moves the context to StateFailed. A failed first round leaves no
// context for the caller to close, so the handle is deleted here.
func (c *ServerContext) fail(err *NegotiationError) error {
	first := c.state == StateUninitialized
	c.state = StateFailed
	c.done = false
	c.token = nil
	c.metrics.RecordOutcome(false, time.Since(c.started))
	c.logger.Warn("handshake round failed", "round", c.rounds, "op", err.Op, "status", err.Status, "error", err.Err)
	c.events.LogAuthentication(c.id, SubtypeAuthFailure, OutcomeDenied, SeverityWarning, "", c.peer,
		map[string]any{"status": err.Status.String(), "round": c.rounds})

	if first && c.hasHandle {
		if st := c.provider.DeleteSecurityContext(c.handle); st != StatusOK {
			c.logger.Warn("delete security context failed", "status", st)
		}
		c.hasHandle = false
		c.handle = ContextHandle{}
		c.metrics.ContextClosed()
		c.state = StateDisposed
	}
	return err
}

// Token returns the last outbound token. It may be empty, in particular on
// completion. The slice is owned by the context until the next round.
func (c *ServerContext) Token() []byte { return c.token }

// Done reports whether the handshake needs no further round.
func (c *ServerContext) Done() bool { return c.done }

// ResultFlags returns the context attributes reported by the last round.
func (c *ServerContext) ResultFlags() ContextFlags { return c.resultFlags }

// Expiry returns the expiry reported by the last round. It is informational
// and not enforced.
func (c *ServerContext) Expiry() time.Time { return c.expiry }

// RequestedFlags returns the flags passed to the provider. FlagAllocateMemory
// is never set.
func (c *ServerContext) RequestedFlags() ContextFlags { return c.flags }

// DataRepresentation returns the data representation fixed at construction.
func (c *ServerContext) DataRepresentation() DataRepresentation { return c.dataRep }

// State returns the lifecycle state.
func (c *ServerContext) State() State { return c.state }

// ID returns the correlation ID used in logs and audit events.
func (c *ServerContext) ID() string { return c.id }

// Rounds returns how many accept rounds have run.
func (c *ServerContext) Rounds() int { return c.rounds }

// AccessToken returns the authenticated principal's token. The caller owns
// the result and must Close it.
func (c *ServerContext) AccessToken() (AccessToken, error) {
	if c.state != StateDone {
		return nil, &InvalidStateError{Op: "access token", State: c.state}
	}
	tok, st := c.provider.QuerySecurityContextToken(c.handle)
	if st != StatusOK {
		return nil, &NegotiationError{Op: "query security context token", Status: st}
	}
	c.logger.Debug("access token issued", "principal", tok.Principal())
	return tok, nil
}

// Close reverts any active impersonation and deletes the provider context.
// It is idempotent; only the first call can return an error. A failed delete
// is logged and reported but still leaves the context disposed.
//
// While impersonating, Close must run on the impersonating goroutine.
// Called elsewhere it returns ErrForeignThread and leaves the context open.
func (c *ServerContext) Close() error {
	if c.state == StateDisposed {
		return nil
	}
	var errs []error

	if c.imp != nil {
		err := c.imp.Revert()
		if errors.Is(err, ErrForeignThread) {
			return err
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.state = StateDisposed
	c.token = nil

	if c.hasHandle {
		st := c.provider.DeleteSecurityContext(c.handle)
		c.hasHandle = false
		c.handle = ContextHandle{}
		c.metrics.ContextClosed()
		if st != StatusOK {
			c.logger.Warn("delete security context failed", "status", st)
			errs = append(errs, &NegotiationError{Op: "delete security context", Status: st})
		}
	}

	c.logger.Debug("server context closed", "rounds", c.rounds)
	return errors.Join(errs...)
}
