// Package spnego implements an RFC 4178 SPNEGO acceptor on top of mechanism
// providers such as the kerberos and ntlm acceptors.
//
// The acceptor selects the first mechanism in the client's list that it
// has a provider for, forwards the embedded mechanism tokens and wraps the
// provider's replies in NegTokenResp messages. Raw NTLMSSP and Kerberos
// tokens, as sent by HTTP clients that skip SPNEGO framing, are handed to the
// matching provider unchanged.
package spnego

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	krbspnego "github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/kerberos"
	"github.com/smnsjas/go-negotiate/auth/ntlm"
)

// Mechanism OIDs.
var (
	OIDSPNEGO     = gssapi.OIDSPNEGO.OID()
	OIDKerberos   = kerberos.OIDKerberos
	OIDMSKerberos = kerberos.OIDMSKerberos
	OIDNTLM       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
)

// Negotiation states carried in NegTokenResp.
const (
	negStateAcceptCompleted  = krbspnego.NegStateAcceptCompleted
	negStateAcceptIncomplete = krbspnego.NegStateAcceptIncomplete
	negStateReject           = krbspnego.NegStateReject
)

var (
	errNoCommonMech = errors.New("spnego: no mechanism in common with the client")
	errUnexpected   = errors.New("spnego: unexpected token")
)

// Mech binds a mechanism OID to the provider that implements it.
type Mech struct {
	OID      asn1.ObjectIdentifier
	Provider auth.Provider
}

// KerberosMechs returns Mech entries for both Kerberos OIDs.
func KerberosMechs(p auth.Provider) []Mech {
	return []Mech{{OID: OIDMSKerberos, Provider: p}, {OID: OIDKerberos, Provider: p}}
}

// NTLMMech returns the Mech entry for NTLM.
func NTLMMech(p auth.Provider) Mech {
	return Mech{OID: OIDNTLM, Provider: p}
}

// Acceptor is an auth.Provider that negotiates one of its Mechs.
type Acceptor struct {
	mechs    []Mech
	logger   *slog.Logger
	contexts auth.HandleTable[*session]
}

type session struct {
	mech     Mech
	inner    auth.ContextHandle
	hasInner bool
	// raw sessions exchange bare mechanism tokens without SPNEGO framing.
	raw bool
	// mechSent records that supportedMech went out in a reply.
	mechSent bool
}

var _ auth.Provider = (*Acceptor)(nil)

// NewAcceptor returns an acceptor preferring mechanisms in the given order
// when the client's list does not decide.
func NewAcceptor(logger *slog.Logger, mechs ...Mech) (*Acceptor, error) {
	if len(mechs) == 0 {
		return nil, errors.New("spnego: at least one mechanism is required")
	}
	for _, m := range mechs {
		if m.Provider == nil {
			return nil, fmt.Errorf("spnego: mechanism %s has no provider", m.OID)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{mechs: mechs, logger: logger.With("mech", "spnego")}, nil
}

// Name implements auth.Named.
func (a *Acceptor) Name() string { return "spnego" }

// MechTypes returns the OIDs the acceptor supports, in preference order.
func (a *Acceptor) MechTypes() []asn1.ObjectIdentifier {
	oids := make([]asn1.ObjectIdentifier, len(a.mechs))
	for i, m := range a.mechs {
		oids[i] = m.OID
	}
	return oids
}

func (a *Acceptor) lookup(oid asn1.ObjectIdentifier) (Mech, bool) {
	for _, m := range a.mechs {
		if m.OID.Equal(oid) {
			return m, true
		}
	}
	return Mech{}, false
}

// rawMech picks a provider for a bare mechanism token.
func (a *Acceptor) rawMech(tok []byte) (Mech, bool) {
	switch {
	case ntlm.IsNTLMToken(tok):
		return a.lookup(OIDNTLM)
	case kerberos.IsKerberosToken(tok):
		if m, ok := a.lookup(OIDKerberos); ok {
			return m, true
		}
		return a.lookup(OIDMSKerberos)
	}
	return Mech{}, false
}

// AcceptSecurityContext runs one SPNEGO round.
func (a *Acceptor) AcceptSecurityContext(req *auth.AcceptRequest) (auth.AcceptResult, auth.Status) {
	in := req.InputToken()
	if req.Context == nil {
		return a.first(req, in)
	}

	s, ok := a.contexts.Get(*req.Context)
	if !ok {
		return auth.AcceptResult{Err: errors.New("unknown SPNEGO context")}, auth.StatusInvalidHandle
	}
	res := auth.AcceptResult{Context: *req.Context}

	if s.raw {
		return a.step(req, s, res, in)
	}

	var tok krbspnego.SPNEGOToken
	if err := tok.Unmarshal(in); err != nil {
		res.Err = fmt.Errorf("%w: %v", errUnexpected, err)
		return res, auth.StatusInvalidToken
	}
	switch {
	case tok.Resp:
		if tok.NegTokenResp.NegState == asn1.Enumerated(negStateReject) {
			res.Err = errors.New("spnego: client rejected the negotiation")
			return res, auth.StatusLogonDenied
		}
		if s.mech.Provider == nil {
			res.Err = fmt.Errorf("%w: NegTokenResp before a mechanism was selected", errUnexpected)
			a.writeReject(req)
			return res, auth.StatusInvalidToken
		}
		return a.step(req, s, res, tok.NegTokenResp.ResponseToken)
	case tok.Init && !s.hasInner:
		// reply to our empty-token hint
		return a.selectMech(req, s, res, tok.NegTokenInit)
	}
	res.Err = fmt.Errorf("%w: NegTokenInit on an established context", errUnexpected)
	return res, auth.StatusInvalidToken
}

func (a *Acceptor) first(req *auth.AcceptRequest, in []byte) (auth.AcceptResult, auth.Status) {
	if len(in) == 0 {
		return a.hint(req)
	}

	if m, ok := a.rawMech(in); ok {
		s := &session{mech: m, raw: true}
		res := auth.AcceptResult{Context: a.contexts.Put(s)}
		return a.finishFirst(a.step(req, s, res, in))
	}

	var tok krbspnego.SPNEGOToken
	if err := tok.Unmarshal(in); err != nil {
		return auth.AcceptResult{Err: fmt.Errorf("%w: %v", errUnexpected, err)}, auth.StatusInvalidToken
	}
	if !tok.Init {
		return auth.AcceptResult{Err: fmt.Errorf("%w: expected NegTokenInit", errUnexpected)}, auth.StatusInvalidToken
	}

	s := &session{}
	res := auth.AcceptResult{Context: a.contexts.Put(s)}
	return a.finishFirst(a.selectMech(req, s, res, tok.NegTokenInit))
}

// finishFirst drops the session of a failed first round so that the
// caller sees no handle.
func (a *Acceptor) finishFirst(res auth.AcceptResult, st auth.Status) (auth.AcceptResult, auth.Status) {
	if st.IsError() {
		a.DeleteSecurityContext(res.Context)
		res.Context = auth.ContextHandle{}
	}
	return res, st
}

// hint answers an empty first token with the server's mechanism list.
func (a *Acceptor) hint(req *auth.AcceptRequest) (auth.AcceptResult, auth.Status) {
	tok := krbspnego.SPNEGOToken{
		Init:         true,
		NegTokenInit: krbspnego.NegTokenInit{MechTypes: a.MechTypes()},
	}
	b, err := tok.Marshal()
	if err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusInternalError
	}
	if err := req.Output.Set(b); err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusBufferTooSmall
	}
	h := a.contexts.Put(&session{})
	a.logger.Debug("sent SPNEGO mechanism hint", "mechs", len(a.mechs))
	return auth.AcceptResult{Context: h}, auth.StatusContinueNeeded
}

func (a *Acceptor) selectMech(req *auth.AcceptRequest, s *session, res auth.AcceptResult, nti krbspnego.NegTokenInit) (auth.AcceptResult, auth.Status) {
	var (
		chosen  Mech
		found   bool
		optimal bool
	)
	for i, oid := range nti.MechTypes {
		if m, ok := a.lookup(oid); ok {
			chosen, found, optimal = m, true, i == 0
			break
		}
	}
	if !found {
		res.Err = errNoCommonMech
		a.writeReject(req)
		return res, auth.StatusInvalidToken
	}
	s.mech = chosen
	a.logger.Debug("SPNEGO mechanism selected", "oid", chosen.OID.String(), "optimistic", optimal && len(nti.MechTokenBytes) > 0)

	if !optimal || len(nti.MechTokenBytes) == 0 {
		// the optimistic token, if any, is for a mech we did not pick
		b, err := a.respond(s, negStateAcceptIncomplete, nil)
		if err != nil {
			res.Err = err
			return res, auth.StatusInternalError
		}
		if err := req.Output.Set(b); err != nil {
			res.Err = err
			return res, auth.StatusBufferTooSmall
		}
		return res, auth.StatusContinueNeeded
	}
	return a.step(req, s, res, nti.MechTokenBytes)
}

// step forwards a mechanism token to the selected provider and frames the
// reply.
func (a *Acceptor) step(req *auth.AcceptRequest, s *session, res auth.AcceptResult, mechToken []byte) (auth.AcceptResult, auth.Status) {
	inner := &auth.AcceptRequest{
		Credential: req.Credential,
		Input:      []*auth.Buffer{auth.NewInputBuffer(auth.BufferToken, mechToken)},
		Flags:      req.Flags,
		DataRep:    req.DataRep,
		Output:     auth.NewBuffer(auth.BufferToken, req.Output.Cap()),
	}
	if cb := req.ChannelBindings(); cb != nil {
		inner.Input = append(inner.Input, auth.NewInputBuffer(auth.BufferChannelBindings, cb))
	}
	if s.hasInner {
		h := s.inner
		inner.Context = &h
	}

	ir, st := s.mech.Provider.AcceptSecurityContext(inner)
	if !ir.Context.IsZero() {
		s.inner = ir.Context
		s.hasInner = true
	}
	res.Flags = ir.Flags
	res.Expiry = ir.Expiry

	switch st {
	case auth.StatusCompleteNeeded, auth.StatusCompleteAndContinue:
		if cst := s.mech.Provider.CompleteAuthToken(s.inner, inner.Output); cst != auth.StatusOK {
			res.Err = fmt.Errorf("complete %s token", providerLabel(s.mech.Provider))
			return res, cst
		}
		if st == auth.StatusCompleteNeeded {
			st = auth.StatusOK
		} else {
			st = auth.StatusContinueNeeded
		}
	}

	if st.IsError() {
		res.Err = ir.Err
		if !s.raw {
			a.writeReject(req)
		}
		return res, st
	}

	out := inner.Output.Bytes()
	if !s.raw {
		state := negStateAcceptIncomplete
		if st == auth.StatusOK {
			state = negStateAcceptCompleted
		}
		b, err := a.respond(s, state, out)
		if err != nil {
			res.Err = err
			return res, auth.StatusInternalError
		}
		out = b
	}
	if err := req.Output.Set(out); err != nil {
		res.Err = err
		return res, auth.StatusBufferTooSmall
	}
	return res, st
}

// respond marshals a NegTokenResp; supportedMech goes only in the first
// reply.
func (a *Acceptor) respond(s *session, state krbspnego.NegState, token []byte) ([]byte, error) {
	resp := krbspnego.NegTokenResp{
		NegState:      asn1.Enumerated(state),
		ResponseToken: token,
	}
	if !s.mechSent {
		resp.SupportedMech = s.mech.OID
		s.mechSent = true
	}
	b, err := resp.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal NegTokenResp: %w", err)
	}
	return b, nil
}

// writeReject places a reject NegTokenResp in the output when it fits.
func (a *Acceptor) writeReject(req *auth.AcceptRequest) {
	resp := krbspnego.NegTokenResp{NegState: asn1.Enumerated(negStateReject)}
	if b, err := resp.Marshal(); err == nil {
		_ = req.Output.Set(b)
	}
}

func providerLabel(p auth.Provider) string {
	if n, ok := p.(auth.Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

func (a *Acceptor) innerOf(h auth.ContextHandle) (*session, auth.Status) {
	s, ok := a.contexts.Get(h)
	if !ok || !s.hasInner {
		return nil, auth.StatusInvalidHandle
	}
	return s, auth.StatusOK
}

// CompleteAuthToken is handled inside AcceptSecurityContext; nothing is left
// for the caller to complete.
func (a *Acceptor) CompleteAuthToken(auth.ContextHandle, *auth.Buffer) auth.Status {
	return auth.StatusOK
}

// QuerySecurityContextToken delegates to the selected mechanism.
func (a *Acceptor) QuerySecurityContextToken(h auth.ContextHandle) (auth.AccessToken, auth.Status) {
	s, st := a.innerOf(h)
	if st != auth.StatusOK {
		return nil, st
	}
	return s.mech.Provider.QuerySecurityContextToken(s.inner)
}

// ImpersonateSecurityContext delegates to the selected mechanism.
func (a *Acceptor) ImpersonateSecurityContext(h auth.ContextHandle) auth.Status {
	s, st := a.innerOf(h)
	if st != auth.StatusOK {
		return st
	}
	return s.mech.Provider.ImpersonateSecurityContext(s.inner)
}

// RevertSecurityContext delegates to the selected mechanism.
func (a *Acceptor) RevertSecurityContext(h auth.ContextHandle) auth.Status {
	s, st := a.innerOf(h)
	if st != auth.StatusOK {
		return st
	}
	return s.mech.Provider.RevertSecurityContext(s.inner)
}

// DeleteSecurityContext deletes the mechanism context and the SPNEGO state.
func (a *Acceptor) DeleteSecurityContext(h auth.ContextHandle) auth.Status {
	s, ok := a.contexts.Get(h)
	if !ok {
		return auth.StatusInvalidHandle
	}
	a.contexts.Delete(h)
	if s.hasInner {
		return s.mech.Provider.DeleteSecurityContext(s.inner)
	}
	return auth.StatusOK
}

// Mechanism returns the OID selected for a context.
func (a *Acceptor) Mechanism(h auth.ContextHandle) (asn1.ObjectIdentifier, bool) {
	s, ok := a.contexts.Get(h)
	if !ok || s.mech.Provider == nil {
		return nil, false
	}
	return s.mech.OID, true
}

// ActiveContexts returns the number of live SPNEGO contexts.
func (a *Acceptor) ActiveContexts() int { return a.contexts.Len() }
