// Package kerberos implements a keytab-based Kerberos v5 acceptor as an
// auth.Provider.
//
// A client's AP-REQ, raw or wrapped in an RFC 2743 mech token, is verified
// against the service keytab with gokrb5. The handshake completes in one
// round; when the client asks for mutual authentication the output token
// carries an AP-REP.
package kerberos

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/smnsjas/go-negotiate/auth"
)

// DefaultMaxClockSkew is the tolerated distance between client and server clocks.
const DefaultMaxClockSkew = 5 * time.Minute

// Config configures an Acceptor.
type Config struct {
	Keytab *keytab.Keytab

	// ServicePrincipal overrides the ticket's server name when selecting a
	// keytab key, e.g. "HTTP/web.example.com".
	ServicePrincipal string

	MaxClockSkew time.Duration

	// RequireChannelBindings rejects authenticators with an all-zero
	// binding hash when the server context has bindings configured.
	RequireChannelBindings bool

	Logger *slog.Logger
}

// Acceptor verifies AP-REQs. It is safe for concurrent use; the keytab may
// be swapped while handshakes are running.
type Acceptor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	keytab *keytab.Keytab

	contexts auth.HandleTable[*session]
}

type session struct {
	principal  string
	realm      string
	sessionKey types.EncryptionKey
	endTime    time.Time
}

var _ auth.Provider = (*Acceptor)(nil)

// NewAcceptor validates cfg and returns an Acceptor.
func NewAcceptor(cfg Config) (*Acceptor, error) {
	if cfg.Keytab == nil {
		return nil, errors.New("kerberos: keytab is required")
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		cfg:    cfg,
		logger: logger.With("mech", "kerberos"),
		keytab: cfg.Keytab,
	}, nil
}

// Name implements auth.Named.
func (a *Acceptor) Name() string { return "kerberos" }

// Keytab returns the keytab currently used for verification.
func (a *Acceptor) Keytab() *keytab.Keytab {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keytab
}

// SetKeytab swaps the keytab. Established contexts are unaffected.
func (a *Acceptor) SetKeytab(kt *keytab.Keytab) {
	a.mu.Lock()
	a.keytab = kt
	a.mu.Unlock()
}

// AcceptSecurityContext verifies the AP-REQ in the input token.
func (a *Acceptor) AcceptSecurityContext(req *auth.AcceptRequest) (auth.AcceptResult, auth.Status) {
	if req.Context != nil {
		return auth.AcceptResult{Context: *req.Context, Err: errors.New("kerberos context is already established")}, auth.StatusInvalidHandle
	}
	in := req.InputToken()
	if len(in) == 0 {
		return auth.AcceptResult{Err: errors.New("empty Kerberos token")}, auth.StatusInvalidToken
	}

	apReq, oid, err := extractAPReq(in)
	if err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusInvalidToken
	}

	kt := a.Keytab()
	if st, err := a.checkKey(kt, &apReq); err != nil {
		return auth.AcceptResult{Err: err}, st
	}

	opts := []func(*service.Settings){
		service.MaxClockSkew(a.cfg.MaxClockSkew),
		service.DecodePAC(false),
	}
	if a.cfg.ServicePrincipal != "" {
		opts = append(opts, service.KeytabPrincipal(a.cfg.ServicePrincipal))
	}
	ok, creds, err := service.VerifyAPREQ(&apReq, service.NewSettings(kt, opts...))
	if err != nil || !ok {
		if err == nil {
			err = errors.New("AP-REQ verification failed")
		}
		st := statusFor(err)
		a.logger.Debug("Kerberos AP-REQ rejected", "status", st.String(), "error", err)
		return auth.AcceptResult{Err: fmt.Errorf("verify AP-REQ: %w", err)}, st
	}

	var ret auth.ContextFlags
	cksum, isGSS, err := parseGSSChecksum(apReq.Authenticator.Cksum)
	if err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusInvalidToken
	}
	if isGSS {
		if st, err := a.checkChannelBindings(req, cksum); err != nil {
			return auth.AcceptResult{Err: err}, st
		}
		ret = flagsFromGSS(cksum.flags)
	}
	ret |= req.Flags & (auth.FlagConnection | auth.FlagExtendedError)

	sessionKey := apReq.Ticket.DecryptedEncPart.Key
	if len(apReq.Authenticator.SubKey.KeyValue) > 0 {
		sessionKey = apReq.Authenticator.SubKey
	}

	if types.IsFlagSet(&apReq.APOptions, flags.APOptionMutualRequired) || ret.Has(auth.FlagMutualAuth) {
		rep, err := buildAPRep(apReq, apReq.Ticket.DecryptedEncPart.Key, oid)
		if err != nil {
			return auth.AcceptResult{Err: err}, auth.StatusInternalError
		}
		if err := req.Output.Set(rep); err != nil {
			return auth.AcceptResult{Err: err}, auth.StatusBufferTooSmall
		}
		ret |= auth.FlagMutualAuth
	}

	s := &session{
		principal:  creds.UserName(),
		realm:      creds.Realm(),
		sessionKey: sessionKey,
		endTime:    creds.ValidUntil(),
	}
	h := a.contexts.Put(s)
	a.logger.Debug("Kerberos AP-REQ accepted", "principal", s.principal, "realm", s.realm, "context_flags", ret.String())
	return auth.AcceptResult{Context: h, Flags: ret, Expiry: s.endTime}, auth.StatusOK
}

// checkKey reports a missing service key up front; gokrb5 folds that case
// into a generic decryption error.
func (a *Acceptor) checkKey(kt *keytab.Keytab, apReq *messages.APReq) (auth.Status, error) {
	sname := apReq.Ticket.SName
	if a.cfg.ServicePrincipal != "" {
		sname, _ = types.ParseSPNString(a.cfg.ServicePrincipal)
	}
	if _, _, err := kt.GetEncryptionKey(sname, apReq.Ticket.Realm, apReq.Ticket.EncPart.KVNO, apReq.Ticket.EncPart.EType); err != nil {
		return auth.StatusWrongPrincipal, fmt.Errorf("no key for %s@%s: %w", sname.PrincipalNameString(), apReq.Ticket.Realm, err)
	}
	return auth.StatusOK, nil
}

func (a *Acceptor) checkChannelBindings(req *auth.AcceptRequest, cksum gssChecksum) (auth.Status, error) {
	raw := req.ChannelBindings()
	if len(raw) == 0 {
		return auth.StatusOK, nil
	}
	cb, err := auth.UnmarshalChannelBindings(raw)
	if err != nil {
		return auth.StatusInvalidToken, err
	}
	if cksum.bindings == ([16]byte{}) {
		if a.cfg.RequireChannelBindings {
			return auth.StatusBadBindings, errors.New("authenticator carries no channel bindings")
		}
		return auth.StatusOK, nil
	}
	if cksum.bindings != cb.GSSHash() {
		return auth.StatusBadBindings, errors.New("channel binding hash mismatch")
	}
	return auth.StatusOK, nil
}

func flagsFromGSS(f uint32) auth.ContextFlags {
	var ret auth.ContextFlags
	for _, m := range []struct {
		gss uint32
		ctx auth.ContextFlags
	}{
		{gssapi.ContextFlagDeleg, auth.FlagDelegate},
		{gssapi.ContextFlagMutual, auth.FlagMutualAuth},
		{gssapi.ContextFlagReplay, auth.FlagReplayDetect},
		{gssapi.ContextFlagSequence, auth.FlagSequenceDetect},
		{gssapi.ContextFlagConf, auth.FlagConfidentiality},
		{gssapi.ContextFlagInteg, auth.FlagIntegrity},
	} {
		if f&m.gss != 0 {
			ret |= m.ctx
		}
	}
	return ret
}

// statusFor maps a verification error to a provider status.
func statusFor(err error) auth.Status {
	var kerr messages.KRBError
	if errors.As(err, &kerr) {
		switch kerr.ErrorCode {
		case errorcode.KRB_AP_ERR_SKEW, errorcode.KRB_AP_ERR_TKT_NYV:
			return auth.StatusTimeSkew
		case errorcode.KRB_AP_ERR_TKT_EXPIRED:
			return auth.StatusContextExpired
		case errorcode.KRB_AP_ERR_NOKEY, errorcode.KRB_AP_ERR_BADKEYVER, errorcode.KRB_AP_ERR_NOT_US:
			return auth.StatusWrongPrincipal
		}
		return auth.StatusLogonDenied
	}
	var kbe krberror.Krberror
	if errors.As(err, &kbe) && kbe.RootCause == krberror.EncodingError {
		return auth.StatusInvalidToken
	}
	return auth.StatusLogonDenied
}

// CompleteAuthToken is never requested by this provider.
func (a *Acceptor) CompleteAuthToken(auth.ContextHandle, *auth.Buffer) auth.Status {
	return auth.StatusOK
}

// QuerySecurityContextToken returns "user@REALM".
func (a *Acceptor) QuerySecurityContextToken(h auth.ContextHandle) (auth.AccessToken, auth.Status) {
	s, ok := a.contexts.Get(h)
	if !ok {
		return nil, auth.StatusInvalidHandle
	}
	return auth.PrincipalToken(s.principal + "@" + s.realm), auth.StatusOK
}

// ImpersonateSecurityContext is not supported without an OS token.
func (a *Acceptor) ImpersonateSecurityContext(auth.ContextHandle) auth.Status {
	return auth.StatusNoImpersonation
}

// RevertSecurityContext is not supported without an OS token.
func (a *Acceptor) RevertSecurityContext(auth.ContextHandle) auth.Status {
	return auth.StatusNoImpersonation
}

// DeleteSecurityContext forgets the context and its session key.
func (a *Acceptor) DeleteSecurityContext(h auth.ContextHandle) auth.Status {
	if s, ok := a.contexts.Get(h); ok {
		clear(s.sessionKey.KeyValue)
	}
	if !a.contexts.Delete(h) {
		return auth.StatusInvalidHandle
	}
	return auth.StatusOK
}

// SessionKey returns the negotiated session key (the client subkey when
// one was sent).
func (a *Acceptor) SessionKey(h auth.ContextHandle) (types.EncryptionKey, bool) {
	s, ok := a.contexts.Get(h)
	if !ok {
		return types.EncryptionKey{}, false
	}
	return s.sessionKey, true
}

// ActiveContexts returns the number of live contexts.
func (a *Acceptor) ActiveContexts() int { return a.contexts.Len() }
