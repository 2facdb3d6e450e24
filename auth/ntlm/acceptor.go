// Package ntlm implements a pure-Go NTLMv2 acceptor as an auth.Provider.
//
// The acceptor answers a NEGOTIATE message with a CHALLENGE and verifies the
// client's AUTHENTICATE message against a UserStore. NTLMv1 and anonymous
// logons are refused. When the client includes a MIC or channel binding
// hash in its NTLMv2 response, both are checked.
package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/smnsjas/go-negotiate/auth"
)

// DefaultMaxLifetime is the accepted distance between the client's NTLMv2
// timestamp and the server clock.
const DefaultMaxLifetime = 36 * time.Hour

// Config configures an Acceptor.
type Config struct {
	// Domain is the NetBIOS domain and target name. Defaults to "WORKGROUP".
	Domain string
	// Computer is the NetBIOS computer name. Defaults to Domain.
	Computer string
	// DNSDomain and DNSComputer are optional target info entries.
	DNSDomain   string
	DNSComputer string

	Users UserStore

	// RequireChannelBindings rejects clients that send no channel binding
	// hash when the server context has bindings configured.
	RequireChannelBindings bool

	// MaxLifetime bounds the client timestamp skew. Zero uses
	// DefaultMaxLifetime; negative disables the check.
	MaxLifetime time.Duration

	// ContextLifetime is reported as the context expiry. Zero means none.
	ContextLifetime time.Duration

	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Acceptor is a stateless NTLM auth.Provider; per-handshake state lives in
// its handle table, so one Acceptor serves any number of concurrent
// handshakes.
type Acceptor struct {
	cfg      Config
	logger   *slog.Logger
	contexts auth.HandleTable[*handshake]
}

type handshakeState int

const (
	stateChallengeSent handshakeState = iota
	stateAuthenticated
)

type handshake struct {
	state       handshakeState
	negotiate   []byte
	challenge   []byte
	serverChal  [8]byte
	flags       uint32
	user        string
	domain      string
	exportedKey []byte
}

var _ auth.Provider = (*Acceptor)(nil)

// NewAcceptor validates cfg and returns an Acceptor.
func NewAcceptor(cfg Config) (*Acceptor, error) {
	if cfg.Users == nil {
		return nil, errors.New("ntlm: user store is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = "WORKGROUP"
	}
	if cfg.Computer == "" {
		cfg.Computer = cfg.Domain
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{cfg: cfg, logger: logger.With("mech", "ntlm")}, nil
}

// Name implements auth.Named.
func (a *Acceptor) Name() string { return "ntlm" }

// AcceptSecurityContext handles NEGOTIATE on a new context and AUTHENTICATE
// on an existing one.
func (a *Acceptor) AcceptSecurityContext(req *auth.AcceptRequest) (auth.AcceptResult, auth.Status) {
	in := req.InputToken()
	if req.Context == nil {
		return a.negotiate(req, in)
	}

	hs, ok := a.contexts.Get(*req.Context)
	if !ok {
		return auth.AcceptResult{Err: errors.New("unknown NTLM context")}, auth.StatusInvalidHandle
	}
	res := auth.AcceptResult{Context: *req.Context}
	if hs.state != stateChallengeSent {
		res.Err = errors.New("NTLM context already authenticated")
		return res, auth.StatusInvalidHandle
	}
	return a.authenticate(req, hs, in, res)
}

func (a *Acceptor) negotiate(req *auth.AcceptRequest, in []byte) (auth.AcceptResult, auth.Status) {
	if len(in) == 0 {
		return auth.AcceptResult{Err: errors.New("empty NTLM token")}, auth.StatusInvalidToken
	}
	clientFlags, err := parseNegotiate(in)
	if err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusInvalidToken
	}
	if clientFlags&flagNegotiateUnicode == 0 {
		return auth.AcceptResult{Err: errors.New("client does not support Unicode")}, auth.StatusUnsupportedFunction
	}

	hs := &handshake{
		state:     stateChallengeSent,
		negotiate: append([]byte(nil), in...),
		flags:     a.challengeFlags(clientFlags),
	}
	if _, err := rand.Read(hs.serverChal[:]); err != nil {
		return auth.AcceptResult{Err: fmt.Errorf("generate server challenge: %w", err)}, auth.StatusInternalError
	}
	hs.challenge = buildChallenge(challengeParams{
		flags:       hs.flags,
		challenge:   hs.serverChal,
		targetName:  a.cfg.Domain,
		nbDomain:    a.cfg.Domain,
		nbComputer:  a.cfg.Computer,
		dnsDomain:   a.cfg.DNSDomain,
		dnsComputer: a.cfg.DNSComputer,
		timestamp:   a.cfg.Now(),
	})

	if err := req.Output.Set(hs.challenge); err != nil {
		return auth.AcceptResult{Err: err}, auth.StatusBufferTooSmall
	}

	h := a.contexts.Put(hs)
	a.logger.Debug("NTLM challenge issued", "client_flags", fmt.Sprintf("0x%08x", clientFlags), "server_flags", fmt.Sprintf("0x%08x", hs.flags))
	return auth.AcceptResult{Context: h, Flags: resultFlags(hs.flags, req.Flags)}, auth.StatusContinueNeeded
}

// challengeFlags selects the CHALLENGE flags. LM_KEY is never offered; the
// rest of the client's session options are echoed.
func (a *Acceptor) challengeFlags(client uint32) uint32 {
	flags := flagNegotiateUnicode | flagNegotiateNTLM | flagRequestTarget |
		flagTargetTypeDomain | flagNegotiateTargetInfo | flagNegotiateVersion
	echo := flagNegotiateSign | flagNegotiateSeal | flagNegotiateAlwaysSign |
		flagNegotiateExtendedSecurity | flagNegotiate128 | flagNegotiate56 |
		flagNegotiateKeyExch
	return flags | client&echo
}

func resultFlags(ntlmFlags uint32, requested auth.ContextFlags) auth.ContextFlags {
	var f auth.ContextFlags
	if ntlmFlags&(flagNegotiateSign|flagNegotiateAlwaysSign) != 0 {
		f |= auth.FlagIntegrity | auth.FlagReplayDetect | auth.FlagSequenceDetect
	}
	if ntlmFlags&flagNegotiateSeal != 0 {
		f |= auth.FlagConfidentiality
	}
	f |= requested & (auth.FlagConnection | auth.FlagExtendedError)
	return f
}

func (a *Acceptor) authenticate(req *auth.AcceptRequest, hs *handshake, in []byte, res auth.AcceptResult) (auth.AcceptResult, auth.Status) {
	msg, err := parseAuthenticate(in)
	if err != nil {
		res.Err = err
		return res, auth.StatusInvalidToken
	}
	res.Flags = resultFlags(hs.flags, req.Flags)

	deny := func(err error) (auth.AcceptResult, auth.Status) {
		a.logger.Debug("NTLM logon denied", "user", msg.user, "domain", msg.domain, "error", err)
		res.Err = err
		return res, auth.StatusLogonDenied
	}

	if msg.user == "" && len(msg.ntResponse) == 0 {
		return deny(errors.New("anonymous logon is not allowed"))
	}
	if len(msg.ntResponse) == 24 {
		return deny(errors.New("NTLMv1 responses are not accepted"))
	}

	v2, err := parseNTLMv2Response(msg.ntResponse)
	if err != nil {
		res.Err = err
		return res, auth.StatusInvalidToken
	}

	if a.cfg.MaxLifetime > 0 && !v2.timestamp.IsZero() {
		skew := a.cfg.Now().Sub(v2.timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > a.cfg.MaxLifetime {
			res.Err = fmt.Errorf("NTLMv2 timestamp off by %s", skew)
			return res, auth.StatusTimeSkew
		}
	}

	ntHash, ok := a.cfg.Users.NTHash(msg.user, msg.domain)
	if !ok {
		return deny(fmt.Errorf("unknown user %q", msg.user))
	}
	responseKey, ok := verifyProof(ntHash, msg.user, msg.domain, hs.serverChal[:], v2)
	if !ok {
		return deny(errors.New("NTProofStr mismatch"))
	}

	sessionBaseKey := hmacMD5(responseKey, v2.proof)
	exported := sessionBaseKey
	if hs.flags&flagNegotiateKeyExch != 0 && len(msg.encryptedKey) == 16 {
		exported = rc4Decrypt(sessionBaseKey, msg.encryptedKey)
	}

	if err := verifyMIC(hs, msg, v2, exported); err != nil {
		return deny(err)
	}

	if st, err := a.checkChannelBindings(req, v2); err != nil {
		res.Err = err
		return res, st
	}

	hs.state = stateAuthenticated
	hs.user = msg.user
	hs.domain = msg.domain
	if hs.domain == "" {
		// Unqualified logons resolve against this server's user store.
		hs.domain = a.cfg.Domain
	}
	hs.exportedKey = exported
	if a.cfg.ContextLifetime > 0 {
		res.Expiry = a.cfg.Now().Add(a.cfg.ContextLifetime)
	}

	a.logger.Debug("NTLM logon accepted", "user", msg.user, "domain", msg.domain, "workstation", msg.workstation)
	return res, auth.StatusOK
}

// verifyProof checks NTProofStr with the domain as sent and, failing that,
// upper-cased. It returns the matching NTOWFv2 response key.
func verifyProof(ntHash []byte, user, domain string, serverChal []byte, v2 *ntlmv2Response) ([]byte, bool) {
	targets := []string{domain}
	if up := strings.ToUpper(domain); up != domain {
		targets = append(targets, up)
	}
	for _, target := range targets {
		key := hmacMD5(ntHash, encodeUTF16(strings.ToUpper(user)+target))
		if hmac.Equal(hmacMD5(key, serverChal, v2.blob), v2.proof) {
			return key, true
		}
	}
	return nil, false
}

func verifyMIC(hs *handshake, msg *authenticateMessage, v2 *ntlmv2Response, exportedKey []byte) error {
	avf, ok := v2.avPairs[avFlags]
	if !ok || len(avf) < 4 || avf[0]&avFlagsMICPresent == 0 {
		return nil
	}
	if msg.payloadStart < micOffset+micSize || len(msg.raw) < micOffset+micSize {
		return errors.New("MIC flagged but missing from AUTHENTICATE")
	}

	zeroed := append([]byte(nil), msg.raw...)
	clear(zeroed[micOffset : micOffset+micSize])
	want := hmacMD5(exportedKey, hs.negotiate, hs.challenge, zeroed)
	if !hmac.Equal(want, msg.raw[micOffset:micOffset+micSize]) {
		return errors.New("MIC mismatch")
	}
	return nil
}

func (a *Acceptor) checkChannelBindings(req *auth.AcceptRequest, v2 *ntlmv2Response) (auth.Status, error) {
	raw := req.ChannelBindings()
	if len(raw) == 0 {
		return auth.StatusOK, nil
	}
	cb, err := auth.UnmarshalChannelBindings(raw)
	if err != nil {
		return auth.StatusInvalidToken, err
	}
	want := cb.GSSHash()

	got, present := v2.avPairs[avChannelBindings]
	if !present || isZero(got) {
		if a.cfg.RequireChannelBindings {
			return auth.StatusBadBindings, errors.New("client sent no channel binding hash")
		}
		return auth.StatusOK, nil
	}
	if !hmac.Equal(got, want[:]) {
		return auth.StatusBadBindings, errors.New("channel binding hash mismatch")
	}
	return auth.StatusOK, nil
}

// CompleteAuthToken is never requested by this provider.
func (a *Acceptor) CompleteAuthToken(auth.ContextHandle, *auth.Buffer) auth.Status {
	return auth.StatusOK
}

// QuerySecurityContextToken returns "DOMAIN\user" for an authenticated context.
func (a *Acceptor) QuerySecurityContextToken(h auth.ContextHandle) (auth.AccessToken, auth.Status) {
	hs, ok := a.contexts.Get(h)
	if !ok || hs.state != stateAuthenticated {
		return nil, auth.StatusInvalidHandle
	}
	return auth.PrincipalToken(hs.domain + `\` + hs.user), auth.StatusOK
}

// ImpersonateSecurityContext is not supported without an OS token.
func (a *Acceptor) ImpersonateSecurityContext(auth.ContextHandle) auth.Status {
	return auth.StatusNoImpersonation
}

// RevertSecurityContext is not supported without an OS token.
func (a *Acceptor) RevertSecurityContext(auth.ContextHandle) auth.Status {
	return auth.StatusNoImpersonation
}

// DeleteSecurityContext forgets the handshake state.
func (a *Acceptor) DeleteSecurityContext(h auth.ContextHandle) auth.Status {
	if hs, ok := a.contexts.Get(h); ok {
		clear(hs.exportedKey)
	}
	if !a.contexts.Delete(h) {
		return auth.StatusInvalidHandle
	}
	return auth.StatusOK
}

// SessionKey returns the exported session key of an authenticated context.
func (a *Acceptor) SessionKey(h auth.ContextHandle) ([]byte, bool) {
	hs, ok := a.contexts.Get(h)
	if !ok || hs.state != stateAuthenticated {
		return nil, false
	}
	return hs.exportedKey, true
}

// ActiveContexts returns the number of live handshakes.
func (a *Acceptor) ActiveContexts() int { return a.contexts.Len() }

func hmacMD5(key []byte, data ...[]byte) []byte {
	mac := hmac.New(md5.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

func rc4Decrypt(key, data []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
