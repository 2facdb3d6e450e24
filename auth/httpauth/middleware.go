// Package httpauth is the server side of HTTP Negotiate authentication
// (RFC 4559) on top of an auth.Provider.
//
// Connection-oriented mechanisms such as NTLM need every leg of a handshake
// on the same TCP connection. Install Authenticator.ConnContext and
// Authenticator.ConnState on the http.Server so that in-progress handshakes
// are keyed by connection and released when it closes.
package httpauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smnsjas/go-negotiate/auth"
)

// DefaultContextTTL is how long a handshake may wait for the client's next leg.
const DefaultContextTTL = 2 * time.Minute

// Config configures an Authenticator.
type Config struct {
	Provider   auth.Provider
	Credential auth.CredentialHandle

	// Schemes offered in WWW-Authenticate, most preferred first. The
	// default is Negotiate.
	Schemes []string

	// Options are applied to every ServerContext.
	Options []auth.Option

	// ChannelBindings, when set, supplies bindings for a request.
	ChannelBindings func(*http.Request) *auth.ChannelBindings

	ContextTTL time.Duration

	Lockout *LockoutPolicy

	// MaxConcurrent caps handshake rounds in flight; zero means no cap.
	MaxConcurrent  int
	MaxQueue       int
	AcquireTimeout time.Duration

	Logger *slog.Logger
	Clock  Clock
}

// Identity describes an authenticated request.
type Identity struct {
	Principal string
	Scheme    string
	Flags     auth.ContextFlags
	Expiry    time.Time
}

type identityKeyType struct{}

var identityKey identityKeyType

// IdentityFromContext returns the identity attached by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// PrincipalFromContext returns the authenticated principal name.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", false
	}
	return id.Principal, true
}

// Authenticator runs Negotiate handshakes for HTTP requests.
type Authenticator struct {
	cfg     Config
	logger  *slog.Logger
	clock   Clock
	store   *contextStore
	lockout *lockout
	limiter *limiter
}

// New validates cfg and returns an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("httpauth: provider is required")
	}
	if len(cfg.Schemes) == 0 {
		cfg.Schemes = []string{"Negotiate"}
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = DefaultContextTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		cfg:     cfg,
		logger:  logger.With("component", "httpauth"),
		clock:   cfg.Clock,
		store:   newContextStore(cfg.ContextTTL, cfg.Clock),
		lockout: newLockout(cfg.Lockout, cfg.Clock),
		limiter: newLimiter(cfg.MaxConcurrent, cfg.MaxQueue, cfg.AcquireTimeout),
	}, nil
}

// ConnContext is an http.Server.ConnContext hook.
func (a *Authenticator) ConnContext(ctx context.Context, c net.Conn) context.Context {
	return withConn(ctx, c)
}

// ConnState is an http.Server.ConnState hook that drops handshakes of
// closed connections.
func (a *Authenticator) ConnState(c net.Conn, state http.ConnState) {
	if state == http.StateClosed || state == http.StateHijacked {
		a.store.drop(c)
	}
}

// Pending returns the number of handshakes waiting for a client leg.
func (a *Authenticator) Pending() int { return a.store.len() }

// Sweep closes handshakes idle for longer than the context TTL and forgets
// lockout entries past their cooldown. It returns the number of handshakes
// closed.
func (a *Authenticator) Sweep() int {
	a.lockout.Prune()
	return a.store.sweep(a.clock.Now())
}

// Close closes all pending handshakes.
func (a *Authenticator) Close() error {
	a.store.closeAll()
	return nil
}

// Middleware authenticates requests before passing them to next.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.serve(w, r, next)
	})
}

func (a *Authenticator) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	remote := remoteHost(r.RemoteAddr)
	key := storeKey(r.Context(), r.RemoteAddr)

	scheme, token, ok := a.parseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		a.challenge(w)
		return
	}

	if err := a.lockout.Allow(remote); err != nil {
		a.store.drop(key)
		secs := int(math.Ceil(a.lockout.RetryAfter(remote).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		http.Error(w, "too many failed authentication attempts", http.StatusTooManyRequests)
		return
	}

	in, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		a.store.drop(key)
		http.Error(w, "malformed authorization token", http.StatusBadRequest)
		return
	}

	p, err := a.limitedStep(r, key, scheme, in)
	if errors.Is(err, errNoSlot) {
		a.logger.Warn("handshake slot unavailable", "remote", remote, "error", err)
		http.Error(w, "authentication service busy", http.StatusServiceUnavailable)
		return
	}

	if err != nil {
		a.lockout.Record(remote, false)
		a.logger.Info("authentication failed", "remote", remote, "scheme", scheme, "error", err)
		a.challenge(w)
		return
	}

	out := p.sc.Token()
	if !p.sc.Done() {
		a.store.put(key, p)
		w.Header().Set("WWW-Authenticate", scheme+" "+base64.StdEncoding.EncodeToString(out))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	defer p.sc.Close()

	id, err := identityOf(p)
	if err != nil {
		a.lockout.Record(remote, false)
		a.logger.Warn("authenticated context has no access token", "remote", remote, "error", err)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	a.lockout.Record(remote, true)
	a.logger.Debug("request authenticated", "remote", remote, "scheme", scheme, "principal", id.Principal)

	if len(out) > 0 {
		w.Header().Set("WWW-Authenticate", scheme+" "+base64.StdEncoding.EncodeToString(out))
	}
	next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
}

// step continues the connection's handshake or starts a new one.
var errNoSlot = errors.New("httpauth: no handshake slot")

// limitedStep runs step while holding a limiter slot.
func (a *Authenticator) limitedStep(r *http.Request, key any, scheme string, in []byte) (*pending, error) {
	if err := a.limiter.Acquire(r.Context()); err != nil {
		return nil, fmt.Errorf("%w: %w", errNoSlot, err)
	}
	defer a.limiter.Release()
	return a.step(r, key, scheme, in)
}

func (a *Authenticator) step(r *http.Request, key any, scheme string, in []byte) (*pending, error) {
	if p, ok := a.store.take(key); ok && p.scheme == scheme {
		if err := p.sc.Continue(in); err != nil {
			_ = p.sc.Close()
			return nil, err
		}
		return p, nil
	} else if ok {
		_ = p.sc.Close()
	}

	opts := append([]auth.Option{auth.WithPeer(r.RemoteAddr)}, a.cfg.Options...)
	if a.cfg.ChannelBindings != nil {
		if cb := a.cfg.ChannelBindings(r); cb != nil {
			opts = append(opts, auth.WithChannelBindings(cb))
		}
	}
	sc, err := auth.NewServerContext(a.cfg.Provider, a.cfg.Credential, in, opts...)
	if err != nil {
		return nil, err
	}
	return &pending{sc: sc, scheme: scheme, remote: remoteHost(r.RemoteAddr)}, nil
}

func identityOf(p *pending) (*Identity, error) {
	tok, err := p.sc.AccessToken()
	if err != nil {
		return nil, err
	}
	defer tok.Close()
	return &Identity{
		Principal: tok.Principal(),
		Scheme:    p.scheme,
		Flags:     p.sc.ResultFlags(),
		Expiry:    p.sc.Expiry(),
	}, nil
}

// parseAuthorization returns the canonical scheme name and the token of an
// Authorization header in one of the configured schemes.
func (a *Authenticator) parseAuthorization(h string) (scheme, token string, ok bool) {
	name, rest, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}
	for _, s := range a.cfg.Schemes {
		if strings.EqualFold(name, s) {
			return s, rest, true
		}
	}
	return "", "", false
}

func (a *Authenticator) challenge(w http.ResponseWriter) {
	for _, s := range a.cfg.Schemes {
		w.Header().Add("WWW-Authenticate", s)
	}
	w.WriteHeader(http.StatusUnauthorized)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// TLSServerEndpoint returns a ChannelBindings hook for servers presenting a
// single certificate.
func TLSServerEndpoint(cb *auth.ChannelBindings) func(*http.Request) *auth.ChannelBindings {
	return func(r *http.Request) *auth.ChannelBindings {
		if r.TLS == nil {
			return nil
		}
		return cb
	}
}

// String implements fmt.Stringer for log output.
func (id *Identity) String() string {
	return fmt.Sprintf("%s (%s)", id.Principal, id.Scheme)
}
