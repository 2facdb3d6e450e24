package httpauth

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/ntlm"
	"github.com/smnsjas/go-negotiate/auth/spnego"
)

// mockClock implements Clock with manual time control
type mockClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMockClock(start time.Time) *mockClock {
	return &mockClock{current: start}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

const testRemote = "192.0.2.10:50000"

func newNTLMAcceptor(t *testing.T) *ntlm.Acceptor {
	t.Helper()
	a, err := ntlm.NewAcceptor(ntlm.Config{
		Domain: "CONTOSO",
		Users:  ntlm.NewStaticUsers(map[string]string{"alice": "Passw0rd!"}),
	})
	require.NoError(t, err)
	return a
}

func whoami() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "no principal", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, p)
	})
}

func newTestAuthenticator(t *testing.T, cfg Config) (*Authenticator, http.Handler) {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, a.Middleware(whoami())
}

func do(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = testRemote
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// challengeOf extracts the token from a "<scheme> <b64>" header.
func challengeOf(t *testing.T, rec *httptest.ResponseRecorder, scheme string) []byte {
	t.Helper()
	h := rec.Header().Get("WWW-Authenticate")
	tok, ok := strings.CutPrefix(h, scheme+" ")
	require.True(t, ok, "WWW-Authenticate %q", h)
	b, err := base64.StdEncoding.DecodeString(tok)
	require.NoError(t, err)
	return b
}

func TestMiddleware_Challenge(t *testing.T) {
	_, h := newTestAuthenticator(t, Config{
		Provider: newNTLMAcceptor(t),
		Schemes:  []string{"Negotiate", "NTLM"},
	})

	for _, authz := range []string{"", "Basic YWxpY2U6cHc=", "Negotiate", "NTLM "} {
		rec := do(h, authz)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, authz)
		assert.Equal(t, []string{"Negotiate", "NTLM"}, rec.Header().Values("WWW-Authenticate"), authz)
	}
}

func TestMiddleware_NTLMHandshake(t *testing.T) {
	inner := newNTLMAcceptor(t)
	a, h := newTestAuthenticator(t, Config{Provider: inner, Schemes: []string{"NTLM"}})

	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	rec := do(h, "NTLM "+b64(neg))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	chal := challengeOf(t, rec, "NTLM")
	assert.Equal(t, 1, a.Pending())

	authMsg, err := ntlmssp.ProcessChallenge(chal, "alice", "Passw0rd!", true)
	require.NoError(t, err)
	rec = do(h, "ntlm "+b64(authMsg))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `CONTOSO\alice`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}

func TestMiddleware_MalformedBase64(t *testing.T) {
	_, h := newTestAuthenticator(t, Config{Provider: newNTLMAcceptor(t)})
	rec := do(h, "Negotiate !!!")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddleware_InvalidToken(t *testing.T) {
	inner := newNTLMAcceptor(t)
	a, h := newTestAuthenticator(t, Config{Provider: inner})

	rec := do(h, "Negotiate "+b64([]byte("garbage")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Negotiate", rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}

func TestMiddleware_Lockout(t *testing.T) {
	clock := newMockClock(time.Now())
	var transitions []LockState
	var mu sync.Mutex
	_, h := newTestAuthenticator(t, Config{
		Provider: newNTLMAcceptor(t),
		Clock:    clock,
		Lockout: &LockoutPolicy{
			FailureThreshold: 2,
			Cooldown:         time.Minute,
			OnStateChange: func(_ string, _, to LockState) {
				mu.Lock()
				transitions = append(transitions, to)
				mu.Unlock()
			},
		},
	})

	bad := "Negotiate " + b64([]byte("garbage"))
	assert.Equal(t, http.StatusUnauthorized, do(h, bad).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, bad).Code)

	rec := do(h, bad)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// an anonymous request still gets the challenge
	assert.Equal(t, http.StatusUnauthorized, do(h, "").Code)

	clock.Advance(time.Minute + time.Second)
	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	rec = do(h, "Negotiate "+b64(neg))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	authMsg, err := ntlmssp.ProcessChallenge(challengeOf(t, rec, "Negotiate"), "alice", "Passw0rd!", true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(h, "Negotiate "+b64(authMsg)).Code)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []LockState{LockOpen, LockHalfOpen, LockClosed}, transitions)
	mu.Unlock()
}

func TestMiddleware_ContextExpires(t *testing.T) {
	clock := newMockClock(time.Now())
	inner := newNTLMAcceptor(t)
	a, h := newTestAuthenticator(t, Config{Provider: inner, Clock: clock, ContextTTL: time.Minute})

	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	rec := do(h, "Negotiate "+b64(neg))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	authMsg, err := ntlmssp.ProcessChallenge(challengeOf(t, rec, "Negotiate"), "alice", "Passw0rd!", true)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	// the stale handshake is gone so AUTHENTICATE arrives as a first leg
	rec = do(h, "Negotiate "+b64(authMsg))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}

func TestMiddleware_Sweep(t *testing.T) {
	clock := newMockClock(time.Now())
	inner := newNTLMAcceptor(t)
	a, h := newTestAuthenticator(t, Config{Provider: inner, Clock: clock, ContextTTL: time.Minute})

	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	do(h, "Negotiate "+b64(neg))
	require.Equal(t, 1, a.Pending())

	assert.Equal(t, 0, a.Sweep())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, a.Sweep())
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}

func TestMiddleware_Busy(t *testing.T) {
	a, h := newTestAuthenticator(t, Config{
		Provider:       newNTLMAcceptor(t),
		MaxConcurrent:  1,
		MaxQueue:       0,
		AcquireTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, a.limiter.Acquire(t.Context()))
	defer a.limiter.Release()

	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	rec := do(h, "Negotiate "+b64(neg))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// panicProvider fails inside AcceptSecurityContext the way a faulty
// native library binding would.
type panicProvider struct {
	auth.Provider
}

func (panicProvider) AcceptSecurityContext(*auth.AcceptRequest) (auth.AcceptResult, auth.Status) {
	panic("provider fault")
}

func TestMiddleware_PanicReleasesSlot(t *testing.T) {
	a, h := newTestAuthenticator(t, Config{
		Provider:       panicProvider{},
		MaxConcurrent:  1,
		MaxQueue:       0,
		AcquireTimeout: 50 * time.Millisecond,
	})

	assert.Panics(t, func() { do(h, "Negotiate "+b64([]byte("token"))) })

	active, queued, _ := a.limiter.Stats()
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, queued)
	require.NoError(t, a.limiter.Acquire(t.Context()), "slot still held after panic")
	a.limiter.Release()
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func newSPNEGOServer(t *testing.T) (*Authenticator, *ntlm.Acceptor, *httptest.Server) {
	t.Helper()
	inner := newNTLMAcceptor(t)
	neg, err := spnego.NewAcceptor(nil, spnego.NTLMMech(inner))
	require.NoError(t, err)

	a, h := newTestAuthenticator(t, Config{Provider: neg, Schemes: []string{"Negotiate", "NTLM"}})
	srv := httptest.NewUnstartedServer(h)
	srv.Config.ConnContext = a.ConnContext
	srv.Config.ConnState = a.ConnState
	srv.Start()
	t.Cleanup(srv.Close)
	return a, inner, srv
}

func get(t *testing.T, srv *httptest.Server, user, password string) *http.Response {
	t.Helper()
	client := &http.Client{Transport: ntlmssp.Negotiator{RoundTripper: &http.Transport{}}}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.SetBasicAuth(user, password)
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEndToEnd_NegotiateNTLM(t *testing.T) {
	a, inner, srv := newSPNEGOServer(t)

	resp := get(t, srv, "alice", "Passw0rd!")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `CONTOSO\alice`, string(body))

	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}

func TestEndToEnd_WrongPassword(t *testing.T) {
	a, inner, srv := newSPNEGOServer(t)

	resp := get(t, srv, "alice", "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, inner.ActiveContexts())
}
