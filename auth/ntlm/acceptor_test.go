package ntlm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	ntlmcbt "github.com/smnsjas/go-ntlm-cbt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-negotiate/auth"
)

const (
	testUser     = "alice"
	testPassword = "Passw0rd!"
	testDomain   = "CONTOSO"
)

func newTestAcceptor(t *testing.T, mutate ...func(*Config)) *Acceptor {
	t.Helper()
	cfg := Config{
		Domain:    testDomain,
		Computer:  "WEB01",
		DNSDomain: "contoso.com",
		Users:     NewStaticUsers(map[string]string{testUser: testPassword}),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := NewAcceptor(cfg)
	require.NoError(t, err)
	return a
}

func startHandshake(t *testing.T, a *Acceptor, opts ...auth.Option) (*auth.ServerContext, []byte, []byte) {
	t.Helper()
	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)

	sc, err := auth.NewServerContext(a, auth.CredentialHandle{}, neg, opts...)
	require.NoError(t, err)
	require.False(t, sc.Done())
	challenge := append([]byte(nil), sc.Token()...)
	return sc, neg, challenge
}

func TestAcceptor_GoNTLMSSPClient(t *testing.T) {
	a := newTestAcceptor(t)
	sc, _, challenge := startHandshake(t, a)

	flags := binary.LittleEndian.Uint32(challenge[20:24])
	assert.Zero(t, flags&flagNegotiateLMKey)
	assert.Zero(t, flags&flagNegotiateKeyExch, "not requested by the client")
	assert.NotZero(t, flags&flagNegotiateUnicode)

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, testPassword, true)
	require.NoError(t, err)

	require.NoError(t, sc.Continue(authMsg))
	assert.True(t, sc.Done())
	assert.Empty(t, sc.Token())

	tok, err := sc.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, `CONTOSO\alice`, tok.Principal())

	assert.Equal(t, 1, a.ActiveContexts())
	require.NoError(t, sc.Close())
	assert.Equal(t, 0, a.ActiveContexts())
}

func TestAcceptor_NoDomain(t *testing.T) {
	a := newTestAcceptor(t)
	sc, _, challenge := startHandshake(t, a)
	defer sc.Close()

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, testPassword, false)
	require.NoError(t, err)
	require.NoError(t, sc.Continue(authMsg))

	tok, err := sc.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, `CONTOSO\alice`, tok.Principal(), "server domain fills in")
}

func TestAcceptor_WrongPassword(t *testing.T) {
	a := newTestAcceptor(t)
	sc, _, challenge := startHandshake(t, a)

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, "wrong", true)
	require.NoError(t, err)

	err = sc.Continue(authMsg)
	status, ok := auth.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, auth.StatusLogonDenied, status)
	assert.Equal(t, auth.StateFailed, sc.State())

	require.NoError(t, sc.Close())
	assert.Equal(t, 0, a.ActiveContexts())
}

func TestAcceptor_UnknownUser(t *testing.T) {
	a := newTestAcceptor(t)
	sc, _, challenge := startHandshake(t, a)
	defer sc.Close()

	authMsg, err := ntlmssp.ProcessChallenge(challenge, "mallory", testPassword, true)
	require.NoError(t, err)

	status, _ := auth.StatusOf(sc.Continue(authMsg))
	assert.Equal(t, auth.StatusLogonDenied, status)
}

func TestAcceptor_InvalidFirstToken(t *testing.T) {
	a := newTestAcceptor(t)

	tests := []struct {
		name  string
		token []byte
		want  auth.Status
	}{
		{"empty", nil, auth.StatusInvalidToken},
		{"not ntlm", []byte("garbage token bytes"), auth.StatusInvalidToken},
		{"authenticate first", append(append([]byte(nil), signature...), 3, 0, 0, 0, 0, 0, 0, 0), auth.StatusInvalidToken},
		{"oem only", append(append([]byte(nil), signature...), 1, 0, 0, 0, 0x02, 0, 0, 0), auth.StatusUnsupportedFunction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewServerContext(a, auth.CredentialHandle{}, tt.token)
			status, ok := auth.StatusOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, 0, a.ActiveContexts())
		})
	}
}

func TestAcceptor_NTLMv1Rejected(t *testing.T) {
	a := newTestAcceptor(t)
	sc, neg, challenge := startHandshake(t, a)
	defer sc.Close()

	msg := buildAuthenticate(t, neg, challenge, clientParams{user: testUser, domain: testDomain, password: testPassword, ntlmv1: true})
	status, _ := auth.StatusOf(sc.Continue(msg))
	assert.Equal(t, auth.StatusLogonDenied, status)
}

func TestAcceptor_MIC(t *testing.T) {
	a := newTestAcceptor(t)

	sc, neg, challenge := startHandshake(t, a)
	msg := buildAuthenticate(t, neg, challenge, clientParams{user: testUser, domain: testDomain, password: testPassword, mic: true})
	require.NoError(t, sc.Continue(msg))
	require.NoError(t, sc.Close())

	sc, neg, challenge = startHandshake(t, a)
	defer sc.Close()
	msg = buildAuthenticate(t, neg, challenge, clientParams{user: testUser, domain: testDomain, password: testPassword, mic: true})
	msg[micOffset] ^= 0xFF
	status, _ := auth.StatusOf(sc.Continue(msg))
	assert.Equal(t, auth.StatusLogonDenied, status)
}

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(1),
		Subject:            pkix.Name{CommonName: cn},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(time.Hour),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// TestAcceptor_ExtendedProtection runs an Extended Protection client that
// binds to the certificate it saw against the server's own bindings.
func TestAcceptor_ExtendedProtection(t *testing.T) {
	serverCert := selfSignedCert(t, "web01.contoso.com")
	proxyCert := selfSignedCert(t, "proxy.contoso.com")

	tests := []struct {
		name       string
		clientCert *x509.Certificate
		require    bool
		want       auth.Status
		ok         bool
	}{
		{name: "same certificate", clientCert: serverCert, ok: true},
		{name: "same certificate required", clientCert: serverCert, require: true, ok: true},
		{name: "relayed through another certificate", clientCert: proxyCert, want: auth.StatusBadBindings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverCB, err := auth.NewTLSServerEndpointBindings(serverCert)
			require.NoError(t, err)
			a := newTestAcceptor(t, func(c *Config) { c.RequireChannelBindings = tt.require })

			client := &ntlmcbt.Negotiator{ChannelBindings: ntlmcbt.ComputeTLSServerEndpoint(tt.clientCert)}
			neg, err := client.Negotiate(testDomain, "WS01")
			require.NoError(t, err)
			sc, err := auth.NewServerContext(a, auth.CredentialHandle{}, neg, auth.WithChannelBindings(serverCB))
			require.NoError(t, err)
			defer sc.Close()

			authMsg, err := client.ChallengeResponse(sc.Token(), testUser, testPassword)
			require.NoError(t, err)
			err = sc.Continue(authMsg)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, sc.Done())
				return
			}
			status, _ := auth.StatusOf(err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, auth.StateFailed, sc.State())
		})
	}
}

func TestAcceptor_ChannelBindingsAbsent(t *testing.T) {
	cb := &auth.ChannelBindings{ApplicationData: []byte("tls-server-end-point:0123456789abcdef")}

	tests := []struct {
		name    string
		require bool
		hash    []byte
		want    auth.Status
		ok      bool
	}{
		{"absent tolerated", false, nil, 0, true},
		{"zero hash tolerated", false, make([]byte, 16), 0, true},
		{"absent required", true, nil, auth.StatusBadBindings, false},
		{"zero hash required", true, make([]byte, 16), auth.StatusBadBindings, false},
		{"arbitrary hash", false, bytes.Repeat([]byte{1}, 16), auth.StatusBadBindings, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAcceptor(t, func(c *Config) { c.RequireChannelBindings = tt.require })
			sc, neg, challenge := startHandshake(t, a, auth.WithChannelBindings(cb))
			defer sc.Close()

			msg := buildAuthenticate(t, neg, challenge, clientParams{
				user: testUser, domain: testDomain, password: testPassword, cbHash: tt.hash,
			})
			err := sc.Continue(msg)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, sc.Done())
				return
			}
			status, _ := auth.StatusOf(err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestAcceptor_ChannelBindingsIgnoredWithoutServerBindings(t *testing.T) {
	a := newTestAcceptor(t, func(c *Config) { c.RequireChannelBindings = true })
	sc, neg, challenge := startHandshake(t, a)
	defer sc.Close()

	msg := buildAuthenticate(t, neg, challenge, clientParams{
		user: testUser, domain: testDomain, password: testPassword, cbHash: bytes.Repeat([]byte{1}, 16),
	})
	require.NoError(t, sc.Continue(msg))
}

func TestAcceptor_TimestampSkew(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAcceptor(t, func(c *Config) { c.Now = func() time.Time { return now } })
	sc, _, challenge := startHandshake(t, a)
	defer sc.Close()

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, testPassword, true)
	require.NoError(t, err)

	now = now.Add(DefaultMaxLifetime + time.Hour)
	status, _ := auth.StatusOf(sc.Continue(authMsg))
	assert.Equal(t, auth.StatusTimeSkew, status)
}

func TestAcceptor_ContextLifetime(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAcceptor(t, func(c *Config) {
		c.Now = func() time.Time { return now }
		c.ContextLifetime = 10 * time.Hour
	})
	sc, _, challenge := startHandshake(t, a, auth.WithFlags(auth.FlagConnection))
	defer sc.Close()

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, testPassword, true)
	require.NoError(t, err)
	require.NoError(t, sc.Continue(authMsg))
	assert.Equal(t, now.Add(10*time.Hour), sc.Expiry())
	assert.True(t, sc.ResultFlags().Has(auth.FlagConnection))
}

func TestAcceptor_ImpersonationUnsupported(t *testing.T) {
	a := newTestAcceptor(t)
	sc, _, challenge := startHandshake(t, a)
	defer sc.Close()

	authMsg, err := ntlmssp.ProcessChallenge(challenge, testUser, testPassword, true)
	require.NoError(t, err)
	require.NoError(t, sc.Continue(authMsg))

	_, err = sc.Impersonate()
	status, _ := auth.StatusOf(err)
	assert.Equal(t, auth.StatusNoImpersonation, status)
}

func TestAcceptor_UnknownHandle(t *testing.T) {
	a := newTestAcceptor(t)
	h := auth.ContextHandle{Lower: 99, Upper: 99}
	res, status := a.AcceptSecurityContext(&auth.AcceptRequest{
		Context: &h,
		Input:   []*auth.Buffer{auth.NewInputBuffer(auth.BufferToken, []byte{1})},
		Output:  auth.NewBuffer(auth.BufferToken, 64),
	})
	assert.Equal(t, auth.StatusInvalidHandle, status)
	assert.Error(t, res.Err)
	assert.Equal(t, auth.StatusInvalidHandle, a.DeleteSecurityContext(h))
}

func TestNewAcceptor_RequiresUsers(t *testing.T) {
	_, err := NewAcceptor(Config{})
	assert.Error(t, err)
}

func TestNTHash(t *testing.T) {
	assert.Equal(t, "8846f7eaee8fb117ad06bdd830b7586c", hex.EncodeToString(NTHash("password")))
}

func TestStaticUsers(t *testing.T) {
	s := NewStaticUsers(map[string]string{`CONTOSO\bob`: "x"})
	require.NoError(t, s.AddHash("carol", "aad3b435b51404eeaad3b435b51404ee:8846f7eaee8fb117ad06bdd830b7586c"))
	assert.Error(t, s.AddHash("dave", "zz"))
	assert.Error(t, s.AddHash("dave", "abcd"))

	_, ok := s.NTHash("BOB", "contoso")
	assert.True(t, ok)
	_, ok = s.NTHash("bob", "")
	assert.False(t, ok)

	h, ok := s.NTHash("Carol", "ANY")
	assert.True(t, ok)
	assert.Equal(t, NTHash("password"), h)
}

// clientParams drives buildAuthenticate, an NTLMv2 client covering the
// message features go-ntlmssp does not produce.
type clientParams struct {
	user, domain, password string
	ntlmv1                 bool
	mic                    bool
	cbHash                 []byte
}

func buildAuthenticate(t *testing.T, negotiate, challenge []byte, p clientParams) []byte {
	t.Helper()

	flags := binary.LittleEndian.Uint32(challenge[20:24])
	var serverChal [8]byte
	copy(serverChal[:], challenge[24:32])
	targetInfo, err := varField(challenge, 40)
	require.NoError(t, err)
	pairs, err := parseAVPairs(targetInfo)
	require.NoError(t, err)

	// client target info: server pairs without EOL, extras, then EOL
	var info bytes.Buffer
	info.Write(targetInfo[:len(targetInfo)-4])
	if p.mic {
		avf := make([]byte, 4)
		binary.LittleEndian.PutUint32(avf, avFlagsMICPresent)
		writeAVPair(&info, avFlags, avf)
	}
	if p.cbHash != nil {
		writeAVPair(&info, avChannelBindings, p.cbHash)
	}
	writeAVPair(&info, avEOL, nil)

	responseKey := hmacMD5(NTHash(p.password), encodeUTF16(strings.ToUpper(p.user)+p.domain))

	var nt, proof []byte
	if p.ntlmv1 {
		nt = bytes.Repeat([]byte{0x42}, 24)
	} else {
		blob := []byte{1, 1, 0, 0, 0, 0, 0, 0}
		blob = append(blob, pairs[avTimestamp]...)
		blob = append(blob, 1, 2, 3, 4, 5, 6, 7, 8)
		blob = append(blob, 0, 0, 0, 0)
		blob = append(blob, info.Bytes()...)
		blob = append(blob, 0, 0, 0, 0)
		proof = hmacMD5(responseKey, serverChal[:], blob)
		nt = append(append([]byte(nil), proof...), blob...)
	}

	domain := encodeUTF16(p.domain)
	user := encodeUTF16(p.user)
	workstation := encodeUTF16("CLIENT01")

	header := micOffset + micSize
	payload := [][]byte{nil, nt, domain, user, workstation, nil}
	msg := make([]byte, header)
	copy(msg, signature)
	binary.LittleEndian.PutUint32(msg[8:12], authenticateMessageType)
	off := header
	for i, field := range payload {
		fo := 12 + i*8
		binary.LittleEndian.PutUint16(msg[fo:], uint16(len(field)))
		binary.LittleEndian.PutUint16(msg[fo+2:], uint16(len(field)))
		binary.LittleEndian.PutUint32(msg[fo+4:], uint32(off))
		off += len(field)
	}
	binary.LittleEndian.PutUint32(msg[60:64], flags)
	for _, field := range payload {
		msg = append(msg, field...)
	}

	if p.mic {
		sessionBaseKey := hmacMD5(responseKey, proof)
		mic := hmacMD5(sessionBaseKey, negotiate, challenge, msg)
		copy(msg[micOffset:], mic)
	}
	return msg
}
