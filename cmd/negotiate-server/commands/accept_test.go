package commands

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/ntlm"
)

func newTestNTLM(t *testing.T) *ntlm.Acceptor {
	t.Helper()
	a, err := ntlm.NewAcceptor(ntlm.Config{
		Domain:   "CONTOSO",
		Computer: "WEB01",
		Users:    ntlm.NewStaticUsers(map[string]string{"alice": "Passw0rd!"}),
	})
	require.NoError(t, err)
	return a
}

func TestRunAccept_NTLM(t *testing.T) {
	a := newTestNTLM(t)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := runAccept(inR, outW, a, auth.CredentialHandle{})
		_ = outW.Close()
		done <- err
	}()
	lines := bufio.NewScanner(outR)

	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)
	_, err = io.WriteString(inW, base64.StdEncoding.EncodeToString(neg)+"\n")
	require.NoError(t, err)

	require.True(t, lines.Scan())
	fields := strings.Fields(lines.Text())
	require.Len(t, fields, 2)
	assert.Equal(t, "CONTINUE", fields[0])
	challenge, err := base64.StdEncoding.DecodeString(fields[1])
	require.NoError(t, err)

	authMsg, err := ntlmssp.ProcessChallenge(challenge, "alice", "Passw0rd!", true)
	require.NoError(t, err)
	_, err = io.WriteString(inW, base64.StdEncoding.EncodeToString(authMsg)+"\n")
	require.NoError(t, err)

	require.True(t, lines.Scan())
	assert.Equal(t, `DONE - CONTOSO\alice`, lines.Text())

	require.NoError(t, <-done)
	_ = inW.Close()
	assert.Equal(t, 0, a.ActiveContexts())
}

func TestRunAccept_BadBase64(t *testing.T) {
	var out bytes.Buffer
	err := runAccept(strings.NewReader("not base64!\n"), &out, newTestNTLM(t), auth.CredentialHandle{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errHandshakeFailed))
	assert.True(t, strings.HasPrefix(out.String(), "ERROR SEC_E_INVALID_TOKEN"), out.String())
}

func TestRunAccept_InvalidToken(t *testing.T) {
	var out bytes.Buffer
	in := base64.StdEncoding.EncodeToString([]byte("garbage")) + "\n"
	err := runAccept(strings.NewReader(in), &out, newTestNTLM(t), auth.CredentialHandle{})
	require.Error(t, err)

	st, ok := auth.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, auth.StatusInvalidToken, st)
	assert.Contains(t, out.String(), "ERROR SEC_E_INVALID_TOKEN")
}

func TestRunAccept_TruncatedInput(t *testing.T) {
	a := newTestNTLM(t)
	neg, err := ntlmssp.NewNegotiateMessage("", "")
	require.NoError(t, err)

	var out bytes.Buffer
	in := "\n" + base64.StdEncoding.EncodeToString(neg) + "\n"
	err = runAccept(strings.NewReader(in), &out, a, auth.CredentialHandle{})
	require.ErrorIs(t, err, errHandshakeFailed)
	assert.True(t, strings.HasPrefix(out.String(), "CONTINUE "))
	assert.Equal(t, 0, a.ActiveContexts(), "pending context released")
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "line", in: "Passw0rd!\nignored\n", want: "Passw0rd!"},
		{name: "crlf", in: "Passw0rd!\r\n", want: "Passw0rd!"},
		{name: "no newline", in: "Passw0rd!", want: "Passw0rd!"},
		{name: "empty", in: "\n", wantErr: true},
		{name: "eof", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPassword(strings.NewReader(tt.in), io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetIn(strings.NewReader("Password\n"))
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		hashPasswordCmd.SetIn(nil)
		hashPasswordCmd.SetOut(nil)
		hashPasswordCmd.SetErr(nil)
	})

	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))
	// MS-NLMP 4.2.2.1.2
	assert.Equal(t, "a4f49c406510bdcab6824ee7c30fd852\n", out.String())
}
