package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-negotiate/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "negotiate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
provider: ntlm
logging:
  level: debug
  format: text
handshake:
  max_token_size: 12000
  flags: [MUTUAL_AUTH, CONNECTION]
http:
  listen: 0.0.0.0:8443
  schemes: [Negotiate, NTLM]
  context_ttl: 30s
  lockout:
    threshold: 5
ntlm:
  domain: CONTOSO
  users:
    - name: alice
      password: Passw0rd!
    - name: bob
      nt_hash: 8846f7eaee8fb117ad06bdd830b7586c
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderNTLM, cfg.Provider)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12000, cfg.Handshake.MaxTokenSize)
	assert.Equal(t, "0.0.0.0:8443", cfg.HTTP.Listen)
	assert.Equal(t, []string{"Negotiate", "NTLM"}, cfg.HTTP.Schemes)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ContextTTL)
	assert.Equal(t, 5, cfg.HTTP.Lockout.Threshold)
	assert.Equal(t, time.Minute, cfg.HTTP.Lockout.Cooldown, "cooldown defaults when lockout is on")
	require.Len(t, cfg.NTLM.Users, 2)
	assert.Equal(t, "8846f7eaee8fb117ad06bdd830b7586c", cfg.NTLM.Users[1].NTHash)

	flags, err := cfg.ParsedFlags()
	require.NoError(t, err)
	assert.Equal(t, auth.FlagMutualAuth|auth.FlagConnection, flags)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
provider: kerberos
kerberos:
  keytab: /etc/krb5.keytab
`)
	t.Setenv("NEGOTIATE_HTTP_LISTEN", "127.0.0.1:9999")
	t.Setenv("NEGOTIATE_KERBEROS_MAX_CLOCK_SKEW", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Kerberos.MaxClockSkew)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
provider: ntlm
http:
  schemes: [Basic]
ntlm:
  users:
    - name: alice
      password: x
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "validation failed")
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, ProviderNegotiate, cfg.Provider)
	assert.Equal(t, DefaultListen, cfg.HTTP.Listen)
	assert.Equal(t, auth.DefaultMaxTokenSize, cfg.Handshake.MaxTokenSize)
	assert.Equal(t, []string{"Negotiate"}, cfg.HTTP.Schemes)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := GetDefaultConfig()
		cfg.NTLM.Users = []NTLMUser{{Name: "alice", Password: "x"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "basic" }, wantErr: "Provider"},
		{name: "ntlm without users", mutate: func(c *Config) { c.Provider = ProviderNTLM; c.NTLM.Users = nil }, wantErr: "ntlm.users"},
		{name: "kerberos without keytab", mutate: func(c *Config) { c.Provider = ProviderKerberos }, wantErr: "kerberos.keytab"},
		{name: "negotiate without mechanisms", mutate: func(c *Config) { c.NTLM.Users = nil }, wantErr: "ntlm.users or kerberos.keytab"},
		{name: "sspi needs nothing", mutate: func(c *Config) { c.Provider = ProviderSSPI; c.NTLM.Users = nil }},
		{name: "bad hash", mutate: func(c *Config) { c.NTLM.Users[0] = NTLMUser{Name: "bob", NTHash: "zz"} }, wantErr: "NTHash"},
		{name: "user without secret", mutate: func(c *Config) { c.NTLM.Users[0] = NTLMUser{Name: "bob"} }, wantErr: "Password"},
		{name: "token size too large", mutate: func(c *Config) { c.Handshake.MaxTokenSize = 2 << 20 }, wantErr: "MaxTokenSize"},
		{name: "unknown flag", mutate: func(c *Config) { c.Handshake.Flags = []string{"TELEPATHY"} }, wantErr: "handshake.flags"},
		{name: "tls key without cert", mutate: func(c *Config) { c.HTTP.TLSKey = "key.pem" }, wantErr: "TLSCert"},
		{name: "bindings without tls", mutate: func(c *Config) { c.HTTP.ChannelBindings = true }, wantErr: "tls_cert"},
		{name: "bad listen", mutate: func(c *Config) { c.HTTP.Listen = "nowhere" }, wantErr: "Listen"},
		{name: "bad sspi package", mutate: func(c *Config) { c.SSPI.Package = "Digest" }, wantErr: "Package"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
