// Package config loads the negotiate-server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags bound by the caller
//  2. Environment variables (NEGOTIATE_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/smnsjas/go-negotiate/auth"
)

// Provider names accepted in the provider setting.
const (
	ProviderSSPI      = "sspi"
	ProviderSSPIRs    = "sspi-rs"
	ProviderNTLM      = "ntlm"
	ProviderKerberos  = "kerberos"
	ProviderNegotiate = "negotiate"
)

// Config is the server configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	// Provider selects the security provider behind the server.
	Provider string `mapstructure:"provider" validate:"required,oneof=sspi sspi-rs ntlm kerberos negotiate"`

	Handshake HandshakeConfig `mapstructure:"handshake"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NTLM      NTLMConfig      `mapstructure:"ntlm"`
	Kerberos  KerberosConfig  `mapstructure:"kerberos"`
	SSPI      SSPIConfig      `mapstructure:"sspi"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSize    int64  `mapstructure:"max_size" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// HandshakeConfig applies to every server context.
type HandshakeConfig struct {
	MaxTokenSize int `mapstructure:"max_token_size" validate:"gt=0,lte=1048576"`
	// Flags are requested context flag names, e.g. MUTUAL_AUTH.
	Flags []string `mapstructure:"flags"`
}

// HTTPConfig configures the HTTP Negotiate front end.
type HTTPConfig struct {
	Listen  string   `mapstructure:"listen" validate:"required,hostname_port"`
	Schemes []string `mapstructure:"schemes" validate:"min=1,dive,oneof=Negotiate NTLM"`

	TLSCert string `mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey  string `mapstructure:"tls_key" validate:"required_with=TLSCert"`
	// ChannelBindings passes tls-server-end-point bindings to the provider.
	ChannelBindings bool `mapstructure:"channel_bindings"`

	ContextTTL      time.Duration `mapstructure:"context_ttl" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	Lockout LockoutConfig `mapstructure:"lockout"`

	MaxConcurrent int `mapstructure:"max_concurrent" validate:"gte=0"`
	MaxQueue      int `mapstructure:"max_queue" validate:"gte=-1"`
}

// LockoutConfig configures per-remote lockout; a zero threshold disables it.
type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold" validate:"gte=0"`
	Cooldown  time.Duration `mapstructure:"cooldown" validate:"gte=0"`
}

// NTLMConfig configures the pure-Go NTLM acceptor.
type NTLMConfig struct {
	Domain      string `mapstructure:"domain"`
	Computer    string `mapstructure:"computer"`
	DNSDomain   string `mapstructure:"dns_domain"`
	DNSComputer string `mapstructure:"dns_computer"`

	Users []NTLMUser `mapstructure:"users" validate:"dive"`

	RequireChannelBindings bool          `mapstructure:"require_channel_bindings"`
	MaxLifetime            time.Duration `mapstructure:"max_lifetime" validate:"gte=0"`
}

// NTLMUser is one local account. NTHash is the hex MD4 of the UTF-16LE
// password, as printed by hash-password.
type NTLMUser struct {
	Name     string `mapstructure:"name" validate:"required"`
	Password string `mapstructure:"password" validate:"required_without=NTHash"`
	NTHash   string `mapstructure:"nt_hash" validate:"omitempty,hexadecimal,len=32"`
}

// KerberosConfig configures the keytab acceptor.
type KerberosConfig struct {
	Keytab                 string        `mapstructure:"keytab"`
	ServicePrincipal       string        `mapstructure:"service_principal"`
	MaxClockSkew           time.Duration `mapstructure:"max_clock_skew" validate:"gte=0"`
	RequireChannelBindings bool          `mapstructure:"require_channel_bindings"`
	// ReloadInterval polls the keytab for changes; zero disables reloading.
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"gte=0"`
}

// SSPIConfig configures the native providers.
type SSPIConfig struct {
	Package     string `mapstructure:"package" validate:"omitempty,oneof=Negotiate Kerberos NTLM"`
	Principal   string `mapstructure:"principal"`
	LibraryPath string `mapstructure:"library_path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// Load reads configPath (or the default search path when empty), applies
// environment overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case configPath == "" && os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment overrides and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// NEGOTIATE_HTTP_LISTEN overrides http.listen
	v.SetEnvPrefix("NEGOTIATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("negotiate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/negotiate")
}

// ParsedFlags returns the configured handshake flags.
func (c *Config) ParsedFlags() (auth.ContextFlags, error) {
	return auth.ParseContextFlags(c.Handshake.Flags)
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return err
	}
	if _, err := cfg.ParsedFlags(); err != nil {
		return fmt.Errorf("handshake.flags: %w", err)
	}

	hasNTLM := len(cfg.NTLM.Users) > 0
	hasKeytab := cfg.Kerberos.Keytab != ""
	switch cfg.Provider {
	case ProviderNTLM:
		if !hasNTLM {
			return errors.New("provider ntlm requires ntlm.users")
		}
	case ProviderKerberos:
		if !hasKeytab {
			return errors.New("provider kerberos requires kerberos.keytab")
		}
	case ProviderNegotiate:
		if !hasNTLM && !hasKeytab {
			return errors.New("provider negotiate requires ntlm.users or kerberos.keytab")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return errors.New("metrics.enabled requires metrics.listen")
	}
	if cfg.HTTP.ChannelBindings && cfg.HTTP.TLSCert == "" {
		return errors.New("http.channel_bindings requires http.tls_cert")
	}
	return nil
}
