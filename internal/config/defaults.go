package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/httpauth"
	"github.com/smnsjas/go-negotiate/auth/kerberos"
)

// Default values.
const (
	DefaultListen          = "127.0.0.1:8080"
	DefaultMetricsListen   = "127.0.0.1:9090"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogMaxSize      = 10 << 20
	DefaultLogMaxBackups   = 3
)

// GetDefaultConfig returns a configuration with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderNegotiate
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSize == 0 {
			cfg.Logging.MaxSize = DefaultLogMaxSize
		}
		if cfg.Logging.MaxBackups == 0 {
			cfg.Logging.MaxBackups = DefaultLogMaxBackups
		}
	}

	if cfg.Handshake.MaxTokenSize == 0 {
		cfg.Handshake.MaxTokenSize = auth.DefaultMaxTokenSize
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = DefaultListen
	}
	if len(cfg.HTTP.Schemes) == 0 {
		cfg.HTTP.Schemes = []string{"Negotiate"}
	}
	if cfg.HTTP.ContextTTL == 0 {
		cfg.HTTP.ContextTTL = httpauth.DefaultContextTTL
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.HTTP.Lockout.Threshold > 0 && cfg.HTTP.Lockout.Cooldown == 0 {
		cfg.HTTP.Lockout.Cooldown = time.Minute
	}

	if cfg.Kerberos.MaxClockSkew == 0 {
		cfg.Kerberos.MaxClockSkew = kerberos.DefaultMaxClockSkew
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
}

// setDefaults registers scalar keys with viper so that environment
// variables apply even when no config file sets them.
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("provider", d.Provider)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("handshake.max_token_size", d.Handshake.MaxTokenSize)
	v.SetDefault("http.listen", d.HTTP.Listen)
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("http.context_ttl", d.HTTP.ContextTTL)
	v.SetDefault("http.max_concurrent", 0)
	v.SetDefault("ntlm.domain", "")
	v.SetDefault("ntlm.computer", "")
	v.SetDefault("kerberos.keytab", "")
	v.SetDefault("kerberos.service_principal", "")
	v.SetDefault("kerberos.max_clock_skew", d.Kerberos.MaxClockSkew)
	v.SetDefault("sspi.package", "")
	v.SetDefault("sspi.principal", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
}
