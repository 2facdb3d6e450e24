package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/kerberos"
	"github.com/smnsjas/go-negotiate/auth/ntlm"
	"github.com/smnsjas/go-negotiate/auth/spnego"
	"github.com/smnsjas/go-negotiate/internal/config"
)

// providerStack is a configured provider plus what must be released with it.
type providerStack struct {
	provider     auth.Provider
	credential   auth.CredentialHandle
	maxTokenSize int
	closers      []func() error
}

func (s *providerStack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildProvider assembles the provider named by cfg.Provider.
func buildProvider(cfg *config.Config, logger *slog.Logger) (*providerStack, error) {
	s := &providerStack{maxTokenSize: cfg.Handshake.MaxTokenSize}

	switch cfg.Provider {
	case config.ProviderSSPI, config.ProviderSSPIRs:
		if want := nativeProviderFor(runtime.GOOS); cfg.Provider != want {
			return nil, fmt.Errorf("provider %q is not available on %s, use %q", cfg.Provider, runtime.GOOS, want)
		}
		native, err := auth.NewNativeProvider(auth.NativeConfig{
			PackageName: cfg.SSPI.Package,
			Principal:   cfg.SSPI.Principal,
			LibraryPath: cfg.SSPI.LibraryPath,
		})
		if err != nil {
			return nil, fmt.Errorf("native provider: %w", err)
		}
		s.provider = native
		s.credential = native.Credential()
		s.maxTokenSize = max(s.maxTokenSize, native.MaxTokenSize())
		s.closers = append(s.closers, native.Close)
		if cfg.Provider == config.ProviderSSPI {
			if err := auth.EnableImpersonationPrivilege(); err != nil {
				logger.Debug("impersonation privilege not enabled", "error", err)
			}
		}

	case config.ProviderNTLM:
		a, err := newNTLMAcceptor(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.provider = a

	case config.ProviderKerberos:
		a, err := s.newKerberosAcceptor(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.provider = a

	case config.ProviderNegotiate:
		var mechs []spnego.Mech
		if cfg.Kerberos.Keytab != "" {
			a, err := s.newKerberosAcceptor(cfg, logger)
			if err != nil {
				return nil, err
			}
			mechs = append(mechs, spnego.KerberosMechs(a)...)
		}
		if len(cfg.NTLM.Users) > 0 {
			a, err := newNTLMAcceptor(cfg, logger)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			mechs = append(mechs, spnego.NTLMMech(a))
		}
		a, err := spnego.NewAcceptor(logger, mechs...)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.provider = a

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return s, nil
}

// nativeProviderFor names the native provider that runs on goos: SSPI on
// Windows, sspi-rs everywhere else.
func nativeProviderFor(goos string) string {
	if goos == "windows" {
		return config.ProviderSSPI
	}
	return config.ProviderSSPIRs
}

func newNTLMAcceptor(cfg *config.Config, logger *slog.Logger) (*ntlm.Acceptor, error) {
	users := ntlm.NewStaticUsers(nil)
	for _, u := range cfg.NTLM.Users {
		if u.NTHash != "" {
			if err := users.AddHash(u.Name, u.NTHash); err != nil {
				return nil, fmt.Errorf("ntlm user %s: %w", u.Name, err)
			}
			continue
		}
		users.AddPassword(u.Name, u.Password)
	}
	return ntlm.NewAcceptor(ntlm.Config{
		Domain:                 cfg.NTLM.Domain,
		Computer:               cfg.NTLM.Computer,
		DNSDomain:              cfg.NTLM.DNSDomain,
		DNSComputer:            cfg.NTLM.DNSComputer,
		Users:                  users,
		RequireChannelBindings: cfg.NTLM.RequireChannelBindings,
		MaxLifetime:            cfg.NTLM.MaxLifetime,
		Logger:                 logger,
	})
}

func (s *providerStack) newKerberosAcceptor(cfg *config.Config, logger *slog.Logger) (*kerberos.Acceptor, error) {
	kt, err := kerberos.LoadKeytab(cfg.Kerberos.Keytab)
	if err != nil {
		return nil, err
	}
	a, err := kerberos.NewAcceptor(kerberos.Config{
		Keytab:                 kt,
		ServicePrincipal:       cfg.Kerberos.ServicePrincipal,
		MaxClockSkew:           cfg.Kerberos.MaxClockSkew,
		RequireChannelBindings: cfg.Kerberos.RequireChannelBindings,
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Kerberos.ReloadInterval > 0 {
		w := kerberos.NewKeytabWatcher(cfg.Kerberos.Keytab, a, cfg.Kerberos.ReloadInterval)
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("watch keytab: %w", err)
		}
		s.closers = append(s.closers, func() error { w.Stop(); return nil })
	}
	return a, nil
}

// contextOptions returns the ServerContext options shared by all commands.
func contextOptions(cfg *config.Config, s *providerStack, logger *slog.Logger, metrics *auth.HandshakeMetrics) ([]auth.Option, error) {
	flags, err := cfg.ParsedFlags()
	if err != nil {
		return nil, err
	}
	return []auth.Option{
		auth.WithFlags(flags),
		auth.WithMaxTokenSize(s.maxTokenSize),
		auth.WithLogger(logger),
		auth.WithMetrics(metrics),
		auth.WithSecurityLogger(auth.NewSecurityLogger(logger, "negotiate-server")),
	}, nil
}
