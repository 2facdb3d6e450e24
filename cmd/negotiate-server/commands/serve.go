package commands

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smnsjas/go-negotiate/auth"
	"github.com/smnsjas/go-negotiate/auth/httpauth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP with Negotiate authentication",
	Long: `Serve an HTTP endpoint protected by Negotiate authentication (RFC 4559).
Authenticated requests to / are answered with the client's identity as JSON.

Examples:
  # Built-in NTLM and Kerberos acceptors from negotiate.yaml
  negotiate-server serve

  # Windows SSPI with debug logging
  NEGOTIATE_PROVIDER=sspi negotiate-server serve --log-level debug`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	stack, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	var metrics *auth.HandshakeMetrics
	if cfg.Metrics.Enabled {
		metrics = auth.NewHandshakeMetrics(prometheus.DefaultRegisterer)
	}
	opts, err := contextOptions(cfg, stack, logger, metrics)
	if err != nil {
		return err
	}

	hcfg := httpauth.Config{
		Provider:       stack.provider,
		Credential:     stack.credential,
		Schemes:        cfg.HTTP.Schemes,
		Options:        opts,
		ContextTTL:     cfg.HTTP.ContextTTL,
		MaxConcurrent:  cfg.HTTP.MaxConcurrent,
		MaxQueue:       cfg.HTTP.MaxQueue,
		AcquireTimeout: httpauth.DefaultAcquireTimeout,
		Logger:         logger,
	}
	if cfg.HTTP.Lockout.Threshold > 0 {
		hcfg.Lockout = &httpauth.LockoutPolicy{
			FailureThreshold: cfg.HTTP.Lockout.Threshold,
			Cooldown:         cfg.HTTP.Lockout.Cooldown,
			OnStateChange: func(remote string, from, to httpauth.LockState) {
				logger.Warn("remote lockout state changed", "remote", remote, "from", from.String(), "to", to.String())
			},
		}
	}

	var tlsConfig *tls.Config
	if cfg.HTTP.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if cfg.HTTP.ChannelBindings {
			leaf, err := x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				return fmt.Errorf("parse TLS certificate: %w", err)
			}
			cb, err := auth.NewTLSServerEndpointBindings(leaf)
			if err != nil {
				return err
			}
			hcfg.ChannelBindings = httpauth.TLSServerEndpoint(cb)
		}
	}

	authn, err := httpauth.New(hcfg)
	if err != nil {
		return err
	}
	defer authn.Close()

	mux := http.NewServeMux()
	mux.Handle("/", authn.Middleware(http.HandlerFunc(whoami)))

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ConnContext:       authn.ConnContext,
		ConnState:         authn.ConnState,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{srv}
	if cfg.Metrics.Enabled {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.Handler())
		msrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mmux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, msrv)
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	go sweepLoop(ctx, authn, cfg.HTTP.ContextTTL/2)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Listen, "provider", cfg.Provider, "tls", tlsConfig != nil)
		if tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	var errs []error
	for _, s := range servers {
		errs = append(errs, s.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}

func sweepLoop(ctx context.Context, a *httpauth.Authenticator, every time.Duration) {
	t := time.NewTicker(max(every, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Sweep(); n > 0 {
				slog.Debug("expired pending handshakes", "count", n)
			}
		}
	}
}

type whoamiResponse struct {
	Principal string    `json:"principal"`
	Scheme    string    `json:"scheme"`
	Flags     string    `json:"flags"`
	Expiry    time.Time `json:"expiry,omitzero"`
}

func whoami(w http.ResponseWriter, r *http.Request) {
	id, ok := httpauth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(whoamiResponse{
		Principal: id.Principal,
		Scheme:    id.Scheme,
		Flags:     id.Flags.String(),
		Expiry:    id.Expiry,
	})
}
