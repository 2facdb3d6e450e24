// Package commands implements the negotiate-server CLI.
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-negotiate/internal/config"
	nlog "github.com/smnsjas/go-negotiate/internal/log"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "negotiate-server",
	Short: "Server-side Negotiate (Kerberos/NTLM) authentication",
	Long: `negotiate-server accepts SPNEGO, Kerberos and NTLM handshakes using a
native security package (SSPI on Windows, sspi-rs elsewhere) or the built-in
keytab and NTLM acceptors.

Configuration is read from negotiate.yaml in the working directory or
/etc/negotiate, or from --config. Every key can be overridden with a
NEGOTIATE_<SECTION>_<KEY> environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./negotiate.yaml or /etc/negotiate/negotiate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "override logging.file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

// loadConfig loads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFile != "" {
		cfg.Logging.File = logFile
		config.ApplyDefaults(cfg)
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := nlog.New(nlog.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
