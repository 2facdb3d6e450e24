package commands

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-negotiate/auth"
)

var acceptCmd = &cobra.Command{
	Use:   "accept",
	Short: "Run one handshake over stdin/stdout",
	Long: `Read base64 client tokens from stdin, one per line, and run them through a
server context. Each round prints one line:

  CONTINUE <base64 token>        the client must send another token
  DONE <base64 token> <principal> the handshake completed
  ERROR <status> <message>       the handshake failed

The DONE token is "-" when the provider has nothing left to send.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		opts, err := contextOptions(cfg, stack, logger, nil)
		if err != nil {
			return err
		}
		return runAccept(cmd.InOrStdin(), cmd.OutOrStdout(), stack.provider, stack.credential, opts...)
	},
}

var errHandshakeFailed = errors.New("handshake failed")

// runAccept drives one server context from line-delimited tokens.
func runAccept(in io.Reader, out io.Writer, p auth.Provider, cred auth.CredentialHandle, opts ...auth.Option) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var sc *auth.ServerContext
	defer func() {
		if sc != nil {
			_ = sc.Close()
		}
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		token, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			fmt.Fprintf(out, "ERROR %s %v\n", auth.StatusInvalidToken, err)
			return fmt.Errorf("%w: %v", errHandshakeFailed, err)
		}

		if sc == nil {
			sc, err = auth.NewServerContext(p, cred, token, opts...)
		} else {
			err = sc.Continue(token)
		}
		if err != nil {
			st, ok := auth.StatusOf(err)
			if !ok {
				st = auth.StatusInternalError
			}
			fmt.Fprintf(out, "ERROR %s %v\n", st, err)
			return fmt.Errorf("%w: %w", errHandshakeFailed, err)
		}

		if !sc.Done() {
			fmt.Fprintf(out, "CONTINUE %s\n", base64.StdEncoding.EncodeToString(sc.Token()))
			continue
		}

		tok, err := sc.AccessToken()
		if err != nil {
			fmt.Fprintf(out, "ERROR %s %v\n", auth.StatusInternalError, err)
			return err
		}
		defer tok.Close()

		final := "-"
		if b := sc.Token(); len(b) > 0 {
			final = base64.StdEncoding.EncodeToString(b)
		}
		fmt.Fprintf(out, "DONE %s %s\n", final, tok.Principal())
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: input ended before the handshake completed", errHandshakeFailed)
}
