// Package ssh runs package manager commands on a remote host over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/pkgdeck/pkg/executor"
)

// exitCommandNotFound is what POSIX shells return for an unknown command.
const exitCommandNotFound = 127

// Transport implements executor.Transport over a single SSH connection.
type Transport struct {
	client *Client

	// Env is prepended to every remote command line.
	Env []string
}

// New creates a transport for the given host configuration.
func New(config *Config, env ...string) (*Transport, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return &Transport{client: client, Env: env}, nil
}

// Name implements executor.Transport.
func (t *Transport) Name() string {
	return "ssh://" + t.client.config.User + "@" + t.client.config.Address()
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	return t.client.Close()
}

// LookPath implements executor.Transport by asking the remote shell.
func (t *Transport) LookPath(ctx context.Context, name string) (string, error) {
	var stdout bytes.Buffer
	code, err := t.exec(ctx, "command -v "+shellQuote(name), &stdout, &bytes.Buffer{}, time.Second)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(stdout.String())
	if code != 0 || path == "" {
		return "", fmt.Errorf("%s: %w", name, executor.ErrNotFound)
	}
	return path, nil
}

// Run implements executor.Transport.
func (t *Transport) Run(ctx context.Context, inv executor.Invocation) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	grace := inv.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	code, err := t.exec(ctx, t.commandLine(inv), inv.Stdout, inv.Stderr, grace)
	if err == nil && code == exitCommandNotFound {
		return -1, fmt.Errorf("%s: %w", inv.Name, executor.ErrNotFound)
	}
	return code, err
}

func (t *Transport) exec(ctx context.Context, line string, stdout, stderr io.Writer, grace time.Duration) (int, error) {
	client, err := t.client.conn(ctx)
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "session", Err: err}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	log.Debug().Str("host", t.client.config.Host).Str("command", line).Msg("executing remote command")

	if err := session.Start(line); err != nil {
		return -1, &TransportError{Op: "exec", Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return exitStatus(err)

	case <-ctx.Done():
		log.Debug().Str("command", line).Dur("grace", grace).Msg("terminating remote command")
		_ = session.Signal(ssh.SIGTERM)

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			select {
			case <-done:
			case <-time.After(grace):
			}
		}
		return -1, ctx.Err()
	}
}

// commandLine renders an invocation for the remote login shell.
func (t *Transport) commandLine(inv executor.Invocation) string {
	var b strings.Builder
	if inv.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(inv.Dir))
		b.WriteString(" && ")
	}
	for _, kv := range append(append([]string{}, t.Env...), inv.Env...) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !validEnvKey.MatchString(key) {
			continue
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(shellQuote(value))
		b.WriteByte(' ')
	}
	b.WriteString(shellQuote(inv.Name))
	for _, arg := range inv.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

var (
	safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)
	validEnvKey   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, &TransportError{Op: "exec", Err: err}
	}
	return -1, err
}
