// Package local runs package manager commands as child processes of pkgdeck.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/executor"
)

// Transport starts processes on the local machine. Each process gets its own
// process group on unix so that termination reaches the whole tree.
type Transport struct {
	// Env is appended to the inherited environment of every process.
	Env []string
}

// New creates a local transport.
func New(env ...string) *Transport {
	return &Transport{Env: env}
}

// Name implements executor.Transport.
func (t *Transport) Name() string {
	return "local"
}

// LookPath implements executor.Transport.
func (t *Transport) LookPath(_ context.Context, name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, executor.ErrNotFound)
	}
	return path, nil
}

// Run implements executor.Transport.
func (t *Transport) Run(ctx context.Context, inv executor.Invocation) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	path, err := t.LookPath(ctx, inv.Name)
	if err != nil {
		return -1, err
	}

	cmd := exec.Command(path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Env = append(cmd.Env, inv.Env...)
	setProcessGroup(cmd)

	grace := inv.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}
	// Bounds the wait for output pipes held open by orphaned grandchildren.
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return -1, fmt.Errorf("%s: %w", inv.Name, executor.ErrNotFound)
		}
		return -1, fmt.Errorf("failed to start %s: %w", inv.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitCode(cmd, err)

	case <-ctx.Done():
		log.Debug().
			Str("command", inv.Name).
			Int("pid", cmd.Process.Pid).
			Dur("grace", grace).
			Msg("terminating process")

		_ = terminate(cmd)
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			_ = kill(cmd)
			<-done
		}
		return -1, ctx.Err()
	}
}

func exitCode(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal we did not send.
		return -1, fmt.Errorf("process terminated: %w", err)
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}
