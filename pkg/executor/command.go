package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// CallClass selects the timeout and retry policy of a command.
type CallClass string

const (
	// ClassRead marks a query with no side effects; it gets the short
	// timeout and may be retried.
	ClassRead CallClass = "read"

	// ClassMutate marks a command that changes system state; it gets the
	// long timeout and is never retried.
	ClassMutate CallClass = "mutate"
)

// Command describes one external command run.
type Command struct {
	// Backend names the package manager for errors, logs and metrics.
	Backend string

	// Name is the executable.
	Name string

	// Args are the arguments, passed without shell interpretation.
	Args []string

	// Dir is the working directory; empty means the transport default.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the environment.
	Env []string

	// Class selects the timeout and retry policy.
	Class CallClass

	// Timeout overrides the class timeout when positive.
	Timeout time.Duration

	// Retry allows bounded retries of transient failures. Ignored for
	// ClassMutate.
	Retry bool

	// OkExitCodes lists non-zero exit codes that still count as success.
	OkExitCodes []int

	// Output receives stdout and stderr line by line while the command runs.
	Output engine.LineSink
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func (c Command) okExit(code int) bool {
	if code == 0 {
		return true
	}
	for _, ok := range c.OkExitCodes {
		if ok == code {
			return true
		}
	}
	return false
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Attempts int
}

// Invocation is what a transport needs to start one process.
type Invocation struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer

	// KillGrace is how long to wait after SIGTERM before SIGKILL when the
	// context ends.
	KillGrace time.Duration
}

// ErrNotFound is wrapped by transports when the executable cannot be resolved.
var ErrNotFound = errors.New("executable not found")

// Transport starts processes locally or on a remote host.
type Transport interface {
	// Run starts the process and waits for it. A process that ran to
	// completion returns its exit code and a nil error, whatever the code.
	// When ctx ends first the process is terminated (SIGTERM, then SIGKILL
	// after inv.KillGrace) and ctx.Err() is returned.
	Run(ctx context.Context, inv Invocation) (int, error)

	// LookPath resolves an executable, wrapping ErrNotFound on failure.
	LookPath(ctx context.Context, name string) (string, error)

	// Name identifies the transport in logs ("local", "ssh://host").
	Name() string
}
