// Package providertest provides a scripted command runner for adapter tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
)

// Response is the canned outcome of one command line.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Runner answers commands from a table keyed by the rendered command line
// ("npm list --json --depth=0 -g"). Unknown commands fail with exit 127.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []executor.Command
	missing   map[string]bool
	lookups   map[string]int
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{
		responses: make(map[string]Response),
		missing:   make(map[string]bool),
		lookups:   make(map[string]int),
	}
}

// On registers the response for a command line.
func (r *Runner) On(line string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[line] = resp
	return r
}

// Stdout registers a successful command printing out.
func (r *Runner) Stdout(line, out string) *Runner {
	return r.On(line, Response{Stdout: out})
}

// Missing makes LookPath fail for binary.
func (r *Runner) Missing(binary string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[binary] = true
	return r
}

// Found undoes Missing.
func (r *Runner) Found(binary string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.missing, binary)
	return r
}

// Run implements providers.Runner. It applies the executor's exit code
// classification so adapters see the same errors as in production.
func (r *Runner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewCancelledError(err)
	}

	line := cmd.String()
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	resp, ok := r.responses[line]
	r.mu.Unlock()

	if !ok {
		resp = Response{Stderr: "unexpected command: " + line, ExitCode: 127}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if cmd.Output != nil {
		for _, l := range strings.Split(strings.TrimSpace(resp.Stdout), "\n") {
			if l != "" {
				cmd.Output(engine.StreamStdout, l)
			}
		}
	}

	res := &executor.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode, Attempts: 1}
	if resp.ExitCode != 0 && !okExit(cmd, resp.ExitCode) {
		return res, engine.NewCommandFailedError(line, resp.ExitCode, strings.TrimSpace(resp.Stderr)).WithBackend(cmd.Backend)
	}
	return res, nil
}

// RunJSON implements providers.Runner.
func (r *Runner) RunJSON(ctx context.Context, cmd executor.Command, v any) error {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return err
	}
	return executor.DecodeJSON(cmd.String(), []byte(res.Stdout), v)
}

// LookPath implements providers.Runner.
func (r *Runner) LookPath(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[name]++
	if r.missing[name] {
		return "", engine.NewManagerUnavailableError(name, fmt.Errorf("%s: %w", name, executor.ErrNotFound))
	}
	return "/usr/bin/" + name, nil
}

// Lookups returns how many times binary was resolved.
func (r *Runner) Lookups(binary string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups[binary]
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []executor.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executor.Command(nil), r.calls...)
}

// Lines returns the rendered command lines run so far.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// Ran reports whether line was run.
func (r *Runner) Ran(line string) bool {
	for _, l := range r.Lines() {
		if l == line {
			return true
		}
	}
	return false
}

func okExit(cmd executor.Command, code int) bool {
	for _, c := range cmd.OkExitCodes {
		if c == code {
			return true
		}
	}
	return false
}
