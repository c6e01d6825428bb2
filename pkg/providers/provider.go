// Package providers holds what the package manager adapters share: the
// command runner contract, capability and scope gating, and output parsing
// helpers. Each adapter lives in its own subpackage.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
)

// Runner executes commands for an adapter. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (*executor.Result, error)
	RunJSON(ctx context.Context, cmd executor.Command, v any) error
	LookPath(ctx context.Context, name string) (string, error)
}

// Base implements the static half of engine.Backend and the default
// behaviour of optional operations. Adapters embed it.
type Base struct {
	name   string
	binary string
	caps   engine.CapabilitySet
	scopes []engine.ScopeKind
	runner Runner
}

// NewBase creates the shared adapter state. With no scopes given only the
// global scope is supported.
func NewBase(name, binary string, caps engine.CapabilitySet, runner Runner, scopes ...engine.ScopeKind) Base {
	if len(scopes) == 0 {
		scopes = []engine.ScopeKind{engine.ScopeGlobal}
	}
	return Base{
		name:   name,
		binary: binary,
		caps:   caps,
		scopes: scopes,
		runner: runner,
	}
}

// Name implements engine.Backend.
func (b *Base) Name() string { return b.name }

// Binary returns the executable the adapter runs.
func (b *Base) Binary() string { return b.binary }

// SetBinary overrides the executable, typically with an absolute path.
// An empty path keeps the default.
func (b *Base) SetBinary(path string) {
	if path != "" {
		b.binary = path
	}
}

// Runner returns the command runner.
func (b *Base) Runner() Runner { return b.runner }

// Capabilities implements engine.Backend.
func (b *Base) Capabilities() engine.CapabilitySet { return b.caps }

// SupportsScope implements engine.Backend.
func (b *Base) SupportsScope(kind engine.ScopeKind) bool {
	for _, k := range b.scopes {
		if k == kind {
			return true
		}
	}
	return false
}

// Available implements engine.Backend.
func (b *Base) Available(ctx context.Context) bool {
	_, err := b.runner.LookPath(ctx, b.binary)
	return err == nil
}

// CacheKey implements engine.Backend.
func (b *Base) CacheKey(scope engine.Scope) engine.CacheKey {
	return engine.NewCacheKey(b.name, scope)
}

// Search implements engine.Backend for adapters without SearchRemote.
func (b *Base) Search(context.Context, string) ([]engine.Package, error) {
	return nil, b.Require(engine.CapSearchRemote, "search")
}

// Dependencies implements engine.Backend for adapters without QueryDependencies.
func (b *Base) Dependencies(context.Context, engine.Scope, string) ([]engine.Package, error) {
	return nil, b.Require(engine.CapQueryDependencies, "dependencies")
}

// Require returns UnsupportedOperation unless the adapter declares c.
func (b *Base) Require(c engine.Capability, operation string) error {
	if b.caps.Has(c) {
		return nil
	}
	return engine.NewUnsupportedOperationError(b.name, operation).
		WithDetail("missing_capability", c.String())
}

// CheckScope validates scope and rejects kinds the adapter has no commands for.
func (b *Base) CheckScope(scope engine.Scope, operation string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !b.SupportsScope(scope.Kind) {
		return engine.NewUnsupportedOperationError(b.name, operation).
			WithCode(engine.ErrCodeScope).
			WithDetail("scope", string(scope.Kind))
	}
	return nil
}

// CheckMutation validates a mutation request before any command runs.
func (b *Base) CheckMutation(req engine.MutationRequest, operation string) error {
	if req.Name == "" {
		return engine.NewInvalidError("package name is required").WithBackend(b.name)
	}
	if err := b.CheckScope(req.Scope, operation); err != nil {
		return err
	}
	if req.Version != "" {
		return b.Require(engine.CapVersionSelection, operation+" with version")
	}
	return nil
}

// Read builds a read command run in scope.
func (b *Base) Read(scope engine.Scope, args ...string) executor.Command {
	cmd := executor.Command{
		Backend: b.name,
		Name:    b.binary,
		Args:    args,
		Class:   executor.ClassRead,
	}
	if scope.Kind == engine.ScopeLocal {
		cmd.Dir = scope.Dir
	}
	return cmd
}

// Query builds a network-backed read command that may be retried.
func (b *Base) Query(args ...string) executor.Command {
	cmd := b.Read(engine.GlobalScope(), args...)
	cmd.Retry = true
	return cmd
}

// Mutate builds a mutating command for req.
func (b *Base) Mutate(req engine.MutationRequest, args ...string) executor.Command {
	cmd := b.Read(req.Scope, args...)
	cmd.Class = executor.ClassMutate
	cmd.Output = req.Output
	return cmd
}

// Exec runs cmd and discards its output.
func (b *Base) Exec(ctx context.Context, cmd executor.Command) error {
	_, err := b.runner.Run(ctx, cmd)
	return err
}

// Output runs cmd and returns its stdout.
func (b *Base) Output(ctx context.Context, cmd executor.Command) (string, error) {
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Package returns a package owned by this adapter.
func (b *Base) Package(name, version string) engine.Package {
	return engine.Package{Name: name, Version: version, Backend: b.name}
}

// FindInstalled returns the named package from pkgs or a not-found error.
func (b *Base) FindInstalled(pkgs []engine.Package, name string) (*engine.Package, error) {
	for i := range pkgs {
		if pkgs[i].Name == name {
			pkg := pkgs[i]
			return &pkg, nil
		}
	}
	return nil, NotFound(b.name, name)
}

// NotFound reports a package the backend does not know.
func NotFound(backend, name string) *engine.EngineError {
	return engine.NewInvalidError(fmt.Sprintf("package %q not found", name)).
		WithCode(engine.ErrCodeNotFound).
		WithBackend(backend)
}

// StderrContains reports whether err is a failed command whose stderr
// contains any of markers.
func StderrContains(err error, markers ...string) bool {
	var ee *engine.EngineError
	if !engine.IsCommandFailed(err) || !errors.As(err, &ee) {
		return false
	}
	for _, m := range markers {
		if strings.Contains(ee.Stderr, m) {
			return true
		}
	}
	return false
}
