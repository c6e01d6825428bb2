package engine

import (
	"context"

	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// LineSink receives command output line by line as it is produced.
type LineSink func(stream Stream, text string)

// MutationRequest carries the arguments of install, upgrade and uninstall.
type MutationRequest struct {
	// Name is the package to act on.
	Name string

	// Version pins the install to a specific version; requires VersionSelection.
	Version string

	// Force asks the backend to reinstall or remove despite conflicts, where
	// the tool supports it.
	Force bool

	// Scope selects global or directory-bound commands.
	Scope Scope

	// Output receives streamed command output; may be nil.
	Output LineSink
}

// Backend is the uniform contract every package manager adapter implements.
// Operations whose capability is not declared return UnsupportedOperation
// without running any command.
type Backend interface {
	// Name returns the registry name ("npm", "brew", ...).
	Name() string

	// Capabilities returns the statically declared capability set.
	Capabilities() CapabilitySet

	// SupportsScope reports whether the backend has commands for kind.
	SupportsScope(kind ScopeKind) bool

	// Available reports whether the backend's executable is resolvable.
	Available(ctx context.Context) bool

	// CacheKey returns the cache key of the installed listing for scope.
	CacheKey(scope Scope) CacheKey

	// ListInstalled returns the installed packages in scope.
	ListInstalled(ctx context.Context, scope Scope) ([]Package, error)

	// Search queries the remote index.
	Search(ctx context.Context, query string) ([]Package, error)

	// Info returns details for one package.
	Info(ctx context.Context, scope Scope, name string) (*Package, error)

	// Install installs a package, optionally at req.Version.
	Install(ctx context.Context, req MutationRequest) error

	// Upgrade upgrades a package to the newest version.
	Upgrade(ctx context.Context, req MutationRequest) error

	// Uninstall removes a package.
	Uninstall(ctx context.Context, req MutationRequest) error

	// Outdated returns installed packages with a newer version available.
	Outdated(ctx context.Context, scope Scope) ([]Package, error)

	// Dependencies lists the dependencies of a package.
	Dependencies(ctx context.Context, scope Scope, name string) ([]Package, error)
}

// BackendResolver looks up backends by name. The registry implements it.
type BackendResolver interface {
	// Backend returns the named backend or a ManagerUnavailable error.
	Backend(name string) (Backend, error)

	// Available returns the cached availability probe for the backend.
	Available(ctx context.Context, name string) bool

	// Names returns registered backend names in registration order.
	Names() []string
}

// CacheStore holds per-key package snapshots. Operations on one key must not
// wait on operations on another key.
type CacheStore interface {
	// Get returns the entry for key with its age, or nil when absent.
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Set atomically replaces the snapshot for key.
	Set(ctx context.Context, key CacheKey, packages []Package) error

	// Invalidate removes the entry for key. Removing an absent key is not an error.
	Invalidate(ctx context.Context, key CacheKey) error

	// Generation returns the invalidation generation of key. Every
	// invalidation covering key advances it.
	Generation(key CacheKey) uint64

	// SetIfGeneration replaces the snapshot for key only when key has not
	// been invalidated since gen was read, and reports whether it did.
	SetIfGeneration(ctx context.Context, key CacheKey, gen uint64, packages []Package) (bool, error)
}

// EventSink receives best-effort push notifications.
type EventSink interface {
	Publish(event telemetry.Event) error
}
