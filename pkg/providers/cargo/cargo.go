// Package cargo adapts binaries installed with `cargo install`.
package cargo

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

const (
	searchLimit     = "20"
	outdatedWorkers = 4
)

var (
	// "ripgrep v14.1.0:" or "tool v0.1.0 (/path/to/src):"
	installedLine = regexp.MustCompile(`^(\S+) v([^\s:]+)(?: \([^)]*\))?:$`)

	// `serde = "1.0.197"    # A generic serialization framework`
	searchLine = regexp.MustCompile(`^(\S+)\s*=\s*"([^"]*)"\s*(?:#\s*(.*))?$`)
)

// Cargo adapts the cargo command.
type Cargo struct {
	providers.Base
}

// New creates the cargo adapter.
func New(runner providers.Runner) *Cargo {
	return &Cargo{
		Base: providers.NewBase("cargo", "cargo",
			engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote, engine.CapVersionSelection),
			runner),
	}
}

// ListInstalled implements engine.Backend.
func (c *Cargo) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := c.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	out, err := c.Output(ctx, c.Read(scope, "install", "--list"))
	if err != nil {
		return nil, err
	}
	return providers.SortPackages(c.parseInstalled(out)), nil
}

func (c *Cargo) parseInstalled(out string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range strings.Split(out, "\n") {
		// Indented lines name the binaries of the crate above.
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		m := installedLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		pkgs = append(pkgs, c.Package(m[1], m[2]))
	}
	return pkgs
}

// Search implements engine.Backend.
func (c *Cargo) Search(ctx context.Context, query string) ([]engine.Package, error) {
	return c.search(ctx, query, searchLimit)
}

func (c *Cargo) search(ctx context.Context, query, limit string) ([]engine.Package, error) {
	out, err := c.Output(ctx, c.Query("search", query, "--limit", limit))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		if strings.HasPrefix(line, "...") || strings.HasPrefix(line, "note:") {
			continue
		}
		m := searchLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pkg := c.Package(m[1], m[2])
		pkg.Description = strings.TrimSpace(m[3])
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// Info implements engine.Backend. The registry entry is combined with the
// installed version when the crate is installed.
func (c *Cargo) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := c.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	latest, err := c.latest(ctx, name)
	if err != nil {
		return nil, err
	}
	installed, err := c.ListInstalled(ctx, scope)
	if err != nil {
		return nil, err
	}
	local, _ := c.FindInstalled(installed, name)

	switch {
	case latest == nil && local == nil:
		return nil, providers.NotFound(c.Name(), name)
	case latest == nil:
		return local, nil
	case local == nil:
		return latest, nil
	}
	pkg := *latest
	pkg.Version = local.Version
	pkg.LatestVersion = latest.Version
	pkg.Outdated = local.Version != latest.Version
	return &pkg, nil
}

// latest returns the registry entry for exactly name, or nil.
func (c *Cargo) latest(ctx context.Context, name string) (*engine.Package, error) {
	results, err := c.search(ctx, name, "1")
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Name == name {
			return &results[i], nil
		}
	}
	return nil, nil
}

// Install implements engine.Backend.
func (c *Cargo) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := c.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{"install"}
	if req.Force {
		args = append(args, "--force")
	}
	if req.Version != "" {
		args = append(args, "--version", req.Version)
	}
	args = append(args, req.Name)
	return c.Exec(ctx, c.Mutate(req, args...))
}

// Upgrade implements engine.Backend. cargo has no upgrade verb; a forced
// install builds the newest release.
func (c *Cargo) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := c.CheckMutation(req, "update"); err != nil {
		return err
	}
	return c.Exec(ctx, c.Mutate(req, "install", "--force", req.Name))
}

// Uninstall implements engine.Backend.
func (c *Cargo) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := c.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return c.Exec(ctx, c.Mutate(req, "uninstall", req.Name))
}

// Outdated implements engine.Backend by looking up every installed crate in
// the registry. Crates whose lookup fails are skipped.
func (c *Cargo) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	installed, err := c.ListInstalled(ctx, scope)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		outdated []engine.Package
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(outdatedWorkers)
	for _, pkg := range installed {
		g.Go(func() error {
			latest, err := c.latest(gctx, pkg.Name)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("backend", c.Name()).Str("package", pkg.Name).Msg("registry lookup failed")
				return nil
			}
			if latest == nil || latest.Version == pkg.Version {
				return nil
			}
			pkg.Outdated = true
			pkg.LatestVersion = latest.Version
			mu.Lock()
			outdated = append(outdated, pkg)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, engine.NewCancelledError(err).WithBackend(c.Name())
	}
	return providers.SortPackages(outdated), nil
}

var _ engine.Backend = (*Cargo)(nil)
