package python

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// outdatedWorkers bounds concurrent `pipx runpip` calls.
const outdatedWorkers = 4

// Pipx adapts pipx, which installs each application in its own virtualenv.
type Pipx struct {
	providers.Base
}

// NewPipx creates the pipx adapter.
func NewPipx(runner providers.Runner) *Pipx {
	return &Pipx{
		Base: providers.NewBase("pipx", "pipx",
			engine.Capabilities(engine.CapListInstalled, engine.CapVersionSelection),
			runner),
	}
}

type pipxList struct {
	Venvs map[string]struct {
		Metadata struct {
			MainPackage struct {
				Package        string `json:"package"`
				PackageVersion string `json:"package_version"`
			} `json:"main_package"`
		} `json:"metadata"`
	} `json:"venvs"`
}

// ListInstalled implements engine.Backend.
func (p *Pipx) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := p.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	var doc pipxList
	if err := p.Runner().RunJSON(ctx, p.Read(scope, "list", "--json"), &doc); err != nil {
		return nil, err
	}
	pkgs := make([]engine.Package, 0, len(doc.Venvs))
	for venv, v := range doc.Venvs {
		name := v.Metadata.MainPackage.Package
		if name == "" {
			name = venv
		}
		pkgs = append(pkgs, p.Package(name, v.Metadata.MainPackage.PackageVersion))
	}
	return providers.SortPackages(pkgs), nil
}

// Info implements engine.Backend from the installed listing.
func (p *Pipx) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	pkgs, err := p.ListInstalled(ctx, scope)
	if err != nil {
		return nil, err
	}
	return p.FindInstalled(pkgs, name)
}

// Install implements engine.Backend.
func (p *Pipx) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{"install"}
	if req.Force {
		args = append(args, "--force")
	}
	args = append(args, pinned(req))
	return p.Exec(ctx, p.Mutate(req, args...))
}

// Upgrade implements engine.Backend.
func (p *Pipx) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "update"); err != nil {
		return err
	}
	return p.Exec(ctx, p.Mutate(req, "upgrade", req.Name))
}

// Uninstall implements engine.Backend.
func (p *Pipx) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return p.Exec(ctx, p.Mutate(req, "uninstall", req.Name))
}

// Outdated implements engine.Backend. Each application's virtualenv is asked
// for its outdated packages; applications whose check fails are skipped.
func (p *Pipx) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	installed, err := p.ListInstalled(ctx, scope)
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
			latest, err := p.latest(gctx, pkg.Name)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("backend", p.Name()).Str("package", pkg.Name).Msg("outdated check failed")
				return nil
			}
			if latest == "" || latest == pkg.Version {
				return nil
			}
			pkg.Outdated = true
			pkg.LatestVersion = latest
			mu.Lock()
			outdated = append(outdated, pkg)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, engine.NewCancelledError(err).WithBackend(p.Name())
	}
	return providers.SortPackages(outdated), nil
}

// latest returns the newer version of the application's main package, or ""
// when it is current.
func (p *Pipx) latest(ctx context.Context, app string) (string, error) {
	var entries []listEntry
	cmd := p.Query("runpip", app, "list", "--outdated", "--format=json")
	if err := p.Runner().RunJSON(ctx, cmd, &entries); err != nil {
		return "", err
	}
	for _, e := range entries {
		if normalize(e.Name) == normalize(app) {
			return e.LatestVersion, nil
		}
	}
	return "", nil
}

// normalize applies the PEP 503 name comparison rules.
func normalize(name string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(name))
}

var _ engine.Backend = (*Pipx)(nil)
