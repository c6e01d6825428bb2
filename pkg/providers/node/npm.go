package node

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// verbs holds the subcommands that differ between npm and pnpm.
type verbs struct {
	install  string
	remove   string
	outdated []string
}

// Manager adapts npm and pnpm, which share the npm registry protocol and
// JSON output formats.
type Manager struct {
	providers.Base
	verbs verbs
}

// NewNPM creates the npm adapter.
func NewNPM(runner providers.Runner) *Manager {
	return &Manager{
		Base: providers.NewBase("npm", "npm", engine.AllCapabilities, runner, scopes...),
		verbs: verbs{
			install:  "install",
			remove:   "uninstall",
			outdated: []string{"outdated", "--json"},
		},
	}
}

// NewPNPM creates the pnpm adapter.
func NewPNPM(runner providers.Runner) *Manager {
	return &Manager{
		Base: providers.NewBase("pnpm", "pnpm", engine.AllCapabilities, runner, scopes...),
		verbs: verbs{
			install:  "add",
			remove:   "remove",
			outdated: []string{"outdated", "--format", "json"},
		},
	}
}

func global(scope engine.Scope, args ...string) []string {
	out := append([]string{}, args...)
	if scope.Kind == engine.ScopeGlobal {
		out = append(out, "-g")
	}
	return out
}

// ListInstalled implements engine.Backend.
func (m *Manager) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := m.CheckScope(scope, "list"); err != nil {
		return nil, err
	}

	cmd := m.Read(scope, global(scope, "list", "--json", "--depth=0")...)
	// Exit 1 reports unmet peer dependencies; the JSON is still complete.
	cmd.OkExitCodes = []int{1}
	out, err := m.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	trees, err := decodeTrees(cmd.String(), []byte(out))
	if err != nil {
		return nil, err
	}
	pkgs := treePackages(m.Name(), trees)
	return withSizes(ctx, &m.Base, m.modulesRoot(ctx, scope), pkgs), nil
}

// Search implements engine.Backend.
func (m *Manager) Search(ctx context.Context, query string) ([]engine.Package, error) {
	if err := m.Require(engine.CapSearchRemote, "search"); err != nil {
		return nil, err
	}
	cmd := m.Query("search", "--json", query)
	out, err := m.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return decodeSearch(m.Name(), cmd.String(), []byte(out))
}

// Info implements engine.Backend. Registry metadata is merged with the
// installed version when the package is present in scope.
func (m *Manager) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := m.CheckScope(scope, "info"); err != nil {
		return nil, err
	}

	var view registryView
	if err := m.Runner().RunJSON(ctx, m.Query("view", name, "--json"), &view); err != nil {
		return nil, err
	}
	pkg := view.toPackage(m.Name(), name)

	cmd := m.Read(scope, global(scope, "list", name, "--json", "--depth=0")...)
	cmd.OkExitCodes = []int{1}
	out, err := m.Output(ctx, cmd)
	if err != nil {
		log.Debug().Err(err).Str("backend", m.Name()).Str("package", name).Msg("installed lookup failed")
		return pkg, nil
	}
	trees, err := decodeTrees(cmd.String(), []byte(out))
	if err != nil {
		return pkg, nil
	}
	for _, installed := range treePackages(m.Name(), trees) {
		if installed.Name != name {
			continue
		}
		pkg.Version = installed.Version
		pkg.Outdated = pkg.LatestVersion != "" && installed.Version != pkg.LatestVersion
		sized := withSizes(ctx, &m.Base, m.modulesRoot(ctx, scope), []engine.Package{installed})
		pkg.Size = sized[0].Size
		pkg.InstalledPath = sized[0].InstalledPath
	}
	return pkg, nil
}

// Install implements engine.Backend.
func (m *Manager) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{m.verbs.install}
	if req.Force {
		args = append(args, "--force")
	}
	args = append(args, versioned(req.Name, req.Version))
	return m.Exec(ctx, m.Mutate(req, global(req.Scope, args...)...))
}

// Upgrade implements engine.Backend.
func (m *Manager) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "update"); err != nil {
		return err
	}
	return m.Exec(ctx, m.Mutate(req, global(req.Scope, "update", req.Name)...))
}

// Uninstall implements engine.Backend.
func (m *Manager) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	args := []string{m.verbs.remove, req.Name}
	if req.Force {
		args = append(args, "--force")
	}
	return m.Exec(ctx, m.Mutate(req, global(req.Scope, args...)...))
}

// Outdated implements engine.Backend.
func (m *Manager) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := m.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	cmd := m.Read(scope, global(scope, m.verbs.outdated...)...)
	// Exit 1 means "some packages are outdated".
	cmd.OkExitCodes = []int{1}
	out, err := m.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return decodeOutdated(m.Name(), cmd.String(), []byte(out))
}

// Dependencies implements engine.Backend.
func (m *Manager) Dependencies(ctx context.Context, scope engine.Scope, name string) ([]engine.Package, error) {
	if err := m.Require(engine.CapQueryDependencies, "dependencies"); err != nil {
		return nil, err
	}
	if err := m.CheckScope(scope, "dependencies"); err != nil {
		return nil, err
	}
	cmd := m.Query("view", name, "dependencies", "--json")
	out, err := m.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return decodeDependencies(m.Name(), cmd.String(), []byte(out))
}

// modulesRoot resolves the node_modules directory for scope.
func (m *Manager) modulesRoot(ctx context.Context, scope engine.Scope) string {
	if scope.Kind == engine.ScopeLocal {
		return localModules(scope)
	}
	out, err := m.Output(ctx, m.Read(scope, "root", "-g"))
	if err != nil {
		log.Debug().Err(err).Str("backend", m.Name()).Msg("cannot resolve global root")
		return ""
	}
	return firstLine(out)
}

var _ engine.Backend = (*Manager)(nil)
