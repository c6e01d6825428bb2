package node

import (
	"context"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// Bun adapts the bun package manager.
type Bun struct {
	providers.Base
}

// NewBun creates the bun adapter.
func NewBun(runner providers.Runner) *Bun {
	return &Bun{
		Base: providers.NewBase("bun", "bun",
			engine.Capabilities(engine.CapListInstalled, engine.CapVersionSelection),
			runner, scopes...),
	}
}

func bunArgs(scope engine.Scope, args ...string) []string {
	out := append([]string{}, args[:1]...)
	if scope.Kind == engine.ScopeGlobal {
		out = append(out, "-g")
	}
	return append(out, args[1:]...)
}

// parseBunList reads the tree printed by `bun pm ls`:
//
//	/home/me/app node_modules (2)
//	├── left-pad@1.3.0
//	└── typescript@5.4.5
func parseBunList(backend, output string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range providers.Lines(output) {
		_, spec, ok := strings.Cut(line, "── ")
		if !ok {
			continue
		}
		name, version := providers.SplitNameVersion(spec)
		if name == "" {
			continue
		}
		pkgs = append(pkgs, engine.Package{Name: name, Version: version, Backend: backend})
	}
	return providers.SortPackages(pkgs)
}

// parseBunOutdated reads the table printed by `bun outdated`. Both ASCII and
// box-drawing column separators occur depending on the terminal.
func parseBunOutdated(backend, output string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range providers.Lines(output) {
		line = strings.ReplaceAll(line, "│", "|")
		if !strings.HasPrefix(line, "|") {
			continue
		}
		var cells []string
		for _, cell := range strings.Split(strings.Trim(line, "|"), "|") {
			cells = append(cells, strings.TrimSpace(cell))
		}
		// Package, Current, Update, Latest
		if len(cells) < 4 || cells[0] == "Package" || strings.Trim(cells[0], "-─") == "" {
			continue
		}
		name := strings.TrimSuffix(cells[0], " (dev)")
		pkgs = append(pkgs, engine.Package{
			Name:          name,
			Version:       cells[1],
			Backend:       backend,
			Outdated:      true,
			LatestVersion: cells[3],
		})
	}
	return providers.SortPackages(pkgs)
}

// ListInstalled implements engine.Backend.
func (b *Bun) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := b.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	args := []string{"pm", "ls"}
	if scope.Kind == engine.ScopeGlobal {
		args = append(args, "-g")
	}
	out, err := b.Output(ctx, b.Read(scope, args...))
	if err != nil {
		return nil, err
	}
	pkgs := parseBunList(b.Name(), out)
	if scope.Kind == engine.ScopeLocal {
		pkgs = withSizes(ctx, &b.Base, localModules(scope), pkgs)
	}
	return pkgs, nil
}

// Info implements engine.Backend. Bun has no registry view command, so only
// installed packages can be described.
func (b *Bun) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	pkgs, err := b.ListInstalled(ctx, scope)
	if err != nil {
		return nil, err
	}
	return b.FindInstalled(pkgs, name)
}

// Install implements engine.Backend.
func (b *Bun) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{"add"}
	if req.Force {
		args = append(args, "--force")
	}
	args = append(args, versioned(req.Name, req.Version))
	return b.Exec(ctx, b.Mutate(req, bunArgs(req.Scope, args...)...))
}

// Upgrade implements engine.Backend.
func (b *Bun) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "update"); err != nil {
		return err
	}
	return b.Exec(ctx, b.Mutate(req, bunArgs(req.Scope, "update", req.Name)...))
}

// Uninstall implements engine.Backend.
func (b *Bun) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return b.Exec(ctx, b.Mutate(req, bunArgs(req.Scope, "remove", req.Name)...))
}

// Outdated implements engine.Backend. `bun outdated` only inspects projects,
// so the global scope reports nothing.
func (b *Bun) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := b.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	if scope.Kind == engine.ScopeGlobal {
		return nil, nil
	}
	out, err := b.Output(ctx, b.Read(scope, "outdated"))
	if err != nil {
		return nil, err
	}
	return parseBunOutdated(b.Name(), out), nil
}

var _ engine.Backend = (*Bun)(nil)
