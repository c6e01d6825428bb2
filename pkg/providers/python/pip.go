// Package python adapts the Python package managers pip, uv and pipx.
package python

import (
	"context"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// Pip adapts pip and the pip interface of uv, which share output formats.
type Pip struct {
	providers.Base

	// prefix precedes every verb ("pip" for uv).
	prefix []string

	// systemFlag is added in global scope; uv refuses to touch the system
	// interpreter without it.
	systemFlag string

	// reinstall is the forced install flag.
	reinstall string

	// confirm is added to uninstall to skip the prompt.
	confirm string
}

// NewPip creates the pip adapter. pip only manages the interpreter it runs
// under, so only the global scope is offered.
func NewPip(runner providers.Runner) *Pip {
	return &Pip{
		Base: providers.NewBase("pip", "pip",
			engine.Capabilities(engine.CapListInstalled, engine.CapVersionSelection),
			runner),
		reinstall: "--force-reinstall",
		confirm:   "-y",
	}
}

// NewUV creates the uv adapter. In local scope uv runs in the project
// directory and resolves its virtualenv.
func NewUV(runner providers.Runner) *Pip {
	return &Pip{
		Base: providers.NewBase("uv", "uv",
			engine.Capabilities(engine.CapListInstalled, engine.CapVersionSelection),
			runner, engine.ScopeGlobal, engine.ScopeLocal),
		prefix:     []string{"pip"},
		systemFlag: "--system",
		reinstall:  "--reinstall",
	}
}

// args renders "[prefix] verb [--system] rest...".
func (p *Pip) args(scope engine.Scope, verb string, rest ...string) []string {
	args := append([]string{}, p.prefix...)
	args = append(args, verb)
	if p.systemFlag != "" && scope.Kind == engine.ScopeGlobal {
		args = append(args, p.systemFlag)
	}
	return append(args, rest...)
}

type listEntry struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	LatestVersion string `json:"latest_version"`
}

// ListInstalled implements engine.Backend.
func (p *Pip) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := p.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	var entries []listEntry
	if err := p.Runner().RunJSON(ctx, p.Read(scope, p.args(scope, "list", "--format=json")...), &entries); err != nil {
		return nil, err
	}
	pkgs := make([]engine.Package, 0, len(entries))
	for _, e := range entries {
		pkgs = append(pkgs, p.Package(e.Name, e.Version))
	}
	return providers.SortPackages(pkgs), nil
}

// Info implements engine.Backend using `pip show`.
func (p *Pip) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := p.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	out, err := p.Output(ctx, p.Read(scope, p.args(scope, "show", name)...))
	if err != nil {
		if providers.StderrContains(err, "not found", "No matching") {
			return nil, providers.NotFound(p.Name(), name)
		}
		return nil, err
	}
	f := providers.Fields(out)
	if f["name"] == "" {
		return nil, providers.NotFound(p.Name(), name)
	}
	homepage := f["home-page"]
	if homepage == "" {
		homepage = projectURL(out)
	}
	pkg := &engine.Package{
		Name:        f["name"],
		Version:     f["version"],
		Backend:     p.Name(),
		Description: f["summary"],
		Homepage:    homepage,
		License:     f["license"],
	}
	if loc := f["location"]; loc != "" {
		pkg.InstalledPath = loc
	}
	return pkg, nil
}

// projectURL picks the homepage from "Project-URL: Homepage, https://..."
// lines, which newer metadata uses instead of Home-page.
func projectURL(out string) string {
	for _, line := range providers.Lines(out) {
		value, ok := strings.CutPrefix(line, "Project-URL:")
		if !ok {
			continue
		}
		label, url, ok := strings.Cut(value, ",")
		if ok && strings.EqualFold(strings.TrimSpace(label), "homepage") {
			return strings.TrimSpace(url)
		}
	}
	return ""
}

// Install implements engine.Backend.
func (p *Pip) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "install"); err != nil {
		return err
	}
	var rest []string
	if req.Force {
		rest = append(rest, p.reinstall)
	}
	rest = append(rest, pinned(req))
	return p.Exec(ctx, p.Mutate(req, p.args(req.Scope, "install", rest...)...))
}

// Upgrade implements engine.Backend.
func (p *Pip) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "update"); err != nil {
		return err
	}
	return p.Exec(ctx, p.Mutate(req, p.args(req.Scope, "install", "--upgrade", req.Name)...))
}

// Uninstall implements engine.Backend.
func (p *Pip) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := p.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	var rest []string
	if p.confirm != "" {
		rest = append(rest, p.confirm)
	}
	rest = append(rest, req.Name)
	return p.Exec(ctx, p.Mutate(req, p.args(req.Scope, "uninstall", rest...)...))
}

// Outdated implements engine.Backend.
func (p *Pip) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := p.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	var entries []listEntry
	cmd := p.Read(scope, p.args(scope, "list", "--outdated", "--format=json")...)
	cmd.Retry = true
	if err := p.Runner().RunJSON(ctx, cmd, &entries); err != nil {
		return nil, err
	}
	pkgs := make([]engine.Package, 0, len(entries))
	for _, e := range entries {
		pkg := p.Package(e.Name, e.Version)
		pkg.Outdated = true
		pkg.LatestVersion = e.LatestVersion
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

func pinned(req engine.MutationRequest) string {
	if req.Version == "" {
		return req.Name
	}
	return req.Name + "==" + req.Version
}

var _ engine.Backend = (*Pip)(nil)
