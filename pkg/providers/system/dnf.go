package system

import (
	"context"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// Dnf adapts dnf and its predecessor yum, which share commands and output.
type Dnf struct {
	System
}

// NewDnf creates the dnf adapter.
func NewDnf(runner providers.Runner, opts ...Option) *Dnf {
	return &Dnf{System: newSystem("dnf", "dnf", runner, opts)}
}

// NewYum creates the yum adapter.
func NewYum(runner providers.Runner, opts ...Option) *Dnf {
	return &Dnf{System: newSystem("yum", "yum", runner, opts)}
}

// ListInstalled implements engine.Backend.
func (d *Dnf) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := d.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	return d.listRPM(ctx)
}

// Search implements engine.Backend. Result lines are "name.arch : summary"
// under "=== Name Matched ===" style headers.
func (d *Dnf) Search(ctx context.Context, query string) ([]engine.Package, error) {
	out, err := d.Output(ctx, d.Query("search", "-q", query))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		if strings.HasPrefix(line, "=") {
			continue
		}
		nameArch, summary, ok := strings.Cut(line, " : ")
		if !ok {
			continue
		}
		pkg := d.Package(stripArch(strings.TrimSpace(nameArch)), "")
		pkg.Description = strings.TrimSpace(summary)
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

// Info implements engine.Backend.
func (d *Dnf) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := d.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	out, err := d.Output(ctx, d.Query("info", "-q", name))
	if err != nil {
		if providers.StderrContains(err, "No matching Packages", "No matching packages") {
			return nil, providers.NotFound(d.Name(), name)
		}
		return nil, err
	}
	f := providers.Fields(out)
	if f["name"] == "" {
		return nil, providers.NotFound(d.Name(), name)
	}
	version := f["version"]
	if rel := f["release"]; rel != "" {
		version += "-" + rel
	}
	pkg := &engine.Package{
		Name:        f["name"],
		Version:     version,
		Backend:     d.Name(),
		Description: f["summary"],
		Homepage:    f["url"],
		License:     f["license"],
	}

	installed, err := d.rpmVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	mergeInstalled(pkg, installed)
	return pkg, nil
}

// Install implements engine.Backend. Force reinstalls an installed package.
func (d *Dnf) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := d.CheckMutation(req, "install"); err != nil {
		return err
	}
	verb := "install"
	if req.Force {
		verb = "reinstall"
	}
	target := req.Name
	if req.Version != "" {
		target += "-" + req.Version
	}
	return d.Exec(ctx, d.mutate(req, verb, "-y", target))
}

// Upgrade implements engine.Backend.
func (d *Dnf) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := d.CheckMutation(req, "update"); err != nil {
		return err
	}
	return d.Exec(ctx, d.mutate(req, "upgrade", "-y", req.Name))
}

// Uninstall implements engine.Backend.
func (d *Dnf) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := d.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return d.Exec(ctx, d.mutate(req, "remove", "-y", req.Name))
}

// Outdated implements engine.Backend. check-update exits 100 when updates
// are available and lists "name.arch  version  repo"; installed versions
// come from the rpm database.
func (d *Dnf) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := d.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	cmd := d.Query("check-update", "-q")
	cmd.OkExitCodes = []int{100}
	out, err := d.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]string)
	for _, line := range providers.Lines(out) {
		if strings.HasPrefix(line, "Obsoleting") || strings.HasPrefix(line, "Security:") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		latest[stripArch(fields[0])] = fields[1]
	}
	if len(latest) == 0 {
		return nil, nil
	}

	installed, err := d.listRPM(ctx)
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, pkg := range installed {
		v, ok := latest[pkg.Name]
		if !ok {
			continue
		}
		pkg.Outdated = true
		pkg.LatestVersion = v
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// stripArch turns "curl.x86_64" into "curl".
func stripArch(nameArch string) string {
	if i := strings.LastIndexByte(nameArch, '.'); i > 0 {
		return nameArch[:i]
	}
	return nameArch
}

var _ engine.Backend = (*Dnf)(nil)
