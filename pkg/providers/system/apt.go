package system

import (
	"context"
	"strconv"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// dpkgFormat is expanded by dpkg-query; \t and \n are dpkg-query escapes.
const dpkgFormat = `-f=${db:Status-Abbrev}\t${Package}\t${Version}\t${Installed-Size}\t${binary:Summary}\n`

// Apt adapts apt on Debian and derivatives.
type Apt struct {
	System
}

// NewApt creates the apt adapter.
func NewApt(runner providers.Runner, opts ...Option) *Apt {
	return &Apt{System: newSystem("apt", "apt-get", runner, opts, "DEBIAN_FRONTEND=noninteractive")}
}

// ListInstalled implements engine.Backend.
func (a *Apt) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := a.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	out, err := a.Output(ctx, a.tool("dpkg-query", "-W", dpkgFormat))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range strings.Split(out, "\n") {
		cols := strings.Split(line, "\t")
		// Only fully installed packages; "rc" rows are removed with config left.
		if len(cols) < 3 || !strings.HasPrefix(cols[0], "ii") {
			continue
		}
		pkg := a.Package(cols[1], cols[2])
		if len(cols) > 3 {
			if kib, err := strconv.ParseInt(cols[3], 10, 64); err == nil {
				pkg.Size = kib * 1024
			}
		}
		if len(cols) > 4 {
			pkg.Description = strings.TrimSpace(cols[4])
		}
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

// Search implements engine.Backend.
func (a *Apt) Search(ctx context.Context, query string) ([]engine.Package, error) {
	cmd := a.tool("apt-cache", "search", query)
	cmd.Retry = true
	out, err := a.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		name, summary, ok := strings.Cut(line, " - ")
		if !ok {
			continue
		}
		pkg := a.Package(strings.TrimSpace(name), "")
		pkg.Description = strings.TrimSpace(summary)
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// Info implements engine.Backend. The candidate version from the package
// index is combined with the installed version from dpkg.
func (a *Apt) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := a.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	out, err := a.Output(ctx, a.tool("apt-cache", "show", "--no-all-versions", name))
	if err != nil {
		if providers.StderrContains(err, "No packages found", "Unable to locate") {
			return nil, providers.NotFound(a.Name(), name)
		}
		return nil, err
	}
	f := providers.Fields(out)
	if f["package"] == "" {
		return nil, providers.NotFound(a.Name(), name)
	}
	pkg := &engine.Package{
		Name:        f["package"],
		Version:     f["version"],
		Backend:     a.Name(),
		Description: f["description"],
		Homepage:    f["homepage"],
	}
	if kib, err := strconv.ParseInt(f["installed-size"], 10, 64); err == nil {
		pkg.Size = kib * 1024
	}

	installed, err := a.installedVersion(ctx, a.tool("dpkg-query", "-W", "-f=${Version}", name))
	if err != nil {
		return nil, err
	}
	mergeInstalled(pkg, installed)
	return pkg, nil
}

// Install implements engine.Backend.
func (a *Apt) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := a.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{"install", "-y"}
	if req.Force {
		args = append(args, "--reinstall")
	}
	target := req.Name
	if req.Version != "" {
		target += "=" + req.Version
	}
	return a.Exec(ctx, a.mutate(req, append(args, target)...))
}

// Upgrade implements engine.Backend.
func (a *Apt) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := a.CheckMutation(req, "update"); err != nil {
		return err
	}
	return a.Exec(ctx, a.mutate(req, "install", "-y", "--only-upgrade", req.Name))
}

// Uninstall implements engine.Backend. Force purges configuration files too.
func (a *Apt) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := a.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	verb := "remove"
	if req.Force {
		verb = "purge"
	}
	return a.Exec(ctx, a.mutate(req, verb, "-y", req.Name))
}

// Outdated implements engine.Backend from `apt list --upgradable`:
//
//	curl/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
func (a *Apt) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := a.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	out, err := a.Output(ctx, a.tool("apt", "list", "--upgradable"))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "/") {
			continue
		}
		name, _, _ := strings.Cut(fields[0], "/")
		pkg := a.Package(name, "")
		pkg.Outdated = true
		pkg.LatestVersion = fields[1]
		if _, from, ok := strings.Cut(line, "upgradable from: "); ok {
			pkg.Version = strings.TrimSuffix(strings.TrimSpace(from), "]")
		}
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

var _ engine.Backend = (*Apt)(nil)
