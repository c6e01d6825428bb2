package system

import (
	"context"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// Zypper adapts zypper on openSUSE and SLES.
type Zypper struct {
	System
}

// NewZypper creates the zypper adapter.
func NewZypper(runner providers.Runner, opts ...Option) *Zypper {
	return &Zypper{System: newSystem("zypper", "zypper", runner, opts)}
}

func (z *Zypper) query(args ...string) executor.Command {
	return z.Query(append([]string{"--non-interactive"}, args...)...)
}

func (z *Zypper) change(req engine.MutationRequest, args ...string) executor.Command {
	return z.mutate(req, append([]string{"--non-interactive"}, args...)...)
}

// table parses zypper's "a | b | c" tables, skipping the header row and
// separators.
func table(out, header string) [][]string {
	var rows [][]string
	for _, line := range providers.Lines(out) {
		if !strings.Contains(line, "|") {
			continue
		}
		cols := strings.Split(line, "|")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		if contains(cols, header) {
			continue
		}
		rows = append(rows, cols)
	}
	return rows
}

func contains(cols []string, s string) bool {
	for _, c := range cols {
		if c == s {
			return true
		}
	}
	return false
}

// ListInstalled implements engine.Backend.
func (z *Zypper) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := z.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	return z.listRPM(ctx)
}

// Search implements engine.Backend.
//
//	S  | Name | Summary                  | Type
//	---+------+--------------------------+--------
//	i+ | curl | A Tool for Transferring… | package
func (z *Zypper) Search(ctx context.Context, query string) ([]engine.Package, error) {
	cmd := z.query("search", query)
	// 104: no matches
	cmd.OkExitCodes = []int{104}
	out, err := z.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, cols := range table(out, "Name") {
		if len(cols) < 3 {
			continue
		}
		if len(cols) > 3 && cols[3] != "package" {
			continue
		}
		pkg := z.Package(cols[1], "")
		pkg.Description = cols[2]
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

// Info implements engine.Backend.
func (z *Zypper) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := z.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	out, err := z.Output(ctx, z.query("info", name))
	if err != nil {
		return nil, err
	}
	f := providers.Fields(out)
	if f["name"] == "" {
		// zypper exits 0 and prints "package 'x' not found."
		return nil, providers.NotFound(z.Name(), name)
	}
	pkg := &engine.Package{
		Name:        f["name"],
		Version:     f["version"],
		Backend:     z.Name(),
		Description: f["summary"],
		License:     f["license"],
	}

	installed, err := z.rpmVersion(ctx, name)
	if err != nil {
		return nil, err
	}
	mergeInstalled(pkg, installed)
	return pkg, nil
}

// Install implements engine.Backend.
func (z *Zypper) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := z.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := []string{"install"}
	if req.Force {
		args = append(args, "--force")
	}
	target := req.Name
	if req.Version != "" {
		target += "=" + req.Version
	}
	return z.Exec(ctx, z.change(req, append(args, target)...))
}

// Upgrade implements engine.Backend.
func (z *Zypper) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := z.CheckMutation(req, "update"); err != nil {
		return err
	}
	return z.Exec(ctx, z.change(req, "update", req.Name))
}

// Uninstall implements engine.Backend.
func (z *Zypper) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := z.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return z.Exec(ctx, z.change(req, "remove", req.Name))
}

// Outdated implements engine.Backend.
//
//	S | Repository | Name | Current Version | Available Version | Arch
func (z *Zypper) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := z.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	out, err := z.Output(ctx, z.query("list-updates"))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, cols := range table(out, "Name") {
		if len(cols) < 5 {
			continue
		}
		pkg := z.Package(cols[2], cols[3])
		pkg.Outdated = true
		pkg.LatestVersion = cols[4]
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

var _ engine.Backend = (*Zypper)(nil)
