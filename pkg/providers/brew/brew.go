// Package brew adapts Homebrew formulae and casks.
package brew

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// notAFormula matches brew's complaints that a name is a cask rather than a
// formula. Only then is a command repeated with --cask.
var notAFormula = []string{
	"No available formula",
	"No formulae found",
	"No such keg",
	"is not installed",
}

// Brew adapts the brew command.
type Brew struct {
	providers.Base
}

// New creates the brew adapter.
func New(runner providers.Runner) *Brew {
	return &Brew{
		Base: providers.NewBase("brew", "brew",
			engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote, engine.CapVersionSelection, engine.CapQueryDependencies),
			runner),
	}
}

// info is the document printed by `brew info --json=v2` and
// `brew outdated --json=v2`.
type info struct {
	Formulae []formula `json:"formulae"`
	Casks    []cask    `json:"casks"`
}

type formula struct {
	Name     string               `json:"name"`
	Desc     string               `json:"desc"`
	Homepage string               `json:"homepage"`
	License  providers.FlexString `json:"license"`
	Versions struct {
		Stable string `json:"stable"`
	} `json:"versions"`
	Installed []struct {
		Version string `json:"version"`
	} `json:"installed"`
	Outdated bool `json:"outdated"`

	// outdated --json=v2 fields
	InstalledVersions []string `json:"installed_versions"`
	CurrentVersion    string   `json:"current_version"`
}

type cask struct {
	Token     string               `json:"token"`
	Name      providers.FlexString `json:"name"`
	Desc      string               `json:"desc"`
	Homepage  string               `json:"homepage"`
	Version   string               `json:"version"`
	Installed providers.FlexString `json:"installed"`
	Outdated  bool                 `json:"outdated"`

	InstalledVersions providers.FlexString `json:"installed_versions"`
	CurrentVersion    string               `json:"current_version"`
}

// parseVersions reads `brew list --versions`: "name v1 [v2 ...]". The last
// listed version is the newest keg.
func parseVersions(output string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range providers.Lines(output) {
		fields := strings.Fields(line)
		pkg := engine.Package{Name: fields[0], Backend: "brew"}
		if len(fields) > 1 {
			pkg.Version = fields[len(fields)-1]
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}

// ListInstalled implements engine.Backend. Casks are listed after formulae;
// a failing cask listing only drops the casks.
func (b *Brew) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := b.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	out, err := b.Output(ctx, b.Read(scope, "list", "--formula", "--versions"))
	if err != nil {
		return nil, err
	}
	pkgs := parseVersions(out)

	casks, err := b.Output(ctx, b.Read(scope, "list", "--cask", "--versions"))
	if err != nil {
		log.Warn().Err(err).Str("backend", b.Name()).Msg("failed to list casks")
	} else {
		pkgs = append(pkgs, parseVersions(casks)...)
	}
	return providers.SortPackages(pkgs), nil
}

// Search implements engine.Backend.
func (b *Brew) Search(ctx context.Context, query string) ([]engine.Package, error) {
	out, err := b.Output(ctx, b.Query("search", query))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		if strings.HasPrefix(line, "==>") || strings.HasPrefix(line, "If you meant") {
			continue
		}
		for _, name := range strings.Fields(line) {
			// Installed matches are marked with a check.
			if name == "✔" {
				continue
			}
			pkgs = append(pkgs, b.Package(name, ""))
		}
	}
	return pkgs, nil
}

// Info implements engine.Backend, trying formulae first and casks second.
func (b *Brew) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := b.CheckScope(scope, "info"); err != nil {
		return nil, err
	}

	var doc info
	err := b.Runner().RunJSON(ctx, b.Query("info", "--json=v2", name), &doc)
	if err != nil && isNotAFormula(err) {
		err = b.Runner().RunJSON(ctx, b.Query("info", "--json=v2", "--cask", name), &doc)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case len(doc.Formulae) > 0:
		f := doc.Formulae[0]
		pkg := &engine.Package{
			Name:          f.Name,
			Version:       f.Versions.Stable,
			Backend:       b.Name(),
			Description:   f.Desc,
			Homepage:      f.Homepage,
			License:       f.License.String(),
			LatestVersion: f.Versions.Stable,
			Outdated:      f.Outdated,
		}
		if len(f.Installed) > 0 {
			pkg.Version = f.Installed[len(f.Installed)-1].Version
		}
		return pkg, nil
	case len(doc.Casks) > 0:
		c := doc.Casks[0]
		pkg := &engine.Package{
			Name:          c.Token,
			Version:       c.Version,
			Backend:       b.Name(),
			Description:   c.Desc,
			Homepage:      c.Homepage,
			LatestVersion: c.Version,
			Outdated:      c.Outdated,
		}
		if c.Installed != "" {
			pkg.Version = c.Installed.String()
		}
		if pkg.Description == "" {
			pkg.Description = c.Name.String()
		}
		return pkg, nil
	default:
		return nil, providers.NotFound(b.Name(), name)
	}
}

// Install implements engine.Backend. A pinned version installs the
// versioned formula name@version.
func (b *Brew) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "install"); err != nil {
		return err
	}
	target := req.Name
	if req.Version != "" {
		target = req.Name + "@" + req.Version
	}
	var flags []string
	if req.Force {
		flags = append(flags, "--force")
	}
	return b.withCaskFallback(ctx, req, "install", flags, target)
}

// Upgrade implements engine.Backend.
func (b *Brew) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "update"); err != nil {
		return err
	}
	return b.withCaskFallback(ctx, req, "upgrade", nil, req.Name)
}

// Uninstall implements engine.Backend.
func (b *Brew) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := b.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	var flags []string
	if req.Force {
		flags = append(flags, "--force")
	}
	return b.withCaskFallback(ctx, req, "uninstall", flags, req.Name)
}

// withCaskFallback runs a formula command and repeats it with --cask only
// when brew rejected the name as a formula, so nothing has been changed yet.
func (b *Brew) withCaskFallback(ctx context.Context, req engine.MutationRequest, verb string, flags []string, target string) error {
	args := append(append([]string{verb}, flags...), target)
	err := b.Exec(ctx, b.Mutate(req, args...))
	if err == nil || !isNotAFormula(err) {
		return err
	}

	log.Debug().Str("backend", b.Name()).Str("package", target).Msg("retrying as cask")
	if req.Output != nil {
		req.Output(engine.StreamSystem, "retrying as cask")
	}
	caskArgs := append(append([]string{verb, "--cask"}, flags...), target)
	return b.Exec(ctx, b.Mutate(req, caskArgs...))
}

// Outdated implements engine.Backend.
func (b *Brew) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := b.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	var doc info
	cmd := b.Read(scope, "outdated", "--json=v2")
	// brew exits 1 when anything is outdated.
	cmd.OkExitCodes = []int{1}
	if err := b.Runner().RunJSON(ctx, cmd, &doc); err != nil {
		return nil, err
	}

	var pkgs []engine.Package
	for _, f := range doc.Formulae {
		pkg := b.Package(f.Name, "")
		if n := len(f.InstalledVersions); n > 0 {
			pkg.Version = f.InstalledVersions[n-1]
		}
		pkg.Outdated = true
		pkg.LatestVersion = f.CurrentVersion
		pkgs = append(pkgs, pkg)
	}
	for _, c := range doc.Casks {
		name := c.Token
		if name == "" {
			name = c.Name.String()
		}
		pkg := b.Package(name, c.InstalledVersions.String())
		pkg.Outdated = true
		pkg.LatestVersion = c.CurrentVersion
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

// Dependencies implements engine.Backend.
func (b *Brew) Dependencies(ctx context.Context, scope engine.Scope, name string) ([]engine.Package, error) {
	if err := b.CheckScope(scope, "dependencies"); err != nil {
		return nil, err
	}
	out, err := b.Output(ctx, b.Query("deps", "--direct", name))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range providers.Lines(out) {
		pkgs = append(pkgs, b.Package(line, ""))
	}
	return providers.SortPackages(pkgs), nil
}

func isNotAFormula(err error) bool {
	return providers.StderrContains(err, notAFormula...)
}

var _ engine.Backend = (*Brew)(nil)
