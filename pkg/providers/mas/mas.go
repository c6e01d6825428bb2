// Package mas adapts the Mac App Store command line interface.
//
// App Store apps are addressed by numeric ID; the ID is the package name and
// the app title is carried as its description.
package mas

import (
	"context"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

var (
	// "497799835  Xcode  (15.3)"
	appLine = regexp.MustCompile(`^\s*(\d+)\s+(.+?)\s+\(([^)]*)\)`)

	// "497799835 Xcode (15.2 -> 15.3)"
	outdatedLine = regexp.MustCompile(`^\s*(\d+)\s+(.+?)\s+\((\S+)\s*->\s*(\S+)\)`)

	// "Xcode 15.3 [Free]"
	titleLine = regexp.MustCompile(`^(.+?)\s+(\S+)\s+\[[^\]]*\]$`)
)

// Mas adapts the mas command.
type Mas struct {
	providers.Base
}

// New creates the mas adapter.
func New(runner providers.Runner) *Mas {
	return &Mas{
		Base: providers.NewBase("mas", "mas",
			engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote),
			runner),
	}
}

func (m *Mas) parseApps(out string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range strings.Split(out, "\n") {
		match := appLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		pkg := m.Package(match[1], strings.TrimSpace(match[3]))
		pkg.Description = strings.TrimSpace(match[2])
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}

// ListInstalled implements engine.Backend.
func (m *Mas) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := m.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	out, err := m.Output(ctx, m.Read(scope, "list"))
	if err != nil {
		return nil, err
	}
	return providers.SortPackages(m.parseApps(out)), nil
}

// Search implements engine.Backend.
func (m *Mas) Search(ctx context.Context, query string) ([]engine.Package, error) {
	out, err := m.Output(ctx, m.Query("search", query))
	if err != nil {
		// mas exits 1 when nothing matches.
		if providers.StderrContains(err, "No apps found", "No results found") {
			return nil, nil
		}
		return nil, err
	}
	return m.parseApps(out), nil
}

// Info implements engine.Backend. name is the app ID.
func (m *Mas) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := m.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	out, err := m.Output(ctx, m.Query("info", name))
	if err != nil {
		if providers.StderrContains(err, "No app found", "No results found") {
			return nil, providers.NotFound(m.Name(), name)
		}
		return nil, err
	}

	lines := providers.Lines(out)
	if len(lines) == 0 {
		return nil, providers.NotFound(m.Name(), name)
	}
	pkg := m.Package(name, "")
	if match := titleLine.FindStringSubmatch(lines[0]); match != nil {
		pkg.Description = match[1]
		pkg.Version = match[2]
	} else {
		pkg.Description = lines[0]
	}

	fields := providers.Fields(out)
	if v := fields["version"]; v != "" {
		pkg.Version = v
	}
	pkg.Homepage = fields["from"]
	if size := fields["size"]; size != "" {
		bytes, err := humanize.ParseBytes(size)
		if err != nil {
			log.Debug().Err(err).Str("size", size).Msg("unparsable app size")
		} else {
			pkg.Size = int64(bytes)
		}
	}
	return &pkg, nil
}

// Install implements engine.Backend.
func (m *Mas) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "install"); err != nil {
		return err
	}
	verb := "install"
	if req.Force {
		// purchase re-downloads apps that are already installed
		verb = "purchase"
	}
	return m.Exec(ctx, m.Mutate(req, verb, req.Name))
}

// Upgrade implements engine.Backend.
func (m *Mas) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "update"); err != nil {
		return err
	}
	return m.Exec(ctx, m.Mutate(req, "upgrade", req.Name))
}

// Uninstall implements engine.Backend.
func (m *Mas) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := m.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return m.Exec(ctx, m.Mutate(req, "uninstall", req.Name))
}

// Outdated implements engine.Backend.
func (m *Mas) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := m.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	out, err := m.Output(ctx, m.Read(scope, "outdated"))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range strings.Split(out, "\n") {
		match := outdatedLine.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		pkg := m.Package(match[1], match[3])
		pkg.Description = strings.TrimSpace(match[2])
		pkg.Outdated = true
		pkg.LatestVersion = match[4]
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

var _ engine.Backend = (*Mas)(nil)
