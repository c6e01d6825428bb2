package node

import (
	"context"
	"encoding/json"
	"path"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// Yarn adapts yarn classic. Global commands go through `yarn global`.
type Yarn struct {
	providers.Base
}

// NewYarn creates the yarn adapter.
func NewYarn(runner providers.Runner) *Yarn {
	return &Yarn{
		Base: providers.NewBase("yarn", "yarn",
			engine.Capabilities(engine.CapListInstalled, engine.CapVersionSelection),
			runner, scopes...),
	}
}

// yarnEvent is one line of yarn's newline-delimited JSON output.
type yarnEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var yarnBinariesLine = regexp.MustCompile(`^"(.+)" has (?:no )?binaries`)

func yarnArgs(scope engine.Scope, args ...string) []string {
	if scope.Kind == engine.ScopeGlobal {
		return append([]string{"global"}, args...)
	}
	return args
}

// parseYarnList reads both `yarn list --json` trees and the info lines of
// `yarn global list --json`.
func parseYarnList(backend string, output string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range providers.Lines(output) {
		var ev yarnEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "tree":
			var tree struct {
				Trees []struct {
					Name string `json:"name"`
				} `json:"trees"`
			}
			if err := json.Unmarshal(ev.Data, &tree); err != nil {
				continue
			}
			for _, t := range tree.Trees {
				name, version := providers.SplitNameVersion(t.Name)
				pkgs = append(pkgs, engine.Package{Name: name, Version: version, Backend: backend})
			}
		case "info":
			var text string
			if err := json.Unmarshal(ev.Data, &text); err != nil {
				continue
			}
			if m := yarnBinariesLine.FindStringSubmatch(text); m != nil {
				name, version := providers.SplitNameVersion(m[1])
				pkgs = append(pkgs, engine.Package{Name: name, Version: version, Backend: backend})
			}
		}
	}
	return providers.SortPackages(pkgs)
}

// parseYarnOutdated reads the table event of `yarn outdated --json`.
func parseYarnOutdated(backend string, output string) []engine.Package {
	var pkgs []engine.Package
	for _, line := range providers.Lines(output) {
		var ev yarnEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type != "table" {
			continue
		}
		var table struct {
			Body [][]string `json:"body"`
		}
		if err := json.Unmarshal(ev.Data, &table); err != nil {
			continue
		}
		// Package, Current, Wanted, Latest, Package Type, URL
		for _, row := range table.Body {
			if len(row) < 4 {
				continue
			}
			pkgs = append(pkgs, engine.Package{
				Name:          row[0],
				Version:       row[1],
				Backend:       backend,
				Outdated:      true,
				LatestVersion: row[3],
			})
		}
	}
	return providers.SortPackages(pkgs)
}

// ListInstalled implements engine.Backend.
func (y *Yarn) ListInstalled(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := y.CheckScope(scope, "list"); err != nil {
		return nil, err
	}
	args := []string{"list", "--json", "--depth=0"}
	if scope.Kind == engine.ScopeGlobal {
		args = []string{"global", "list", "--json"}
	}
	out, err := y.Output(ctx, y.Read(scope, args...))
	if err != nil {
		return nil, err
	}
	pkgs := parseYarnList(y.Name(), out)
	return withSizes(ctx, &y.Base, y.modulesRoot(ctx, scope), pkgs), nil
}

// Info implements engine.Backend.
func (y *Yarn) Info(ctx context.Context, scope engine.Scope, name string) (*engine.Package, error) {
	if err := y.CheckScope(scope, "info"); err != nil {
		return nil, err
	}
	cmd := y.Query("info", name, "--json")
	out, err := y.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var pkg *engine.Package
	for _, line := range providers.Lines(out) {
		var ev yarnEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type != "inspect" {
			continue
		}
		var view registryView
		if err := json.Unmarshal(ev.Data, &view); err != nil {
			return nil, engine.NewDecodeError(cmd.String(), []byte(out), err).WithBackend(y.Name())
		}
		pkg = view.toPackage(y.Name(), name)
	}
	if pkg == nil {
		return nil, providers.NotFound(y.Name(), name)
	}

	if installed, err := y.ListInstalled(ctx, scope); err == nil {
		if found, err := y.FindInstalled(installed, name); err == nil {
			pkg.Version = found.Version
			pkg.Size = found.Size
			pkg.InstalledPath = found.InstalledPath
			pkg.Outdated = pkg.LatestVersion != "" && found.Version != pkg.LatestVersion
		}
	}
	return pkg, nil
}

// Install implements engine.Backend.
func (y *Yarn) Install(ctx context.Context, req engine.MutationRequest) error {
	if err := y.CheckMutation(req, "install"); err != nil {
		return err
	}
	args := yarnArgs(req.Scope, "add", versioned(req.Name, req.Version))
	if req.Force {
		args = append(args, "--force")
	}
	return y.Exec(ctx, y.Mutate(req, args...))
}

// Upgrade implements engine.Backend.
func (y *Yarn) Upgrade(ctx context.Context, req engine.MutationRequest) error {
	if err := y.CheckMutation(req, "update"); err != nil {
		return err
	}
	return y.Exec(ctx, y.Mutate(req, yarnArgs(req.Scope, "upgrade", req.Name)...))
}

// Uninstall implements engine.Backend.
func (y *Yarn) Uninstall(ctx context.Context, req engine.MutationRequest) error {
	if err := y.CheckMutation(req, "uninstall"); err != nil {
		return err
	}
	return y.Exec(ctx, y.Mutate(req, yarnArgs(req.Scope, "remove", req.Name)...))
}

// Outdated implements engine.Backend. Yarn has no global outdated command,
// so for the global scope it runs inside the global directory, which is a
// regular yarn project.
func (y *Yarn) Outdated(ctx context.Context, scope engine.Scope) ([]engine.Package, error) {
	if err := y.CheckScope(scope, "outdated"); err != nil {
		return nil, err
	}
	cmd := y.Read(scope, "outdated", "--json")
	if scope.Kind == engine.ScopeGlobal {
		dir, err := y.globalDir(ctx)
		if err != nil {
			return nil, err
		}
		cmd.Dir = dir
	}
	cmd.OkExitCodes = []int{1}
	out, err := y.Output(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parseYarnOutdated(y.Name(), out), nil
}

func (y *Yarn) globalDir(ctx context.Context) (string, error) {
	out, err := y.Output(ctx, y.Read(engine.GlobalScope(), "global", "dir"))
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

func (y *Yarn) modulesRoot(ctx context.Context, scope engine.Scope) string {
	if scope.Kind == engine.ScopeLocal {
		return localModules(scope)
	}
	dir, err := y.globalDir(ctx)
	if err != nil || dir == "" {
		log.Debug().Err(err).Str("backend", y.Name()).Msg("cannot resolve global dir")
		return ""
	}
	return path.Join(dir, "node_modules")
}

var _ engine.Backend = (*Yarn)(nil)
