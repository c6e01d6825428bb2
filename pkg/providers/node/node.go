// Package node adapts the JavaScript package managers npm, pnpm, yarn and
// bun. All four support global and project-local scopes.
package node

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

const (
	// maxSizedPackages bounds how many packages get a du lookup per listing.
	maxSizedPackages = 1000

	// duBatch is the number of paths passed to one du invocation.
	duBatch = 100
)

var scopes = []engine.ScopeKind{engine.ScopeGlobal, engine.ScopeLocal}

// dependencyTree is the shape of `npm list --json` and of each element of
// `pnpm list --json`.
type dependencyTree struct {
	Dependencies    map[string]treeNode `json:"dependencies"`
	DevDependencies map[string]treeNode `json:"devDependencies"`
}

type treeNode struct {
	Version string `json:"version"`
	Path    string `json:"path"`
}

// decodeTrees accepts a single tree object or a list of them.
func decodeTrees(command string, data []byte) ([]dependencyTree, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var trees []dependencyTree
		if err := executor.DecodeJSON(command, data, &trees); err != nil {
			return nil, err
		}
		return trees, nil
	}
	var tree dependencyTree
	if err := executor.DecodeJSON(command, data, &tree); err != nil {
		return nil, err
	}
	return []dependencyTree{tree}, nil
}

func treePackages(backend string, trees []dependencyTree) []engine.Package {
	var pkgs []engine.Package
	add := func(deps map[string]treeNode) {
		for name, node := range deps {
			pkgs = append(pkgs, engine.Package{
				Name:          name,
				Version:       providers.TrimRange(node.Version),
				Backend:       backend,
				InstalledPath: node.Path,
			})
		}
	}
	for _, tree := range trees {
		add(tree.Dependencies)
		add(tree.DevDependencies)
	}
	return providers.SortPackages(pkgs)
}

// registryView is the registry document printed by `npm view --json`,
// `pnpm view --json` and inside `yarn info --json`.
type registryView struct {
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	Description string               `json:"description"`
	Homepage    string               `json:"homepage"`
	License     providers.FlexString `json:"license"`
	Repository  providers.FlexString `json:"repository"`
}

func (v registryView) toPackage(backend, fallbackName string) *engine.Package {
	name := v.Name
	if name == "" {
		name = fallbackName
	}
	return &engine.Package{
		Name:          name,
		Version:       v.Version,
		Backend:       backend,
		Description:   v.Description,
		Homepage:      v.Homepage,
		Repository:    strings.TrimPrefix(v.Repository.String(), "git+"),
		License:       v.License.String(),
		LatestVersion: v.Version,
	}
}

// searchResult covers the shapes of `npm search --json` across npm versions.
type searchResult struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Links       struct {
		Homepage   string `json:"homepage"`
		Repository string `json:"repository"`
	} `json:"links"`
	Package *searchResult `json:"package"`
}

func decodeSearch(backend, command string, data []byte) ([]engine.Package, error) {
	var results []searchResult
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Objects []searchResult `json:"objects"`
			Results []searchResult `json:"results"`
		}
		if err := executor.DecodeJSON(command, data, &wrapped); err != nil {
			return nil, err
		}
		results = append(wrapped.Objects, wrapped.Results...)
	} else if err := executor.DecodeJSON(command, data, &results); err != nil {
		return nil, err
	}

	pkgs := make([]engine.Package, 0, len(results))
	for _, r := range results {
		if r.Package != nil {
			r = *r.Package
		}
		if r.Name == "" {
			continue
		}
		pkgs = append(pkgs, engine.Package{
			Name:        r.Name,
			Version:     r.Version,
			Backend:     backend,
			Description: r.Description,
			Homepage:    r.Links.Homepage,
			Repository:  r.Links.Repository,
		})
	}
	return pkgs, nil
}

// outdatedEntry is one value of `npm outdated --json` and
// `pnpm outdated --format json`.
type outdatedEntry struct {
	Current string `json:"current"`
	Wanted  string `json:"wanted"`
	Latest  string `json:"latest"`
}

func decodeOutdated(backend, command string, data []byte) ([]engine.Package, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var entries map[string]outdatedEntry
	if err := executor.DecodeJSON(command, data, &entries); err != nil {
		return nil, err
	}
	pkgs := make([]engine.Package, 0, len(entries))
	for name, e := range entries {
		pkgs = append(pkgs, engine.Package{
			Name:          name,
			Version:       e.Current,
			Backend:       backend,
			Outdated:      true,
			LatestVersion: e.Latest,
		})
	}
	return providers.SortPackages(pkgs), nil
}

func decodeDependencies(backend, command string, data []byte) ([]engine.Package, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, nil
	}
	var deps map[string]string
	if err := json.Unmarshal([]byte(trimmed), &deps); err != nil {
		return nil, engine.NewDecodeError(command, data, err).WithBackend(backend)
	}
	pkgs := make([]engine.Package, 0, len(deps))
	for name, version := range deps {
		pkgs = append(pkgs, engine.Package{Name: name, Version: providers.TrimRange(version), Backend: backend})
	}
	return providers.SortPackages(pkgs), nil
}

// localModules is the node_modules directory of a local scope.
func localModules(scope engine.Scope) string {
	return path.Join(scope.Dir, "node_modules")
}

// withSizes fills in on-disk sizes with du. Failures only cost the sizes.
func withSizes(ctx context.Context, base *providers.Base, root string, pkgs []engine.Package) []engine.Package {
	if root == "" || len(pkgs) == 0 {
		return pkgs
	}

	limit := len(pkgs)
	if limit > maxSizedPackages {
		log.Debug().Str("backend", base.Name()).Int("packages", len(pkgs)).Msg("sizing only the first packages")
		limit = maxSizedPackages
	}

	byPath := make(map[string]int, limit)
	paths := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		p := path.Join(root, pkgs[i].Name)
		byPath[p] = i
		paths = append(paths, p)
	}

	for start := 0; start < len(paths); start += duBatch {
		end := min(start+duBatch, len(paths))
		res, err := base.Runner().Run(ctx, executor.Command{
			Backend: base.Name(),
			Name:    "du",
			Args:    append([]string{"-sk"}, paths[start:end]...),
			Class:   executor.ClassRead,
			// du exits 1 when some paths are missing but still reports the rest.
			OkExitCodes: []int{1},
		})
		if err != nil {
			log.Warn().Err(err).Str("backend", base.Name()).Msg("failed to collect package sizes")
			return pkgs
		}
		for _, line := range providers.Lines(res.Stdout) {
			sizeField, p, ok := strings.Cut(line, "\t")
			if !ok {
				continue
			}
			kb, err := strconv.ParseInt(strings.TrimSpace(sizeField), 10, 64)
			if err != nil {
				continue
			}
			if i, ok := byPath[strings.TrimSpace(p)]; ok {
				pkgs[i].Size = kb * 1024
				pkgs[i].InstalledPath = strings.TrimSpace(p)
			}
		}
	}
	return pkgs
}

// firstLine returns the first non-empty line of output.
func firstLine(output string) string {
	lines := providers.Lines(output)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// versioned renders name@version, or name alone.
func versioned(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}
