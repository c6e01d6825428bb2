// Package system adapts the distribution package managers apt, dnf, yum and
// zypper. Listings come from the package database (dpkg or rpm); mutations go
// through the front end, optionally prefixed with a non-interactive sudo.
package system

import (
	"context"
	"strconv"
	"strings"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
	"github.com/openfroyo/pkgdeck/pkg/providers"
)

// rpmQueryFormat is expanded by rpm; \t and \n are rpm escapes.
const rpmQueryFormat = `%{NAME}\t%{VERSION}-%{RELEASE}\t%{SIZE}\t%{SUMMARY}\n`

var systemCaps = engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote, engine.CapVersionSelection)

// Option configures a system adapter.
type Option func(*System)

// WithSudo runs mutations through `sudo -n`. Without a cached credential or
// NOPASSWD rule the command fails instead of prompting.
func WithSudo() Option {
	return func(s *System) {
		s.sudo = true
	}
}

// System is the part shared by the distribution adapters.
type System struct {
	providers.Base
	sudo bool
	env  []string
}

func newSystem(name, binary string, runner providers.Runner, opts []Option, env ...string) System {
	s := System{
		Base: providers.NewBase(name, binary, systemCaps, runner),
		env:  env,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Sudo reports whether mutations are run through sudo.
func (s *System) Sudo() bool {
	return s.sudo
}

// tool builds a read command for a helper binary such as dpkg-query or rpm.
func (s *System) tool(name string, args ...string) executor.Command {
	cmd := s.Read(engine.GlobalScope(), args...)
	cmd.Name = name
	cmd.Env = s.env
	return cmd
}

// mutate builds a mutation of the front end. Under sudo the environment is
// passed as sudo arguments, since sudo does not forward it.
func (s *System) mutate(req engine.MutationRequest, args ...string) executor.Command {
	cmd := s.Mutate(req, args...)
	if !s.sudo {
		cmd.Env = s.env
		return cmd
	}
	sudoArgs := append([]string{"-n"}, s.env...)
	sudoArgs = append(sudoArgs, cmd.Name)
	cmd.Args = append(sudoArgs, args...)
	cmd.Name = "sudo"
	return cmd
}

// installedVersion returns the installed version from a database query that
// exits 1 for unknown packages, or "".
func (s *System) installedVersion(ctx context.Context, cmd executor.Command) (string, error) {
	cmd.OkExitCodes = []int{1}
	out, err := s.Output(ctx, cmd)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(out)
	if strings.Contains(v, " ") {
		// "package foo is not installed"
		return "", nil
	}
	return v, nil
}

// listRPM reads the rpm database.
func (s *System) listRPM(ctx context.Context) ([]engine.Package, error) {
	out, err := s.Output(ctx, s.tool("rpm", "-qa", "--queryformat", rpmQueryFormat))
	if err != nil {
		return nil, err
	}
	var pkgs []engine.Package
	for _, line := range strings.Split(out, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) < 2 || cols[0] == "" || cols[0] == "gpg-pubkey" {
			continue
		}
		pkg := s.Package(cols[0], cols[1])
		if len(cols) > 2 {
			if size, err := strconv.ParseInt(cols[2], 10, 64); err == nil {
				pkg.Size = size
			}
		}
		if len(cols) > 3 {
			pkg.Description = strings.TrimSpace(cols[3])
		}
		pkgs = append(pkgs, pkg)
	}
	return providers.SortPackages(pkgs), nil
}

// rpmVersion returns the installed version-release of name, or "".
func (s *System) rpmVersion(ctx context.Context, name string) (string, error) {
	return s.installedVersion(ctx, s.tool("rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name))
}

// mergeInstalled fills the installed version into a repository record.
func mergeInstalled(pkg *engine.Package, installed string) {
	if installed == "" {
		return
	}
	pkg.LatestVersion = pkg.Version
	pkg.Version = installed
	pkg.Outdated = pkg.LatestVersion != "" && !sameVersion(installed, pkg.LatestVersion)
}

// sameVersion compares versions ignoring an epoch prefix.
func sameVersion(a, b string) bool {
	strip := func(v string) string {
		if _, rest, ok := strings.Cut(v, ":"); ok {
			return rest
		}
		return v
	}
	return strip(a) == strip(b)
}
