package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/output"
)

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Show which package managers are available",
		Long: `Probe every registered package manager and report whether it is
installed, what it can do, and what the cache knows about it.

Package counts come from the cache only; scan never lists packages.`,
		Example: `  # Show available managers
  pkgdeck scan

  # Machine-readable output
  pkgdeck scan --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				return output.New(cmd.OutOrStdout(), jsonOutput).Managers(a.catalog.Scan(cmd.Context()))
			})
		},
	}
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		refresh    bool
		allowStale bool
		outdated   bool
	)

	cmd := &cobra.Command{
		Use:   "list [manager...]",
		Short: "List installed packages",
		Long: `List the packages installed by one or more package managers.

Listings are served from the cache while they are younger than the cache TTL.
Without arguments every available manager is listed; a manager that fails
does not prevent the others from being shown.`,
		Example: `  # List global npm packages
  pkgdeck list npm

  # List the packages of a project
  pkgdeck list npm --dir ./webapp

  # Bypass the cache and mark outdated packages
  pkgdeck list cargo --refresh --outdated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				scope, err := resolveScope(a.cfg.IsRemote())
				if err != nil {
					return err
				}

				names := args
				explicit := len(names) > 0
				if !explicit {
					for _, st := range a.catalog.Scan(ctx) {
						if st.Available && st.Capabilities.Has(engine.CapListInstalled) {
							names = append(names, st.Name)
						}
					}
				}

				opts := engine.ListOptions{Refresh: refresh, AllowStale: allowStale, WithOutdated: outdated}
				p := output.New(cmd.OutOrStdout(), jsonOutput)
				var (
					listings []*engine.Listing
					failures []engine.BackendFailure
				)
				for _, name := range names {
					listing, err := a.catalog.ListInstalled(ctx, name, scope, opts)
					if err != nil {
						if explicit && len(names) == 1 {
							return err
						}
						failures = append(failures, engine.BackendFailure{Backend: name, Class: engine.ClassOf(err), Message: err.Error()})
						continue
					}
					listings = append(listings, listing)
				}

				if p.JSONMode() {
					return p.JSON(struct {
						Listings []*engine.Listing       `json:"listings"`
						Failures []engine.BackendFailure `json:"failures,omitempty"`
					}{Listings: listings, Failures: failures})
				}
				for i, listing := range listings {
					if len(listings) > 1 {
						if i > 0 {
							_ = p.Message("")
						}
						_ = p.Message("== %s ==", listing.Backend)
					}
					if err := p.Listing(listing); err != nil {
						return err
					}
				}
				for _, f := range failures {
					_ = p.Message("! %s: %s", f.Backend, f.Message)
				}
				if len(listings) == 0 && len(failures) > 0 {
					return &exitError{code: 1, silent: true}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cache and fetch a new listing")
	cmd.Flags().BoolVar(&allowStale, "stale", false, "accept a stale cached listing instead of refetching")
	cmd.Flags().BoolVar(&outdated, "outdated", false, "mark packages that have a newer version")

	return cmd
}

func newSearchCommand() *cobra.Command {
	var managers []string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search package registries",
		Long: `Search the remote registries of every manager that supports it.

Managers are queried in parallel. A manager that fails or times out is
reported next to the results of the others.`,
		Example: `  # Search everywhere
  pkgdeck search ripgrep

  # Search only cargo and npm
  pkgdeck search prettier --manager npm --manager cargo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				res, err := a.catalog.Search(cmd.Context(), args[0], managers)
				if err != nil {
					return err
				}
				return output.New(cmd.OutOrStdout(), jsonOutput).Search(res)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&managers, "manager", "m", nil, "limit the search to these managers")

	return cmd
}

func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <manager> <package>",
		Short: "Show package details",
		Example: `  # Show details of an installed formula
  pkgdeck info brew wget`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				scope, err := resolveScope(a.cfg.IsRemote())
				if err != nil {
					return err
				}
				pkg, err := a.catalog.Info(cmd.Context(), args[0], scope, args[1])
				if err != nil {
					return err
				}
				return output.New(cmd.OutOrStdout(), jsonOutput).Package(pkg)
			})
		},
	}
	return cmd
}

func newOutdatedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outdated <manager>",
		Short: "List packages with a newer version available",
		Example: `  # Outdated global pip packages
  pkgdeck outdated pip

  # Outdated dependencies of a project
  pkgdeck outdated npm --dir ./webapp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				scope, err := resolveScope(a.cfg.IsRemote())
				if err != nil {
					return err
				}
				pkgs, err := a.catalog.Outdated(cmd.Context(), args[0], scope)
				if err != nil {
					return err
				}
				return output.New(cmd.OutOrStdout(), jsonOutput).Packages(pkgs)
			})
		},
	}
	return cmd
}

func newDepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps <manager> <package>",
		Short: "List the dependencies of a package",
		Example: `  # Dependencies of a Homebrew formula
  pkgdeck deps brew ffmpeg`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				scope, err := resolveScope(a.cfg.IsRemote())
				if err != nil {
					return err
				}
				pkgs, err := a.catalog.Dependencies(cmd.Context(), args[0], scope, args[1])
				if err != nil {
					return err
				}
				return output.New(cmd.OutOrStdout(), jsonOutput).Packages(pkgs)
			})
		},
	}
	return cmd
}
