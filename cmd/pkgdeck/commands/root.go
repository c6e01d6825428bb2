package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	scopeKind  string
	scopeDir   string
	remoteAddr string
	serverAddr string
)

// exitError carries a process exit status. A silent exitError has already
// been reported to the user.
type exitError struct {
	code   int
	silent bool
	err    error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.code
	case engine.IsCancelled(err):
		return 130
	default:
		return 1
	}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	var ee *exitError
	if err != nil && !(errors.As(err, &ee) && ee.silent) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkgdeck",
		Short: "pkgdeck - one front end for every package manager",
		Long: `pkgdeck drives the package managers installed on a machine through a
single interface.

Features:
  - Installed package listings served from a TTL cache
  - Search fanned out across every capable manager
  - Asynchronous install, update and uninstall jobs with live logs
  - Global and per-project scopes
  - Local or remote (SSH) execution
  - HTTP API with server-sent events and a terminal dashboard`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&scopeKind, "scope", "", "package scope: global or local (default global, local when --dir is set)")
	rootCmd.PersistentFlags().StringVar(&scopeDir, "dir", "", "project directory for the local scope")
	rootCmd.PersistentFlags().StringVar(&remoteAddr, "remote", "", "run package managers on [user@]host[:port] over SSH")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "send jobs to a running pkgdeck server at host:port or URL")

	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newInfoCommand())
	rootCmd.AddCommand(newOutdatedCommand())
	rootCmd.AddCommand(newDepsCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newJobsCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newTUICommand(version))

	return rootCmd
}

// resolveScope turns --scope and --dir into an engine scope. A directory
// without an explicit scope selects the local scope. Remote directories
// cannot be checked here, so they only have to be absolute.
func resolveScope(remote bool) (engine.Scope, error) {
	kind := scopeKind
	if kind == "" && scopeDir != "" {
		kind = string(engine.ScopeLocal)
	}
	if remote && kind == string(engine.ScopeLocal) {
		scope := engine.LocalScope(scopeDir)
		return scope, scope.Validate()
	}
	return engine.ResolveScope(kind, scopeDir)
}
