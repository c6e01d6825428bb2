package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/tui"
)

func newTUICommand(version string) *cobra.Command {
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive dashboard",
		Long: `Browse package managers, installed packages and registry search results,
and run installs, updates and uninstalls as jobs whose output is shown live.

Jobs run inside the dashboard process and are cancelled when it exits.`,
		Example: `  # Dashboard for the local machine
  pkgdeck tui

  # Dashboard for a project on a remote host
  pkgdeck tui --remote deploy@build01 --dir /srv/app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{version: version, discardLogs: true}, func(a *app) error {
				scope, err := resolveScope(a.cfg.IsRemote())
				if err != nil {
					return err
				}
				var title string
				if a.cfg.IsRemote() {
					title = a.cfg.SSHConfig().Address()
				}
				return tui.Run(cmd.Context(), a.catalog, a.jobs, tui.Options{
					Scope:        scope,
					PollInterval: poll,
					Title:        title,
				})
			})
		},
	}

	cmd.Flags().DurationVar(&poll, "poll", tui.DefaultPollInterval, "how often jobs and logs are refreshed")

	return cmd
}
