package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/api"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the engine over HTTP.

The API exposes manager listings, search and jobs as JSON, pushes job and
cache events as server-sent events on /v1/events, and publishes Prometheus
metrics. Jobs live as long as the server; Ctrl-C cancels running jobs and
shuts down gracefully.`,
		Example: `  # Serve on the configured address
  pkgdeck serve

  # Serve on all interfaces
  pkgdeck serve --listen 0.0.0.0:7420`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{version: version, logToConfig: true}
			return withApp(cmd.Context(), opts, func(a *app) error {
				srv := api.New(api.Options{
					Catalog:   a.catalog,
					Jobs:      a.jobs,
					Registry:  a.registry,
					Telemetry: a.tel,
					Version:   version,
				})
				addr := listen
				if addr == "" {
					addr = a.cfg.Server.Listen
				}
				return srv.ListenAndServe(cmd.Context(), api.ServeConfig{
					Addr:              addr,
					ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
					ShutdownTimeout:   a.cfg.Server.ShutdownTimeout,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default: server.listen)")

	return cmd
}
