package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/output"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the package listing cache",
		Long: `Manage cached package listings.

Only the sqlite cache store outlives a single command; with the memory store
these commands have nothing to act on.`,
	}

	cmd.AddCommand(newCacheClearCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [manager]",
		Short: "Drop cached listings",
		Example: `  # Drop everything
  pkgdeck cache clear

  # Drop every scope of one manager
  pkgdeck cache clear npm`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				var removed int
				if len(args) == 1 {
					n, err := a.store.InvalidateBackend(ctx, args[0])
					if err != nil {
						return err
					}
					removed = n
				} else {
					keys, err := a.store.Keys(ctx)
					if err != nil {
						return err
					}
					if err := a.store.Clear(ctx); err != nil {
						return err
					}
					removed = len(keys)
				}
				return report(cmd, removed, "Removed %d cached listings")
			})
		},
	}
}

func newCachePruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop cached listings older than a threshold",
		Example: `  # Drop stale listings (older than the cache TTL)
  pkgdeck cache prune

  # Drop listings older than a day
  pkgdeck cache prune --older-than 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(a *app) error {
				age := olderThan
				if age <= 0 {
					age = a.cfg.Cache.TTL
				}
				n, err := a.store.Prune(cmd.Context(), age)
				if err != nil {
					return err
				}
				return report(cmd, n, "Pruned %d cached listings")
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default: the cache TTL)")

	return cmd
}

func report(cmd *cobra.Command, removed int, format string) error {
	p := output.New(cmd.OutOrStdout(), jsonOutput)
	if p.JSONMode() {
		return p.JSON(map[string]int{"removed": removed})
	}
	return p.Message(format, removed)
}
