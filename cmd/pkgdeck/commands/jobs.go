package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/api"
	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/output"
)

// serverClient returns a client for --server, or for the configured listen
// address of "pkgdeck serve".
func serverClient() (*api.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Listen
	}
	return api.NewClient(addr, nil), nil
}

func newJobsCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control jobs on a pkgdeck server",
		Long: `List and manage the jobs of a running "pkgdeck serve" instance.

Jobs started by install, update and uninstall without --server live only as
long as that command; these subcommands talk to the server at --server, or at
server.listen from the configuration.`,
		Example: `  # List jobs
  pkgdeck jobs

  # Only failed jobs
  pkgdeck jobs --status failed

  # Follow the output of a job
  pkgdeck jobs logs 3f2a9c1e --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context(), engine.JobStatus(status))
			if err != nil {
				return err
			}
			return output.New(cmd.OutOrStdout(), jsonOutput).Jobs(jobs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")

	cmd.AddCommand(newJobsShowCommand())
	cmd.AddCommand(newJobsLogsCommand())
	cmd.AddCommand(newJobsCancelCommand())
	cmd.AddCommand(newJobsRemoveCommand())
	cmd.AddCommand(newJobsClearCommand())

	return cmd
}

func newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			job, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := output.New(cmd.OutOrStdout(), jsonOutput)
			if err := p.Job(job); err != nil {
				return err
			}
			if !job.Status.IsTerminal() {
				return p.Message("%s", output.RenderProgress(job.Progress, 30, job.Step))
			}
			return nil
		},
	}
}

func newJobsLogsCommand() *cobra.Command {
	var (
		after  uint64
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			p := output.New(cmd.OutOrStdout(), jsonOutput)
			ctx := cmd.Context()
			for {
				lines, status, err := c.Logs(ctx, args[0], after)
				if err != nil {
					if follow && engine.IsCancelled(err) {
						return nil
					}
					return err
				}
				for _, line := range lines {
					if err := p.LogLine(line); err != nil {
						return err
					}
					after = line.Seq
				}
				if !follow || status.IsTerminal() {
					return nil
				}
				if err := sleep(ctx, logPollInterval*5); err != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().Uint64Var(&after, "after", 0, "only lines with a sequence number above this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing until the job ends")

	return cmd
}

func newJobsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			job, err := c.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.New(cmd.OutOrStdout(), jsonOutput).Job(job)
		},
	}
}

func newJobsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Remove a finished job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			if err := c.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			return output.New(cmd.OutOrStdout(), jsonOutput).Message("Removed %s", args[0])
		},
	}
}

func newJobsClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every finished job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := serverClient()
			if err != nil {
				return err
			}
			n, err := c.ClearJobs(cmd.Context())
			if err != nil {
				return err
			}
			p := output.New(cmd.OutOrStdout(), jsonOutput)
			if p.JSONMode() {
				return p.JSON(map[string]int{"removed": n})
			}
			return p.Message("Removed %d jobs", n)
		},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
