package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pkgdeck/pkg/api"
	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/output"
)

const logPollInterval = 100 * time.Millisecond

// jobClient is the part of the job manager the CLI drives, either in-process
// or through a running server.
type jobClient interface {
	Create(ctx context.Context, req engine.JobRequest) (*engine.Job, error)
	Get(ctx context.Context, id string) (*engine.Job, error)
	Logs(ctx context.Context, id string, after uint64) ([]engine.LogLine, error)
	Cancel(ctx context.Context, id string) (*engine.Job, error)
}

type localJobs struct {
	m *engine.JobManager
}

func (l localJobs) Create(ctx context.Context, req engine.JobRequest) (*engine.Job, error) {
	return l.m.Create(ctx, req)
}

func (l localJobs) Get(_ context.Context, id string) (*engine.Job, error) {
	return l.m.Get(id)
}

func (l localJobs) Logs(_ context.Context, id string, after uint64) ([]engine.LogLine, error) {
	return l.m.Logs(id, after)
}

func (l localJobs) Cancel(_ context.Context, id string) (*engine.Job, error) {
	return l.m.Cancel(id)
}

type remoteJobs struct {
	c *api.Client
}

func (r remoteJobs) Create(ctx context.Context, req engine.JobRequest) (*engine.Job, error) {
	return r.c.CreateJob(ctx, req)
}

func (r remoteJobs) Get(ctx context.Context, id string) (*engine.Job, error) {
	return r.c.GetJob(ctx, id)
}

func (r remoteJobs) Logs(ctx context.Context, id string, after uint64) ([]engine.LogLine, error) {
	lines, _, err := r.c.Logs(ctx, id, after)
	return lines, err
}

func (r remoteJobs) Cancel(ctx context.Context, id string) (*engine.Job, error) {
	return r.c.CancelJob(ctx, id)
}

// submit runs req in-process, or on the server named by --server.
func submit(cmd *cobra.Command, req engine.JobRequest) error {
	p := output.New(cmd.OutOrStdout(), jsonOutput)
	if serverAddr != "" {
		scope, err := resolveScope(true)
		if err != nil {
			return err
		}
		req.Scope = scope
		return followJob(cmd.Context(), remoteJobs{c: api.NewClient(serverAddr, nil)}, p, req)
	}
	return withApp(cmd.Context(), appOptions{}, func(a *app) error {
		scope, err := resolveScope(a.cfg.IsRemote())
		if err != nil {
			return err
		}
		req.Scope = scope
		return followJob(cmd.Context(), localJobs{m: a.jobs}, p, req)
	})
}

// followJob creates a job and streams its log until it is terminal. When ctx
// ends the job is cancelled and followed to its end.
func followJob(ctx context.Context, jobs jobClient, p *output.Printer, req engine.JobRequest) error {
	job, err := jobs.Create(ctx, req)
	if err != nil {
		return err
	}

	// Requests to the engine must outlive the interrupt that cancels the job.
	bg := context.WithoutCancel(ctx)
	done := ctx.Done()
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	var after uint64
	drain := func() error {
		lines, err := jobs.Logs(bg, job.ID, after)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := p.LogLine(line); err != nil {
				return err
			}
			after = line.Seq
		}
		return nil
	}

	for {
		if err := drain(); err != nil {
			return err
		}
		current, err := jobs.Get(bg, job.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			if err := drain(); err != nil {
				return err
			}
			return finishJob(p, current)
		}

		select {
		case <-done:
			done = nil
			_ = p.Message("Cancelling %s...", output.ShortID(job.ID))
			if _, err := jobs.Cancel(bg, job.ID); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func finishJob(p *output.Printer, job *engine.Job) error {
	if err := p.Job(job); err != nil {
		return err
	}
	switch job.Status {
	case engine.JobStatusSucceeded:
		return nil
	case engine.JobStatusCanceled:
		return &exitError{code: 130, silent: true}
	default:
		return &exitError{code: 1, silent: true}
	}
}

// splitTarget separates name@version. Scoped npm names keep their leading @.
func splitTarget(arg string) (string, string) {
	at := strings.LastIndex(arg, "@")
	if at <= 0 {
		return arg, ""
	}
	return arg[:at], arg[at+1:]
}

func newInstallCommand() *cobra.Command {
	var (
		version string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "install <manager> <package>[@version]",
		Short: "Install a package",
		Long: `Install a package with the given manager.

The install runs as a job: its output is streamed as it happens, Ctrl-C
cancels it, and the command exits non-zero if the job does not succeed.`,
		Example: `  # Install a crate
  pkgdeck install cargo ripgrep

  # Install a specific version into a project
  pkgdeck install npm typescript@5.4.5 --dir ./webapp

  # Run the job on a pkgdeck server
  pkgdeck install pipx black --server 127.0.0.1:7420`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, v := splitTarget(args[1])
			if version != "" {
				if v != "" && v != version {
					return fmt.Errorf("conflicting versions %q and %q", v, version)
				}
				v = version
			}
			return submit(cmd, engine.JobRequest{
				Backend:   args[0],
				Operation: engine.OperationInstall,
				Target:    name,
				Version:   v,
				Force:     force,
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version to install")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall even if already installed")

	return cmd
}

func newUpdateCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "update <manager> [package]",
		Short: "Update a package to its latest version",
		Example: `  # Update one package
  pkgdeck update brew wget

  # Update every outdated package of a manager
  pkgdeck update pip --all`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := engine.TargetAllOutdated
			switch {
			case len(args) == 2 && all:
				return fmt.Errorf("--all cannot be combined with a package name")
			case len(args) == 2:
				target = args[1]
			case !all:
				return fmt.Errorf("name a package or pass --all")
			}
			return submit(cmd, engine.JobRequest{
				Backend:   args[0],
				Operation: engine.OperationUpdate,
				Target:    target,
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "update every outdated package")

	return cmd
}

func newUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "uninstall <manager> <package>",
		Aliases: []string{"remove", "rm"},
		Short:   "Uninstall a package",
		Example: `  # Remove a global npm package
  pkgdeck uninstall npm typescript`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, engine.JobRequest{
				Backend:   args[0],
				Operation: engine.OperationUninstall,
				Target:    args[1],
			})
		},
	}
	return cmd
}
