// Package engine provides the core types of the pkgdeck orchestration engine.
//
// # Overview
//
// pkgdeck drives the package managers already installed on a machine (npm,
// pip, cargo, brew and others) through one contract. The engine owns the two
// paths every front end uses:
//
//   - The read path (Catalog): installed listings served through a cache,
//     fan-out registry search, package details, outdated and dependency queries.
//   - The write path (JobManager): install, update and uninstall run as
//     asynchronous jobs with progress, a line log and cancellation.
//
// # Backends
//
// Each package manager implements Backend. A backend declares its
// capabilities and the scopes it supports; operations it cannot perform are
// rejected with an unsupported_operation error before any command runs.
//
//	b, err := resolver.Backend("npm")
//	pkgs, err := b.ListInstalled(ctx, engine.LocalScope("/srv/app"))
//
// # Jobs
//
// With JobsConfig.SerializePerBackend set, at most one mutation runs per
// backend at a time. Running jobs are bounded by JobsConfig.MaxParallel.
//
//	job, err := jobs.Create(ctx, engine.JobRequest{
//	    Backend:   "cargo",
//	    Operation: engine.OperationInstall,
//	    Target:    "ripgrep",
//	    Scope:     engine.GlobalScope(),
//	})
//	job, err = jobs.Wait(ctx, job.ID)
//
// A job that ends, whatever its status, invalidates the cached listing of
// its backend and scope.
//
// # Errors
//
// Every failure surfaces as an *EngineError carrying an ErrorClass. Use the
// predicates (IsManagerUnavailable, IsCommandTimeout, IsCancelled and the
// rest) or ClassOf to branch on it.
package engine
