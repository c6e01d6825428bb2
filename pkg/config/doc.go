// Package config loads pkgdeck's configuration.
//
// A configuration file is YAML or TOML, selected by its extension. Loading
// starts from Default, applies the file, then applies PKGDECK_* environment
// overrides and finally validates the result with struct tags:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	exec := executor.New(local.New(), cfg.ExecutorConfig(), tel)
//
// An empty path looks for config.yaml, config.yml or config.toml under the
// user configuration directory and falls back to the defaults when none
// exists. Duration fields take Go duration strings such as "90s" or "5m".
//
// Environment overrides:
//
//	PKGDECK_CACHE_TTL            cache.ttl
//	PKGDECK_CACHE_STORE          cache.store (memory, sqlite)
//	PKGDECK_CACHE_PATH           cache.path
//	PKGDECK_READ_TIMEOUT         executor.read_timeout
//	PKGDECK_MUTATE_TIMEOUT       executor.mutate_timeout
//	PKGDECK_MAX_PARALLEL         jobs.max_parallel
//	PKGDECK_MANAGERS             registry.enabled (comma separated)
//	PKGDECK_SUDO                 registry.sudo
//	PKGDECK_REMOTE               remote, as [user@]host[:port]
//	PKGDECK_LISTEN               server.listen
//	PKGDECK_LOG_LEVEL            telemetry.log_level
//	PKGDECK_LOG_FORMAT           telemetry.log_format
//	PKGDECK_TRACING_EXPORTER     telemetry.tracing_exporter
//	PKGDECK_TRACING_ENDPOINT     telemetry.tracing_endpoint
package config
