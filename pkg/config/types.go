package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
	"github.com/openfroyo/pkgdeck/pkg/registry"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
	"github.com/openfroyo/pkgdeck/pkg/transports/ssh"
)

// Config is the complete pkgdeck configuration.
type Config struct {
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Remote    RemoteConfig    `yaml:"remote" toml:"remote"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-" toml:"-"`
}

// CacheConfig configures the package listing cache.
type CacheConfig struct {
	// TTL is the age past which a cached listing is stale.
	TTL time.Duration `yaml:"ttl" toml:"ttl" validate:"gt=0"`

	// Store selects the cache backend.
	Store string `yaml:"store" toml:"store" validate:"oneof=memory sqlite"`

	// Path is the SQLite database file; defaults to the user cache directory.
	Path string `yaml:"path" toml:"path" validate:"required_if=Store sqlite"`

	// Watch invalidates local-scope listings when their lockfiles change.
	Watch bool `yaml:"watch" toml:"watch"`

	// OutdatedTimeout bounds the outdated query merged into listings.
	OutdatedTimeout time.Duration `yaml:"outdated_timeout" toml:"outdated_timeout" validate:"gt=0"`

	// SearchConcurrency bounds how many backends are searched at once.
	SearchConcurrency int `yaml:"search_concurrency" toml:"search_concurrency" validate:"min=1,max=64"`
}

// ExecutorConfig configures command execution.
type ExecutorConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gt=0"`
	MutateTimeout  time.Duration `yaml:"mutate_timeout" toml:"mutate_timeout" validate:"gt=0"`
	KillGrace      time.Duration `yaml:"kill_grace" toml:"kill_grace" validate:"gt=0"`
	Retries        int           `yaml:"retries" toml:"retries" validate:"min=1,max=10"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" toml:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" toml:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
}

// JobsConfig configures the job manager.
type JobsConfig struct {
	MaxParallel         int           `yaml:"max_parallel" toml:"max_parallel" validate:"min=1,max=64"`
	SerializePerBackend bool          `yaml:"serialize_per_backend" toml:"serialize_per_backend"`
	ProgressInterval    time.Duration `yaml:"progress_interval" toml:"progress_interval" validate:"gt=0"`
	MaxLogLines         int           `yaml:"max_log_lines" toml:"max_log_lines" validate:"min=10"`
}

// RegistryConfig selects the package managers pkgdeck drives.
type RegistryConfig struct {
	// Enabled lists the backends to register; empty enables all built-ins.
	Enabled []string `yaml:"enabled" toml:"enabled" validate:"dive,manager"`

	// Binaries overrides the executable used for a backend.
	Binaries map[string]string `yaml:"binaries" toml:"binaries" validate:"dive,keys,manager,endkeys,required"`

	// ProbeTTL is how long an availability probe result is reused.
	ProbeTTL time.Duration `yaml:"probe_ttl" toml:"probe_ttl" validate:"gt=0"`

	// Sudo runs system package manager mutations through "sudo -n".
	Sudo bool `yaml:"sudo" toml:"sudo"`
}

// RemoteConfig points pkgdeck at a host reached over SSH. An empty Host
// means commands run locally.
type RemoteConfig struct {
	Host           string        `yaml:"host" toml:"host" validate:"omitempty,hostname|ip"`
	Port           int           `yaml:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `yaml:"user" toml:"user"`
	Auth           string        `yaml:"auth" toml:"auth" validate:"omitempty,oneof=key agent password"`
	KeyPath        string        `yaml:"key_path" toml:"key_path"`
	KnownHosts     string        `yaml:"known_hosts" toml:"known_hosts"`
	Insecure       bool          `yaml:"insecure" toml:"insecure"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" validate:"gte=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen            string        `yaml:"listen" toml:"listen" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
}

// TelemetryConfig configures logging, tracing, metrics and events.
type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" toml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	LogOutput       string  `yaml:"log_output" toml:"log_output" validate:"required"`
	TracingExporter string  `yaml:"tracing_exporter" toml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `yaml:"tracing_endpoint" toml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
	Metrics         bool    `yaml:"metrics" toml:"metrics"`
	EventBuffer     int     `yaml:"event_buffer" toml:"event_buffer" validate:"min=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	exec := executor.DefaultConfig()
	jobs := engine.DefaultJobsConfig()
	tel := telemetry.DefaultConfig()
	return &Config{
		Cache: CacheConfig{
			TTL:               engine.DefaultCacheTTL,
			Store:             "memory",
			Watch:             true,
			OutdatedTimeout:   engine.DefaultOutdatedTimeout,
			SearchConcurrency: engine.DefaultSearchConcurrency,
		},
		Executor: ExecutorConfig{
			ReadTimeout:    exec.ReadTimeout,
			MutateTimeout:  exec.MutateTimeout,
			KillGrace:      exec.KillGrace,
			Retries:        exec.Retry.MaxAttempts,
			RetryBaseDelay: exec.Retry.BaseDelay,
			RetryMaxDelay:  exec.Retry.MaxDelay,
		},
		Jobs: JobsConfig{
			MaxParallel:         jobs.MaxParallel,
			SerializePerBackend: jobs.SerializePerBackend,
			ProgressInterval:    jobs.ProgressInterval,
			MaxLogLines:         jobs.MaxLogLines,
		},
		Registry: RegistryConfig{
			ProbeTTL: registry.DefaultProbeTTL,
		},
		Server: ServerConfig{
			Listen:            "127.0.0.1:7420",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        tel.Logging.Level,
			LogFormat:       tel.Logging.Format,
			LogOutput:       tel.Logging.Output,
			TracingExporter: "none",
			SamplingRate:    tel.Tracing.SamplingRate,
			Metrics:         tel.Metrics.Enabled,
			EventBuffer:     tel.Events.BufferSize,
		},
	}
}

// ExecutorConfig converts the executor section.
func (c *Config) ExecutorConfig() executor.Config {
	retry := executor.DefaultConfig().Retry
	retry.MaxAttempts = c.Executor.Retries
	retry.BaseDelay = c.Executor.RetryBaseDelay
	retry.MaxDelay = c.Executor.RetryMaxDelay
	return executor.Config{
		ReadTimeout:   c.Executor.ReadTimeout,
		MutateTimeout: c.Executor.MutateTimeout,
		KillGrace:     c.Executor.KillGrace,
		Retry:         retry,
	}
}

// CatalogConfig converts the cache section into catalog settings.
func (c *Config) CatalogConfig() engine.CatalogConfig {
	return engine.CatalogConfig{
		CacheTTL:          c.Cache.TTL,
		OutdatedTimeout:   c.Cache.OutdatedTimeout,
		SearchConcurrency: c.Cache.SearchConcurrency,
	}
}

// JobsConfig converts the jobs section.
func (c *Config) JobsConfig() engine.JobsConfig {
	return engine.JobsConfig{
		MaxParallel:         c.Jobs.MaxParallel,
		SerializePerBackend: c.Jobs.SerializePerBackend,
		ProgressInterval:    c.Jobs.ProgressInterval,
		MaxLogLines:         c.Jobs.MaxLogLines,
	}
}

// BuiltinOptions converts the registry section.
func (c *Config) BuiltinOptions() registry.BuiltinOptions {
	return registry.BuiltinOptions{
		Enabled:  c.Registry.Enabled,
		Binaries: c.Registry.Binaries,
		Sudo:     c.Registry.Sudo,
	}
}

// TelemetryConfig converts the telemetry section, starting from the
// telemetry package defaults.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat
	cfg.Logging.Output = c.Telemetry.LogOutput
	cfg.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	cfg.Tracing.Exporter = c.Telemetry.TracingExporter
	cfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	cfg.Tracing.SamplingRate = c.Telemetry.SamplingRate
	cfg.Metrics.Enabled = c.Telemetry.Metrics
	cfg.Events.BufferSize = c.Telemetry.EventBuffer
	return cfg
}

// IsRemote reports whether commands should run over SSH.
func (c *Config) IsRemote() bool {
	return c.Remote.Host != ""
}

// SSHConfig builds the SSH transport configuration for the remote section.
func (c *Config) SSHConfig() *ssh.Config {
	username := c.Remote.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	cfg := ssh.DefaultConfig(c.Remote.Host, username)
	if c.Remote.Port != 0 {
		cfg.Port = c.Remote.Port
	}
	switch {
	case c.Remote.Auth != "":
		cfg.AuthMethod = ssh.AuthMethod(c.Remote.Auth)
	case c.Remote.KeyPath == "" && os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if c.Remote.KeyPath != "" {
		cfg.PrivateKeyPath = c.Remote.KeyPath
	}
	if c.Remote.KnownHosts != "" {
		cfg.KnownHostsPath = c.Remote.KnownHosts
	}
	cfg.StrictHostKeyChecking = !c.Remote.Insecure
	if c.Remote.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = c.Remote.ConnectTimeout
	}
	return cfg
}

// SetRemote parses a [user@]host[:port] address into the remote section.
// An empty address switches back to local execution.
func (c *Config) SetRemote(addr string) error {
	if addr == "" {
		c.Remote.Host, c.Remote.User, c.Remote.Port = "", "", 0
		return nil
	}
	rest := addr
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		c.Remote.User = rest[:at]
		rest = rest[at+1:]
	}
	if colon := strings.LastIndex(rest, ":"); colon >= 0 && !strings.Contains(rest[colon+1:], "]") {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return fmt.Errorf("invalid remote port in %q", addr)
		}
		c.Remote.Port = port
		rest = rest[:colon]
	}
	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
	if rest == "" {
		return fmt.Errorf("remote %q has no host", addr)
	}
	c.Remote.Host = rest
	return nil
}

// defaultStorePath places the SQLite cache under the user cache directory.
func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "pkgdeck", "cache.db")
}
