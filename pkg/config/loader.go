package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/pkgdeck/pkg/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PKGDECK_"

// candidateNames are tried in order under the configuration directory.
var candidateNames = []string{"config.yaml", "config.yml", "config.toml"}

// DefaultPath returns the first existing configuration file under the user
// configuration directory, or "" when there is none.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range candidateNames {
		path := filepath.Join(dir, "pkgdeck", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load builds the configuration from defaults, the file at path, and the
// environment. An empty path uses DefaultPath; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml" or "toml") over the
// defaults and validates the result. The environment is not consulted.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, format); err != nil {
		return nil, err
	}
	cfg.finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	default:
		return fmt.Errorf("unsupported config file extension %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}

	if err := c.decode(data, format); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.Source = path
	return nil
}

func (c *Config) decode(data []byte, format string) error {
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("invalid TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown TOML key %q", undecoded[0].String())
		}
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
	return nil
}

// envOverride maps one environment variable onto a field.
type envOverride struct {
	name  string
	apply func(c *Config, value string) error
}

var envOverrides = []envOverride{
	{"CACHE_TTL", func(c *Config, v string) error { return setDuration(&c.Cache.TTL, v) }},
	{"CACHE_STORE", func(c *Config, v string) error { c.Cache.Store = v; return nil }},
	{"CACHE_PATH", func(c *Config, v string) error { c.Cache.Path = v; return nil }},
	{"READ_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Executor.ReadTimeout, v) }},
	{"MUTATE_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Executor.MutateTimeout, v) }},
	{"MAX_PARALLEL", func(c *Config, v string) error { return setInt(&c.Jobs.MaxParallel, v) }},
	{"MANAGERS", func(c *Config, v string) error { c.Registry.Enabled = splitList(v); return nil }},
	{"SUDO", func(c *Config, v string) error { return setBool(&c.Registry.Sudo, v) }},
	{"REMOTE", func(c *Config, v string) error { return c.SetRemote(v) }},
	{"LISTEN", func(c *Config, v string) error { c.Server.Listen = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.LogLevel = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.LogFormat = strings.ToLower(v); return nil }},
	{"TRACING_EXPORTER", func(c *Config, v string) error { c.Telemetry.TracingExporter = v; return nil }},
	{"TRACING_ENDPOINT", func(c *Config, v string) error { c.Telemetry.TracingEndpoint = v; return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		value, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

// finalize fills values that depend on other fields.
func (c *Config) finalize() {
	if c.Cache.Store == "sqlite" && c.Cache.Path == "" {
		c.Cache.Path = defaultStorePath()
	}
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("manager", func(fl validator.FieldLevel) bool {
		return slices.Contains(registry.BuiltinNames(), fl.Field().String())
	})
	return v
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "manager":
		return fmt.Sprintf("%s: unknown package manager %q", field, fmt.Sprint(fe.Value()))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
