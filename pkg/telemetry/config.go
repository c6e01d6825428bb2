package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the observability settings of one pkgdeck process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// Format is "console" for humans or "json" for log shippers.
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file path opened for appending.
	Output string
}

// TracingConfig configures OpenTelemetry spans.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. Only checked when Enabled.
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	SamplingRate  float64 `validate:"gte=0,lte=1"`
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// CommandBuckets are the command duration histogram buckets in seconds.
	CommandBuckets []float64
}

// EventsConfig configures the job event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the dispatch queue; events beyond it are dropped.
	BufferSize int

	// EnableAsync dispatches from a background goroutine. When false,
	// Publish delivers to subscribers before returning.
	EnableAsync bool
}

// DefaultConfig returns quiet defaults suitable for the CLI: info logs to
// stderr, tracing off, metrics and asynchronous events on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pkgdeck",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Namespace:      "pkgdeck",
			CommandBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1024,
			EnableAsync: true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return err
		}
		msgs := make([]string, 0, len(errs))
		for _, fe := range errs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid telemetry config: unsupported trace exporter %q", c.Tracing.Exporter)
		}
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("invalid telemetry config: event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
