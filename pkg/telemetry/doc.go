// Package telemetry provides observability instrumentation for pkgdeck.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and push event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Engine components take a zerolog.Logger obtained from Logger.Component
// and log with structured fields:
//
//	log := tel.Logger.Component("jobs")
//	log.Info().Str("job_id", id).Str("backend", "npm").Msg("job started")
//
// # Tracing
//
// Command, job and catalog operations open spans through StartCommandSpan,
// StartJobSpan and StartCatalogSpan. A disabled or nil Tracer yields no-op
// spans. Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics live on a private Prometheus registry served by Metrics.Handler.
// Every Record method is safe on a nil or disabled *Metrics.
//
// # Events
//
// EventPublisher mirrors job state changes to subscribers. Events are
// delivered one at a time in publish order from a single dispatcher, so
// subscribers must not block. When the buffer is full the event is dropped
// and counted; consumers converge by polling the job manager.
//
//	id := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.JobID)
//	}, telemetry.FilterByJobID(jobID))
//	defer tel.Events.Unsubscribe(id)
package telemetry
