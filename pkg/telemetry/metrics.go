package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for pkgdeck. All Record and Set
// methods are safe on a nil or disabled instance.
type Metrics struct {
	// Command metrics
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandRetries  *prometheus.CounterVec

	// Cache metrics
	cacheLookups       *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec

	// Job metrics
	jobsCreated   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsRejected  *prometheus.CounterVec

	// Registry metrics
	probes *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Event metrics
	eventsDropped *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	activeJobs prometheus.Gauge
	queuedJobs prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.CommandBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of backend command runs",
			},
			[]string{"backend", "class", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of backend command runs in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "class"},
		),
		commandRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Total number of read command retries",
			},
			[]string{"backend"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result (hit, stale, miss)",
			},
			[]string{"backend", "result"},
		),
		cacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of cache invalidations",
			},
			[]string{"backend", "reason"},
		),

		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total number of jobs accepted",
			},
			[]string{"backend", "operation"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs reaching a terminal state",
			},
			[]string{"backend", "operation", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		jobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rejected_total",
				Help:      "Total number of rejected job submissions by error class",
			},
			[]string{"backend", "class"},
		),

		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "availability_probes_total",
				Help:      "Total number of backend availability probes",
			},
			[]string{"backend", "available"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of push events dropped because the buffer was full",
			},
			[]string{"type"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "method", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of running jobs",
			},
		),
		queuedJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_jobs",
				Help:      "Current number of pending jobs",
			},
		),
	}

	registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.commandRetries,
		m.cacheLookups,
		m.cacheInvalidations,
		m.jobsCreated,
		m.jobsCompleted,
		m.jobDuration,
		m.jobsRejected,
		m.probes,
		m.errorsByClass,
		m.eventsDropped,
		m.httpRequests,
		m.httpDuration,
		m.activeJobs,
		m.queuedJobs,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Command Metrics

// RecordCommand records one command run with its outcome and duration.
func (m *Metrics) RecordCommand(backend, class, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commands.WithLabelValues(backend, class, status).Inc()
	m.commandDuration.WithLabelValues(backend, class).Observe(duration.Seconds())
}

// RecordCommandRetry records a retry of a read command.
func (m *Metrics) RecordCommandRetry(backend string) {
	if !m.enabled() {
		return
	}
	m.commandRetries.WithLabelValues(backend).Inc()
}

// Cache Metrics

// RecordCacheLookup records a cache lookup result (hit, stale, miss).
func (m *Metrics) RecordCacheLookup(backend, result string) {
	if !m.enabled() {
		return
	}
	m.cacheLookups.WithLabelValues(backend, result).Inc()
}

// RecordCacheInvalidation records an invalidation and its reason.
func (m *Metrics) RecordCacheInvalidation(backend, reason string) {
	if !m.enabled() {
		return
	}
	m.cacheInvalidations.WithLabelValues(backend, reason).Inc()
}

// Job Metrics

// RecordJobCreated records an accepted job submission.
func (m *Metrics) RecordJobCreated(backend, operation string) {
	if !m.enabled() {
		return
	}
	m.jobsCreated.WithLabelValues(backend, operation).Inc()
	m.queuedJobs.Inc()
}

// RecordJobStarted moves a job from the queued to the active gauge.
func (m *Metrics) RecordJobStarted() {
	if !m.enabled() {
		return
	}
	m.queuedJobs.Dec()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a terminal job. started reports whether the
// job ever left the queue.
func (m *Metrics) RecordJobCompleted(backend, operation, status string, duration time.Duration, started bool) {
	if !m.enabled() {
		return
	}
	m.jobsCompleted.WithLabelValues(backend, operation, status).Inc()
	m.jobDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	if started {
		m.activeJobs.Dec()
	} else {
		m.queuedJobs.Dec()
	}
}

// RecordJobRejected records a refused submission.
func (m *Metrics) RecordJobRejected(backend, class string) {
	if !m.enabled() {
		return
	}
	m.jobsRejected.WithLabelValues(backend, class).Inc()
}

// Registry Metrics

// RecordProbe records an availability probe outcome.
func (m *Metrics) RecordProbe(backend string, available bool) {
	if !m.enabled() {
		return
	}
	m.probes.WithLabelValues(backend, strconv.FormatBool(available)).Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Event Metrics

// RecordEventDropped records a dropped push event.
func (m *Metrics) RecordEventDropped(eventType string) {
	if !m.enabled() {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// API Metrics

// RecordHTTPRequest records one API request. Streaming routes are recorded
// when the stream ends.
func (m *Metrics) RecordHTTPRequest(route, method string, code int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
