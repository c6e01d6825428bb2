package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "exporter ignored when disabled", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("unexpected error from Validate(): %v (wantErr %v)", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	log := logger.Component("jobs")
	log.Info().Str("job_id", "j1").Msg("started")

	out := buf.String()
	for _, want := range []string{`"component":"jobs"`, `"job_id":"j1"`, `"message":"started"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	log := logger.Zerolog()
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestEventPublisherOrdering(t *testing.T) {
	cfg := EventsConfig{Enabled: true, BufferSize: 128, EnableAsync: true}
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("failed to create event publisher: %v", err)
	}

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data["n"].(int))
		if len(got) == 50 {
			close(done)
		}
	}, nil)

	for i := 0; i < 50; i++ {
		if err := ep.Publish(Event{Type: EventTypeJobLog, Data: map[string]interface{}{"n": i}}); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i {
			t.Fatalf("event %d delivered out of order: got %d", i, n)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Errorf("failed to shut down: %v", err)
	}
}

func TestEventPublisherUnsubscribe(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	count := 0
	id := ep.Subscribe(func(Event) { count++ }, nil)
	_ = ep.Publish(Event{Type: EventTypeJobCreated})
	ep.Unsubscribe(id)
	ep.Unsubscribe(id)
	_ = ep.Publish(Event{Type: EventTypeJobCreated})

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})

	block := make(chan struct{})
	ep.Subscribe(func(Event) { <-block }, nil)

	var dropped bool
	for i := 0; i < 10; i++ {
		if err := ep.Publish(Event{Type: EventTypeJobLog}); err != nil {
			dropped = true
		}
	}
	close(block)

	if !dropped {
		t.Error("expected at least one publish to report a full buffer")
	}
	if ep.Dropped() == 0 {
		t.Error("expected dropped counter to increase")
	}
}

func TestEventFilters(t *testing.T) {
	e := Event{Type: EventTypeJobCompleted, JobID: "a", Backend: "npm", Level: EventLevelError}

	if !FilterByType(EventTypeJobCompleted)(e) {
		t.Error("FilterByType should match")
	}
	if FilterByJobID("b")(e) {
		t.Error("FilterByJobID should not match")
	}
	if !FilterByBackend("npm")(e) {
		t.Error("FilterByBackend should match")
	}
	if !FilterByLevel(EventLevelWarning)(e) {
		t.Error("FilterByLevel should let errors through a warning filter")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCommand("npm", "read", "ok", time.Second)
	m.RecordCacheLookup("npm", "hit")
	m.RecordJobCompleted("npm", "install", "succeeded", time.Second, true)

	disabled, _ := NewMetrics(MetricsConfig{Enabled: false})
	disabled.RecordProbe("npm", true)
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "pkgdeck"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordCommand("npm", "read", "ok", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "pkgdeck_commands_total") {
		t.Errorf("metrics output missing commands counter:\n%s", body)
	}
}

func TestNewLoggerAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgdeck.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	log := logger.Component("catalog")
	log.Info().Msg("listed")
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"catalog"`) {
		t.Errorf("unexpected log file: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("expected ParseLevel(%q) to return %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestNopShutdown(t *testing.T) {
	tel := Nop()
	_, span := tel.Tracer.StartJobSpan(context.Background(), "j1", "npm", "install", "typescript")
	EndSpan(span, errors.New("boom"))
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("failed to shut down: %v", err)
	}
}

func TestNilTracerSpans(t *testing.T) {
	var tr *Tracer
	_, span := tr.StartCommandSpan(context.Background(), "npm", "npm list", "read")
	EndSpan(span, nil)
}
