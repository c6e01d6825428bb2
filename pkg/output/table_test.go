package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

func TestRenderPackages(t *testing.T) {
	tests := []struct {
		name     string
		packages []engine.Package
		contains []string
		order    []string
	}{
		{
			name:     "empty packages",
			packages: nil,
			contains: []string{"No packages found"},
		},
		{
			name: "sorted by name",
			packages: []engine.Package{
				{Name: "ripgrep", Version: "14.1.0", Backend: "cargo"},
				{Name: "bat", Version: "0.24.0", Backend: "cargo", Size: 5_000_000},
			},
			contains: []string{"bat", "0.24.0", "5.0 MB", "ripgrep", "14.1.0"},
			order:    []string{"bat", "ripgrep"},
		},
		{
			name: "outdated shows latest",
			packages: []engine.Package{
				{Name: "typescript", Version: "5.3.3", Outdated: true, LatestVersion: "5.4.5"},
			},
			contains: []string{"typescript", "5.3.3", "5.4.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RenderPackages(tt.packages, false)
			for _, want := range tt.contains {
				if !strings.Contains(result, want) {
					t.Errorf("result missing %q:\n%s", want, result)
				}
			}
			last := -1
			for _, name := range tt.order {
				idx := strings.Index(result, name)
				if idx < last {
					t.Errorf("%q out of order:\n%s", name, result)
				}
				last = idx
			}
			if strings.Contains(result, "\033[") {
				t.Error("colour codes emitted with colour disabled")
			}
		})
	}
}

func TestRenderManagers(t *testing.T) {
	cachedAt := time.Now().Add(-3 * time.Minute)
	statuses := []engine.ManagerStatus{
		{
			Name:          "npm",
			Available:     true,
			Capabilities:  engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote),
			PackageCount:  12,
			OutdatedCount: 2,
			CachedAt:      &cachedAt,
		},
		{Name: "pipx"},
	}

	result := RenderManagers(statuses, false)
	for _, want := range []string{"npm", "available", "12", "2", "3 minutes ago", "pipx", "missing", "never"} {
		if !strings.Contains(result, want) {
			t.Errorf("result missing %q:\n%s", want, result)
		}
	}

	colored := RenderManagers(statuses, true)
	if !strings.Contains(colored, colorGreen) || !strings.Contains(colored, colorYellow) {
		t.Errorf("expected coloured status and outdated count:\n%q", colored)
	}
}

func TestRenderJobs(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	jobs := []engine.Job{
		{
			ID:        "0123456789abcdef",
			Backend:   "cargo",
			Operation: engine.OperationInstall,
			Target:    "bat",
			Status:    engine.JobStatusRunning,
			Progress:  40,
			StartedAt: &started,
		},
	}

	result := RenderJobs(jobs, false)
	for _, want := range []string{"01234567", "cargo", "install", "bat", "running", "40%", "1 minute ago"} {
		if !strings.Contains(result, want) {
			t.Errorf("result missing %q:\n%s", want, result)
		}
	}
	if strings.Contains(result, "0123456789abcdef") {
		t.Error("expected the job id to be shortened")
	}
	if got := RenderJobs(nil, false); !strings.Contains(got, "No jobs") {
		t.Errorf("unexpected RenderJobs(nil): %q", got)
	}
}

func TestRenderJobSummary(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	finished := started.Add(1500 * time.Millisecond)
	job := &engine.Job{
		ID:         "abcdef0123",
		Backend:    "npm",
		Operation:  engine.OperationInstall,
		Target:     "typescript",
		Version:    "5.4.5",
		Status:     engine.JobStatusFailed,
		StartedAt:  &started,
		FinishedAt: &finished,
		Error:      &engine.JobError{Class: engine.ErrorClassCommandFailed, Message: "command failed"},
	}

	got := RenderJobSummary(job, false)
	want := "abcdef01 install typescript@5.4.5 (npm) failed in 1.5s: command failed"
	if got != want {
		t.Errorf("expected RenderJobSummary() to return %q, got %q", want, got)
	}
}

func TestRenderProgress(t *testing.T) {
	tests := []struct {
		percent int
		step    string
		want    string
	}{
		{percent: 0, want: "[>         ]   0%"},
		{percent: 50, step: "installing", want: "[=====>    ]  50% installing"},
		{percent: 100, want: "[==========] 100%"},
		{percent: 140, want: "[==========] 100%"},
		{percent: -5, want: "[>         ]   0%"},
	}

	for _, tt := range tests {
		if got := RenderProgress(tt.percent, 10, tt.step); got != tt.want {
			t.Errorf("expected RenderProgress(%d) to return %q, got %q", tt.percent, tt.want, got)
		}
	}
}

func TestRenderPackageInfo(t *testing.T) {
	pkg := &engine.Package{
		Name:          "requests",
		Version:       "2.31.0",
		Backend:       "pip",
		Description:   "Python HTTP for Humans.",
		License:       "Apache-2.0",
		Outdated:      true,
		LatestVersion: "2.32.3",
	}

	result := RenderPackageInfo(pkg, false)
	for _, want := range []string{"requests 2.31.0", "Manager:", "pip", "Python HTTP for Humans.", "Apache-2.0", "Latest:", "2.32.3"} {
		if !strings.Contains(result, want) {
			t.Errorf("result missing %q:\n%s", want, result)
		}
	}
	if strings.Contains(result, "Homepage:") {
		t.Error("empty fields should be omitted")
	}
}

func TestPrinterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, true)

	if err := p.Packages(nil); err != nil {
		t.Fatalf("failed to list packages: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "[]" {
		t.Errorf("expected Packages(nil) to return [], got %q", got)
	}

	buf.Reset()
	if err := p.Message("hello"); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("Message wrote %q in JSON mode", buf.String())
	}

	buf.Reset()
	if err := p.LogLine(engine.LogLine{Seq: 3, Stream: engine.StreamStdout, Text: "done"}); err != nil {
		t.Fatal(err)
	}
	var line engine.LogLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line.Seq != 3 || line.Text != "done" {
		t.Errorf("decoded %+v", line)
	}
}

func TestPrinterSearchFailures(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, false)

	err := p.Search(&engine.SearchResult{
		Query:    "bat",
		Packages: []engine.Package{{Name: "bat", Version: "0.24.0", Backend: "cargo", Description: "A cat clone"}},
		Failures: []engine.BackendFailure{{Backend: "npm", Class: engine.ErrorClassCommandTimeout, Message: "timed out"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"bat", "cargo", "A cat clone", "! npm: timed out (command_timeout)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestColorDisabledForBuffers(t *testing.T) {
	if ColorEnabled(&bytes.Buffer{}) {
		t.Error("a buffer is not a terminal")
	}
	t.Setenv("NO_COLOR", "1")
	if ColorEnabled(&bytes.Buffer{}) {
		t.Error("NO_COLOR must disable colour")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"much-too-long-name", 10, "much-to..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("expected truncate(%q, %d) to return %q, got %q", tt.in, tt.max, tt.want, got)
		}
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(0); got != "-" {
		t.Errorf("unexpected FormatSize(0): %q", got)
	}
	if got := FormatSize(2_500_000); got != "2.5 MB" {
		t.Errorf("unexpected FormatSize(2.5MB): %q", got)
	}
}
