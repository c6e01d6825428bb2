//go:build unix

package local

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/executor"
)

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "success", script: "echo hello", wantCode: 0, wantStdout: "hello\n"},
		{name: "stderr", script: "echo oops >&2; exit 3", wantCode: 3, wantStderr: "oops\n"},
		{name: "exit 1", script: "exit 1", wantCode: 1},
	}

	tr := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code, err := tr.Run(context.Background(), executor.Invocation{
				Name:   "sh",
				Args:   []string{"-c", tt.script},
				Stdout: &stdout,
				Stderr: &stderr,
			})
			if err != nil {
				t.Fatalf("failed to run command: %v", err)
			}
			if code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, code)
			}
			if stdout.String() != tt.wantStdout {
				t.Errorf("expected stdout %q, got %q", tt.wantStdout, stdout.String())
			}
			if stderr.String() != tt.wantStderr {
				t.Errorf("expected stderr %q, got %q", tt.wantStderr, stderr.String())
			}
		})
	}
}

func TestRunNotFound(t *testing.T) {
	_, err := New().Run(context.Background(), executor.Invocation{
		Name:   "pkgdeck-definitely-not-installed",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if !errors.Is(err, executor.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	code, err := New("PKGDECK_A=1").Run(context.Background(), executor.Invocation{
		Name:   "sh",
		Args:   []string{"-c", "pwd; echo $PKGDECK_A$PKGDECK_B"},
		Dir:    dir,
		Env:    []string{"PKGDECK_B=2"},
		Stdout: &stdout,
		Stderr: &bytes.Buffer{},
	})
	if err != nil || code != 0 {
		t.Fatalf("unexpected Run(): %d, %v", code, err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	resolved, _ := filepath.EvalSymlinks(dir)
	if len(lines) != 2 || (lines[0] != dir && lines[0] != resolved) || lines[1] != "12" {
		t.Errorf("unexpected output %q", stdout.String())
	}
}

func TestRunTerminatesOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New().Run(ctx, executor.Invocation{
		Name:      "sh",
		Args:      []string{"-c", "sleep 30"},
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
		KillGrace: 500 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process was not terminated promptly: %v", elapsed)
	}
}

func TestRunKillsAfterGrace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New().Run(ctx, executor.Invocation{
		Name:      "sh",
		Args:      []string{"-c", "trap '' TERM; sleep 30"},
		Stdout:    &bytes.Buffer{},
		Stderr:    &bytes.Buffer{},
		KillGrace: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("SIGKILL was not sent after the grace period: %v", elapsed)
	}
}

func TestExecutorTimeoutThroughLocal(t *testing.T) {
	e := executor.New(New(), executor.Config{ReadTimeout: 100 * time.Millisecond, KillGrace: 200 * time.Millisecond}, nil)

	_, err := e.Run(context.Background(), executor.Command{
		Backend: "npm",
		Name:    "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	if !engine.IsCommandTimeout(err) {
		t.Fatalf("expected CommandTimeout, got %v", err)
	}
}
