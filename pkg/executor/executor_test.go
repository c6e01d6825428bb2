package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// scriptedTransport replays one step per Run call.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []step
	calls []Invocation
}

type step struct {
	stdout string
	stderr string
	code   int
	err    error
	block  bool
}

func (s *scriptedTransport) Run(ctx context.Context, inv Invocation) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, inv)
	idx := len(s.calls) - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	st := s.steps[idx]
	s.mu.Unlock()

	if st.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	_, _ = io.WriteString(inv.Stdout, st.stdout)
	_, _ = io.WriteString(inv.Stderr, st.stderr)
	return st.code, st.err
}

func (s *scriptedTransport) LookPath(_ context.Context, name string) (string, error) {
	if name == "missing" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return "/usr/bin/" + name, nil
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestExecutor(tr Transport, cfg Config) *Executor {
	e := New(tr, cfg, nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestRunClassification(t *testing.T) {
	tests := []struct {
		name      string
		step      step
		cmd       Command
		wantClass engine.ErrorClass
	}{
		{
			name: "success",
			step: step{stdout: "ok\n"},
			cmd:  Command{Name: "npm", Args: []string{"list"}},
		},
		{
			name:      "non-zero exit",
			step:      step{stderr: "boom\n", code: 2},
			cmd:       Command{Name: "npm", Args: []string{"list"}},
			wantClass: engine.ErrorClassCommandFailed,
		},
		{
			name: "allowed exit code",
			step: step{stdout: "{}", code: 1},
			cmd:  Command{Name: "npm", Args: []string{"outdated"}, OkExitCodes: []int{1}},
		},
		{
			name:      "missing binary",
			step:      step{code: -1, err: fmt.Errorf("npm: %w", ErrNotFound)},
			cmd:       Command{Name: "npm"},
			wantClass: engine.ErrorClassManagerUnavailable,
		},
		{
			name:      "timeout",
			step:      step{block: true},
			cmd:       Command{Name: "npm", Timeout: 20 * time.Millisecond},
			wantClass: engine.ErrorClassCommandTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{steps: []step{tt.step}}
			e := newTestExecutor(tr, DefaultConfig())

			_, err := e.Run(context.Background(), tt.cmd)
			if got := engine.ClassOf(err); got != tt.wantClass {
				t.Fatalf("expected Run() class %q, got %q (err=%v)", tt.wantClass, got, err)
			}
		})
	}
}

func TestRunCommandFailedCarriesExitAndStderr(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{stderr: "E404 not found\n", code: 1}}}
	e := newTestExecutor(tr, DefaultConfig())

	_, err := e.Run(context.Background(), Command{Backend: "npm", Name: "npm", Args: []string{"view", "nope"}})

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if ee.ExitCode != 1 {
		t.Errorf("expected ExitCode to be 1, got %d", ee.ExitCode)
	}
	if ee.Stderr != "E404 not found" {
		t.Errorf("unexpected Stderr: %q", ee.Stderr)
	}
	if ee.Backend != "npm" {
		t.Errorf("unexpected Backend: %q", ee.Backend)
	}
}

func TestRunRetriesReads(t *testing.T) {
	tr := &scriptedTransport{steps: []step{
		{stderr: "network\n", code: 1},
		{stderr: "network\n", code: 1},
		{stdout: "[]"},
	}}
	e := newTestExecutor(tr, DefaultConfig())
	e.sleep = func(context.Context, time.Duration) error { return nil }

	res, err := e.Run(context.Background(), Command{Name: "npm", Args: []string{"search", "x"}, Retry: true})
	if err != nil {
		t.Fatalf("failed to run command: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected Attempts to be 3, got %d", res.Attempts)
	}
	if tr.callCount() != 3 {
		t.Errorf("expected transport calls to be 3, got %d", tr.callCount())
	}
}

func TestRunRetryBounded(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{code: 1}}}
	e := newTestExecutor(tr, DefaultConfig())
	e.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := e.Run(context.Background(), Command{Name: "npm", Retry: true})
	if !engine.IsCommandFailed(err) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if tr.callCount() != 3 {
		t.Errorf("expected transport calls to be 3, got %d", tr.callCount())
	}
}

func TestRunNeverRetriesMutations(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{code: 1}}}
	e := newTestExecutor(tr, DefaultConfig())
	e.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := e.Run(context.Background(), Command{Name: "npm", Class: ClassMutate, Retry: true})
	if !engine.IsCommandFailed(err) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if tr.callCount() != 1 {
		t.Errorf("expected mutation to run once, got %d", tr.callCount())
	}
}

func TestRunDoesNotRetryUnavailable(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{code: -1, err: ErrNotFound}}}
	e := newTestExecutor(tr, DefaultConfig())
	e.sleep = func(context.Context, time.Duration) error { return nil }

	_, _ = e.Run(context.Background(), Command{Name: "npm", Retry: true})
	if tr.callCount() != 1 {
		t.Errorf("expected transport calls to be 1, got %d", tr.callCount())
	}
}

func TestRunCancelled(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{block: true}}}
	e := newTestExecutor(tr, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, Command{Name: "npm", Class: ClassMutate})
	if !engine.IsCancelled(err) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}

func TestTimeoutByClass(t *testing.T) {
	e := newTestExecutor(&scriptedTransport{steps: []step{{}}}, Config{
		ReadTimeout:   time.Second,
		MutateTimeout: time.Minute,
	})

	if got := e.timeoutFor(Command{Class: ClassRead}); got != time.Second {
		t.Errorf("unexpected read timeout: %v", got)
	}
	if got := e.timeoutFor(Command{Class: ClassMutate}); got != time.Minute {
		t.Errorf("unexpected mutate timeout: %v", got)
	}
	if got := e.timeoutFor(Command{Class: ClassMutate, Timeout: 5 * time.Second}); got != 5*time.Second {
		t.Errorf("unexpected override timeout: %v", got)
	}
}

func TestBackoff(t *testing.T) {
	e := newTestExecutor(&scriptedTransport{steps: []step{{}}}, Config{
		Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5},
	})

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 200 * time.Millisecond, 300 * time.Millisecond},
		{2, 400 * time.Millisecond, 600 * time.Millisecond},
		{3, 800 * time.Millisecond, 1200 * time.Millisecond},
		{4, time.Second, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := e.backoff(tt.attempt)
			if d < tt.min || d > tt.max {
				t.Errorf("expected backoff(%d) to return [%v, %v], got %v", tt.attempt, tt.min, tt.max, d)
			}
		}
	}
}

func TestRunStreamsLines(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{stdout: "added 1 package\nprogress 50%\rprogress 100%\ndone", stderr: "warn deprecated\n"}}}
	e := newTestExecutor(tr, DefaultConfig())

	var mu sync.Mutex
	var lines []string
	sink := func(stream engine.Stream, text string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, string(stream)+":"+text)
	}

	_, err := e.Run(context.Background(), Command{Name: "npm", Class: ClassMutate, Output: sink})
	if err != nil {
		t.Fatalf("failed to run command: %v", err)
	}

	want := []string{
		"stdout:added 1 package",
		"stdout:progress 100%",
		"stderr:warn deprecated",
		"stdout:done",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected lines %v, got %v", want, lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("expected line %d %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	var v map[string]any
	if err := DecodeJSON("npm list --json", []byte(`{"a":1}`), &v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}

	err := DecodeJSON("npm list --json", []byte("npm WARN config\n{broken"), &v)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Class != engine.ErrorClassDecode {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if ee.Output == "" {
		t.Error("DecodeError should carry the offending output")
	}

	if err := DecodeJSON("x", []byte("  \n"), &v); !engine.IsDecodeError(err) {
		t.Errorf("empty output should be a DecodeError, got %v", err)
	}
}

func TestLookPath(t *testing.T) {
	e := newTestExecutor(&scriptedTransport{steps: []step{{}}}, DefaultConfig())

	if _, err := e.LookPath(context.Background(), "npm"); err != nil {
		t.Errorf("failed to look up binary: %v", err)
	}
	if _, err := e.LookPath(context.Background(), "missing"); !engine.IsManagerUnavailable(err) {
		t.Errorf("expected LookPath(missing) to return ManagerUnavailable, got %v", err)
	}
}
