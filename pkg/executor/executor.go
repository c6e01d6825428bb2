// Package executor runs package manager commands with per-class timeouts,
// bounded retries for reads and classified failures.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// stderrTail bounds the stderr kept on CommandFailed errors.
const stderrTail = 2048

// RetryPolicy bounds retries of read commands.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles after each retry.
	BaseDelay time.Duration

	// MaxDelay caps a single delay before jitter.
	MaxDelay time.Duration

	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// Config configures an Executor.
type Config struct {
	// ReadTimeout bounds ClassRead commands.
	ReadTimeout time.Duration

	// MutateTimeout bounds ClassMutate commands.
	MutateTimeout time.Duration

	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// Retry applies to ClassRead commands with Retry set.
	Retry RetryPolicy
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:   30 * time.Second,
		MutateTimeout: 10 * time.Minute,
		KillGrace:     3 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      0.5,
		},
	}
}

// Executor runs commands through a Transport.
type Executor struct {
	transport Transport
	config    Config
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an executor. A nil tel disables instrumentation.
func New(transport Transport, cfg Config, tel *telemetry.Telemetry) *Executor {
	if tel == nil {
		tel = telemetry.Nop()
	}
	defaults := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.MutateTimeout <= 0 {
		cfg.MutateTimeout = defaults.MutateTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaults.KillGrace
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	return &Executor{
		transport: transport,
		config:    cfg,
		logger:    tel.Logger.Component("executor").With().Str("transport", transport.Name()).Logger(),
		metrics:   tel.Metrics,
		tracer:    tel.Tracer,
		sleep:     sleepContext,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.config
}

// Transport returns the underlying transport.
func (e *Executor) Transport() Transport {
	return e.transport
}

// LookPath resolves an executable on the transport. A missing executable is
// reported as ManagerUnavailable.
func (e *Executor) LookPath(ctx context.Context, name string) (string, error) {
	path, err := e.transport.LookPath(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", engine.NewManagerUnavailableError(name, err)
		}
		return "", err
	}
	return path, nil
}

// Run executes cmd and returns its captured output. Failures are classified
// as CommandTimeout, CommandFailed, ManagerUnavailable or Cancelled. Read
// commands with Retry set are retried on timeouts and non-zero exits.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, engine.NewInvalidError("command name is required")
	}
	if cmd.Class == "" {
		cmd.Class = ClassRead
	}

	attempts := 1
	if cmd.Class == ClassRead && cmd.Retry {
		attempts = e.config.Retry.MaxAttempts
	}

	ctx, span := e.tracer.StartCommandSpan(ctx, cmd.Backend, cmd.String(), string(cmd.Class))

	var (
		res     *Result
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, lastErr = e.runOnce(ctx, cmd, attempt)
		if lastErr == nil {
			break
		}
		if attempt == attempts || !engine.IsRetryable(lastErr) {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Debug().
			Str("backend", cmd.Backend).
			Str("command", cmd.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("retrying read command")
		e.metrics.RecordCommandRetry(cmd.Backend)

		if err := e.sleep(ctx, delay); err != nil {
			lastErr = engine.NewCancelledError(err).WithBackend(cmd.Backend)
			break
		}
	}

	if res != nil {
		span.SetAttributes(telemetry.AttrAttempt.Int(res.Attempts), telemetry.AttrExitCode.Int(res.ExitCode))
	}
	telemetry.EndSpan(span, lastErr)
	return res, lastErr
}

// RunJSON runs cmd and decodes its stdout into v.
func (e *Executor) RunJSON(ctx context.Context, cmd Command, v any) error {
	res, err := e.Run(ctx, cmd)
	if err != nil {
		return err
	}
	return DecodeJSON(cmd.String(), []byte(res.Stdout), v)
}

// DecodeJSON decodes data into v, reporting failures as DecodeError with a
// snippet of the offending output.
func DecodeJSON(command string, data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return engine.NewDecodeError(command, data, errors.New("empty output"))
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return engine.NewDecodeError(command, data, err)
	}
	return nil
}

func (e *Executor) runOnce(ctx context.Context, cmd Command, attempt int) (*Result, error) {
	timeout := e.timeoutFor(cmd)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	outWriter := newLineWriter(&stdout, engine.StreamStdout, cmd.Output)
	errWriter := newLineWriter(&stderr, engine.StreamStderr, cmd.Output)

	e.logger.Debug().
		Str("backend", cmd.Backend).
		Str("command", cmd.String()).
		Str("class", string(cmd.Class)).
		Int("attempt", attempt).
		Msg("executing command")

	start := time.Now()
	code, runErr := e.transport.Run(callCtx, Invocation{
		Name:      cmd.Name,
		Args:      cmd.Args,
		Dir:       cmd.Dir,
		Env:       cmd.Env,
		Stdout:    outWriter,
		Stderr:    errWriter,
		KillGrace: e.config.KillGrace,
	})
	outWriter.Flush()
	errWriter.Flush()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Duration: time.Since(start),
		Attempts: attempt,
	}

	err := e.classify(ctx, callCtx, cmd, res, runErr, timeout)

	status := "ok"
	if err != nil {
		status = string(engine.ClassOf(err))
		e.metrics.RecordError(status)
	}
	e.metrics.RecordCommand(cmd.Backend, string(cmd.Class), status, res.Duration)

	e.logger.Debug().
		Str("backend", cmd.Backend).
		Str("command", cmd.String()).
		Int("exit_code", code).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(err).
		Msg("command completed")

	return res, err
}

func (e *Executor) classify(ctx, callCtx context.Context, cmd Command, res *Result, runErr error, timeout time.Duration) error {
	line := cmd.String()
	switch {
	case runErr == nil && cmd.okExit(res.ExitCode):
		return nil
	case runErr == nil:
		msg := res.Stderr
		if len(bytes.TrimSpace([]byte(msg))) == 0 {
			msg = res.Stdout
		}
		return engine.NewCommandFailedError(line, res.ExitCode, tail(msg, stderrTail)).
			WithBackend(cmd.Backend)
	case errors.Is(runErr, ErrNotFound):
		return engine.NewManagerUnavailableError(cmd.Backend, runErr).
			WithDetail("command", cmd.Name)
	case ctx.Err() != nil:
		return engine.NewCancelledError(ctx.Err()).WithBackend(cmd.Backend)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return engine.NewCommandTimeoutError(line, timeout).WithBackend(cmd.Backend)
	default:
		return engine.NewCommandFailedError(line, -1, runErr.Error()).
			WithBackend(cmd.Backend).
			WithErr(runErr)
	}
}

func (e *Executor) timeoutFor(cmd Command) time.Duration {
	if cmd.Timeout > 0 {
		return cmd.Timeout
	}
	if cmd.Class == ClassMutate {
		return e.config.MutateTimeout
	}
	return e.config.ReadTimeout
}

// backoff returns the delay after the given failed attempt:
// base * 2^(attempt-1), capped, plus random jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	policy := e.config.Retry
	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && (delay > policy.MaxDelay || delay <= 0) {
		delay = policy.MaxDelay
	}
	if policy.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * policy.Jitter * float64(delay))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tail(s string, limit int) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("...%s", s[len(s)-limit:])
}
