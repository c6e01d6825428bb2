package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// Job manager defaults.
const (
	DefaultMaxParallel      = 4
	DefaultProgressInterval = time.Second
	DefaultMaxLogLines      = 5000
)

// JobsConfig tunes the job manager.
type JobsConfig struct {
	// MaxParallel bounds the number of running jobs.
	MaxParallel int

	// SerializePerBackend allows at most one running job per backend.
	SerializePerBackend bool

	// ProgressInterval is the period of the progress ticker.
	ProgressInterval time.Duration

	// MaxLogLines caps the retained log of a job; the oldest lines are
	// dropped first and sequence numbers keep counting.
	MaxLogLines int
}

// DefaultJobsConfig returns the default job manager configuration.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		MaxParallel:         DefaultMaxParallel,
		SerializePerBackend: true,
		ProgressInterval:    DefaultProgressInterval,
		MaxLogLines:         DefaultMaxLogLines,
	}
}

// jobEntry is the registry record of one job. Its mutex guards only this
// job, so reads of one job never wait on another.
type jobEntry struct {
	mu        sync.Mutex
	job       Job
	logs      []LogLine
	conflict  string
	cancel    context.CancelFunc
	canceled  bool
	finishing bool
	done      chan struct{}
}

func (e *jobEntry) snapshot() Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job
}

// JobManager runs mutation jobs asynchronously and is the source of truth
// for their state.
type JobManager struct {
	backends BackendResolver
	cache    CacheStore
	events   EventSink
	cfg      JobsConfig

	// mu guards the registry maps; job fields are guarded per entry.
	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	order  []string
	active map[string]string
	locks  map[string]chan struct{}
	closed bool

	slots chan struct{}
	wg    sync.WaitGroup

	logger  zerolog.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewJobManager creates a job manager. Zero config fields take defaults;
// a nil tel disables instrumentation and events.
func NewJobManager(backends BackendResolver, cache CacheStore, cfg JobsConfig, tel *telemetry.Telemetry) *JobManager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = DefaultMaxLogLines
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &JobManager{
		backends: backends,
		cache:    cache,
		events:   tel.Events,
		cfg:      cfg,
		jobs:     make(map[string]*jobEntry),
		active:   make(map[string]string),
		locks:    make(map[string]chan struct{}),
		slots:    make(chan struct{}, cfg.MaxParallel),
		logger:   tel.Logger.Component("jobs"),
		tracer:   tel.Tracer,
		metrics:  tel.Metrics,
		now:      time.Now,
	}
}

func conflictKey(req JobRequest) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", req.Backend, req.Target, req.Scope.Kind, req.Scope.Fingerprint())
}

// Create validates req and starts a job for it. It returns as soon as the
// job is registered as pending. Submission fails with Conflict when an
// active job exists for the same backend, target and scope.
func (m *JobManager) Create(ctx context.Context, req JobRequest) (*Job, error) {
	b, err := m.admit(ctx, req)
	if err != nil {
		m.metrics.RecordJobRejected(req.Backend, string(ClassOf(err)))
		return nil, err
	}

	key := conflictKey(req)
	jobCtx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{
		job: Job{
			ID:        uuid.New().String(),
			Backend:   req.Backend,
			Operation: req.Operation,
			Target:    req.Target,
			Version:   req.Version,
			Force:     req.Force,
			Scope:     req.Scope,
			Status:    JobStatusPending,
			Step:      StepQueued,
			CreatedAt: m.now(),
		},
		conflict: key,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, NewCancelledError(errors.New("job manager is shut down"))
	}
	if id, ok := m.active[key]; ok {
		m.mu.Unlock()
		cancel()
		m.metrics.RecordJobRejected(req.Backend, string(ErrorClassConflict))
		return nil, NewConflictError(fmt.Sprintf("a job for %s %s is already active", req.Backend, req.Target)).
			WithCode(ErrCodeJobActive).
			WithBackend(req.Backend).
			WithDetail("job_id", id)
	}
	m.jobs[entry.job.ID] = entry
	m.order = append(m.order, entry.job.ID)
	m.active[key] = entry.job.ID
	m.wg.Add(1)
	m.mu.Unlock()

	job := entry.snapshot()
	m.metrics.RecordJobCreated(job.Backend, string(job.Operation))
	m.publish(job, telemetry.EventTypeJobCreated, telemetry.EventLevelInfo,
		fmt.Sprintf("%s %s queued", job.Operation, job.Target), nil)
	m.logger.Info().
		Str("job_id", job.ID).
		Str("backend", job.Backend).
		Str("operation", string(job.Operation)).
		Str("target", job.Target).
		Msg("job created")

	go m.run(jobCtx, entry, b)
	return &job, nil
}

// admit runs the submission checks that do not need the registry lock.
func (m *JobManager) admit(ctx context.Context, req JobRequest) (Backend, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	b, err := m.backends.Backend(req.Backend)
	if err != nil {
		return nil, err
	}
	operation := string(req.Operation)
	if err := RequireScope(b, req.Scope, operation); err != nil {
		return nil, err
	}
	if req.Version != "" {
		if err := RequireCapability(b, CapVersionSelection, operation+" with version"); err != nil {
			return nil, err
		}
	}
	if !m.backends.Available(ctx, req.Backend) {
		return nil, NewManagerUnavailableError(req.Backend, nil).WithOperation(operation)
	}
	return b, nil
}

func (m *JobManager) run(ctx context.Context, entry *jobEntry, b Backend) {
	defer m.wg.Done()
	defer close(entry.done)

	job := entry.snapshot()
	release, err := m.acquire(ctx, job.Backend)
	if err != nil {
		m.finish(entry, JobStatusCanceled, NewCancelledError(err))
		return
	}
	defer release()

	if !m.start(entry) {
		return
	}
	m.metrics.RecordJobStarted()

	ctx, span := m.tracer.StartJobSpan(ctx, job.ID, job.Backend, string(job.Operation), job.Target)
	stopProgress := func() {}
	if job.Target != TargetAllOutdated {
		stopProgress = m.tickProgress(entry)
	}

	err = m.execute(ctx, entry, b)
	stopProgress()
	telemetry.EndSpan(span, err)

	entry.mu.Lock()
	canceled := entry.canceled
	entry.mu.Unlock()

	switch {
	case err == nil:
		m.finish(entry, JobStatusSucceeded, nil)
	case canceled || IsCancelled(err):
		m.finish(entry, JobStatusCanceled, NewCancelledError(err))
	default:
		m.finish(entry, JobStatusFailed, err)
	}
}

// acquire waits for the backend lock and then a global slot. The backend
// lock comes first so queued jobs of a busy backend hold no global slot.
func (m *JobManager) acquire(ctx context.Context, backend string) (func(), error) {
	var lock chan struct{}
	if m.cfg.SerializePerBackend {
		lock = m.backendLock(backend)
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		if lock != nil {
			<-lock
		}
		return nil, ctx.Err()
	}

	return func() {
		<-m.slots
		if lock != nil {
			<-lock
		}
	}, nil
}

func (m *JobManager) backendLock(backend string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[backend]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[backend] = lock
	}
	return lock
}

// start moves a pending job to running unless it was canceled meanwhile.
func (m *JobManager) start(entry *jobEntry) bool {
	entry.mu.Lock()
	if entry.canceled || entry.finishing || !entry.job.Status.CanTransitionTo(JobStatusRunning) {
		entry.mu.Unlock()
		return false
	}
	now := m.now()
	entry.job.Status = JobStatusRunning
	entry.job.Step = StepRunning
	entry.job.StartedAt = &now
	entry.job.Progress = 10
	job := entry.job
	entry.mu.Unlock()

	m.publish(job, telemetry.EventTypeJobStarted, telemetry.EventLevelInfo,
		fmt.Sprintf("%s %s started", job.Operation, job.Target), nil)
	m.appendLog(entry, StreamSystem, fmt.Sprintf("Running %s of %s with %s", job.Operation, job.Target, job.Backend))
	return true
}

// tickProgress advances progress by 10 every interval up to 90 until the
// returned stop function is called.
func (m *JobManager) tickProgress(entry *jobEntry) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.setProgress(entry, func(p int) int { return min(p+10, 90) })
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

func (m *JobManager) setProgress(entry *jobEntry, next func(int) int) {
	entry.mu.Lock()
	if entry.job.Status != JobStatusRunning || entry.finishing {
		entry.mu.Unlock()
		return
	}
	p := next(entry.job.Progress)
	if p == entry.job.Progress {
		entry.mu.Unlock()
		return
	}
	entry.job.Progress = p
	job := entry.job
	entry.mu.Unlock()

	m.publish(job, telemetry.EventTypeJobProgress, telemetry.EventLevelInfo,
		fmt.Sprintf("%s %s at %d%%", job.Operation, job.Target, p),
		map[string]interface{}{"progress": p})
}

func (m *JobManager) execute(ctx context.Context, entry *jobEntry, b Backend) error {
	job := entry.snapshot()
	req := MutationRequest{
		Name:    job.Target,
		Version: job.Version,
		Force:   job.Force,
		Scope:   job.Scope,
		Output: func(stream Stream, text string) {
			m.appendLog(entry, stream, text)
		},
	}

	switch job.Operation {
	case OperationInstall:
		return b.Install(ctx, req)
	case OperationUpdate:
		if job.Target == TargetAllOutdated {
			return m.updateAll(ctx, entry, b, req)
		}
		return b.Upgrade(ctx, req)
	case OperationUninstall:
		return b.Uninstall(ctx, req)
	default:
		return NewInvalidError(fmt.Sprintf("invalid operation: %s", job.Operation))
	}
}

// updateAll upgrades every outdated package in turn and stops at the first
// failure.
func (m *JobManager) updateAll(ctx context.Context, entry *jobEntry, b Backend, req MutationRequest) error {
	outdated, err := b.Outdated(ctx, req.Scope)
	if err != nil {
		return err
	}
	if len(outdated) == 0 {
		m.appendLog(entry, StreamSystem, "All packages are up to date")
		return nil
	}
	m.appendLog(entry, StreamSystem, fmt.Sprintf("%d packages to update", len(outdated)))

	for i, pkg := range outdated {
		if err := ctx.Err(); err != nil {
			return NewCancelledError(err)
		}
		line := fmt.Sprintf("Updating %s", pkg.Name)
		if pkg.Version != "" && pkg.LatestVersion != "" {
			line = fmt.Sprintf("Updating %s %s -> %s", pkg.Name, pkg.Version, pkg.LatestVersion)
		}
		m.appendLog(entry, StreamSystem, line)

		one := req
		one.Name = pkg.Name
		if err := b.Upgrade(ctx, one); err != nil {
			return err
		}
		done := i + 1
		m.setProgress(entry, func(int) int { return 10 + 80*done/len(outdated) })
	}
	return nil
}

// appendLog adds a line with the next sequence number.
func (m *JobManager) appendLog(entry *jobEntry, stream Stream, text string) {
	entry.mu.Lock()
	entry.job.LastSeq++
	line := LogLine{
		Seq:    entry.job.LastSeq,
		Time:   m.now(),
		Stream: stream,
		Text:   text,
	}
	entry.logs = append(entry.logs, line)
	if over := len(entry.logs) - m.cfg.MaxLogLines; over > 0 {
		entry.logs = append(entry.logs[:0:0], entry.logs[over:]...)
	}
	job := entry.job
	entry.mu.Unlock()

	m.publish(job, telemetry.EventTypeJobLog, telemetry.EventLevelInfo, text, map[string]interface{}{
		"seq":    line.Seq,
		"stream": string(stream),
	})
}

// finish drives a job to a terminal status. The cache is invalidated and the
// final log line written before the status becomes visible, so a poller
// that sees the terminal status also sees its effects. Only the first call
// per job has an effect.
func (m *JobManager) finish(entry *jobEntry, status JobStatus, cause error) {
	entry.mu.Lock()
	if entry.finishing || !entry.job.Status.CanTransitionTo(status) {
		entry.mu.Unlock()
		return
	}
	entry.finishing = true
	job := entry.job
	entry.mu.Unlock()

	b, err := m.backends.Backend(job.Backend)
	if err == nil {
		key := b.CacheKey(job.Scope)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.cache.Invalidate(ctx, key); err != nil {
			m.appendLog(entry, StreamSystem, fmt.Sprintf("Failed to invalidate cache %s: %v", key, err))
			m.logger.Warn().Err(err).Str("job_id", job.ID).Str("key", key.String()).Msg("cache invalidation failed")
		} else {
			m.metrics.RecordCacheInvalidation(job.Backend, "job")
			m.publish(job, telemetry.EventTypeCacheInvalidated, telemetry.EventLevelInfo,
				fmt.Sprintf("%s cache invalidated", key), map[string]interface{}{"key": key.String(), "reason": "job"})
		}
		cancel()
	}

	switch status {
	case JobStatusSucceeded:
		m.appendLog(entry, StreamSystem, "Completed")
	case JobStatusCanceled:
		m.appendLog(entry, StreamSystem, "Canceled")
	default:
		m.appendLog(entry, StreamSystem, cause.Error())
	}

	now := m.now()
	entry.mu.Lock()
	entry.job.Status = status
	entry.job.FinishedAt = &now
	entry.job.Progress = 100
	switch status {
	case JobStatusSucceeded:
		entry.job.Step = StepCompleted
	case JobStatusCanceled:
		entry.job.Step = StepCanceled
		entry.job.Error = NewJobError(cause)
	default:
		entry.job.Step = StepFailed
		entry.job.Error = NewJobError(cause)
	}
	job = entry.job
	entry.cancel()
	entry.mu.Unlock()

	m.mu.Lock()
	if m.active[entry.conflict] == job.ID {
		delete(m.active, entry.conflict)
	}
	m.mu.Unlock()

	m.metrics.RecordJobCompleted(job.Backend, string(job.Operation), string(status), job.Duration(), job.StartedAt != nil)
	level := telemetry.EventLevelInfo
	if status == JobStatusFailed {
		level = telemetry.EventLevelError
		m.metrics.RecordError(string(ClassOf(cause)))
	}
	data := map[string]interface{}{"status": string(status)}
	if job.Error != nil {
		data["error_class"] = string(job.Error.Class)
	}
	m.publish(job, telemetry.EventTypeJobCompleted, level,
		fmt.Sprintf("%s %s %s", job.Operation, job.Target, status), data)

	ev := m.logger.Info()
	if status == JobStatusFailed {
		ev = m.logger.Error().Err(cause)
	}
	ev.Str("job_id", job.ID).
		Str("backend", job.Backend).
		Str("status", string(status)).
		Dur("duration", job.Duration()).
		Msg("job finished")
}

func (m *JobManager) publish(job Job, eventType, level, message string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "jobs",
		JobID:   job.ID,
		Backend: job.Backend,
		Message: message,
		Level:   level,
		Data:    data,
	})
}

func (m *JobManager) entry(id string) (*jobEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok {
		return nil, NewJobNotFoundError(id)
	}
	return entry, nil
}

// Cancel cancels a job. A terminal job is left unchanged; a pending job is
// canceled without running; a running job has its command terminated and
// ends canceled.
func (m *JobManager) Cancel(id string) (*Job, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	status := entry.job.Status
	if status.IsTerminal() || entry.finishing {
		job := entry.job
		entry.mu.Unlock()
		return &job, nil
	}
	entry.canceled = true
	entry.mu.Unlock()

	switch status {
	case JobStatusPending:
		entry.cancel()
		m.finish(entry, JobStatusCanceled, NewCancelledError(context.Canceled))
	case JobStatusRunning:
		m.appendLog(entry, StreamSystem, "Cancellation requested")
		entry.cancel()
	}

	job := entry.snapshot()
	return &job, nil
}

// Get returns a snapshot of one job.
func (m *JobManager) Get(id string) (*Job, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	job := entry.snapshot()
	return &job, nil
}

// List returns snapshots of every job in creation order.
func (m *JobManager) List() []Job {
	m.mu.RLock()
	entries := make([]*jobEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.jobs[id])
	}
	m.mu.RUnlock()

	jobs := make([]Job, len(entries))
	for i, entry := range entries {
		jobs[i] = entry.snapshot()
	}
	return jobs
}

// Logs returns the retained log lines of a job with a sequence number
// greater than afterSeq.
func (m *JobManager) Logs(id string, afterSeq uint64) ([]LogLine, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	lines := []LogLine{}
	for _, line := range entry.logs {
		if line.Seq > afterSeq {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Delete removes a terminal job. Deleting an active job is a Conflict.
func (m *JobManager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.jobs[id]
	if !ok {
		return NewJobNotFoundError(id)
	}
	if !entry.snapshot().Status.IsTerminal() {
		return NewConflictError("job is still active").
			WithCode(ErrCodeJobActive).
			WithDetail("job_id", id)
	}
	m.remove(id)
	return nil
}

// Clear removes every terminal job and returns how many were removed.
func (m *JobManager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, id := range append([]string(nil), m.order...) {
		if m.jobs[id].snapshot().Status.IsTerminal() {
			m.remove(id)
			removed++
		}
	}
	return removed
}

// remove must be called with m.mu held.
func (m *JobManager) remove(id string) {
	delete(m.jobs, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Wait blocks until the job is terminal or ctx ends.
func (m *JobManager) Wait(ctx context.Context, id string) (*Job, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return nil, NewCancelledError(ctx.Err())
	}
	job := entry.snapshot()
	return &job, nil
}

// Shutdown rejects new jobs, cancels active ones and waits for them to
// finish or for ctx to end.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.active))
	for _, id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_, _ = m.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted with %d active jobs: %w", len(ids), ctx.Err())
	}
}
