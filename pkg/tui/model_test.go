package tui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

type fakeCatalog struct {
	managers []engine.ManagerStatus
	listings map[string]*engine.Listing
	search   *engine.SearchResult

	mu       sync.Mutex
	listed   []string
	refresh  []bool
	searched []string
}

func (f *fakeCatalog) Scan(context.Context) []engine.ManagerStatus {
	return f.managers
}

func (f *fakeCatalog) ListInstalled(_ context.Context, backend string, _ engine.Scope, opts engine.ListOptions) (*engine.Listing, error) {
	f.mu.Lock()
	f.listed = append(f.listed, backend)
	f.refresh = append(f.refresh, opts.Refresh)
	f.mu.Unlock()
	l, ok := f.listings[backend]
	if !ok {
		return nil, &engine.EngineError{Class: engine.ErrorClassManagerUnavailable, Message: backend + " is not installed", Backend: backend}
	}
	return l, nil
}

func (f *fakeCatalog) Search(_ context.Context, query string, _ []string) (*engine.SearchResult, error) {
	f.mu.Lock()
	f.searched = append(f.searched, query)
	f.mu.Unlock()
	res := *f.search
	res.Query = query
	return &res, nil
}

type fakeJobs struct {
	mu        sync.Mutex
	created   []engine.JobRequest
	cancelled []string
	jobs      []engine.Job
	logs      map[string][]engine.LogLine
}

func (f *fakeJobs) Create(_ context.Context, req engine.JobRequest) (*engine.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	job := engine.Job{
		ID:        "0123456789abcdef",
		Backend:   req.Backend,
		Operation: req.Operation,
		Target:    req.Target,
		Scope:     req.Scope,
		Status:    engine.JobStatusPending,
		CreatedAt: time.Now(),
	}
	f.jobs = append(f.jobs, job)
	return &job, nil
}

func (f *fakeJobs) Cancel(id string) (*engine.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	for _, j := range f.jobs {
		if j.ID == id {
			return &j, nil
		}
	}
	return nil, &engine.EngineError{Class: engine.ErrorClassJobNotFound, Message: "job not found"}
}

func (f *fakeJobs) List() []engine.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Job(nil), f.jobs...)
}

func (f *fakeJobs) Logs(id string, after uint64) ([]engine.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.LogLine
	for _, l := range f.logs[id] {
		if l.Seq > after {
			out = append(out, l)
		}
	}
	return out, nil
}

func newTestModel(t *testing.T) (Model, *fakeCatalog, *fakeJobs) {
	t.Helper()
	now := time.Now()
	catalog := &fakeCatalog{
		managers: []engine.ManagerStatus{
			{Name: "npm", Available: true, Capabilities: engine.Capabilities(engine.CapListInstalled, engine.CapSearchRemote)},
			{Name: "cargo", Available: false},
		},
		listings: map[string]*engine.Listing{
			"npm": {
				Backend:   "npm",
				Scope:     engine.GlobalScope(),
				FetchedAt: now,
				Packages: []engine.Package{
					{Name: "typescript", Version: "5.4.5", Backend: "npm", Outdated: true, LatestVersion: "5.5.0"},
					{Name: "prettier", Version: "3.2.0", Backend: "npm"},
				},
			},
		},
		search: &engine.SearchResult{
			Packages: []engine.Package{{Name: "left-pad", Version: "1.3.0", Backend: "npm", Description: "pad strings"}},
		},
	}
	jobs := &fakeJobs{logs: map[string][]engine.LogLine{}}
	m := New(catalog, jobs, Options{PollInterval: time.Millisecond})
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	return m, catalog, jobs
}

// update applies msg and returns the resulting model, discarding commands.
func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

// run applies msg and feeds back the messages its command produces, one
// level deep. Batches are flattened; ticks are skipped.
func run(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(Model)
	for _, out := range collect(cmd) {
		m = update(t, m, out)
	}
	return m
}

func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	switch msg := msg.(type) {
	case tea.BatchMsg:
		var out []tea.Msg
		for _, c := range msg {
			out = append(out, collect(c)...)
		}
		return out
	case tickMsg:
		return nil
	default:
		return []tea.Msg{msg}
	}
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestManagersLoaded(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})

	if m.loading {
		t.Error("still loading after managers arrived")
	}
	view := m.View()
	for _, want := range []string{"npm", "available", "cargo", "missing"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestOpenManagerLoadsListing(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})

	m = run(t, m, keyMsg("enter"))

	if m.view != viewPackages {
		t.Fatalf("expected view to be packages, got %d", m.view)
	}
	if m.backend != "npm" {
		t.Errorf("expected backend to be npm, got %q", m.backend)
	}
	if m.loading {
		t.Error("still loading after listing arrived")
	}
	if len(m.visiblePackages()) != 2 {
		t.Errorf("expected 2 packages, got %d", len(m.visiblePackages()))
	}
	if !strings.Contains(m.View(), "5.4.5 → 5.5.0") {
		t.Error("outdated package should show its latest version")
	}
}

func TestOpenUnavailableManager(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})

	m = update(t, m, keyMsg("down"))
	m = run(t, m, keyMsg("enter"))

	if m.view != viewManagers {
		t.Errorf("expected view to be managers, got %d", m.view)
	}
	if !m.statusErr || !strings.Contains(m.statusMsg, "cargo") {
		t.Errorf("unexpected status: %q (err %v)", m.statusMsg, m.statusErr)
	}
}

func TestStaleListingResponseIgnored(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))

	m = update(t, m, listingLoadedMsg{backend: "pip", listing: &engine.Listing{Backend: "pip"}})

	if m.listing.Backend != "npm" {
		t.Errorf("expected listing backend to be npm, got %q", m.listing.Backend)
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))
	m = run(t, m, keyMsg("r"))

	if got := catalog.refresh; len(got) != 2 || got[0] || !got[1] {
		t.Errorf("expected refresh flags to be [false true], got %v", got)
	}
}

func TestSearchAndInstall(t *testing.T) {
	m, catalog, jobs := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))

	m = update(t, m, keyMsg("/"))
	if m.mode != modeSearch {
		t.Fatalf("expected mode to be search, got %d", m.mode)
	}
	for _, r := range "left" {
		m = update(t, m, keyMsg(string(r)))
	}
	m = run(t, m, keyMsg("enter"))

	if len(catalog.searched) != 1 || catalog.searched[0] != "left" {
		t.Fatalf("unexpected searched: %v", catalog.searched)
	}
	if m.results == nil || len(m.results.Packages) != 1 {
		t.Fatalf("unexpected results: %+v", m.results)
	}

	m = update(t, m, keyMsg("i"))
	if m.mode != modeConfirm || m.confirm == nil {
		t.Fatal("install should ask for confirmation")
	}
	if m.confirm.Operation != engine.OperationInstall || m.confirm.Target != "left-pad" {
		t.Errorf("unexpected confirm: %+v", m.confirm)
	}
	if !strings.Contains(m.View(), "Install left-pad?") {
		t.Error("confirmation modal not rendered")
	}

	m = run(t, m, keyMsg("y"))

	if len(jobs.created) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.created))
	}
	req := jobs.created[0]
	if req.Backend != "npm" || req.Scope.Kind != engine.ScopeGlobal {
		t.Errorf("unexpected request: %+v", req)
	}
	if m.logJob != "0123456789abcdef" {
		t.Errorf("expected to follow the new job, got %q", m.logJob)
	}
	if m.mode != modeNormal {
		t.Errorf("expected mode to be normal, got %d", m.mode)
	}
}

func TestConfirmDenied(t *testing.T) {
	m, catalog, jobs := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))

	m = update(t, m, keyMsg("u"))
	if m.confirm == nil || m.confirm.Operation != engine.OperationUninstall {
		t.Fatalf("unexpected confirm: %+v", m.confirm)
	}
	m = run(t, m, keyMsg("n"))

	if m.confirm != nil || m.mode != modeNormal {
		t.Error("deny should close the confirmation")
	}
	if len(jobs.created) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs.created))
	}
}

func TestInstallOnlyFromSearchResults(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))

	m = update(t, m, keyMsg("i"))

	if m.mode == modeConfirm {
		t.Error("installed listings should not offer install")
	}
}

func TestFinishedJobRefreshesListing(t *testing.T) {
	m, catalog, _ := newTestModel(t)
	m = update(t, m, managersLoadedMsg{managers: catalog.managers})
	m = run(t, m, keyMsg("enter"))

	running := engine.Job{ID: "job-1", Backend: "npm", Operation: engine.OperationUninstall, Target: "prettier", Status: engine.JobStatusRunning}
	m = run(t, m, jobsPolledMsg{jobs: []engine.Job{running}})

	done := running
	done.Status = engine.JobStatusSucceeded
	m = run(t, m, jobsPolledMsg{jobs: []engine.Job{done}})

	if len(catalog.listed) != 2 {
		t.Errorf("expected a reload after the job finished, got %v", catalog.listed)
	}
	if m.statusErr || !strings.Contains(m.statusMsg, "succeeded") {
		t.Errorf("unexpected status: %q", m.statusMsg)
	}
}

func TestFailedJobReported(t *testing.T) {
	m, _, _ := newTestModel(t)

	running := engine.Job{ID: "job-1", Backend: "pip", Operation: engine.OperationInstall, Target: "black", Status: engine.JobStatusRunning}
	m = update(t, m, jobsPolledMsg{jobs: []engine.Job{running}})

	failed := running
	failed.Status = engine.JobStatusFailed
	failed.Error = &engine.JobError{Class: engine.ErrorClassCommandFailed, Message: "exit status 1"}
	m = update(t, m, jobsPolledMsg{jobs: []engine.Job{failed}})

	if !m.statusErr || !strings.Contains(m.statusMsg, "exit status 1") {
		t.Errorf("unexpected status: %q (err %v)", m.statusMsg, m.statusErr)
	}
}

func TestJobsViewFollowsLogs(t *testing.T) {
	m, _, jobs := newTestModel(t)
	jobs.jobs = []engine.Job{{ID: "job-1", Backend: "npm", Operation: engine.OperationInstall, Target: "typescript", Status: engine.JobStatusRunning}}
	jobs.logs["job-1"] = []engine.LogLine{
		{Seq: 1, Stream: engine.StreamSystem, Text: "npm install -g typescript"},
		{Seq: 2, Stream: engine.StreamStdout, Text: "added 1 package"},
	}
	m = update(t, m, jobsPolledMsg{jobs: jobs.List()})

	m = run(t, m, keyMsg("3"))

	if m.view != viewJobs || m.logJob != "job-1" {
		t.Fatalf("unexpected view: %d, following %q", m.view, m.logJob)
	}
	m = run(t, m, tickMsg(time.Now()))
	if len(m.logLines) != 2 || m.logAfter != 2 {
		t.Fatalf("unexpected log lines: %d, after %d", len(m.logLines), m.logAfter)
	}

	// Replayed lines are not appended twice.
	m = update(t, m, logsPolledMsg{id: "job-1", lines: jobs.logs["job-1"]})
	if len(m.logLines) != 2 {
		t.Errorf("expected 2 log lines after replay, got %d", len(m.logLines))
	}
	if !strings.Contains(m.View(), "added 1 package") {
		t.Error("log output not rendered")
	}

	m = run(t, m, keyMsg("c"))
	if len(jobs.cancelled) != 1 || jobs.cancelled[0] != "job-1" {
		t.Errorf("unexpected cancelled: %v", jobs.cancelled)
	}
}

func TestCancelIgnoresFinishedJobs(t *testing.T) {
	m, _, jobs := newTestModel(t)
	m = update(t, m, jobsPolledMsg{jobs: []engine.Job{{ID: "job-1", Status: engine.JobStatusSucceeded}}})
	m = update(t, m, keyMsg("3"))

	m = run(t, m, keyMsg("c"))

	if len(jobs.cancelled) != 0 {
		t.Errorf("expected cancelled to be none, got %v", jobs.cancelled)
	}
}

func TestViewNavigation(t *testing.T) {
	m, _, _ := newTestModel(t)

	tests := []struct {
		key  string
		want view
	}{
		{"tab", viewPackages},
		{"tab", viewJobs},
		{"tab", viewManagers},
		{"3", viewJobs},
		{"esc", viewManagers},
	}
	for _, tt := range tests {
		m = update(t, m, keyMsg(tt.key))
		if m.view != tt.want {
			t.Errorf("expected after %q view %d, got %d", tt.key, tt.want, m.view)
		}
	}
}

func TestQuit(t *testing.T) {
	m, _, _ := newTestModel(t)
	_, cmd := m.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestCursorClamped(t *testing.T) {
	tests := []struct {
		i, n, want int
	}{
		{-1, 3, 0},
		{0, 3, 0},
		{3, 3, 2},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := clamp(tt.i, tt.n); got != tt.want {
			t.Errorf("expected clamp(%d, %d) to return %d, got %d", tt.i, tt.n, tt.want, got)
		}
	}
}
