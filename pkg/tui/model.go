// Package tui is a terminal dashboard over the engine: available managers,
// installed and searchable packages, and live jobs with their logs.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/output"
)

// DefaultPollInterval is how often jobs and the selected job's log are polled.
const DefaultPollInterval = 500 * time.Millisecond

// maxLogLines bounds the log lines kept for the selected job.
const maxLogLines = 500

// Catalog is the read side the dashboard uses. *engine.Catalog implements it.
type Catalog interface {
	Scan(ctx context.Context) []engine.ManagerStatus
	ListInstalled(ctx context.Context, backend string, scope engine.Scope, opts engine.ListOptions) (*engine.Listing, error)
	Search(ctx context.Context, query string, backends []string) (*engine.SearchResult, error)
}

// Jobs is the job side the dashboard uses. *engine.JobManager implements it.
type Jobs interface {
	Create(ctx context.Context, req engine.JobRequest) (*engine.Job, error)
	Cancel(id string) (*engine.Job, error)
	List() []engine.Job
	Logs(id string, afterSeq uint64) ([]engine.LogLine, error)
}

// Options configures the dashboard.
type Options struct {
	// Scope applies to listings and submitted jobs.
	Scope engine.Scope

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// Title is shown next to the program name, e.g. a remote host.
	Title string
}

type view int

const (
	viewManagers view = iota
	viewPackages
	viewJobs
)

var viewNames = []string{"Managers", "Packages", "Jobs"}

type mode int

const (
	modeNormal mode = iota
	modeSearch
	modeConfirm
)

// Model is the bubbletea model of the dashboard.
type Model struct {
	catalog Catalog
	jobs    Jobs
	scope   engine.Scope
	poll    time.Duration
	title   string
	keys    keyMap

	width  int
	height int
	view   view
	mode   mode

	managers      []engine.ManagerStatus
	managerCursor int

	backend       string
	listing       *engine.Listing
	results       *engine.SearchResult
	query         string
	packageCursor int
	scroll        int
	loading       bool
	searchInput   textinput.Model
	spinner       spinner.Model

	jobList   []engine.Job
	jobCursor int
	logJob    string
	logLines  []engine.LogLine
	logAfter  uint64

	confirm   *engine.JobRequest
	statusMsg string
	statusErr bool
}

// New creates the dashboard model.
func New(catalog Catalog, jobs Jobs, opts Options) Model {
	ti := textinput.New()
	ti.Placeholder = "Search packages..."
	ti.CharLimit = 100
	ti.Width = 40

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	scope := opts.Scope
	if scope.Kind == "" {
		scope = engine.GlobalScope()
	}

	return Model{
		catalog:     catalog,
		jobs:        jobs,
		scope:       scope,
		poll:        poll,
		title:       opts.Title,
		keys:        defaultKeyMap(),
		searchInput: ti,
		spinner:     sp,
		loading:     true,
	}
}

// Run starts the dashboard on the terminal and blocks until it exits.
func Run(ctx context.Context, catalog Catalog, jobs Jobs, opts Options) error {
	p := tea.NewProgram(New(catalog, jobs, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.loadManagers(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.poll, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadManagers() tea.Cmd {
	return func() tea.Msg {
		return managersLoadedMsg{managers: m.catalog.Scan(context.Background())}
	}
}

func (m Model) loadListing(backend string, refresh bool) tea.Cmd {
	scope := m.scope
	return func() tea.Msg {
		listing, err := m.catalog.ListInstalled(context.Background(), backend, scope, engine.ListOptions{
			Refresh:      refresh,
			WithOutdated: true,
		})
		return listingLoadedMsg{backend: backend, listing: listing, err: err}
	}
}

func (m Model) searchPackages(query string) tea.Cmd {
	var backends []string
	if m.backend != "" {
		backends = []string{m.backend}
	}
	return func() tea.Msg {
		res, err := m.catalog.Search(context.Background(), query, backends)
		return searchResultsMsg{query: query, result: res, err: err}
	}
}

func (m Model) submit(req engine.JobRequest) tea.Cmd {
	return func() tea.Msg {
		job, err := m.jobs.Create(context.Background(), req)
		return jobSubmittedMsg{job: job, err: err}
	}
}

func (m Model) cancelJob(id string) tea.Cmd {
	return func() tea.Msg {
		job, err := m.jobs.Cancel(id)
		return jobCancelledMsg{job: job, err: err}
	}
}

func (m Model) pollJobs() tea.Cmd {
	return func() tea.Msg {
		return jobsPolledMsg{jobs: m.jobs.List()}
	}
}

func (m Model) pollLogs() tea.Cmd {
	id, after := m.logJob, m.logAfter
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		lines, err := m.jobs.Logs(id, after)
		return logsPolledMsg{id: id, lines: lines, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ensureCursorVisible()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(m.pollJobs(), m.pollLogs(), m.tick())

	case managersLoadedMsg:
		m.managers = msg.managers
		if m.view == viewManagers {
			m.loading = false
		}
		if m.managerCursor >= len(m.managers) {
			m.managerCursor = max(len(m.managers)-1, 0)
		}
		return m, nil

	case listingLoadedMsg:
		if msg.backend != m.backend {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.setError(fmt.Sprintf("%s: %v", msg.backend, msg.err))
			return m, nil
		}
		m.listing = msg.listing
		m.clampPackageCursor()
		return m, nil

	case searchResultsMsg:
		m.loading = false
		if msg.err != nil {
			m.setError(fmt.Sprintf("Search error: %v", msg.err))
			return m, nil
		}
		m.results = msg.result
		m.query = msg.query
		m.packageCursor = 0
		m.scroll = 0
		if len(msg.result.Failures) > 0 {
			f := msg.result.Failures[0]
			m.setError(fmt.Sprintf("%s: %s", f.Backend, f.Message))
		}
		return m, nil

	case jobSubmittedMsg:
		if msg.err != nil {
			m.setError(fmt.Sprintf("Job rejected: %v", msg.err))
			return m, nil
		}
		m.setStatus(fmt.Sprintf("Started %s %s (%s)", msg.job.Operation, msg.job.Target, output.ShortID(msg.job.ID)))
		m.followJob(msg.job.ID)
		return m, tea.Batch(m.pollJobs(), m.pollLogs())

	case jobCancelledMsg:
		if msg.err != nil {
			m.setError(fmt.Sprintf("Cancel failed: %v", msg.err))
			return m, nil
		}
		m.setStatus(fmt.Sprintf("Cancelling %s", output.ShortID(msg.job.ID)))
		return m, m.pollJobs()

	case jobsPolledMsg:
		return m.applyJobs(msg.jobs)

	case logsPolledMsg:
		if msg.id != m.logJob || msg.err != nil {
			return m, nil
		}
		for _, line := range msg.lines {
			if line.Seq <= m.logAfter {
				continue
			}
			m.logLines = append(m.logLines, line)
			m.logAfter = line.Seq
		}
		if over := len(m.logLines) - maxLogLines; over > 0 {
			m.logLines = m.logLines[over:]
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

// applyJobs stores a poll result. Jobs that reached a terminal state since
// the previous poll are announced and refresh the views they affect.
func (m Model) applyJobs(jobs []engine.Job) (tea.Model, tea.Cmd) {
	previous := make(map[string]engine.JobStatus, len(m.jobList))
	for _, j := range m.jobList {
		previous[j.ID] = j.Status
	}
	m.jobList = jobs
	if m.jobCursor >= len(jobs) {
		m.jobCursor = max(len(jobs)-1, 0)
	}

	var cmds []tea.Cmd
	for _, j := range jobs {
		before, seen := previous[j.ID]
		if !seen || before.IsTerminal() || !j.Status.IsTerminal() {
			continue
		}
		msg := fmt.Sprintf("%s %s %s", j.Operation, j.Target, j.Status)
		if j.Status == engine.JobStatusFailed {
			if j.Error != nil {
				msg += ": " + j.Error.Message
			}
			m.setError(msg)
		} else {
			m.setStatus(msg)
		}
		if j.Backend == m.backend && m.results == nil {
			cmds = append(cmds, m.loadListing(m.backend, false))
		}
		cmds = append(cmds, m.loadManagers())
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) followJob(id string) {
	if m.logJob == id {
		return
	}
	m.logJob = id
	m.logLines = nil
	m.logAfter = 0
}

func (m *Model) setStatus(s string) {
	m.statusMsg = s
	m.statusErr = false
}

func (m *Model) setError(s string) {
	m.statusMsg = s
	m.statusErr = true
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeSearch:
		return m.handleSearchKey(msg)
	case modeConfirm:
		return m.handleConfirmKey(msg)
	default:
		return m.handleNormalKey(msg)
	}
}

func (m Model) handleNormalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.NextView):
		return m.switchView((m.view + 1) % 3)
	case key.Matches(msg, m.keys.PrevView):
		return m.switchView((m.view + 2) % 3)
	case key.Matches(msg, m.keys.Managers):
		return m.switchView(viewManagers)
	case key.Matches(msg, m.keys.Packages):
		return m.switchView(viewPackages)
	case key.Matches(msg, m.keys.Jobs):
		return m.switchView(viewJobs)

	case key.Matches(msg, m.keys.Up):
		m.moveCursor(-1)
	case key.Matches(msg, m.keys.Down):
		m.moveCursor(1)

	case key.Matches(msg, m.keys.Open):
		return m.open()

	case key.Matches(msg, m.keys.Refresh):
		switch m.view {
		case viewManagers:
			return m, m.loadManagers()
		case viewPackages:
			if m.backend != "" {
				m.loading = true
				m.results = nil
				return m, tea.Batch(m.spinner.Tick, m.loadListing(m.backend, true))
			}
		case viewJobs:
			return m, tea.Batch(m.pollJobs(), m.pollLogs())
		}

	case key.Matches(msg, m.keys.Search):
		if m.view == viewPackages {
			m.mode = modeSearch
			m.searchInput.Focus()
			return m, textinput.Blink
		}

	case key.Matches(msg, m.keys.Back):
		switch {
		case m.view == viewPackages && m.results != nil:
			m.results = nil
			m.query = ""
			m.searchInput.SetValue("")
			m.packageCursor = 0
			m.scroll = 0
		case m.view != viewManagers:
			return m.switchView(viewManagers)
		}

	case key.Matches(msg, m.keys.Install):
		if pkg, ok := m.selectedPackage(); ok && m.results != nil {
			m.askConfirm(engine.JobRequest{Backend: pkg.Backend, Operation: engine.OperationInstall, Target: pkg.Name})
		}

	case key.Matches(msg, m.keys.Update):
		if pkg, ok := m.selectedPackage(); ok && m.results == nil {
			m.askConfirm(engine.JobRequest{Backend: pkg.Backend, Operation: engine.OperationUpdate, Target: pkg.Name})
		}

	case key.Matches(msg, m.keys.Uninstall):
		if pkg, ok := m.selectedPackage(); ok && m.results == nil {
			m.askConfirm(engine.JobRequest{Backend: pkg.Backend, Operation: engine.OperationUninstall, Target: pkg.Name})
		}

	case key.Matches(msg, m.keys.CancelJob):
		if job, ok := m.selectedJob(); ok && job.Status.IsActive() {
			return m, m.cancelJob(job.ID)
		}
	}

	return m, nil
}

func (m Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.searchInput.Blur()
		m.searchInput.SetValue(m.query)
		return m, nil

	case "enter":
		query := m.searchInput.Value()
		m.mode = modeNormal
		m.searchInput.Blur()
		if query == "" {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.searchPackages(query))
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Confirm):
		req := *m.confirm
		m.confirm = nil
		m.mode = modeNormal
		return m, m.submit(req)
	case key.Matches(msg, m.keys.Deny):
		m.confirm = nil
		m.mode = modeNormal
	}
	return m, nil
}

func (m *Model) askConfirm(req engine.JobRequest) {
	req.Scope = m.scope
	m.confirm = &req
	m.mode = modeConfirm
}

func (m Model) switchView(v view) (tea.Model, tea.Cmd) {
	m.view = v
	switch v {
	case viewPackages:
		if m.backend == "" {
			if st, ok := m.selectedManager(); ok && st.Available {
				return m.openManager(st.Name)
			}
		}
	case viewJobs:
		if m.logJob == "" {
			if job, ok := m.selectedJob(); ok {
				m.followJob(job.ID)
				return m, tea.Batch(m.pollJobs(), m.pollLogs())
			}
		}
		return m, m.pollJobs()
	}
	return m, nil
}

func (m Model) open() (tea.Model, tea.Cmd) {
	switch m.view {
	case viewManagers:
		st, ok := m.selectedManager()
		if !ok {
			return m, nil
		}
		if !st.Available {
			m.setError(fmt.Sprintf("%s is not installed", st.Name))
			return m, nil
		}
		return m.openManager(st.Name)
	case viewJobs:
		if job, ok := m.selectedJob(); ok {
			m.followJob(job.ID)
			return m, m.pollLogs()
		}
	}
	return m, nil
}

func (m Model) openManager(name string) (tea.Model, tea.Cmd) {
	m.view = viewPackages
	m.backend = name
	m.listing = nil
	m.results = nil
	m.query = ""
	m.searchInput.SetValue("")
	m.packageCursor = 0
	m.scroll = 0
	m.loading = true
	return m, tea.Batch(m.spinner.Tick, m.loadListing(name, false))
}

func (m Model) visiblePackages() []engine.Package {
	if m.results != nil {
		return m.results.Packages
	}
	if m.listing != nil {
		return m.listing.Packages
	}
	return nil
}

func (m Model) selectedManager() (engine.ManagerStatus, bool) {
	if m.managerCursor < 0 || m.managerCursor >= len(m.managers) {
		return engine.ManagerStatus{}, false
	}
	return m.managers[m.managerCursor], true
}

func (m Model) selectedPackage() (engine.Package, bool) {
	if m.view != viewPackages {
		return engine.Package{}, false
	}
	pkgs := m.visiblePackages()
	if m.packageCursor < 0 || m.packageCursor >= len(pkgs) {
		return engine.Package{}, false
	}
	return pkgs[m.packageCursor], true
}

func (m Model) selectedJob() (engine.Job, bool) {
	if m.jobCursor < 0 || m.jobCursor >= len(m.jobList) {
		return engine.Job{}, false
	}
	return m.jobList[m.jobCursor], true
}

func (m *Model) moveCursor(delta int) {
	switch m.view {
	case viewManagers:
		m.managerCursor = clamp(m.managerCursor+delta, len(m.managers))
	case viewPackages:
		m.packageCursor = clamp(m.packageCursor+delta, len(m.visiblePackages()))
		m.ensureCursorVisible()
	case viewJobs:
		m.jobCursor = clamp(m.jobCursor+delta, len(m.jobList))
	}
}

func (m *Model) clampPackageCursor() {
	m.packageCursor = clamp(m.packageCursor, len(m.visiblePackages()))
	m.ensureCursorVisible()
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// maxVisibleItems returns how many package rows fit on screen.
func (m Model) maxVisibleItems() int {
	// Header (2) + search bar (2) + section header (2) + status (2) + help (3)
	available := m.height - 11
	if available < 1 {
		return 1
	}
	return available
}

func (m *Model) ensureCursorVisible() {
	maxVisible := m.maxVisibleItems()
	if m.packageCursor < m.scroll {
		m.scroll = m.packageCursor
	}
	if m.packageCursor >= m.scroll+maxVisible {
		m.scroll = m.packageCursor - maxVisible + 1
	}
}
