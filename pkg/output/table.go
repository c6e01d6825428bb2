// Package output renders engine results for the terminal.
//
// This package includes:
//   - Table rendering for managers, packages, search results and jobs
//   - A JSON mode that writes the raw engine values instead of tables
//   - Human-readable formatting for sizes, ages and job progress
//
// Colour is emitted only when the destination is a terminal and NO_COLOR is unset.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

const ruleChar = "─"

// ColorEnabled reports whether ANSI codes should be written to w.
func ColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return writerIsTTY(w)
}

// writerIsTTY returns true if w exposes Fd() and that descriptor is a terminal.
func writerIsTTY(w io.Writer) bool {
	type fder interface {
		Fd() uintptr
	}
	if f, ok := w.(fder); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// Printer writes engine results either as tables or as JSON.
type Printer struct {
	w     io.Writer
	json  bool
	color bool
}

// New creates a printer for w. Colour follows ColorEnabled(w).
func New(w io.Writer, asJSON bool) *Printer {
	return &Printer{w: w, json: asJSON, color: !asJSON && ColorEnabled(w)}
}

// JSONMode reports whether the printer writes JSON.
func (p *Printer) JSONMode() bool {
	return p.json
}

// SetColor forces colour on or off.
func (p *Printer) SetColor(enabled bool) {
	p.color = enabled
}

// Writer returns the destination.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// JSON writes v as indented JSON followed by a newline.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) write(s string) error {
	_, err := io.WriteString(p.w, s)
	return err
}

func (p *Printer) colorize(color, text string) string {
	return paint(p.color, color, text)
}

// Managers writes the scan view.
func (p *Printer) Managers(statuses []engine.ManagerStatus) error {
	if p.json {
		return p.JSON(statuses)
	}
	return p.write(RenderManagers(statuses, p.color))
}

// Listing writes an installed-package listing with its cache provenance.
func (p *Printer) Listing(l *engine.Listing) error {
	if p.json {
		return p.JSON(l)
	}
	var sb strings.Builder
	sb.WriteString(RenderPackages(l.Packages, p.color))
	source := "fetched just now"
	if l.Cached {
		source = "cached " + FormatAge(l.FetchedAt)
	}
	if l.Stale {
		source += ", stale"
	}
	sb.WriteString(p.colorize(colorGray, fmt.Sprintf("\n%d packages from %s (%s) · %s\n",
		len(l.Packages), l.Backend, l.Scope, source)))
	return p.write(sb.String())
}

// Packages writes a plain package table.
func (p *Printer) Packages(pkgs []engine.Package) error {
	if p.json {
		if pkgs == nil {
			pkgs = []engine.Package{}
		}
		return p.JSON(pkgs)
	}
	return p.write(RenderPackages(pkgs, p.color))
}

// Search writes merged search matches followed by any per-backend failures.
func (p *Printer) Search(res *engine.SearchResult) error {
	if p.json {
		return p.JSON(res)
	}
	var sb strings.Builder
	sb.WriteString(RenderSearch(res.Packages, p.color))
	for _, f := range res.Failures {
		sb.WriteString(p.colorize(colorRed, fmt.Sprintf("! %s: %s (%s)\n", f.Backend, f.Message, f.Class)))
	}
	return p.write(sb.String())
}

// Package writes the detail view of one package.
func (p *Printer) Package(pkg *engine.Package) error {
	if p.json {
		return p.JSON(pkg)
	}
	return p.write(RenderPackageInfo(pkg, p.color))
}

// Jobs writes the job table.
func (p *Printer) Jobs(jobs []engine.Job) error {
	if p.json {
		if jobs == nil {
			jobs = []engine.Job{}
		}
		return p.JSON(jobs)
	}
	return p.write(RenderJobs(jobs, p.color))
}

// Job writes a one-line job summary.
func (p *Printer) Job(job *engine.Job) error {
	if p.json {
		return p.JSON(job)
	}
	return p.write(RenderJobSummary(job, p.color) + "\n")
}

// LogLine writes one job log line. In JSON mode each line is one JSON object.
func (p *Printer) LogLine(line engine.LogLine) error {
	if p.json {
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		return p.write(string(b) + "\n")
	}
	text := line.Text
	switch line.Stream {
	case engine.StreamStderr:
		text = p.colorize(colorYellow, text)
	case engine.StreamSystem:
		text = p.colorize(colorCyan, "» "+text)
	}
	return p.write(text + "\n")
}

// Message writes a free-form line. Nothing is written in JSON mode.
func (p *Printer) Message(format string, args ...interface{}) error {
	if p.json {
		return nil
	}
	return p.write(fmt.Sprintf(format, args...) + "\n")
}

// RenderManagers renders the scan table.
func RenderManagers(statuses []engine.ManagerStatus, color bool) string {
	if len(statuses) == 0 {
		return "No package managers registered.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-12s %-10s %8s %8s  %-16s %s\n",
		"Manager", "Status", "Packages", "Outdated", "Cached", "Capabilities"))
	sb.WriteString(strings.Repeat(ruleChar, 80))
	sb.WriteString("\n")

	for _, st := range statuses {
		status := fmt.Sprintf("%-10s", "missing")
		if st.Available {
			status = paint(color, colorGreen, fmt.Sprintf("%-10s", "available"))
		} else {
			status = paint(color, colorGray, status)
		}

		packages, outdated, cached := "-", "-", "never"
		if st.CachedAt != nil {
			packages = fmt.Sprintf("%d", st.PackageCount)
			outdated = fmt.Sprintf("%d", st.OutdatedCount)
			cached = FormatAge(*st.CachedAt)
			if st.Stale {
				cached += " (stale)"
			}
		}
		outdatedCell := fmt.Sprintf("%8s", outdated)
		if st.OutdatedCount > 0 {
			outdatedCell = paint(color, colorYellow, outdatedCell)
		}

		sb.WriteString(fmt.Sprintf("%-12s %s %8s %s  %-16s %s\n",
			truncate(st.Name, 12),
			status,
			packages,
			outdatedCell,
			truncate(cached, 16),
			strings.Join(st.Capabilities.Strings(), ",")))
	}
	return sb.String()
}

// RenderPackages renders installed packages sorted by name.
func RenderPackages(pkgs []engine.Package, color bool) string {
	if len(pkgs) == 0 {
		return "No packages found.\n"
	}

	sorted := sortedPackages(pkgs)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-32s %-16s %-16s %8s\n", "Package", "Version", "Latest", "Size"))
	sb.WriteString(strings.Repeat(ruleChar, 75))
	sb.WriteString("\n")

	for _, pkg := range sorted {
		latest := fmt.Sprintf("%-16s", "")
		if pkg.Outdated {
			latest = paint(color, colorYellow, fmt.Sprintf("%-16s", truncate(orDash(pkg.LatestVersion), 16)))
		}
		sb.WriteString(fmt.Sprintf("%-32s %-16s %s %8s\n",
			truncate(pkg.Name, 32),
			truncate(orDash(pkg.Version), 16),
			latest,
			FormatSize(pkg.Size)))
	}
	return sb.String()
}

// RenderSearch renders search matches with their backend and description.
func RenderSearch(pkgs []engine.Package, color bool) string {
	if len(pkgs) == 0 {
		return "No matches.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-28s %-14s %-10s %s\n", "Package", "Version", "Manager", "Description"))
	sb.WriteString(strings.Repeat(ruleChar, 90))
	sb.WriteString("\n")

	for _, pkg := range pkgs {
		sb.WriteString(fmt.Sprintf("%-28s %-14s %s %s\n",
			truncate(pkg.Name, 28),
			truncate(orDash(pkg.Version), 14),
			paint(color, colorCyan, fmt.Sprintf("%-10s", truncate(pkg.Backend, 10))),
			truncate(pkg.Description, 60)))
	}
	return sb.String()
}

// RenderPackageInfo renders the detail view of one package.
func RenderPackageInfo(pkg *engine.Package, color bool) string {
	var sb strings.Builder
	sb.WriteString(paint(color, colorBold, pkg.Name))
	sb.WriteString(" ")
	sb.WriteString(orDash(pkg.Version))
	sb.WriteString("\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		sb.WriteString(fmt.Sprintf("  %-12s %s\n", label+":", value))
	}
	field("Manager", pkg.Backend)
	field("Description", pkg.Description)
	field("Homepage", pkg.Homepage)
	field("Repository", pkg.Repository)
	field("License", pkg.License)
	field("Location", pkg.InstalledPath)
	if pkg.Size > 0 {
		field("Size", FormatSize(pkg.Size))
	}
	if pkg.Outdated {
		field("Latest", paint(color, colorYellow, pkg.LatestVersion))
	}
	return sb.String()
}

// RenderJobs renders jobs in the order given.
func RenderJobs(jobs []engine.Job, color bool) string {
	if len(jobs) == 0 {
		return "No jobs.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-10s %-10s %-24s %-10s %5s  %s\n",
		"ID", "Manager", "Operation", "Target", "Status", "Prog", "Started"))
	sb.WriteString(strings.Repeat(ruleChar, 85))
	sb.WriteString("\n")

	for i := range jobs {
		job := &jobs[i]
		started := "-"
		if job.StartedAt != nil {
			started = FormatAge(*job.StartedAt)
		}
		sb.WriteString(fmt.Sprintf("%-8s %-10s %-10s %-24s %s %4d%%  %s\n",
			ShortID(job.ID),
			truncate(job.Backend, 10),
			job.Operation,
			truncate(job.Target, 24),
			paint(color, StatusColor(job.Status), fmt.Sprintf("%-10s", job.Status)),
			job.Progress,
			started))
	}
	return sb.String()
}

// RenderJobSummary renders one job on a single line.
func RenderJobSummary(job *engine.Job, color bool) string {
	target := job.Target
	if job.Version != "" {
		target += "@" + job.Version
	}
	line := fmt.Sprintf("%s %s %s (%s) %s",
		ShortID(job.ID), job.Operation, target, job.Backend,
		paint(color, StatusColor(job.Status), string(job.Status)))
	if d := job.Duration(); d > 0 && job.Status.IsTerminal() {
		line += " in " + d.Round(10*time.Millisecond).String()
	}
	if job.Error != nil {
		line += ": " + job.Error.Message
	}
	return line
}

// RenderProgress renders a fixed-width progress bar such as
// [=========>          ] 45% step.
func RenderProgress(percent, width int, step string) string {
	if width < 3 {
		width = 3
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := width * percent / 100
	bar := strings.Repeat("=", filled)
	if filled < width {
		bar += ">" + strings.Repeat(" ", width-filled-1)
	}
	line := fmt.Sprintf("[%s] %3d%%", bar, percent)
	if step != "" {
		line += " " + step
	}
	return line
}

// StatusColor returns the ANSI color for a job status.
func StatusColor(s engine.JobStatus) string {
	switch s {
	case engine.JobStatusSucceeded:
		return colorGreen
	case engine.JobStatusFailed:
		return colorRed
	case engine.JobStatusRunning:
		return colorYellow
	default:
		return colorGray
	}
}

// ShortID returns the first eight characters of a job id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatSize renders a byte count; zero means unknown.
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(bytes))
}

// FormatAge renders t relative to now, e.g. "3 minutes ago".
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if time.Since(t) < time.Second {
		return "just now"
	}
	return humanize.Time(t)
}

func sortedPackages(pkgs []engine.Package) []engine.Package {
	sorted := engine.ClonePackages(pkgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Backend < sorted[j].Backend
	})
	return sorted
}

func paint(enabled bool, color, text string) string {
	if enabled {
		return color + text + colorReset
	}
	return text
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
