package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/output"
)

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.view {
	case viewManagers:
		b.WriteString(m.renderManagers())
	case viewPackages:
		b.WriteString(m.renderPackages())
	case viewJobs:
		b.WriteString(m.renderJobs())
	}

	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString(m.renderHelp())

	if m.mode == modeConfirm && m.confirm != nil {
		return m.renderWithModal(m.renderConfirm())
	}
	return b.String()
}

func (m Model) renderHeader() string {
	title := "pkgdeck"
	if m.title != "" {
		title += " · " + m.title
	}
	parts := []string{titleStyle.Render(title)}
	for i, name := range viewNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if view(i) == viewJobs {
			if n := m.activeJobs(); n > 0 {
				label = fmt.Sprintf("%s (%d)", label, n)
			}
		}
		if view(i) == m.view {
			parts = append(parts, activeTabStyle.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	parts = append(parts, dimStyle.Render(m.scope.String()))
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) activeJobs() int {
	n := 0
	for _, j := range m.jobList {
		if j.Status.IsActive() {
			n++
		}
	}
	return n
}

func (m Model) renderManagers() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Package managers"))
	b.WriteString("\n")

	if m.loading && len(m.managers) == 0 {
		b.WriteString(fmt.Sprintf("%s Probing managers...\n", m.spinner.View()))
		return b.String()
	}
	if len(m.managers) == 0 {
		b.WriteString(dimStyle.Render("No package managers registered"))
		b.WriteString("\n")
		return b.String()
	}

	for i, st := range m.managers {
		cursor := "  "
		style := normalStyle
		if i == m.managerCursor {
			cursor = "> "
			style = selectedStyle
		}

		state := availableStyle.Render("available")
		if !st.Available {
			state = dimStyle.Render("missing")
		}

		var counts string
		if st.CachedAt != nil {
			counts = fmt.Sprintf("%d packages", st.PackageCount)
			if st.OutdatedCount > 0 {
				counts += outdatedStyle.Render(fmt.Sprintf(", %d outdated", st.OutdatedCount))
			}
			if st.Stale {
				counts += dimStyle.Render(" (stale)")
			}
		}

		line := fmt.Sprintf("%s%-10s %-20s %s", cursor, st.Name, state, counts)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderPackages() string {
	var b strings.Builder

	if m.mode == modeSearch {
		b.WriteString(searchStyle.Render("Search: "))
		b.WriteString(m.searchInput.View())
		b.WriteString("\n")
	} else if m.query != "" {
		b.WriteString(searchStyle.Render(fmt.Sprintf("Search: %s", m.query)))
		b.WriteString(dimStyle.Render("  (Esc to clear)"))
		b.WriteString("\n")
	}

	if m.backend == "" && m.results == nil {
		b.WriteString(headerStyle.Render("Packages"))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Select a manager first"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(m.packagesHeading()))
	b.WriteString("\n")

	if m.loading {
		b.WriteString(fmt.Sprintf("%s Loading...\n", m.spinner.View()))
		return b.String()
	}

	pkgs := m.visiblePackages()
	if len(pkgs) == 0 {
		b.WriteString(dimStyle.Render("No packages"))
		b.WriteString("\n")
		return b.String()
	}

	end := min(m.scroll+m.maxVisibleItems(), len(pkgs))
	if m.scroll > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ↑ %d more", m.scroll)))
		b.WriteString("\n")
	}
	for i := m.scroll; i < end; i++ {
		p := pkgs[i]
		cursor := "  "
		style := normalStyle
		if i == m.packageCursor {
			cursor = "> "
			style = selectedStyle
		}

		version := p.Version
		if p.Outdated && p.LatestVersion != "" {
			version = outdatedStyle.Render(fmt.Sprintf("%s → %s", p.Version, p.LatestVersion))
		}
		line := fmt.Sprintf("%s%-30s %s", cursor, truncate(p.Name, 30), version)
		if m.results != nil {
			line = fmt.Sprintf("%s%-30s %-8s %s", cursor, truncate(p.Name, 30), p.Backend, truncate(p.Description, 40))
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	if end < len(pkgs) {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ↓ %d more", len(pkgs)-end)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) packagesHeading() string {
	if m.results != nil {
		return fmt.Sprintf("Search results for %q (%d)", m.query, len(m.results.Packages))
	}
	if m.listing == nil {
		return m.backend
	}
	heading := fmt.Sprintf("%s: %d installed, cached %s", m.backend, len(m.listing.Packages), output.FormatAge(m.listing.FetchedAt))
	if m.listing.Stale {
		heading += ", stale"
	}
	return heading
}

func (m Model) renderJobs() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Jobs"))
	b.WriteString("\n")

	if len(m.jobList) == 0 {
		b.WriteString(dimStyle.Render("No jobs yet"))
		b.WriteString("\n")
		return b.String()
	}

	for i, j := range m.jobList {
		cursor := "  "
		style := normalStyle
		if i == m.jobCursor {
			cursor = "> "
			style = selectedStyle
		}
		target := j.Target
		if j.Version != "" {
			target += "@" + j.Version
		}
		line := fmt.Sprintf("%s%s %-9s %-8s %-30s ", cursor, output.ShortID(j.ID), j.Operation, j.Backend, truncate(target, 30))
		b.WriteString(style.Render(line))
		b.WriteString(statusStyle(string(j.Status)).Render(string(j.Status)))
		if j.Status == engine.JobStatusRunning {
			b.WriteString(" ")
			b.WriteString(dimStyle.Render(output.RenderProgress(j.Progress, 20, j.Step)))
		}
		b.WriteString("\n")
	}

	if m.logJob != "" {
		b.WriteString(headerStyle.Render(fmt.Sprintf("Log %s", output.ShortID(m.logJob))))
		b.WriteString("\n")
		b.WriteString(m.renderLog())
	}
	return b.String()
}

func (m Model) renderLog() string {
	if len(m.logLines) == 0 {
		return dimStyle.Render("(no output)") + "\n"
	}

	rows := max(m.height-len(m.jobList)-12, 3)
	lines := m.logLines
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}

	var b strings.Builder
	for _, line := range lines {
		text := truncate(line.Text, max(m.width-2, 10))
		switch line.Stream {
		case engine.StreamStderr:
			b.WriteString(stderrStyle.Render(text))
		case engine.StreamSystem:
			b.WriteString(systemStyle.Render("» " + text))
		default:
			b.WriteString(text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.statusErr {
		return errorStyle.Render(m.statusMsg) + "\n"
	}
	return successStyle.Render(m.statusMsg) + "\n"
}

func (m Model) renderHelp() string {
	var help string
	switch m.mode {
	case modeSearch:
		help = "Enter: search • Esc: cancel"
	case modeConfirm:
		help = "y: confirm • n/Esc: cancel"
	default:
		switch m.view {
		case viewManagers:
			help = "↑/↓: navigate • Enter: packages • r: rescan • Tab: next view • q: quit"
		case viewPackages:
			if m.results != nil {
				help = "↑/↓: navigate • i: install • /: search • Esc: back to installed • q: quit"
			} else {
				help = "↑/↓: navigate • U: update • u: uninstall • /: search • r: refresh • Esc: managers • q: quit"
			}
		case viewJobs:
			help = "↑/↓: navigate • Enter: show log • c: cancel job • Esc: managers • q: quit"
		}
	}
	return helpStyle.Render(help)
}

func (m Model) renderConfirm() string {
	req := m.confirm
	target := req.Target
	if req.Version != "" {
		target += "@" + req.Version
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s %s?", capitalize(string(req.Operation)), target)))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Manager: %s\n", req.Backend))
	b.WriteString(fmt.Sprintf("Scope:   %s\n", req.Scope))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("y: confirm • n: cancel"))
	return b.String()
}

func (m Model) renderWithModal(content string) string {
	modal := modalStyle.Render(content)
	return lipgloss.Place(
		m.width,
		m.height,
		lipgloss.Center,
		lipgloss.Center,
		modal,
		lipgloss.WithWhitespaceChars(" "),
	)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
