package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vitest-dev/vscode-sub001/engine"
)

func (m Model) renderHelp() string {
	title := titleStyle.Render("HELP")
	m.help.ShowAll = true
	helpView := m.help.View(m.keys)

	return lipgloss.Place(
		m.width,
		m.height,
		lipgloss.Center,
		lipgloss.Center,
		paneStyle.Render(fmt.Sprintf("%s\n\n%s", title, helpView)),
	)
}

func (m Model) renderFooter() string {
	status := statusLine(m.state)
	if m.message != "" {
		status += "  " + failStyle.Render(m.message)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		statusStyle.Render(status),
		statusStyle.Render(m.help.View(m.keys)),
	)
}

// statusLine summarizes the worker session, the current run and the
// watch and coverage modes.
func statusLine(s engine.State) string {
	parts := []string{"worker " + s.Session.String()}
	if s.Ready.RunnerVersion != "" {
		parts[0] += " (vitest " + s.Ready.RunnerVersion + ")"
	}

	switch {
	case s.Running && s.Collecting:
		parts = append(parts, "collecting...")
	case s.Running:
		parts = append(parts, "running...")
	case s.LastRun != nil:
		passed, failed, skipped := s.LastRun.Totals()
		parts = append(parts, fmt.Sprintf("%s %s %s",
			passStyle.Render(fmt.Sprintf("%d passed", passed)),
			failStyle.Render(fmt.Sprintf("%d failed", failed)),
			fmt.Sprintf("%d skipped", skipped),
		))
	}

	switch s.Watch {
	case engine.WatchAll:
		parts = append(parts, "watching all")
	case engine.WatchSelected:
		parts = append(parts, fmt.Sprintf("watching %d", len(s.Watched)))
	}
	if s.Coverage {
		cov := "coverage on"
		if s.CoverageDir != "" {
			cov += ": " + s.CoverageDir
		}
		parts = append(parts, cov)
	}
	if s.Attach != engine.AttachUnknown {
		parts = append(parts, "debugger "+s.Attach.String())
	}
	return strings.Join(parts, " • ")
}
