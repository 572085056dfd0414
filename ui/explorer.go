package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vitest-dev/vscode-sub001/engine"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

func (m Model) renderExplorer(paneWidth, paneHeight int) string {
	var explorerView strings.Builder

	// Render Tabs
	activeTabStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(highlight).
		Padding(0, 1).
		Foreground(highlight)

	inactiveTabStyle := lipgloss.NewStyle().
		Border(lipgloss.HiddenBorder()).
		BorderForeground(subtle).
		Padding(0, 1).
		Foreground(subtle)

	var explorerTab, watchedTab string
	if m.activeTab == TabExplorer {
		explorerTab = activeTabStyle.Render("Explorer")
		watchedTab = inactiveTabStyle.Render("Watched")
	} else {
		explorerTab = inactiveTabStyle.Render("Explorer")
		watchedTab = activeTabStyle.Render("Watched")
	}

	tabs := lipgloss.JoinHorizontal(lipgloss.Bottom, explorerTab, watchedTab)
	explorerView.WriteString(tabs + "\n")

	// Tabs take 3 lines plus the separator
	treeHeight := paneHeight - 4
	if m.searchMode && m.activeTab == TabExplorer {
		treeHeight -= 3 // 1 line text + 2 lines border
	}

	if m.activeTab == TabExplorer {
		switch {
		case len(m.flatNodes) > 0:
			start, end := visibleRange(m.cursor, len(m.flatNodes), treeHeight)
			for i := start; i < end; i++ {
				m.renderNode(&explorerView, m.flatNodes[i], i == m.cursor)
			}
		case m.state.Session == engine.SessionFailed:
			explorerView.WriteString("The worker failed to start.\nPress 'R' to try again.")
		default:
			explorerView.WriteString("Scanning...")
		}
	} else {
		switch {
		case m.state.Watch == engine.WatchAll:
			explorerView.WriteString("Watching every test file.\nPress 'W' to stop.")
		case len(m.watched) == 0:
			explorerView.WriteString("No watched tests.\nPress 'w' on a file or test to watch it.")
		default:
			start, end := visibleRange(m.watchedCursor, len(m.watched), treeHeight)
			for i := start; i < end; i++ {
				m.renderNode(&explorerView, m.watched[i], i == m.watchedCursor)
			}
		}
	}

	currentView := explorerView.String()
	if m.searchMode && m.activeTab == TabExplorer {
		// Fill remaining space to push search bar to bottom
		if h := lipgloss.Height(currentView); h < paneHeight-3 {
			currentView += strings.Repeat("\n", paneHeight-3-h)
		}

		searchStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Width(paneWidth - 4) // Account for border width

		searchContent := m.searchInput.View()
		if !m.searchFocus {
			hints := "n: next • N: prev • Esc: exit"
			hintsStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

			availableWidth := paneWidth - 6 // -4 for outer margin, -2 for border
			contentWidth := lipgloss.Width(searchContent)
			hintsWidth := lipgloss.Width(hints)

			if contentWidth+hintsWidth+1 < availableWidth {
				padding := strings.Repeat(" ", availableWidth-contentWidth-hintsWidth)
				searchContent += padding + hintsStyle.Render(hints)
			}
		}
		currentView += searchStyle.Render(searchContent)
	}

	explorerStyle := paneStyle
	if m.activePane == PaneExplorer {
		explorerStyle = activePaneStyle
	}

	return explorerStyle.
		Width(paneWidth).
		Height(paneHeight).
		Render(currentView)
}

// visibleRange keeps the cursor in the middle of a window of height rows.
func visibleRange(cursor, total, height int) (int, int) {
	if height <= 0 {
		return 0, 0
	}
	if total <= height {
		return 0, total
	}
	switch {
	case cursor < height/2:
		return 0, height
	case cursor >= total-height/2:
		return total - height, total
	default:
		start := cursor - height/2
		return start, start + height
	}
}

func (m Model) renderNode(b *strings.Builder, node DisplayNode, selected bool) {
	cursor := " "
	if selected {
		cursor = ">"
	}
	indent := strings.Repeat("  ", node.Depth)

	watchIcon := "  "
	if m.isWatched(node) {
		watchIcon = "👁 "
	}

	name := node.DisplayName
	if m.searchMode && m.searchInput.Value() != "" {
		name = highlightMatches(name, m.searchInput.Value())
	}

	line := fmt.Sprintf("%s %s%s%s %s", cursor, indent, watchIcon, nodeIcon(node), name)
	if node.Node != nil && node.Node.Duration > 0 && node.Node.State.Done() {
		line += mutedStyle.Render(fmt.Sprintf(" %.0fms", node.Node.Duration))
	}

	if selected {
		b.WriteString(lipgloss.NewStyle().Foreground(highlight).Render(line) + "\n")
	} else {
		b.WriteString(line + "\n")
	}
}

func (m Model) isWatched(node DisplayNode) bool {
	if node.Node == nil {
		return false
	}
	if m.state.Watch == engine.WatchAll && node.Node.Kind == protocol.KindFile {
		return true
	}
	_, ok := m.state.Watched[node.Node.ID]
	return ok
}

// highlightMatches marks every case-insensitive occurrence of query in name.
func highlightMatches(name, query string) string {
	lowerName := strings.ToLower(name)
	lowerQuery := strings.ToLower(query)
	if lowerQuery == "" || !strings.Contains(lowerName, lowerQuery) {
		return name
	}

	var sb strings.Builder
	lastIdx := 0
	for {
		idx := strings.Index(lowerName[lastIdx:], lowerQuery)
		if idx == -1 {
			sb.WriteString(name[lastIdx:])
			break
		}
		idx += lastIdx
		sb.WriteString(name[lastIdx:idx])
		sb.WriteString(matchStyle.Render(name[idx : idx+len(lowerQuery)]))
		lastIdx = idx + len(lowerQuery)
	}
	return sb.String()
}

func nodeIcon(node DisplayNode) string {
	if node.Node == nil {
		return "📁"
	}
	n := node.Node
	if n.Mode == protocol.ModeTodo {
		return "📝"
	}
	switch n.State {
	case protocol.StateRunning:
		return "⏳"
	case protocol.StatePassed:
		return "✅"
	case protocol.StateFailed:
		return "❌"
	case protocol.StateSkipped:
		return "⏭ "
	}
	if n.Kind == protocol.KindFile {
		return "📄"
	}
	return "○"
}

// renderOutput shows the errors of the selected node and the console output
// of its file. Directories show the worker log.
func renderOutput(node DisplayNode, state engine.State) string {
	var b strings.Builder

	if state.SessionErr != nil {
		b.WriteString(failStyle.Render("worker: "+state.SessionErr.Error()) + "\n\n")
	}
	if general := state.Outputs[""]; general != "" {
		b.WriteString(general + "\n")
	}

	if node.Node == nil {
		if len(state.ProcessLog) > 0 {
			b.WriteString(titleStyle.Render("WORKER LOG") + "\n")
			b.WriteString(strings.Join(state.ProcessLog, "\n") + "\n")
		}
		return b.String()
	}

	n := node.Node
	for _, e := range n.Errors {
		title := e.Message
		if e.Name != "" {
			title = e.Name + ": " + e.Message
		}
		b.WriteString(failStyle.Render(title) + "\n")
		if e.Expected != "" || e.Actual != "" {
			b.WriteString(passStyle.Render("- expected: "+e.Expected) + "\n")
			b.WriteString(failStyle.Render("+ actual:   "+e.Actual) + "\n")
		}
		if e.Stack != "" {
			b.WriteString(mutedStyle.Render(e.Stack) + "\n")
		}
		b.WriteString("\n")
	}
	if n.Kind == protocol.KindFile {
		res := n.Result()
		b.WriteString(fmt.Sprintf("%s %s %s\n\n",
			passStyle.Render(fmt.Sprintf("%d passed", res.Passed)),
			failStyle.Render(fmt.Sprintf("%d failed", res.Failed)),
			mutedStyle.Render(fmt.Sprintf("%d skipped", res.Skipped)),
		))
	}
	if out := state.Outputs[node.FileID]; out != "" {
		b.WriteString(out)
	}
	return b.String()
}
