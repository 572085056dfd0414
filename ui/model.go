package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitest-dev/vscode-sub001/engine"
)

// Pane represents a distinct section of the UI.
type Pane int

const (
	// PaneExplorer is the test explorer pane.
	PaneExplorer Pane = iota
	// PaneOutput is the test output pane.
	PaneOutput
)

// LeftTab represents the active tab in the left pane.
type LeftTab int

const (
	// TabExplorer is the test tree tab.
	TabExplorer LeftTab = iota
	// TabWatched is the watched nodes tab.
	TabWatched
)

// Model represents the application state for the Bubbletea program.
type Model struct {
	// UI State
	activePane Pane
	width      int
	height     int
	ready      bool
	showHelp   bool
	cursor     int
	viewport   viewport.Model

	// Tab State
	activeTab     LeftTab
	watchedCursor int

	// Search State
	searchMode        bool
	searchFocus       bool
	searchInput       textinput.Model
	searchMatches     []int
	currentMatchIndex int

	// Components
	keys KeyMap
	help help.Model

	// Data / Dependencies
	ctx       context.Context
	engine    *engine.Engine
	flatNodes []DisplayNode
	watched   []DisplayNode
	state     engine.State

	// message is the outcome of the last action
	message string
}

// Messages

// UpdateMsg indicates the engine's tree or state changed.
type UpdateMsg struct{}

// ActionMsg carries the outcome of an engine action.
type ActionMsg struct {
	Action string
	Err    error
}

// NewModel creates a Model driving e. The engine is started by Init.
func NewModel(ctx context.Context, e *engine.Engine) Model {
	h := help.New()
	h.Styles.ShortKey = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#909090", Dark: "#A0A0A0"})
	h.Styles.ShortDesc = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B0B0B0", Dark: "#808080"})
	h.Styles.ShortSeparator = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#606060"})
	h.Styles.FullKey = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#909090", Dark: "#A0A0A0"})
	h.Styles.FullDesc = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B0B0B0", Dark: "#808080"})
	h.Styles.FullSeparator = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#606060"})
	ti := textinput.New()
	ti.Placeholder = "Search..."
	ti.Prompt = "/"
	ti.CharLimit = 156
	ti.Width = 20

	return Model{
		activePane:  PaneExplorer,
		ctx:         ctx,
		engine:      e,
		state:       e.Snapshot(),
		keys:        NewKeyMap(),
		help:        h,
		searchInput: ti,
	}
}

// Init starts the engine and begins listening for its updates.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.act("start", m.engine.Start),
		m.waitForUpdates,
	)
}

// Update handles incoming messages and updates the model state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.searchMode {
			return m.updateSearch(msg)
		}

		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.Tab):
			if m.activePane == PaneExplorer {
				m.activePane = PaneOutput
			} else {
				m.activePane = PaneExplorer
			}
			return m, nil
		case key.Matches(msg, m.keys.SwitchTab):
			if m.activeTab == TabExplorer {
				m.activeTab = TabWatched
			} else {
				m.activeTab = TabExplorer
			}
			m.refreshOutput()
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.act("restart", m.engine.Restart)
		case key.Matches(msg, m.keys.ReRunLast):
			return m, m.act("re-run", m.engine.RerunLast)
		case key.Matches(msg, m.keys.RunChanged):
			return m, m.act("run changed", m.engine.RunChanged)
		case key.Matches(msg, m.keys.Cancel):
			return m, m.act("cancel", m.engine.Cancel)
		case key.Matches(msg, m.keys.Coverage):
			on := !m.state.Coverage
			return m, m.act("coverage", func(ctx context.Context) error {
				return m.engine.SetCoverage(ctx, on)
			})
		case key.Matches(msg, m.keys.WatchAll):
			if m.state.Watch == engine.WatchAll {
				return m, m.act("unwatch", m.engine.Unwatch)
			}
			return m, m.act("watch all", m.engine.WatchAll)
		}

		if m.activePane == PaneOutput {
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		return m.updateExplorer(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

		// Width: (Total / 2) - Border(2) - Padding(2) = Total/2 - 4
		paneWidth := (m.width / 2) - 4
		// Height: Total - Footer(2) - Border(2), plus a line of margin
		paneHeight := m.height - 5
		// Header takes 2 lines (Title + Empty line)
		viewportHeight := paneHeight - 2

		if !m.ready {
			m.viewport = viewport.New(paneWidth, viewportHeight)
			m.ready = true
		} else {
			m.viewport.Width = paneWidth
			m.viewport.Height = viewportHeight
		}
		m.refreshOutput()

	case UpdateMsg:
		m.refresh()
		return m, m.waitForUpdates

	case ActionMsg:
		if msg.Err != nil {
			m.message = fmt.Sprintf("%s: %v", msg.Action, msg.Err)
		} else {
			m.message = ""
		}
		return m, nil
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateExplorer(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.activeTab == TabWatched {
		switch {
		case key.Matches(msg, m.keys.Up):
			if m.watchedCursor > 0 {
				m.watchedCursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.watchedCursor < len(m.watched)-1 {
				m.watchedCursor++
			}
		case key.Matches(msg, m.keys.ToggleWatch):
			if node, ok := m.selected(); ok {
				return m, m.act("unwatch", func(ctx context.Context) error {
					return m.engine.ToggleWatch(ctx, node.Targets()...)
				})
			}
			return m, nil
		default:
			return m, m.nodeAction(msg)
		}
		m.refreshOutput()
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Search):
		m.searchMode = true
		m.searchFocus = true
		m.searchInput.Focus()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.flatNodes)-1 {
			m.cursor++
		}
	default:
		return m, m.nodeAction(msg)
	}
	m.refreshOutput()
	return m, nil
}

// nodeAction runs the action bound to msg on the selected row.
func (m Model) nodeAction(msg tea.KeyMsg) tea.Cmd {
	node, ok := m.selected()
	if !ok {
		return nil
	}
	ids := node.Targets()
	if len(ids) == 0 {
		return nil
	}

	switch {
	case key.Matches(msg, m.keys.Enter):
		return m.act("run", func(ctx context.Context) error { return m.engine.Run(ctx, ids) })
	case key.Matches(msg, m.keys.Collect):
		return m.act("collect", func(ctx context.Context) error { return m.engine.Collect(ctx, ids) })
	case key.Matches(msg, m.keys.UpdateSnapshots):
		return m.act("update snapshots", func(ctx context.Context) error { return m.engine.UpdateSnapshots(ctx, ids) })
	case key.Matches(msg, m.keys.Debug):
		return m.act("debug", func(ctx context.Context) error { return m.engine.Debug(ctx, ids) })
	case key.Matches(msg, m.keys.ToggleWatch):
		return m.act("watch", func(ctx context.Context) error { return m.engine.ToggleWatch(ctx, ids...) })
	}
	return nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searchFocus {
		// Typing Mode
		switch {
		case key.Matches(msg, m.keys.ExitSearch):
			m.exitSearch()
			return m, nil
		case key.Matches(msg, m.keys.Enter):
			// Switch to Navigation Mode
			m.searchFocus = false
			m.searchInput.Blur()
			if len(m.searchMatches) > 0 {
				m.currentMatchIndex = 0
				m.cursor = m.searchMatches[0]
				m.refreshOutput()
			}
			return m, nil
		default:
			var cmd tea.Cmd
			m.searchInput, cmd = m.searchInput.Update(msg)
			m.updateMatches()
			return m, cmd
		}
	}

	// Navigation Mode
	switch {
	case key.Matches(msg, m.keys.ExitSearch):
		m.exitSearch()
	case key.Matches(msg, m.keys.Search):
		m.searchFocus = true
		m.searchInput.Focus()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.NextMatch):
		if len(m.searchMatches) > 0 {
			m.currentMatchIndex = (m.currentMatchIndex + 1) % len(m.searchMatches)
			m.cursor = m.searchMatches[m.currentMatchIndex]
		}
	case key.Matches(msg, m.keys.PrevMatch):
		if len(m.searchMatches) > 0 {
			m.currentMatchIndex = (m.currentMatchIndex - 1 + len(m.searchMatches)) % len(m.searchMatches)
			m.cursor = m.searchMatches[m.currentMatchIndex]
		}
	case key.Matches(msg, m.keys.Enter):
		m.exitSearch()
		return m, m.nodeAction(msg)
	}
	m.refreshOutput()
	return m, nil
}

func (m *Model) exitSearch() {
	m.searchMode = false
	m.searchFocus = false
	m.searchInput.Blur()
	m.searchInput.Reset()
	m.searchMatches = nil
}

func (m *Model) updateMatches() {
	m.searchMatches = []int{}
	query := strings.ToLower(m.searchInput.Value())
	if query == "" {
		return
	}
	for i, node := range m.flatNodes {
		if strings.Contains(strings.ToLower(node.DisplayName), query) {
			m.searchMatches = append(m.searchMatches, i)
		}
	}
}

// selected returns the row under the cursor of the active tab.
func (m Model) selected() (DisplayNode, bool) {
	if m.activeTab == TabWatched {
		if m.watchedCursor < len(m.watched) {
			return m.watched[m.watchedCursor], true
		}
		return DisplayNode{}, false
	}
	if m.cursor < len(m.flatNodes) {
		return m.flatNodes[m.cursor], true
	}
	return DisplayNode{}, false
}

// refresh reloads the tree and the state from the engine.
func (m *Model) refresh() {
	m.state = m.engine.Snapshot()
	m.flatNodes = flattenNodes(m.engine.Tree().Files())
	if m.cursor >= len(m.flatNodes) {
		m.cursor = max(len(m.flatNodes)-1, 0)
	}

	m.watched = nil
	for _, id := range m.state.WatchedIDs() {
		n, ok := m.engine.Tree().Node(id)
		if !ok {
			continue
		}
		row := DisplayNode{Node: n, DisplayName: n.Name}
		if spec, ok := m.engine.Tree().FileOf(id); ok {
			if f, ok := m.engine.Tree().File(spec.Project, spec.File); ok {
				row.FileID = f.ID
			}
		}
		m.watched = append(m.watched, row)
	}
	if m.watchedCursor >= len(m.watched) {
		m.watchedCursor = max(len(m.watched)-1, 0)
	}
	if m.searchMode {
		m.updateMatches()
	}
	m.refreshOutput()
}

func (m *Model) refreshOutput() {
	if !m.ready {
		return
	}
	node, _ := m.selected()
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.wrapOutput(m.viewport.Width, renderOutput(node, m.state)))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) wrapOutput(width int, content string) string {
	if width <= 0 {
		return content
	}
	return lipgloss.NewStyle().Width(width).Render(content)
}

// View renders the UI based on the current state.
func (m Model) View() string {
	if m.showHelp {
		return m.renderHelp()
	}

	if m.width == 0 {
		return "Loading..."
	}

	paneWidth := (m.width / 2) - 2
	paneHeight := m.height - 5

	explorerRender := m.renderExplorer(paneWidth, paneHeight)

	var outputView strings.Builder
	outputView.WriteString(titleStyle.Render("OUTPUT") + "\n\n")
	if !m.ready {
		outputView.WriteString("Initializing...")
	} else {
		outputView.WriteString(m.viewport.View())
	}

	outputStyle := paneStyle
	if m.activePane == PaneOutput {
		outputStyle = activePaneStyle
	}
	outputRender := outputStyle.
		Width(paneWidth).
		Height(paneHeight).
		Render(outputView.String())

	panes := lipgloss.JoinHorizontal(lipgloss.Top, explorerRender, outputRender)
	return lipgloss.JoinVertical(lipgloss.Left, panes, m.renderFooter())
}

// Commands

func (m Model) waitForUpdates() tea.Msg {
	<-m.engine.Updates()
	return UpdateMsg{}
}

// act runs fn off the update loop. Its outcome comes back as an ActionMsg;
// its effects arrive as engine updates.
func (m Model) act(name string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return ActionMsg{Action: name, Err: fn(ctx)}
	}
}
