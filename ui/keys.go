package ui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keybindings for the application.
type KeyMap struct {
	Up              key.Binding
	Down            key.Binding
	Enter           key.Binding
	Collect         key.Binding
	ToggleWatch     key.Binding
	WatchAll        key.Binding
	UpdateSnapshots key.Binding
	Coverage        key.Binding
	Cancel          key.Binding
	Debug           key.Binding
	ReRunLast       key.Binding
	RunChanged      key.Binding
	Tab             key.Binding
	SwitchTab       key.Binding
	Refresh         key.Binding
	Search          key.Binding
	ExitSearch      key.Binding
	NextMatch       key.Binding
	PrevMatch       key.Binding
	Help            key.Binding
	Quit            key.Binding
}

// NewKeyMap returns a set of default keybindings.
func NewKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "move down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "run"),
		),
		Collect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "collect"),
		),
		ToggleWatch: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "toggle watch"),
		),
		WatchAll: key.NewBinding(
			key.WithKeys("W"),
			key.WithHelp("W", "watch all / stop"),
		),
		UpdateSnapshots: key.NewBinding(
			key.WithKeys("u"),
			key.WithHelp("u", "update snapshots"),
		),
		Coverage: key.NewBinding(
			key.WithKeys("C"),
			key.WithHelp("C", "toggle coverage"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "cancel run"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "debug"),
		),
		ReRunLast: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "re-run last"),
		),
		RunChanged: key.NewBinding(
			key.WithKeys("g"),
			key.WithHelp("g", "run changed"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch pane"),
		),
		SwitchTab: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "explorer / watched"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "restart worker"),
		),
		Search: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "search"),
		),
		ExitSearch: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "exit search"),
		),
		NextMatch: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "next match"),
		),
		PrevMatch: key.NewBinding(
			key.WithKeys("N"),
			key.WithHelp("N", "previous match"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings to be shown in the mini-help view. It's part of the help.KeyMap interface.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Enter, k.ToggleWatch, k.Cancel, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view. It's part of the help.KeyMap interface.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Tab, k.SwitchTab, k.Search, k.NextMatch, k.PrevMatch},
		{k.Enter, k.Collect, k.UpdateSnapshots, k.Debug, k.ReRunLast, k.RunChanged},
		{k.ToggleWatch, k.WatchAll, k.Coverage, k.Cancel, k.Refresh, k.Help, k.Quit},
	}
}
