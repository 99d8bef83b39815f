package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Send     key.Binding
	Newline  key.Binding
	Cancel   key.Binding
	Quit     key.Binding
	NewChat  key.Binding
	PrevConv key.Binding
	NextConv key.Binding
	PageUp   key.Binding
	PageDown key.Binding
}

// Terminals cannot tell Ctrl+Enter from Enter, so Enter sends and Alt+Enter breaks
// the line.
func defaultKeyMap() keyMap {
	return keyMap{
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Newline: key.NewBinding(
			key.WithKeys("alt+enter"),
			key.WithHelp("alt+enter", "newline"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "stop reply"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
		NewChat: key.NewBinding(
			key.WithKeys("ctrl+n"),
			key.WithHelp("ctrl+n", "new chat"),
		),
		PrevConv: key.NewBinding(
			key.WithKeys("alt+up", "ctrl+p"),
			key.WithHelp("alt+↑", "previous chat"),
		),
		NextConv: key.NewBinding(
			key.WithKeys("alt+down", "ctrl+o"),
			key.WithHelp("alt+↓", "next chat"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "scroll up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "scroll down"),
		),
	}
}

func (k keyMap) helpLine() string {
	out := ""
	for i, b := range []key.Binding{k.Send, k.Newline, k.Cancel, k.NewChat, k.PrevConv, k.NextConv, k.Quit} {
		if i > 0 {
			out += "  "
		}
		out += b.Help().Key + " " + b.Help().Desc
	}
	return out
}
