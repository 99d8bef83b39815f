package tui

import "github.com/charmbracelet/lipgloss"

const sidebarWidth = 28

var (
	accent  = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"}
	muted   = lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"}
	danger  = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#FF6B6B"}
	success = lipgloss.AdaptiveColor{Light: "#1E8449", Dark: "#58D68D"}

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Padding(0, 1).
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			BorderForeground(muted)

	sidebarItemStyle     = lipgloss.NewStyle()
	sidebarSelectedStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	userLabelStyle      = lipgloss.NewStyle().Foreground(accent).Bold(true)
	assistantLabelStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	errorStyle          = lipgloss.NewStyle().Foreground(danger)
	statusStyle         = lipgloss.NewStyle().Foreground(muted).Padding(0, 1)
)
