package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/suPer8Hu/llamachat/internal/chat"
)

func (m *Model) View() string {
	if m.width == 0 {
		return "loading…"
	}

	sidebar := sidebarStyle.Height(m.height - 2).Render(m.renderSidebar())

	header := headerStyle.Render(m.title()) + "  " + m.renderReadiness()
	pane := lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
	)

	status := m.status
	if status == "" {
		status = m.keys.helpLine()
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", pane)
	return lipgloss.JoinVertical(lipgloss.Left, body, statusStyle.Render(truncate(status, m.width-2)))
}

func (m *Model) renderSidebar() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Chats"))
	b.WriteString("\n")
	if len(m.convs) == 0 {
		b.WriteString(statusStyle.Render("ctrl+n for a new chat"))
		return b.String()
	}
	for _, c := range m.convs {
		title := truncate(c.Title, sidebarWidth-4)
		if _, running := m.turns[c.ID]; running {
			title += " •"
		}
		if c.ID == m.convID {
			b.WriteString(sidebarSelectedStyle.Render("▸ " + title))
		} else {
			b.WriteString(sidebarItemStyle.Render("  " + title))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderReadiness() string {
	switch {
	case m.busy():
		return m.spinner.View()
	case m.readiness == chat.ReadinessDegraded:
		return errorStyle.Render("model unavailable")
	case m.readiness == chat.ReadinessReady:
		return statusStyle.Render("ready")
	}
	return ""
}

func renderLines(lines []line, width int) string {
	if width <= 0 {
		width = 80
	}
	body := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if l.role == chat.RoleUser {
			b.WriteString(userLabelStyle.Render("You"))
		} else {
			b.WriteString(assistantLabelStyle.Render("Assistant"))
		}
		b.WriteString("\n")
		if l.text != "" {
			b.WriteString(body.Render(l.text))
		}
		if l.err != "" {
			if l.text != "" {
				b.WriteString("\n")
			}
			b.WriteString(errorStyle.Width(width).Render(l.err))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 1 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
