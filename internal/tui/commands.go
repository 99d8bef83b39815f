package tui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/suPer8Hu/llamachat/internal/chat"
)

const commandHelp = "/new [title]  /title <title>  /delete  /model <name>  /temp <0-2>  /tokens <n>  /help"

// runCommand handles slash commands typed into the input box.
func (m *Model) runCommand(input string) tea.Cmd {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "new":
		return m.newChat(arg)

	case "title":
		if m.convID == 0 {
			m.status = "no conversation selected"
			return nil
		}
		return m.rename(m.convID, arg)

	case "delete":
		if m.convID == 0 {
			m.status = "no conversation selected"
			return nil
		}
		return m.deleteConversation(m.convID)

	case "model":
		if arg == "" {
			m.status = "usage: /model <name>"
			return nil
		}
		return m.updateSettings(chat.SettingsPatch{ModelName: &arg})

	case "temp":
		t, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			m.status = "usage: /temp <0-2>"
			return nil
		}
		return m.updateSettings(chat.SettingsPatch{Temperature: &t})

	case "tokens":
		n, err := strconv.Atoi(arg)
		if err != nil {
			m.status = "usage: /tokens <n>"
			return nil
		}
		return m.updateSettings(chat.SettingsPatch{MaxTokens: &n})

	case "help":
		m.status = commandHelp
		return nil
	}
	m.status = fmt.Sprintf("unknown command /%s; %s", name, commandHelp)
	return nil
}

func (m *Model) rename(id uint64, title string) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		if _, err := svc.RenameConversation(ctx, id, title); err != nil {
			return errMsg{err}
		}
		convs, err := svc.ListConversations(ctx)
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs: convs}
	}
}

func (m *Model) deleteConversation(id uint64) tea.Cmd {
	m.coord.Cancel(id)
	m.convID = 0
	m.lines = m.lines[:0]
	m.refresh(false)

	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		if _, err := svc.DeleteConversation(ctx, id); err != nil {
			return errMsg{err}
		}
		convs, err := svc.ListConversations(ctx)
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs: convs}
	}
}

func (m *Model) updateSettings(p chat.SettingsPatch) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		st, err := svc.UpdateSettings(ctx, p)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(fmt.Sprintf("model %s · temperature %.2g · max tokens %d", st.ModelName, st.Temperature, st.MaxTokens))
	}
}
