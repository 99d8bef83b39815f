package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"go.uber.org/zap"
)

const inputHeight = 3

// line is one rendered message of the open conversation.
type line struct {
	role string
	text string
	err  string
}

// turnView tracks a running turn. The first text event of a turn is always the
// echo of the user's message.
type turnView struct {
	echoed        bool
	awaitingFirst bool
}

type (
	conversationsMsg struct {
		convs    []chat.Conversation
		selectID uint64
	}
	historyMsg struct {
		convID uint64
		msgs   []chat.Message
	}
	turnEventMsg struct {
		convID uint64
		ev     chat.Event
		next   tea.Cmd
	}
	turnDoneMsg struct {
		convID uint64
		res    *chat.TurnResult
		err    error
	}
	newConversationMsg struct {
		conv    *chat.Conversation
		content string
	}
	warmUpMsg struct{ err error }
	statusMsg string
	errMsg    struct{ err error }
)

// Model is the terminal client: conversation sidebar, chat pane, input box.
type Model struct {
	ctx   context.Context
	coord *chat.Coordinator
	svc   *chat.Service
	log   *zap.Logger
	keys  keyMap

	width, height int

	convs  []chat.Conversation
	convID uint64 // 0 is an unsaved new chat
	lines  []line
	turns  map[uint64]*turnView

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	readiness chat.ReadinessState
	status    string
}

func New(ctx context.Context, coord *chat.Coordinator, log *zap.Logger) *Model {
	if log == nil {
		log = zap.NewNop()
	}

	ta := textarea.New()
	ta.Placeholder = "Send a message…"
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.CharLimit = 0
	// Enter is ours; Alt+Enter inserts newlines by hand
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		ctx:       ctx,
		coord:     coord,
		svc:       coord.Service(),
		log:       log,
		keys:      defaultKeyMap(),
		turns:     make(map[uint64]*turnView),
		viewport:  viewport.New(80, 20),
		input:     ta,
		spinner:   sp,
		readiness: chat.ReadinessCold,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.loadConversations(0),
		m.warmUp(),
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case warmUpMsg:
		m.readiness, _ = m.coord.Readiness()
		if msg.err != nil {
			m.status = "model not ready: " + msg.err.Error()
		}

	case conversationsMsg:
		m.convs = msg.convs
		if msg.selectID != 0 && msg.selectID != m.convID {
			m.convID = msg.selectID
			cmds = append(cmds, m.loadHistory(msg.selectID))
		} else if m.convID == 0 && len(m.convs) > 0 {
			m.convID = m.convs[0].ID
			cmds = append(cmds, m.loadHistory(m.convID))
		}

	case historyMsg:
		if msg.convID == m.convID {
			m.lines = m.lines[:0]
			for _, cm := range msg.msgs {
				m.lines = append(m.lines, line{role: cm.Role, text: cm.Content})
			}
			m.refresh(true)
		}

	case newConversationMsg:
		m.convID = msg.conv.ID
		m.lines = m.lines[:0]
		return m, tea.Batch(m.startTurn(msg.content), m.loadConversations(0))

	case turnEventMsg:
		m.applyEvent(msg.convID, msg.ev)
		return m, msg.next

	case turnDoneMsg:
		cmds = append(cmds, m.finishTurn(msg))

	case statusMsg:
		m.status = string(msg)

	case errMsg:
		m.status = msg.err.Error()
		m.log.Warn("tui action failed", zap.Error(msg.err))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit, true

	case key.Matches(msg, m.keys.Newline):
		m.input.InsertString("\n")
		return nil, true

	case key.Matches(msg, m.keys.Send):
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return nil, true
		}
		m.input.Reset()
		if strings.HasPrefix(text, "/") {
			return m.runCommand(text), true
		}
		if m.convID == 0 {
			return m.sendNew(text), true
		}
		return m.startTurn(text), true

	case key.Matches(msg, m.keys.Cancel):
		if m.coord.Cancel(m.convID) {
			m.status = "stopping reply…"
		}
		return nil, true

	case key.Matches(msg, m.keys.NewChat):
		return m.newChat(""), true

	case key.Matches(msg, m.keys.PrevConv):
		return m.step(-1), true

	case key.Matches(msg, m.keys.NextConv):
		return m.step(1), true

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return nil, true

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return nil, true
	}
	return nil, false
}

// startTurn runs the coordinator on its own goroutine and feeds its sink events
// back into the update loop one at a time.
func (m *Model) startTurn(content string) tea.Cmd {
	convID := m.convID
	if _, busy := m.turns[convID]; busy {
		m.status = chat.ErrTurnInFlight.Error()
		return nil
	}
	m.turns[convID] = &turnView{}
	m.status = ""

	sink := chat.NewChannelSink(32, m.ctx.Done())
	done := make(chan turnDoneMsg, 1)
	go func() {
		res, err := m.coord.Send(m.ctx, convID, content, sink)
		sink.Close()
		done <- turnDoneMsg{convID: convID, res: res, err: err}
	}()
	return tea.Batch(m.spinner.Tick, waitTurn(convID, sink, done))
}

// sendNew saves the conversation first so the turn can be cancelled by id.
func (m *Model) sendNew(content string) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		conv, err := svc.CreateConversation(ctx, chat.TitleFrom(content))
		if err != nil {
			return errMsg{err}
		}
		return newConversationMsg{conv: conv, content: content}
	}
}

func waitTurn(convID uint64, sink *chat.ChannelSink, done <-chan turnDoneMsg) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sink.Events()
		if !ok {
			return <-done
		}
		return turnEventMsg{convID: convID, ev: ev, next: waitTurn(convID, sink, done)}
	}
}

func (m *Model) applyEvent(convID uint64, ev chat.Event) {
	tv := m.turns[convID]
	if tv == nil {
		return
	}
	role := chat.RoleAssistant
	if ev.Kind == chat.EventText {
		if !tv.echoed {
			tv.echoed = true
			tv.awaitingFirst = true
			role = chat.RoleUser
		} else {
			tv.awaitingFirst = false
		}
	} else {
		tv.awaitingFirst = false
	}

	if convID != m.convID {
		return
	}
	for len(m.lines) <= ev.Turn {
		m.lines = append(m.lines, line{role: chat.RoleAssistant})
	}
	l := &m.lines[ev.Turn]
	if ev.Kind == chat.EventError {
		// partial text is never saved, so the annotation replaces it
		l.text = ""
		l.err = ev.Text
	} else {
		l.role = role
		l.text = ev.Text
	}
	m.refresh(true)
}

func (m *Model) finishTurn(msg turnDoneMsg) tea.Cmd {
	delete(m.turns, msg.convID)
	if msg.err != nil {
		m.log.Info("turn ended with error", zap.Uint64("conversation_id", msg.convID), zap.Error(msg.err))
		switch {
		case errors.Is(msg.err, chat.ErrTurnInFlight), errors.Is(msg.err, chat.ErrEmptyMessage):
			m.status = msg.err.Error()
		case errors.Is(msg.err, context.Canceled):
			m.status = "reply stopped"
		default:
			m.status = "reply failed"
		}
	}
	m.refresh(false)
	return m.loadConversations(0)
}

func (m *Model) step(delta int) tea.Cmd {
	if len(m.convs) == 0 {
		return nil
	}
	idx := 0
	for i, c := range m.convs {
		if c.ID == m.convID {
			idx = i + delta
			break
		}
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.convs) {
		idx = len(m.convs) - 1
	}
	m.convID = m.convs[idx].ID
	m.lines = m.lines[:0]
	m.refresh(true)
	return m.loadHistory(m.convID)
}

func (m *Model) newChat(title string) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		conv, err := svc.CreateConversation(ctx, title)
		if err != nil {
			return errMsg{err}
		}
		convs, err := svc.ListConversations(ctx)
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs: convs, selectID: conv.ID}
	}
}

func (m *Model) loadConversations(selectID uint64) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		convs, err := svc.ListConversations(ctx)
		if err != nil {
			return errMsg{err}
		}
		return conversationsMsg{convs: convs, selectID: selectID}
	}
}

func (m *Model) loadHistory(convID uint64) tea.Cmd {
	ctx, svc := m.ctx, m.svc
	return func() tea.Msg {
		msgs, err := svc.ListMessages(ctx, convID)
		if err != nil {
			return errMsg{err}
		}
		return historyMsg{convID: convID, msgs: msgs}
	}
}

func (m *Model) warmUp() tea.Cmd {
	ctx, coord := m.ctx, m.coord
	m.readiness = chat.ReadinessWarming
	return func() tea.Msg {
		return warmUpMsg{err: coord.WarmUp(ctx)}
	}
}

func (m *Model) busy() bool {
	if m.readiness == chat.ReadinessWarming {
		return true
	}
	tv, ok := m.turns[m.convID]
	return ok && tv != nil && (tv.awaitingFirst || !tv.echoed)
}

func (m *Model) title() string {
	for _, c := range m.convs {
		if c.ID == m.convID {
			return c.Title
		}
	}
	return chat.DefaultTitle
}

func (m *Model) layout() {
	chatWidth := m.width - sidebarWidth - 3
	if chatWidth < 20 {
		chatWidth = 20
	}
	m.input.SetWidth(chatWidth)
	// header, input, status, and their spacing
	vh := m.height - inputHeight - 4
	if vh < 3 {
		vh = 3
	}
	m.viewport.Width = chatWidth
	m.viewport.Height = vh
	m.refresh(false)
}

func (m *Model) refresh(bottom bool) {
	m.viewport.SetContent(renderLines(m.lines, m.viewport.Width))
	if bottom {
		m.viewport.GotoBottom()
	}
}
