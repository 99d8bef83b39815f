package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TurnState int

const (
	TurnIdle TurnState = iota
	TurnAwaitingFirstFragment
	TurnStreaming
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAwaitingFirstFragment:
		return "awaiting_first_fragment"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	}
	return fmt.Sprintf("TurnState(%d)", int(s))
}

func (s TurnState) Terminal() bool { return s == TurnCompleted || s == TurnFailed }

var turnTransitions = map[TurnState][]TurnState{
	TurnIdle:                  {TurnAwaitingFirstFragment, TurnFailed},
	TurnAwaitingFirstFragment: {TurnStreaming, TurnCompleted, TurnFailed},
	TurnStreaming:             {TurnCompleted, TurnFailed},
}

// Turn is one in-flight generation. A new turn always starts Idle; Completed and
// Failed are terminal.
type Turn struct {
	ConversationID uint64
	Index          int

	mu        sync.Mutex
	state     TurnState
	buf       strings.Builder
	fragments int
	cancel    context.CancelFunc
}

func newTurn(conversationID uint64, index int, cancel context.CancelFunc) *Turn {
	return &Turn{ConversationID: conversationID, Index: index, cancel: cancel}
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Text is the buffer accumulated so far.
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *Turn) Fragments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fragments
}

func (t *Turn) transition(to TurnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitionLocked(to)
}

func (t *Turn) transitionLocked(to TurnState) {
	for _, ok := range turnTransitions[t.state] {
		if ok == to {
			t.state = to
			return
		}
	}
	panic(fmt.Sprintf("chat: illegal turn transition %s -> %s", t.state, to))
}

// append adds a fragment and returns the full buffer.
func (t *Turn) append(fragment string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TurnAwaitingFirstFragment {
		t.transitionLocked(TurnStreaming)
	}
	t.buf.WriteString(fragment)
	t.fragments++
	return t.buf.String()
}
