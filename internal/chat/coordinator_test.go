package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/llamachat/internal/ai"
)

// attempt is one scripted StreamChat call: fragments, then err.
type attempt struct {
	fragments []string
	err       error
	// block waits for ctx or release before finishing
	block bool
}

type scriptedProvider struct {
	mu       sync.Mutex
	attempts []attempt
	calls    int
	last     []ai.Message
	lastOpts ai.Options
	release  chan struct{}
}

func newScripted(attempts ...attempt) *scriptedProvider {
	return &scriptedProvider{attempts: attempts, release: make(chan struct{})}
}

func (p *scriptedProvider) next(messages []ai.Message, opts ai.Options) attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = append([]ai.Message(nil), messages...)
	p.lastOpts = opts
	a := attempt{fragments: []string{"ok"}}
	if p.calls < len(p.attempts) {
		a = p.attempts[p.calls]
	}
	p.calls++
	return a
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message, opts ai.Options) (string, error) {
	a := p.next(messages, opts)
	if a.err != nil {
		return "", a.err
	}
	out := ""
	for _, f := range a.fragments {
		out += f
	}
	return out, nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message, opts ai.Options) (<-chan string, <-chan error) {
	a := p.next(messages, opts)
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, f := range a.fragments {
			select {
			case chunks <- f:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if a.block {
			select {
			case <-p.release:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if a.err != nil {
			errs <- a.err
		}
	}()
	return chunks, errs
}

// chatOnly hides StreamChat.
type chatOnly struct{ p *scriptedProvider }

func (c chatOnly) Chat(ctx context.Context, m []ai.Message, o ai.Options) (string, error) {
	return c.p.Chat(ctx, m, o)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(turn int, text string) {
	s.mu.Lock()
	s.events = append(s.events, Event{Kind: EventText, Turn: turn, Text: text})
	s.mu.Unlock()
}

func (s *recordingSink) PublishError(turn int, msg string) {
	s.mu.Lock()
	s.events = append(s.events, Event{Kind: EventError, Turn: turn, Text: msg})
	s.mu.Unlock()
}

func (s *recordingSink) of(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, p ai.Provider, cfg CoordinatorConfig) (*Coordinator, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return p, nil
	})
	cfg.Provider = "fake"
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	c := NewCoordinator(svc, reg, nil, cfg, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c, svc
}

func genFailure(msg string) error {
	return &ai.GenerationError{Provider: "fake", Err: errors.New(msg)}
}

func TestSend_StreamsAndPersists(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"Hel", "lo!"}})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := c.Send(ctx, conv.ID, "hi", sink)
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, res.State)
	assert.Equal(t, "Hello!", res.Text)
	require.NotNil(t, res.UserMessage)
	require.NotNil(t, res.Reply)

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello!", msgs[1].Content)

	texts := sink.of(EventText)
	require.NotEmpty(t, texts)
	assert.Equal(t, Event{Kind: EventText, Turn: 0, Text: "hi"}, texts[0])
	assert.Equal(t, Event{Kind: EventText, Turn: 1, Text: "Hello!"}, texts[len(texts)-1])
	assert.Empty(t, sink.of(EventError))

	// provider got the stored history and the configured settings
	require.Len(t, p.last, 1)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "hi"}, p.last[0])
	assert.InDelta(t, 0.7, p.lastOpts.Temperature, 1e-9)
	assert.Equal(t, 2000, p.lastOpts.MaxTokens)

	_, active := c.Active(conv.ID)
	assert.False(t, active)
}

func TestSend_PublishesOnlyGrowingPrefixes(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"a", "b", "c", "d", "e"}})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{BatchSize: 2, MinInterval: time.Hour})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	_, err = c.Send(ctx, conv.ID, "go", sink)
	require.NoError(t, err)

	var replies []string
	for _, e := range sink.of(EventText) {
		if e.Turn == 1 {
			replies = append(replies, e.Text)
		}
	}
	// first fragment immediately, every second fragment after, then the final text
	assert.Equal(t, []string{"a", "abc", "abcde", "abcde"}, replies)
}

func TestSend_NewConversationTitledFromMessage(t *testing.T) {
	p := newScripted()
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{})
	ctx := context.Background()

	res, err := c.Send(ctx, 0, "  What is the tallest mountain on Earth and how tall is it?\nthanks", nil)
	require.NoError(t, err)
	require.NotZero(t, res.ConversationID)

	conv, found, err := svc.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "What is the tallest mountain on Earth an…", conv.Title)
}

func TestSend_EmptyMessage(t *testing.T) {
	c, _ := newTestCoordinator(t, newScripted(), CoordinatorConfig{})

	_, err := c.Send(context.Background(), 1, " \n ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_UnknownConversation(t *testing.T) {
	c, _ := newTestCoordinator(t, newScripted(), CoordinatorConfig{})

	_, err := c.Send(context.Background(), 404, "hi", nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSend_ErrorBeforeFirstFragment(t *testing.T) {
	p := newScripted(attempt{err: genFailure("connection refused")})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{MaxRetries: 0})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := c.Send(ctx, conv.ID, "hi", sink)
	require.Error(t, err)
	var ge *ai.GenerationError
	assert.True(t, errors.As(err, &ge))
	assert.Equal(t, TurnFailed, res.State)

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)

	errs := sink.of(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Turn)
	assert.Contains(t, errs[0].Text, "⚠ Error")
}

func TestSend_ErrorMidStreamIsNotRetried(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"par"}, err: genFailure("stream broke")})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{MaxRetries: 3})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := c.Send(ctx, conv.ID, "hi", sink)
	require.Error(t, err)
	assert.Equal(t, TurnFailed, res.State)
	assert.Equal(t, 1, p.Calls())

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	texts := sink.of(EventText)
	assert.Equal(t, "par", texts[len(texts)-1].Text)
	assert.Len(t, sink.of(EventError), 1)
}

func TestSend_RetriesBeforeFirstFragment(t *testing.T) {
	p := newScripted(
		attempt{err: genFailure("loading model")},
		attempt{err: genFailure("loading model")},
		attempt{fragments: []string{"ready"}},
	)
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{MaxRetries: 3, RetryBaseDelay: 100 * time.Millisecond})
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := c.Send(ctx, conv.ID, "hi", sink)
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Text)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	assert.Empty(t, sink.of(EventError))
}

func TestSend_RetriesExhausted(t *testing.T) {
	p := newScripted(
		attempt{err: genFailure("down")},
		attempt{err: genFailure("down")},
		attempt{err: genFailure("down")},
	)
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{MaxRetries: 2})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	sink := &recordingSink{}
	_, err = c.Send(ctx, conv.ID, "hi", sink)
	require.Error(t, err)
	assert.Equal(t, 3, p.Calls())
	assert.Len(t, sink.of(EventError), 1)
}

func TestSend_UsesContextWindow(t *testing.T) {
	p := newScripted()
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{ContextWindow: 3})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_, err := svc.AppendMessage(ctx, conv.ID, "seed", role)
		require.NoError(t, err)
	}

	_, err = c.Send(ctx, conv.ID, "new", nil)
	require.NoError(t, err)

	require.Len(t, p.last, 3)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "new"}, p.last[2])
}

func TestSend_NonStreamingProvider(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"whole ", "reply"}})
	c, svc := newTestCoordinator(t, chatOnly{p}, CoordinatorConfig{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	res, err := c.Send(ctx, conv.ID, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "whole reply", res.Text)
}

func TestSend_RejectsSecondTurn(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"thinking"}, block: true})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{Policy: PolicyReject})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Send(ctx, conv.ID, "first", nil)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		turn, ok := c.Active(conv.ID)
		return ok && turn.State() == TurnStreaming
	}, time.Second, 5*time.Millisecond)

	_, err = c.Send(ctx, conv.ID, "second", nil)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	assert.True(t, c.Cancel(conv.ID))
	out := <-done
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, TurnFailed, out.res.State)

	// the rejected message was never stored and the partial reply was dropped
	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)

	assert.False(t, c.Cancel(conv.ID))
}

func TestSend_QueuesSecondTurn(t *testing.T) {
	p := newScripted(
		attempt{fragments: []string{"one"}, block: true},
		attempt{fragments: []string{"two"}},
	)
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{Policy: PolicyQueue})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Send(ctx, conv.ID, "first", nil)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { _, ok := c.Active(conv.ID); return ok }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Send(ctx, conv.ID, "second", nil)
		assert.NoError(t, err)
	}()

	close(p.release)
	wg.Wait()

	msgs, err := svc.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	got := []string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content}
	assert.Equal(t, []string{"first", "one", "second", "two"}, got)
}

func TestContinue_RepliesToStoredMessage(t *testing.T) {
	p := newScripted(attempt{fragments: []string{"later"}})
	c, svc := newTestCoordinator(t, p, CoordinatorConfig{})
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, "queued question", RoleUser)
	require.NoError(t, err)

	sink := &recordingSink{}
	res, err := c.Continue(ctx, conv.ID, sink)
	require.NoError(t, err)
	assert.Equal(t, "later", res.Text)
	assert.Nil(t, res.UserMessage)

	texts := sink.of(EventText)
	require.NotEmpty(t, texts)
	assert.Equal(t, 1, texts[0].Turn)

	_, err = c.Continue(ctx, conv.ID+1, nil)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestWarmUp_Ready(t *testing.T) {
	ok := newScripted(attempt{fragments: []string{"hello"}})
	c, _ := newTestCoordinator(t, ok, CoordinatorConfig{})

	state, _ := c.Readiness()
	assert.Equal(t, ReadinessCold, state)

	require.NoError(t, c.WarmUp(context.Background()))
	state, _ = c.Readiness()
	assert.Equal(t, ReadinessReady, state)
	assert.Equal(t, 1, ok.lastOpts.MaxTokens)
	assert.Equal(t, "hi", ok.last[0].Content)
}

func TestWarmUp_Degraded(t *testing.T) {
	bad := newScripted(attempt{err: genFailure("no model")})
	c, _ := newTestCoordinator(t, bad, CoordinatorConfig{})
	require.Error(t, c.WarmUp(context.Background()))
	state, reason := c.Readiness()
	assert.Equal(t, ReadinessDegraded, state)
	assert.Contains(t, reason, "no model")
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "short", TitleFrom("short"))
	assert.Equal(t, "line one", TitleFrom("line one\nline two"))
}
