package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/llamachat/internal/ai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"

	warmUpPrompt = "hi"
	maxTitleLen  = 40
	maxBackoff   = 8 * time.Second
)

type CoordinatorConfig struct {
	// Provider is the registry name used for every turn.
	Provider      string
	ContextWindow int

	// MaxRetries applies only before the first fragment arrives.
	MaxRetries     int
	RetryBaseDelay time.Duration

	// Redraw throttling: publish every BatchSize fragments or once MinInterval has
	// passed, whichever comes first. The final text is always published.
	BatchSize   int
	MinInterval time.Duration

	// Policy for a turn on a busy conversation: PolicyReject or PolicyQueue.
	Policy string
}

type TurnResult struct {
	ConversationID uint64
	UserMessage    *Message
	Reply          *Message
	State          TurnState
	Text           string
}

// Coordinator runs conversation turns: persist the user message, stream a reply from
// the generation provider into a Sink, then persist the reply.
type Coordinator struct {
	svc       *Service
	registry  *ai.Registry
	locker    Locker
	cfg       CoordinatorConfig
	log       *zap.Logger
	readiness Readiness

	mu       sync.Mutex
	inflight map[uint64]*Turn

	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(svc *Service, registry *ai.Registry, locker Locker, cfg CoordinatorConfig, log *zap.Logger) *Coordinator {
	if cfg.Provider == "" {
		cfg.Provider = "ollama"
	}
	if cfg.ContextWindow <= 0 || cfg.ContextWindow > 100 {
		cfg.ContextWindow = 20
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		svc:      svc,
		registry: registry,
		locker:   locker,
		cfg:      cfg,
		log:      log,
		inflight: make(map[uint64]*Turn),
		sleep:    sleepCtx,
	}
}

func (c *Coordinator) Service() *Service { return c.svc }

func (c *Coordinator) Readiness() (ReadinessState, string) { return c.readiness.Get() }

// Send stores content as a user message and generates the reply. A zero
// conversationID starts a new conversation titled after the message.
func (c *Coordinator) Send(ctx context.Context, conversationID uint64, content string, sink Sink) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if sink == nil {
		sink = Discard
	}

	if conversationID == 0 {
		conv, err := c.svc.CreateConversation(ctx, TitleFrom(content))
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
	}

	unlock, err := c.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	userMsg, err := c.svc.AppendMessage(ctx, conversationID, content, RoleUser)
	if err != nil {
		return nil, err
	}
	n, err := c.svc.repo.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, persistErr("count messages", err)
	}
	// the user message is stored and shown before generation starts
	sink.Publish(int(n)-1, content)

	res, err := c.run(ctx, conversationID, int(n), sink)
	if res != nil {
		res.UserMessage = userMsg
	}
	return res, err
}

// Continue generates a reply for a conversation whose latest user message is
// already stored.
func (c *Coordinator) Continue(ctx context.Context, conversationID uint64, sink Sink) (*TurnResult, error) {
	if sink == nil {
		sink = Discard
	}
	if _, found, err := c.svc.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	} else if !found {
		return nil, ErrConversationNotFound
	}

	unlock, err := c.acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err := c.svc.repo.CountMessages(ctx, conversationID)
	if err != nil {
		return nil, persistErr("count messages", err)
	}
	return c.run(ctx, conversationID, int(n), sink)
}

// Cancel stops the conversation's in-flight turn, if any.
func (c *Coordinator) Cancel(conversationID uint64) bool {
	c.mu.Lock()
	t, ok := c.inflight[conversationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// Active returns the conversation's in-flight turn.
func (c *Coordinator) Active(conversationID uint64) (*Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.inflight[conversationID]
	return t, ok
}

// WarmUp sends a throwaway prompt so the runtime loads the model before the first
// real request. Failure only degrades readiness.
func (c *Coordinator) WarmUp(ctx context.Context) error {
	c.readiness.set(ReadinessWarming, "")
	start := time.Now()

	err := func() error {
		st, err := c.svc.GetSettings(ctx)
		if err != nil {
			return err
		}
		p, err := c.registry.Get(ctx, c.cfg.Provider, st.ModelName)
		if err != nil {
			return err
		}
		_, err = p.Chat(ctx,
			[]ai.Message{{Role: ai.RoleUser, Content: warmUpPrompt}},
			ai.Options{Temperature: st.Temperature, MaxTokens: 1})
		return err
	}()
	if err != nil {
		c.readiness.set(ReadinessDegraded, err.Error())
		c.log.Warn("warm-up failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		return err
	}
	c.readiness.set(ReadinessReady, "")
	c.log.Info("warm-up done", zap.Duration("cost", time.Since(start)))
	return nil
}

func (c *Coordinator) acquire(ctx context.Context, conversationID uint64) (func(), error) {
	if c.cfg.Policy == PolicyQueue {
		return c.locker.Lock(ctx, conversationID)
	}
	unlock, ok, err := c.locker.TryLock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTurnInFlight
	}
	return unlock, nil
}

func (c *Coordinator) run(parent context.Context, conversationID uint64, index int, sink Sink) (*TurnResult, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	turn := newTurn(conversationID, index, cancel)
	c.mu.Lock()
	c.inflight[conversationID] = turn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[conversationID] == turn {
			delete(c.inflight, conversationID)
		}
		c.mu.Unlock()
	}()

	start := time.Now()
	log := c.log.With(zap.Uint64("conversation_id", conversationID), zap.Int("turn", index))

	fail := func(err error) (*TurnResult, error) {
		turn.transition(TurnFailed)
		sink.PublishError(index, annotate(err))
		log.Warn("turn failed",
			zap.Int("fragments", turn.Fragments()),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err))
		return &TurnResult{ConversationID: conversationID, State: TurnFailed}, err
	}

	st, err := c.svc.GetSettings(ctx)
	if err != nil {
		return fail(err)
	}
	history, err := c.history(ctx, conversationID)
	if err != nil {
		return fail(err)
	}
	provider, err := c.registry.Get(ctx, c.cfg.Provider, st.ModelName)
	if err != nil {
		return fail(&ai.GenerationError{Provider: c.cfg.Provider, Err: err})
	}

	turn.transition(TurnAwaitingFirstFragment)
	opts := ai.Options{Temperature: st.Temperature, MaxTokens: st.MaxTokens}
	if err := c.stream(ctx, turn, streamerFor(provider), history, opts, sink, log); err != nil {
		return fail(err)
	}

	text := turn.Text()
	// the reply is stored even if the caller went away after the stream finished
	reply, err := c.svc.AppendMessage(context.WithoutCancel(ctx), conversationID, text, RoleAssistant)
	if err != nil {
		return fail(err)
	}
	turn.transition(TurnCompleted)

	log.Info("turn completed",
		zap.String("model", st.ModelName),
		zap.Int("fragments", turn.Fragments()),
		zap.Int("chars", len(text)),
		zap.Duration("cost", time.Since(start)))
	return &TurnResult{ConversationID: conversationID, Reply: reply, State: TurnCompleted, Text: text}, nil
}

func (c *Coordinator) stream(ctx context.Context, turn *Turn, sp ai.StreamProvider, history []ai.Message, opts ai.Options, sink Sink, log *zap.Logger) error {
	for attempt := 0; ; attempt++ {
		throttle := &rate.Sometimes{First: 1, Every: c.cfg.BatchSize, Interval: c.cfg.MinInterval}

		chunks, errs := sp.StreamChat(ctx, history, opts)
		for frag := range chunks {
			if frag == "" {
				continue
			}
			text := turn.append(frag)
			throttle.Do(func() { sink.Publish(turn.Index, text) })
		}

		err := <-errs
		if err == nil {
			sink.Publish(turn.Index, turn.Text())
			return nil
		}

		// text already on screen cannot be taken back, so only retry before the first fragment
		if turn.Fragments() > 0 || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}
		delay := c.cfg.RetryBaseDelay << attempt
		if delay > maxBackoff {
			delay = maxBackoff
		}
		log.Info("retrying generation", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if serr := c.sleep(ctx, delay); serr != nil {
			return &ai.GenerationError{Provider: c.cfg.Provider, Err: serr}
		}
	}
}

// history returns the context window oldest first.
func (c *Coordinator) history(ctx context.Context, conversationID uint64) ([]ai.Message, error) {
	recentDesc, err := c.svc.repo.ListRecentMessagesDesc(ctx, conversationID, c.cfg.ContextWindow)
	if err != nil {
		return nil, persistErr("load history", err)
	}
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// streamerFor adapts a non-streaming provider into a one-fragment stream.
func streamerFor(p ai.Provider) ai.StreamProvider {
	if sp, ok := p.(ai.StreamProvider); ok {
		return sp
	}
	return singleShot{p}
}

type singleShot struct{ p ai.Provider }

func (s singleShot) StreamChat(ctx context.Context, messages []ai.Message, opts ai.Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := s.p.Chat(ctx, messages, opts)
		if err != nil {
			errs <- err
			return
		}
		chunks <- reply
	}()
	return chunks, errs
}

func annotate(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "⚠ Error: generation was cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠ Error: the model did not answer in time"
	}
	var ge *ai.GenerationError
	if errors.As(err, &ge) {
		return fmt.Sprintf("⚠ Error: could not get a reply from the model (%v)", ge.Err)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return "⚠ Error: the reply could not be saved"
	}
	return fmt.Sprintf("⚠ Error: %v", err)
}

// TitleFrom names a conversation after the first line of its opening message.
func TitleFrom(content string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(content), "\n", 2)[0])
	if utf8.RuneCountInString(line) <= maxTitleLen {
		return line
	}
	r := []rune(line)
	return strings.TrimSpace(string(r[:maxTitleLen])) + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
