package chat

import "sync"

// Sink is the display surface a turn publishes to. turn is the message's index in the
// conversation's ordered message list; text is always the full text so far.
type Sink interface {
	Publish(turn int, text string)
	PublishError(turn int, msg string)
}

type EventKind int

const (
	EventText EventKind = iota
	EventError
)

type Event struct {
	Kind EventKind
	Turn int
	Text string
}

// ChannelSink hands events to another goroutine. Sends block until the reader takes
// them or done is closed, so errors are never dropped.
type ChannelSink struct {
	events    chan Event
	done      <-chan struct{}
	closeOnce sync.Once
}

func NewChannelSink(buffer int, done <-chan struct{}) *ChannelSink {
	return &ChannelSink{events: make(chan Event, buffer), done: done}
}

func (s *ChannelSink) Events() <-chan Event { return s.events }

func (s *ChannelSink) Publish(turn int, text string) {
	s.send(Event{Kind: EventText, Turn: turn, Text: text})
}

func (s *ChannelSink) PublishError(turn int, msg string) {
	s.send(Event{Kind: EventError, Turn: turn, Text: msg})
}

func (s *ChannelSink) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close must be called by the publishing side once the turn has returned.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.events) })
}

type discardSink struct{}

func (discardSink) Publish(int, string)      {}
func (discardSink) PublishError(int, string) {}

// Discard drops everything.
var Discard Sink = discardSink{}
