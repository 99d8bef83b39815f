package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurn_Lifecycle(t *testing.T) {
	turn := newTurn(1, 3, func() {})
	assert.Equal(t, TurnIdle, turn.State())

	turn.transition(TurnAwaitingFirstFragment)
	assert.Equal(t, "Hel", turn.append("Hel"))
	assert.Equal(t, TurnStreaming, turn.State())
	assert.Equal(t, "Hello!", turn.append("lo!"))
	assert.Equal(t, 2, turn.Fragments())

	turn.transition(TurnCompleted)
	assert.True(t, turn.State().Terminal())
}

func TestTurn_IllegalTransitionPanics(t *testing.T) {
	turn := newTurn(1, 1, func() {})
	turn.transition(TurnFailed)
	assert.Panics(t, func() { turn.transition(TurnStreaming) })
}

func TestMemoryLocker_TryLock(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// other conversations are independent
	other, ok, err := l.TryLock(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	other()

	unlock()
	unlock()
	again, ok, err := l.TryLock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestMemoryLocker_LockWaits(t *testing.T) {
	l := NewMemoryLocker()

	unlock, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), 1)
		if err == nil {
			u()
		}
		close(acquired)
	}()
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestChannelSink_StopsOnDone(t *testing.T) {
	done := make(chan struct{})
	s := NewChannelSink(1, done)
	s.Publish(0, "a")
	close(done)
	// buffer is full; must not block once done is closed
	s.PublishError(0, "b")
	s.Close()

	ev := <-s.Events()
	assert.Equal(t, Event{Kind: EventText, Turn: 0, Text: "a"}, ev)
}
