package chat

import (
	"context"
	"sync"
)

// Locker guards a conversation so only one turn runs on it at a time.
type Locker interface {
	// TryLock returns ok=false when a turn already holds the conversation.
	TryLock(ctx context.Context, conversationID uint64) (unlock func(), ok bool, err error)
	// Lock waits for the conversation to become free or ctx to end.
	Lock(ctx context.Context, conversationID uint64) (unlock func(), err error)
}

// MemoryLocker guards conversations within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[uint64]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uint64]chan struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, id uint64) (func(), bool, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false, nil
	}
	return l.claimLocked(id), true, nil
}

func (l *MemoryLocker) Lock(ctx context.Context, id uint64) (func(), error) {
	for {
		l.mu.Lock()
		released, busy := l.held[id]
		if !busy {
			unlock := l.claimLocked(id)
			l.mu.Unlock()
			return unlock, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLocker) claimLocked(id uint64) func() {
	ch := make(chan struct{})
	l.held[id] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
