package chat

import "sync"

type ReadinessState string

const (
	ReadinessCold     ReadinessState = "cold"
	ReadinessWarming  ReadinessState = "warming"
	ReadinessReady    ReadinessState = "ready"
	ReadinessDegraded ReadinessState = "degraded"
)

// Readiness backs the user-visible "model is ready" indicator.
type Readiness struct {
	mu     sync.RWMutex
	state  ReadinessState
	reason string
}

func (r *Readiness) Get() (ReadinessState, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == "" {
		return ReadinessCold, ""
	}
	return r.state, r.reason
}

func (r *Readiness) set(s ReadinessState, reason string) {
	r.mu.Lock()
	r.state, r.reason = s, reason
	r.mu.Unlock()
}
