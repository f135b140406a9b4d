package syncer

import "sync"

// State is the in-memory sync state of one local pattern.
type State string

const (
	StateUnsynced State = "UNSYNCED"
	StateSyncing  State = "SYNCING"
	StateSynced   State = "SYNCED"
	StateFailed   State = "FAILED"
)

type stateTracker struct {
	mu     sync.RWMutex
	states map[string]State
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]State)}
}

func (t *stateTracker) get(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.states[id]; ok {
		return s
	}
	return StateUnsynced
}

func (t *stateTracker) set(id string, s State) {
	t.mu.Lock()
	t.states[id] = s
	t.mu.Unlock()
}

// resetFailed makes every FAILED pattern eligible again.
func (t *stateTracker) resetFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.states {
		if s == StateFailed {
			t.states[id] = StateUnsynced
		}
	}
}

func (t *stateTracker) snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.states))
	for id, s := range t.states {
		out[id] = s
	}
	return out
}
