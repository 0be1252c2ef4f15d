package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/meszmate/orekh/internal/events"
	"github.com/meszmate/orekh/internal/metrics"
)

// ConnState is the engine's connection state.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Online       ConnState = "ONLINE"
	// Failed is terminal until the next manual Connect: credentials were
	// rejected or reconnecting gave up.
	Failed ConnState = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting, Failed},
	Connecting:   {Online, Disconnected, Failed},
	Online:       {Disconnected},
	Failed:       {Connecting, Disconnected},
}

// ConnectionStatus is published on every state change.
type ConnectionStatus struct {
	From  ConnState
	State ConnState
	// Err is the cause of leaving Online or entering Failed.
	Err error
	// Attempt is the reconnect attempt in progress, zero for manual ones.
	Attempt int
}

// machine tracks and enforces connection state transitions.
type machine struct {
	mu      sync.RWMutex
	current ConnState
	feed    *events.Feed[ConnectionStatus]
}

func newMachine(feed *events.Feed[ConnectionStatus]) *machine {
	return &machine{current: Disconnected, feed: feed}
}

// Current returns the current state.
func (m *machine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and publishes the change. Returns error
// if the transition is invalid.
func (m *machine) Transition(to ConnState, cause error, attempt int) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	metrics.SetConnectionState(stateOrdinal(to))
	m.feed.Publish(ConnectionStatus{From: from, State: to, Err: cause, Attempt: attempt})
	return nil
}

func stateOrdinal(s ConnState) int {
	switch s {
	case Connecting:
		return 1
	case Online:
		return 2
	default:
		return 0
	}
}
