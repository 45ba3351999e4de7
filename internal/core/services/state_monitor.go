package services

import (
	"sync"
	"time"

	"peercall/internal/core/domain"
)

// StateMonitor exposes the ordered, de-duplicated sequence of connection
// states of one session. A new subscriber first receives the current state.
type StateMonitor struct {
	mu      sync.Mutex
	current domain.StateChange
	feed    *feed[domain.StateChange]
}

func NewStateMonitor(id domain.SessionID) *StateMonitor {
	return &StateMonitor{
		current: domain.StateChange{
			SessionID: id,
			From:      domain.StateIdle,
			State:     domain.StateIdle,
			At:        time.Now(),
		},
		feed: newFeed[domain.StateChange](),
	}
}

// Current returns the latest published state.
func (m *StateMonitor) Current() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.State
}

// Last returns the latest published transition, including its reason.
func (m *StateMonitor) Last() domain.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe starts a subscription. After CLOSED the channel delivers the
// final state and is then closed. Unsubscribing never affects the session.
func (m *StateMonitor) Subscribe() *Subscription[domain.StateChange] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feed.subscribe(m.current)
}

// Subscribers reports the number of active subscriptions.
func (m *StateMonitor) Subscribers() int {
	return m.feed.len()
}

// publish records a transition. Consecutive duplicates are dropped. It
// reports whether the change was delivered.
func (m *StateMonitor) publish(change domain.StateChange) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.State == change.State {
		return false
	}
	if change.At.IsZero() {
		change.At = time.Now()
	}
	change.From = m.current.State
	change.SessionID = m.current.SessionID
	m.current = change
	m.feed.publish(change)
	if change.State.Terminal() {
		m.feed.close()
	}
	return true
}
