package connectivity

import (
	"slices"
	"sync"

	"github.com/habitado/chatsync/internal/bus"
)

// Status is a reachability state.
type Status string

const (
	Unknown Status = "UNKNOWN"
	Online  Status = "ONLINE"
	Offline Status = "OFFLINE"
)

// validTransitions defines allowed status transitions. Unknown is only
// the initial state; once reachability has been observed the monitor
// flips between online and offline.
var validTransitions = map[Status][]Status{
	Unknown: {Online, Offline},
	Online:  {Offline},
	Offline: {Online},
}

// Monitor tracks network reachability and announces transitions on the
// bus. Components never poll the network themselves; they either ask
// the monitor or subscribe to its "connectivity.changed" events. The
// outbound queue flushes on every transition to online.
type Monitor struct {
	mu      sync.RWMutex
	current Status
	bus     *bus.Bus
}

// StatusChange is the payload for connectivity.changed events.
type StatusChange struct {
	From Status
	To   Status
}

// NewMonitor creates a monitor starting in the Unknown state.
func NewMonitor(b *bus.Bus) *Monitor {
	return &Monitor{current: Unknown, bus: b}
}

// Current returns the current status.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether the network is currently reachable.
func (m *Monitor) Online() bool {
	return m.Current() == Online
}

// Set records an observed reachability state. Repeated observations of
// the current state are no-ops; an invalid transition is ignored rather
// than surfaced, since reachability callbacks can arrive out of order.
// Returns whether a transition happened.
func (m *Monitor) Set(to Status) bool {
	m.mu.Lock()
	if m.current == to || !slices.Contains(validTransitions[m.current], to) {
		m.mu.Unlock()
		return false
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    "connectivity.changed",
			Payload: StatusChange{From: from, To: to},
		})
	}
	return true
}
