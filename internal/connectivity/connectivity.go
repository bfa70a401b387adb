// Package connectivity provides the device's online flag and its
// offline/online transitions.
package connectivity

import "sync"

// Source reports connectivity and notifies transitions.
type Source interface {
	// Online reports the current state.
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// transition, and a function that ends the subscription.
	Subscribe() (<-chan bool, func())
}

// Mode names a connectivity source in configuration.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeProbe  Mode = "probe"
	ModeFile   Mode = "file"
)

// Manual is a Source set explicitly by the host, e.g. from the browser's
// online/offline events relayed by the UI shell. The other sources embed it.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]chan bool
}

// NewManual creates a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set changes the state and reports whether it was a transition.
func (m *Manual) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	for _, ch := range m.subs {
		// Keep only the newest state for slow subscribers
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe returns a transition channel.
func (m *Manual) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
