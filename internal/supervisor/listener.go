package supervisor

import (
	"sync"
	"sync/atomic"

	"github.com/chaz8081/scalelink/internal/transport"
)

// Listener observes the supervisor and the transport events it forwards.
// Implementations must be comparable (use pointer receivers).
type Listener interface {
	OnManagerReady()
	OnManagerDisconnected()
	transport.EventHandler
}

// BaseListener implements Listener with no-ops. Embed it to handle a subset
// of events.
type BaseListener struct{}

func (BaseListener) OnManagerReady() {}
func (BaseListener) OnManagerDisconnected() {}
func (BaseListener) OnConnectionStateChanged(bool, string) {}
func (BaseListener) OnWeightReceived(float64, bool) {}
func (BaseListener) OnError(string) {}
func (BaseListener) OnStatusChanged(string) {}

// ListenerSet is a copy-on-write set. Broadcasts iterate an immutable
// snapshot, so listeners may add or remove themselves during delivery.
type ListenerSet struct {
	mu   sync.Mutex // serializes writers
	list atomic.Pointer[[]Listener]
}

// Add registers l. It reports false when l was already present.
func (s *ListenerSet) Add(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	for _, x := range cur {
		if x == l {
			return false
		}
	}

	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.list.Store(&next)

	return true
}

// Remove unregisters l. It reports whether l was present.
func (s *ListenerSet) Remove(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	for i, x := range cur {
		if x != l {
			continue
		}

		next := make([]Listener, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		s.list.Store(&next)

		return true
	}

	return false
}

// Clear drops every listener.
func (s *ListenerSet) Clear() {
	s.mu.Lock()
	s.list.Store(nil)
	s.mu.Unlock()
}

// Snapshot returns the current listeners. The slice must not be modified.
func (s *ListenerSet) Snapshot() []Listener {
	p := s.list.Load()
	if p == nil {
		return nil
	}

	return *p
}

// Len returns the number of registered listeners.
func (s *ListenerSet) Len() int {
	return len(s.Snapshot())
}
