package scale

import (
	"sync"
	"sync/atomic"

	"github.com/chaz8081/scalelink/internal/transport"
)

// handlerSet is a copy-on-write list of event handlers. Broadcasts iterate
// an immutable snapshot, so handlers may add or remove themselves while
// being notified.
type handlerSet struct {
	mu   sync.Mutex
	list atomic.Pointer[[]transport.EventHandler]
}

func (s *handlerSet) snapshot() []transport.EventHandler {
	if p := s.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *handlerSet) add(h transport.EventHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot()
	for _, x := range cur {
		if x == h {
			return false
		}
	}
	next := make([]transport.EventHandler, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	s.list.Store(&next)
	return true
}

func (s *handlerSet) remove(h transport.EventHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot()
	for i, x := range cur {
		if x != h {
			continue
		}
		next := make([]transport.EventHandler, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		s.list.Store(&next)
		return true
	}
	return false
}

func (s *handlerSet) count() int {
	return len(s.snapshot())
}
