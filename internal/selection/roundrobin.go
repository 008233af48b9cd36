package selection

import "github.com/flowmesh/loadbalancer/internal/health"

// selectRoundRobin advances the cursor modulo the live healthy-server
// count. views has already been filtered to healthy
// servers, so every entry is eligible; the cursor just needs to wrap.
// Held under the backend's short critical section, no I/O inside it.
func (s *backendState) selectRoundRobin(views []health.View) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(views) == 0 {
		return "", ErrNoCandidate
	}
	if s.rrCursor >= len(views) {
		s.rrCursor = 0
	}
	addr := views[s.rrCursor].Addr
	s.rrCursor = (s.rrCursor + 1) % len(views)
	return addr, nil
}
