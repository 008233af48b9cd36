// Package selection implements the four backend selection algorithms
// (round-robin, weighted smoothed round-robin, least-connections,
// IP-hash) plus the per-backend mutable state that round-robin and
// weighted round-robin need across picks.
package selection

import (
	"errors"
	"net"
	"sync"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
)

// ErrNoCandidate is returned when no server in a backend's view passes
// the health filter.
var ErrNoCandidate = errors.New("selection: no healthy candidate")

// backendState is the per-backend algorithm state: a round-robin
// cursor plus a smoothed-weight vector, mutated under a short-lived
// lock held only for the duration of one pick. No I/O ever happens
// while this lock is held.
type backendState struct {
	mu sync.Mutex

	rrCursor int

	// wrrCurrent holds the smoothed round-robin running weight per
	// server address. Keyed by addr (not index) so it survives reorders
	// that don't actually add or remove servers.
	wrrCurrent map[string]int
	// lastAddrs is the server set this state was last reconciled
	// against, used to detect additions/removals across a swap.
	lastAddrs map[string]bool
}

func newBackendState() *backendState {
	return &backendState{
		wrrCurrent: make(map[string]int),
		lastAddrs:  make(map[string]bool),
	}
}

// reconcile resets smoothed weights and clamps the round-robin cursor
// when the server set has changed since the last pick. A no-op when the set is unchanged.
func (s *backendState) reconcile(views []health.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := len(views) != len(s.lastAddrs)
	if !changed {
		for _, v := range views {
			if !s.lastAddrs[v.Addr] {
				changed = true
				break
			}
		}
	}
	if !changed {
		return
	}

	s.wrrCurrent = make(map[string]int, len(views))
	s.lastAddrs = make(map[string]bool, len(views))
	for _, v := range views {
		s.lastAddrs[v.Addr] = true
	}
	if len(views) > 0 {
		s.rrCursor = s.rrCursor % len(views)
	} else {
		s.rrCursor = 0
	}
}

// Engine owns one backendState per backend name, created the first time
// a backend is selected or reconciled against. A backend's state is
// released only by an explicit DropBackend call; it is not dropped on
// its own when the backend leaves the snapshot.
type Engine struct {
	mu     sync.RWMutex
	states map[string]*backendState
}

// NewEngine creates an empty selection engine.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*backendState)}
}

// DropBackend releases a backend's algorithm state. No component in this
// module calls it.
func (e *Engine) DropBackend(backend string) {
	e.mu.Lock()
	delete(e.states, backend)
	e.mu.Unlock()
}

func (e *Engine) state(backend string) *backendState {
	e.mu.RLock()
	s, ok := e.states[backend]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[backend]; ok {
		return s
	}
	s = newBackendState()
	e.states[backend] = s
	return s
}

// Select dispatches to the algorithm named by algo, considering only
// servers with Healthy == true in views. clientIP is used by
// IP-hash only; other algorithms ignore it.
func (e *Engine) Select(algo config.Algorithm, backend string, views []health.View, clientIP net.IP) (string, error) {
	healthy := healthyOnly(views)
	if len(healthy) == 0 {
		return "", ErrNoCandidate
	}

	switch algo {
	case config.AlgorithmRoundRobin:
		return e.state(backend).selectRoundRobin(healthy)
	case config.AlgorithmWeighted:
		return e.state(backend).selectWeighted(healthy)
	case config.AlgorithmLeastConnections:
		return selectLeastConnections(healthy)
	case config.AlgorithmIPHash:
		return selectIPHash(healthy, clientIP)
	default:
		return "", errors.New("selection: unknown algorithm " + string(algo))
	}
}

// Reconcile updates a backend's algorithm state given its full (not just
// healthy) server view. The router calls it before every pick, so a
// server set changed by a snapshot swap is picked up at the next
// selection; it is a no-op when the set hasn't changed.
func (e *Engine) Reconcile(backend string, views []health.View) {
	e.state(backend).reconcile(views)
}

// healthyOnly filters to healthy servers, preserving configured order so
// tie-breaks ("smallest index in the configured order") are well
// defined.
func healthyOnly(views []health.View) []health.View {
	out := make([]health.View, 0, len(views))
	for _, v := range views {
		if v.Healthy {
			out = append(out, v)
		}
	}
	return out
}
