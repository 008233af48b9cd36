// Package health implements the shared, concurrently readable health
// state map: per-server healthy flag, failure and
// success streaks, active connection count, and cooldown timestamp,
// updated with atomic primitives so selection never blocks the checker
// or the data path and vice versa.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// key identifies one server within one backend pool.
type key struct {
	backend string
	addr    string
}

// Record is the mutable, concurrently accessed health record for a
// single (backend, addr) pair. All fields are touched with
// atomic primitives; the zero value is not meaningful on its own, use
// newRecord.
type Record struct {
	weight int32 // static, never changes after creation

	healthy              atomic.Bool
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	activeConnections    atomic.Int64
	unhealthySinceNanos  atomic.Int64 // 0 means "none"
}

func newRecord(weight int) *Record {
	r := &Record{weight: int32(weight)}
	r.healthy.Store(true) // optimistic: servers enter service immediately
	return r
}

// Weight returns the server's static weight.
func (r *Record) Weight() int { return int(r.weight) }

// Healthy returns the current health flag.
func (r *Record) Healthy() bool { return r.healthy.Load() }

// ActiveConnections returns the current in-flight lease count.
func (r *Record) ActiveConnections() int64 { return r.activeConnections.Load() }

// UnhealthySince returns the time of the last healthy->unhealthy
// transition, or the zero Time if the server is currently healthy (or
// has never transitioned).
func (r *Record) UnhealthySince() time.Time {
	n := r.unhealthySinceNanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Transition is emitted exactly once per healthy<->unhealthy crossing,
// guarded by a compare-and-swap on the healthy flag.
type Transition struct {
	Backend   string
	Addr      string
	Healthy   bool
	At        time.Time
}

// View is a point-in-time, read-only snapshot of one server's state, the
// shape selection algorithms consume.
type View struct {
	Addr              string
	Weight            int
	Healthy           bool
	ActiveConnections int64
}

// Map is the shared health state map keyed by (backend, addr). Reads
// (selection, passive feedback, the checker) never block writers and
// vice versa on the hot path: every mutation is either an atomic op on a
// single field or, for the healthy/unhealthy transition, a
// compare-and-swap. Map lifetime equals the process.
type Map struct {
	mu      sync.RWMutex // guards records and backends, not their contents
	records map[key]*Record
	// backends tracks, per backend name, the ordered server address list
	// so View can report servers in the router's configured order (tie
	// breaks depend on stable indices).
	backends map[string][]string

	onTransition func(Transition)
}

// NewMap creates an empty health map. onTransition, if non-nil, is
// invoked synchronously from whichever goroutine observes the CAS
// crossing; it should be cheap (e.g. a structured log call) since it
// runs on the hot path.
func NewMap(onTransition func(Transition)) *Map {
	return &Map{
		records:      make(map[key]*Record),
		backends:     make(map[string][]string),
		onTransition: onTransition,
	}
}

// Ensure creates the record for (backend, addr) if absent, preserving
// any existing record. Returns the
// record either way.
func (m *Map) Ensure(backend, addr string, weight int) *Record {
	m.mu.RLock()
	if r, ok := m.records[key{backend, addr}]; ok {
		m.mu.RUnlock()
		return r
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{backend, addr}
	if r, ok := m.records[k]; ok {
		return r
	}
	r := newRecord(weight)
	m.records[k] = r
	m.backends[backend] = append(m.backends[backend], addr)
	return r
}

// Drop removes a server's record, used when a backend's server set
// shrinks across a config swap and no in-flight task holds the record
// any longer.
func (m *Map) Drop(backend, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key{backend, addr})
	addrs := m.backends[backend]
	for i, a := range addrs {
		if a == addr {
			m.backends[backend] = append(addrs[:i], addrs[i+1:]...)
			break
		}
	}
}

// DropBackend removes every record for a backend that has disappeared
// from the latest snapshot entirely.
func (m *Map) DropBackend(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range m.backends[backend] {
		delete(m.records, key{backend, addr})
	}
	delete(m.backends, backend)
}

// View returns the live server list for a backend in configured order,
// used by selection. O(servers in backend).
func (m *Map) View(backend string) []View {
	m.mu.RLock()
	addrs := m.backends[backend]
	views := make([]View, 0, len(addrs))
	for _, addr := range addrs {
		r := m.records[key{backend, addr}]
		views = append(views, View{
			Addr:              addr,
			Weight:            r.Weight(),
			Healthy:           r.Healthy(),
			ActiveConnections: r.ActiveConnections(),
		})
	}
	m.mu.RUnlock()
	return views
}

// record looks up a record without creating it; callers on the hot path
// that already went through Ensure at startup use this instead of
// re-acquiring the write-lock path in Ensure.
func (m *Map) record(backend, addr string) *Record {
	m.mu.RLock()
	r := m.records[key{backend, addr}]
	m.mu.RUnlock()
	return r
}

// IncActive increments the active connection counter for a server; a
// lease issued by the router must pair this with exactly one DecActive
//.
func (m *Map) IncActive(backend, addr string) {
	if r := m.record(backend, addr); r != nil {
		r.activeConnections.Add(1)
	}
}

// DecActive decrements the active connection counter. Never allowed to
// go negative; callers that pair every IncActive
// with exactly one DecActive maintain this automatically.
func (m *Map) DecActive(backend, addr string) {
	if r := m.record(backend, addr); r != nil {
		r.activeConnections.Add(-1)
	}
}

// RecordFailure is the passive feedback path: a data-path
// failure increments consecutive_failures and resets
// consecutive_successes. Crossing unhealthy_threshold while currently
// healthy fires exactly one Transition via compare-and-swap.
func (m *Map) RecordFailure(backend, addr string, unhealthyThreshold int, now time.Time) {
	r := m.record(backend, addr)
	if r == nil {
		return
	}
	r.consecutiveSuccesses.Store(0)
	failures := r.consecutiveFailures.Add(1)
	if failures >= int64(unhealthyThreshold) && r.healthy.CompareAndSwap(true, false) {
		r.unhealthySinceNanos.Store(now.UnixNano())
		m.emit(Transition{Backend: backend, Addr: addr, Healthy: false, At: now})
	}
}

// RecordProbeFailure is the active-path equivalent of RecordFailure,
// used by the checker on a failed or timed-out probe. Same
// semantics, plus it resets consecutive_successes exactly like the
// passive path.
func (m *Map) RecordProbeFailure(backend, addr string, unhealthyThreshold int, now time.Time) {
	m.RecordFailure(backend, addr, unhealthyThreshold, now)
}

// RecordSuccess is the active-path probe-success feedback.
// While unhealthy, it increments consecutive_successes; crossing
// healthy_threshold is necessary but not sufficient to recover. cooldown
// additionally gates the transition itself: recovery cannot fire until
// at least cooldown has elapsed since unhealthy_since, even once the
// threshold has been crossed. Once both conditions hold, it fires
// exactly one Transition back to healthy and resets both counters.
func (m *Map) RecordSuccess(backend, addr string, healthyThreshold int, cooldown time.Duration, now time.Time) {
	r := m.record(backend, addr)
	if r == nil {
		return
	}
	if r.healthy.Load() {
		// Already healthy: success streaks are only meaningful while
		// recovering, nothing to accumulate.
		return
	}
	successes := r.consecutiveSuccesses.Add(1)
	if successes < int64(healthyThreshold) {
		return
	}
	if since := r.unhealthySinceNanos.Load(); since != 0 && now.Sub(time.Unix(0, since)) < cooldown {
		return
	}
	if r.healthy.CompareAndSwap(false, true) {
		r.unhealthySinceNanos.Store(0)
		r.consecutiveFailures.Store(0)
		r.consecutiveSuccesses.Store(0)
		m.emit(Transition{Backend: backend, Addr: addr, Healthy: true, At: now})
	}
}

func (m *Map) emit(t Transition) {
	if m.onTransition != nil {
		m.onTransition(t)
	}
}
