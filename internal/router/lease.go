package router

import (
	"sync/atomic"
	"time"

	"github.com/flowmesh/loadbalancer/internal/health"
)

// Lease represents one in-flight claim against a backend server's
// active_connections counter. The proxy engines hold exactly one Lease
// per connection/request and must call Release exactly once when the
// work against that server ends, successfully or not.
type Lease struct {
	backend            string
	addr               string
	health             *health.Map
	unhealthyThreshold int
	released           atomic.Bool
}

func newLease(backend, addr string, healthMap *health.Map, unhealthyThreshold int) *Lease {
	healthMap.IncActive(backend, addr)
	return &Lease{backend: backend, addr: addr, health: healthMap, unhealthyThreshold: unhealthyThreshold}
}

// Backend returns the backend pool name this lease was issued against.
func (l *Lease) Backend() string { return l.backend }

// Addr returns the server address this lease was issued against.
func (l *Lease) Addr() string { return l.addr }

// MarkFailure feeds a backend-attributable data-path I/O error into the
// passive failure path, the same accumulator a failed dial already
// drives. Proxy engines call this on a backend read/write error before
// releasing the lease, so a server that only misbehaves after the
// connection is established is demoted just as reliably as one that
// refuses the dial.
func (l *Lease) MarkFailure() {
	l.health.RecordFailure(l.backend, l.addr, l.unhealthyThreshold, time.Now())
}

// Release decrements the server's active connection count. Safe to call
// more than once; only the first call has effect, so a deferred Release
// alongside an early explicit Release on the success path never
// double-decrements.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.health.DecActive(l.backend, l.addr)
	}
}
