// Package router implements the backend router facade of :
// given a backend name and a client endpoint, it selects a healthy
// server, dials it with bounded retry, and returns a connected socket
// plus the lease that accounts for it in the health map.
package router

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
	"github.com/flowmesh/loadbalancer/internal/lberrors"
	"github.com/flowmesh/loadbalancer/internal/selection"
)

// Router ties selection and health state together behind one Connect
// call so proxy engines never touch either directly.
type Router struct {
	engine *selection.Engine
	health *health.Map
	store  *config.Store
	dialer net.Dialer
}

// New creates a router over the given selection engine, health map, and
// config store (used to look up the passive-failure threshold for
// connect failures).
func New(engine *selection.Engine, healthMap *health.Map, store *config.Store) *Router {
	return &Router{engine: engine, health: healthMap, store: store}
}

// Connect selects a server for backend using algo, dials it within
// connectTimeout, and retries against a fresh selection on failure, up
// to min(healthy_count, 3) attempts total.
// Each failed dial attempt feeds the health map's passive failure path
// exactly like a data-path failure would. On success it returns a
// connected socket and the Lease the caller must Release exactly once.
func (r *Router) Connect(ctx context.Context, backend string, algo config.Algorithm, clientIP net.IP, connectTimeout time.Duration) (net.Conn, *Lease, error) {
	maxAttempts := r.maxAttempts(backend)
	unhealthyThreshold := r.unhealthyThreshold(backend)

	var chosenAddr string
	operation := func() (net.Conn, error) {
		view := r.health.View(backend)
		r.engine.Reconcile(backend, view)
		addr, err := r.engine.Select(algo, backend, view, clientIP)
		if err != nil {
			return nil, backoff.Permanent(lberrors.ErrNoHealthyBackends)
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		conn, dialErr := r.dialer.DialContext(dialCtx, "tcp", addr)
		if dialErr != nil {
			r.health.RecordFailure(backend, addr, unhealthyThreshold, time.Now())
			return nil, lberrors.NewBackendError(backend, addr, lberrors.ErrBackendConnect)
		}

		chosenAddr = addr
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		return nil, nil, err
	}

	return conn, newLease(backend, chosenAddr, r.health, unhealthyThreshold), nil
}

// maxAttempts caps retry at 3, but never exceeds the
// number of currently healthy servers (retrying beyond that just
// re-dials the same exhausted pool).
func (r *Router) maxAttempts(backend string) int {
	healthy := 0
	for _, v := range r.health.View(backend) {
		if v.Healthy {
			healthy++
		}
	}
	switch {
	case healthy <= 0:
		return 1
	case healthy > 3:
		return 3
	default:
		return healthy
	}
}

func (r *Router) unhealthyThreshold(backend string) int {
	snap := r.store.Load()
	if b, ok := snap.Backends[backend]; ok && b.HealthCheck.UnhealthyThreshold > 0 {
		return b.HealthCheck.UnhealthyThreshold
	}
	return 1
}
