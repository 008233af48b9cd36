// Package checker implements the active health checker: one
// logical probing loop per backend server, driving the shared health map
// via TCP or HTTP probes on a configurable interval, reconciling its
// working set whenever a new configuration snapshot is published.
package checker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
)

// serverKey identifies one probing loop.
type serverKey struct {
	backend string
	addr    string
}

// Checker owns one probe goroutine per currently-known (backend, addr)
// pair. It subscribes to a config.Store and reconciles on every publish:
// servers removed from the new snapshot stop being probed, servers added
// begin at the next tick, and servers present in both keep their health
// record.
type Checker struct {
	store   *config.Store
	health  *health.Map
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu     sync.Mutex
	cancel map[serverKey]context.CancelFunc
}

// New creates a checker over the given store and health map. Probe
// loops are not started until Run is called.
func New(store *config.Store, healthMap *health.Map, m *metrics.Metrics, logger *logging.Logger) *Checker {
	return &Checker{
		store:   store,
		health:  healthMap,
		metrics: m,
		logger:  logger,
		cancel:  make(map[serverKey]context.CancelFunc),
	}
}

// Run reconciles against the store's current snapshot, then blocks
// reconciling against every future publish until ctx is cancelled, at
// which point every probe loop is stopped and Run returns.
func (c *Checker) Run(ctx context.Context) {
	sub := c.store.Subscribe()
	c.reconcile(ctx, c.store.Load())
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return
		case snap := <-sub:
			c.reconcile(ctx, snap)
		}
	}
}

// reconcile starts loops for servers newly present, stops loops for
// servers no longer present, and leaves unchanged servers running
// untouched (their loop re-reads health check parameters from the store
// on its own next tick).
func (c *Checker) reconcile(ctx context.Context, snap *config.Snapshot) {
	wanted := make(map[serverKey]int) // key -> weight
	for name, backend := range snap.Backends {
		for _, srv := range backend.Servers {
			wanted[serverKey{name, srv.Addr}] = srv.Weight
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, weight := range wanted {
		if _, running := c.cancel[k]; running {
			continue
		}
		c.health.Ensure(k.backend, k.addr, weight)
		loopCtx, cancel := context.WithCancel(ctx)
		c.cancel[k] = cancel
		go c.probeLoop(loopCtx, k.backend, k.addr)
	}

	for k, cancel := range c.cancel {
		if _, stillWanted := wanted[k]; !stillWanted {
			cancel()
			delete(c.cancel, k)
			c.health.Drop(k.backend, k.addr)
		}
	}
}

func (c *Checker) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, cancel := range c.cancel {
		cancel()
		delete(c.cancel, k)
	}
}

// probeLoop runs until ctx is cancelled, probing at the interval named by
// the current snapshot's health check config for this backend. It
// re-reads that config before each wait so a changed interval takes
// effect at the next tick boundary without restarting the loop.
func (c *Checker) probeLoop(ctx context.Context, backend, addr string) {
	log := c.logger.WithFields(slog.String("backend", backend), slog.String("addr", addr))

	var ticker *time.Ticker
	var currentInterval time.Duration
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		hc, ok := c.lookupHealthCheck(backend)
		if !ok {
			return
		}
		if ticker == nil || hc.Interval != currentInterval {
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(hc.Interval)
			currentInterval = hc.Interval
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, backend, addr, hc, log)
		}
	}
}

func (c *Checker) lookupHealthCheck(backend string) (config.HealthCheck, bool) {
	snap := c.store.Load()
	b, ok := snap.Backends[backend]
	if !ok {
		return config.HealthCheck{}, false
	}
	return b.HealthCheck, true
}

// probeOnce runs a single TCP or HTTP probe with the configured timeout
// and feeds the result into the health map. Cooldown is enforced by the
// health map: RecordSuccess withholds the recovery transition until
// cooldown has elapsed since the server went unhealthy. The checker
// keeps probing an unhealthy server throughout its cooldown so it can
// detect recovery as soon as it happens. The backend_health gauge is
// set from the record's health flag after the result is recorded.
func (c *Checker) probeOnce(ctx context.Context, backend, addr string, hc config.HealthCheck, log *logging.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	var err error
	switch hc.Kind {
	case config.HealthCheckHTTP:
		err = probeHTTP(probeCtx, addr, hc)
	default:
		err = probeTCP(probeCtx, addr)
	}

	now := time.Now()
	if err != nil {
		c.health.RecordProbeFailure(backend, addr, hc.UnhealthyThreshold, now)
		log.Debug(ctx, "probe failed", slog.String("error", err.Error()))
	} else {
		c.health.RecordSuccess(backend, addr, hc.HealthyThreshold, hc.Cooldown, now)
	}
	for _, v := range c.health.View(backend) {
		if v.Addr == addr {
			c.metrics.SetBackendHealth(backend, addr, v.Healthy)
			break
		}
	}
}
