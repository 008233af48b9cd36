package checker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
)

// sharedMetrics avoids double-registering Prometheus collectors, which
// panics, across the several tests in this file.
var (
	sharedMetrics     *metrics.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *metrics.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = metrics.New() })
	return sharedMetrics
}

func testLogger() *logging.Logger { return logging.New("checker-test", "error") }

// TestProbeTCPSucceedsAgainstOpenPort verifies a bare TCP listener
// counts as a passing probe with no HTTP semantics involved.
func TestProbeTCPSucceedsAgainstOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probeTCP(ctx, ln.Addr().String()); err != nil {
		t.Fatalf("probeTCP: %v", err)
	}
}

// TestProbeTCPFailsAgainstClosedPort verifies a port nothing is
// listening on fails the probe rather than hanging.
func TestProbeTCPFailsAgainstClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probeTCP(ctx, addr); err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
}

// TestProbeHTTPHonorsExpectedStatus verifies a probe only passes when
// the response status matches expected_status, when one is configured.
func TestProbeHTTPHonorsExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	hc := config.HealthCheck{Path: "/", ExpectedStatus: http.StatusTeapot}
	if err := probeHTTP(ctx, addr, hc); err != nil {
		t.Fatalf("probeHTTP with matching expected_status: %v", err)
	}

	hc.ExpectedStatus = http.StatusOK
	if err := probeHTTP(ctx, addr, hc); err == nil {
		t.Fatal("expected a mismatch error against a non-matching expected_status")
	}
}

// TestProbeHTTPDefaultsToAny2xxWithoutExpectedStatus verifies the
// generic-2xx fallback when expected_status is unset.
func TestProbeHTTPDefaultsToAny2xxWithoutExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	hc := config.HealthCheck{Path: "/"}
	if err := probeHTTP(ctx, addr, hc); err != nil {
		t.Fatalf("probeHTTP: %v", err)
	}
}

// TestReconcileStartsAndStopsLoops verifies adding a server to a
// snapshot starts probing it and removing it stops the loop and drops
// its health record.
func TestReconcileStartsAndStopsLoops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().String()

	initial := &config.Snapshot{Backends: map[string]config.Backend{
		"b1": {
			Servers: []config.Server{{Addr: addr, Weight: 1}},
			HealthCheck: config.HealthCheck{
				Kind: config.HealthCheckTCP, Interval: 20 * time.Millisecond, Timeout: time.Second,
				UnhealthyThreshold: 1, HealthyThreshold: 1,
			},
		},
	}}
	store := config.NewStore(initial)
	healthMap := health.NewMap(nil)
	c := New(store, healthMap, testMetrics(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		v := healthMap.View("b1")
		return len(v) == 1 && v[0].Healthy
	})

	shrunk := &config.Snapshot{Backends: map[string]config.Backend{
		"b1": {HealthCheck: initial.Backends["b1"].HealthCheck},
	}}
	store.Publish(shrunk)

	waitFor(t, func() bool { return len(healthMap.View("b1")) == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
