package router

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
	"github.com/flowmesh/loadbalancer/internal/selection"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func acceptAndHold(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			t.Cleanup(func() { conn.Close() })
		}
	}()
}

func newTestStore(backend string, hc config.HealthCheck) *config.Store {
	snap := &config.Snapshot{
		Backends: map[string]config.Backend{backend: {HealthCheck: hc}},
	}
	return config.NewStore(snap)
}

// TestConnectSucceedsAgainstHealthyServer verifies the happy path:
// Connect selects the single healthy server, dials it, and returns a
// lease that accounts for one active connection.
func TestConnectSucceedsAgainstHealthyServer(t *testing.T) {
	ln := listen(t)
	acceptAndHold(t, ln)

	healthMap := health.NewMap(nil)
	healthMap.Ensure("b1", ln.Addr().String(), 1)
	engine := selection.NewEngine()
	store := newTestStore("b1", config.HealthCheck{UnhealthyThreshold: 1})
	r := New(engine, healthMap, store)

	conn, lease, err := r.Connect(context.Background(), "b1", config.AlgorithmRoundRobin, nil, time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	defer lease.Release()

	if lease.Addr() != ln.Addr().String() {
		t.Fatalf("got lease addr %s, want %s", lease.Addr(), ln.Addr().String())
	}
	if got := healthMap.View("b1")[0].ActiveConnections; got != 1 {
		t.Fatalf("got %d active connections after connect, want 1", got)
	}

	lease.Release()
	if got := healthMap.View("b1")[0].ActiveConnections; got != 0 {
		t.Fatalf("got %d active connections after release, want 0", got)
	}
}

// TestConnectRetriesAgainstSecondServer verifies a dial failure against
// one server is retried against another healthy candidate rather than
// failing the whole call immediately.
func TestConnectRetriesAgainstSecondServer(t *testing.T) {
	// deadAddr is bound then immediately closed, so dialing it fails fast
	// with connection refused.
	deadLn := listen(t)
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	goodLn := listen(t)
	acceptAndHold(t, goodLn)

	healthMap := health.NewMap(nil)
	healthMap.Ensure("b1", deadAddr, 1)
	healthMap.Ensure("b1", goodLn.Addr().String(), 1)
	engine := selection.NewEngine()
	store := newTestStore("b1", config.HealthCheck{UnhealthyThreshold: 5})
	r := New(engine, healthMap, store)

	conn, lease, err := r.Connect(context.Background(), "b1", config.AlgorithmRoundRobin, nil, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	defer lease.Release()

	if lease.Addr() != goodLn.Addr().String() {
		t.Fatalf("got lease addr %s, want the surviving server %s", lease.Addr(), goodLn.Addr().String())
	}
}

// TestConnectFailsWhenNoHealthyBackends verifies Connect returns an
// error when the backend has no registered servers, so selection finds
// no candidate.
func TestConnectFailsWhenNoHealthyBackends(t *testing.T) {
	healthMap := health.NewMap(nil)
	engine := selection.NewEngine()
	store := newTestStore("b1", config.HealthCheck{UnhealthyThreshold: 1})
	r := New(engine, healthMap, store)

	_, _, err := r.Connect(context.Background(), "b1", config.AlgorithmRoundRobin, nil, time.Second)
	if err == nil {
		t.Fatal("expected an error when no servers are registered")
	}
}

// TestMaxAttemptsCapsAtThreeEvenWithManyHealthyServers verifies the
// retry ceiling never exceeds three regardless of pool size.
func TestMaxAttemptsCapsAtThreeEvenWithManyHealthyServers(t *testing.T) {
	healthMap := health.NewMap(nil)
	for i := 0; i < 10; i++ {
		healthMap.Ensure("b1", net.JoinHostPort("127.0.0.1", strconv.Itoa(9000+i)), 1)
	}
	store := newTestStore("b1", config.HealthCheck{UnhealthyThreshold: 1})
	r := New(selection.NewEngine(), healthMap, store)

	if got := r.maxAttempts("b1"); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}
