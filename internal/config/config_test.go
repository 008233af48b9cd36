package config

import (
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/loadbalancer/internal/lberrors"
)

func validYAML() []byte {
	return []byte(`
global:
  log_level: info
health_check_defaults:
  kind: tcp
  interval: 5s
  timeout: 1s
  unhealthy_threshold: 3
  healthy_threshold: 2
frontends:
  - name: web
    listen_addr: 127.0.0.1:8080
    protocol: http
    backend_name: web_pool
    algorithm: round_robin
backends:
  web_pool:
    servers:
      - addr: 127.0.0.1:9001
        weight: 1
      - addr: 127.0.0.1:9002
        weight: 2
`)
}

// TestParseValidConfigFillsDefaults verifies a minimal valid document
// parses and picks up the documented defaults for fields it omits.
func TestParseValidConfigFillsDefaults(t *testing.T) {
	snap, err := Parse(validYAML())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	f := snap.Frontends[0]
	if f.HTTPOptions == nil {
		t.Fatal("expected http_options to be defaulted in for an http frontend")
	}
	if f.HTTPOptions.HeaderSectionCap != 64*1024 {
		t.Fatalf("got header section cap %d, want 65536", f.HTTPOptions.HeaderSectionCap)
	}
	if f.HTTPOptions.ConnectTimeout != 5*time.Second {
		t.Fatalf("got connect timeout %v, want 5s", f.HTTPOptions.ConnectTimeout)
	}

	backend := snap.Backends["web_pool"]
	if backend.HealthCheck.Kind != HealthCheckTCP {
		t.Fatalf("got health check kind %q, want inherited default tcp", backend.HealthCheck.Kind)
	}
	if backend.HealthCheck.UnhealthyThreshold != 3 {
		t.Fatalf("got unhealthy_threshold %d, want inherited default 3", backend.HealthCheck.UnhealthyThreshold)
	}

	if snap.Global.DrainDeadline != 30*time.Second {
		t.Fatalf("got drain deadline %v, want default 30s", snap.Global.DrainDeadline)
	}
}

// TestValidateRejectsUnresolvedBackend verifies a frontend naming a
// backend absent from the backends map is rejected.
func TestValidateRejectsUnresolvedBackend(t *testing.T) {
	snap := &Snapshot{
		Frontends: []Frontend{{
			Name: "web", ListenAddr: "127.0.0.1:8080", Protocol: ProtocolHTTP,
			BackendName: "missing", Algorithm: AlgorithmRoundRobin,
		}},
		Backends: map[string]Backend{},
	}
	err := Validate(snap)
	if !errors.Is(err, lberrors.ErrConfigInvalid) {
		t.Fatalf("got %v, want wrapped ErrConfigInvalid", err)
	}
}

// TestValidateRejectsDuplicateListenAddr verifies two frontends cannot
// bind the same address.
func TestValidateRejectsDuplicateListenAddr(t *testing.T) {
	backend := Backend{
		Servers: []Server{{Addr: "127.0.0.1:9001", Weight: 1}},
		HealthCheck: HealthCheck{
			Kind: HealthCheckTCP, Interval: time.Second, Timeout: time.Second,
			UnhealthyThreshold: 1, HealthyThreshold: 1,
		},
	}
	snap := &Snapshot{
		Frontends: []Frontend{
			{Name: "a", ListenAddr: "127.0.0.1:8080", Protocol: ProtocolTCP, BackendName: "p", Algorithm: AlgorithmRoundRobin},
			{Name: "b", ListenAddr: "127.0.0.1:8080", Protocol: ProtocolTCP, BackendName: "p", Algorithm: AlgorithmRoundRobin},
		},
		Backends: map[string]Backend{"p": backend},
	}
	if err := Validate(snap); !errors.Is(err, lberrors.ErrConfigInvalid) {
		t.Fatalf("got %v, want wrapped ErrConfigInvalid for duplicate listen_addr", err)
	}
}

// TestValidateRejectsZeroWeightServer verifies a server weight below 1
// is rejected rather than silently treated as unreachable.
func TestValidateRejectsZeroWeightServer(t *testing.T) {
	backend := Backend{
		Servers: []Server{{Addr: "127.0.0.1:9001", Weight: 0}},
		HealthCheck: HealthCheck{
			Kind: HealthCheckTCP, Interval: time.Second, Timeout: time.Second,
			UnhealthyThreshold: 1, HealthyThreshold: 1,
		},
	}
	snap := &Snapshot{
		Frontends: []Frontend{{Name: "a", ListenAddr: "127.0.0.1:8080", Protocol: ProtocolTCP, BackendName: "p", Algorithm: AlgorithmRoundRobin}},
		Backends:  map[string]Backend{"p": backend},
	}
	if err := Validate(snap); !errors.Is(err, lberrors.ErrConfigInvalid) {
		t.Fatalf("got %v, want wrapped ErrConfigInvalid for zero weight", err)
	}
}

// TestMergeHealthCheckOverridesOnlySetFields verifies per-backend
// health check fields override the global defaults field-by-field,
// leaving unset fields inherited.
func TestMergeHealthCheckOverridesOnlySetFields(t *testing.T) {
	defaults := HealthCheck{
		Kind: HealthCheckTCP, Interval: 5 * time.Second, Timeout: time.Second,
		UnhealthyThreshold: 3, HealthyThreshold: 2,
	}
	override := HealthCheck{Kind: HealthCheckHTTP, Path: "/healthz"}

	merged := mergeHealthCheck(defaults, override)
	if merged.Kind != HealthCheckHTTP {
		t.Fatalf("got kind %q, want overridden http", merged.Kind)
	}
	if merged.Path != "/healthz" {
		t.Fatalf("got path %q, want /healthz", merged.Path)
	}
	if merged.Interval != 5*time.Second {
		t.Fatalf("got interval %v, want inherited 5s", merged.Interval)
	}
	if merged.UnhealthyThreshold != 3 {
		t.Fatalf("got unhealthy_threshold %d, want inherited 3", merged.UnhealthyThreshold)
	}
}
