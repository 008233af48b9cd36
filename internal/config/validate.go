package config

import (
	"fmt"

	"github.com/flowmesh/loadbalancer/internal/lberrors"
)

// Validate checks the invariants a configuration
// snapshot before it is ever published: every frontend's backend_name
// resolves, every listen_addr is unique, and, for every backend in the
// snapshot, every server addr is unique within it, weights, probe
// intervals and probe timeouts are positive, cooldown is not negative,
// and threshold counts are at least one. Any violation wraps lberrors.ErrConfigInvalid
// so a reload can detect and reject it without disturbing the snapshot
// already running.
func Validate(s *Snapshot) error {
	if len(s.Frontends) == 0 {
		return invalid("at least one frontend is required")
	}
	listenAddrs := make(map[string]bool, len(s.Frontends))
	for i, f := range s.Frontends {
		if f.Name == "" {
			return invalid("frontend[%d]: name is required", i)
		}
		if f.ListenAddr == "" {
			return invalid("frontend %q: listen_addr is required", f.Name)
		}
		if listenAddrs[f.ListenAddr] {
			return invalid("frontend %q: listen_addr %q is not unique", f.Name, f.ListenAddr)
		}
		listenAddrs[f.ListenAddr] = true

		if f.Protocol != ProtocolTCP && f.Protocol != ProtocolHTTP {
			return invalid("frontend %q: protocol must be tcp or http", f.Name)
		}
		if !validAlgorithm(f.Algorithm) {
			return invalid("frontend %q: unknown algorithm %q", f.Name, f.Algorithm)
		}
		backend, ok := s.Backends[f.BackendName]
		if !ok {
			return invalid("frontend %q: backend_name %q does not resolve", f.Name, f.BackendName)
		}
		if err := validateBackend(f.BackendName, backend); err != nil {
			return err
		}
	}
	for name, backend := range s.Backends {
		if err := validateBackend(name, backend); err != nil {
			return err
		}
	}
	return nil
}

func validAlgorithm(a Algorithm) bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmWeighted, AlgorithmLeastConnections, AlgorithmIPHash:
		return true
	default:
		return false
	}
}

func validateBackend(name string, b Backend) error {
	if len(b.Servers) == 0 {
		return invalid("backend %q: at least one server is required", name)
	}
	addrs := make(map[string]bool, len(b.Servers))
	for _, srv := range b.Servers {
		if srv.Addr == "" {
			return invalid("backend %q: server addr is required", name)
		}
		if addrs[srv.Addr] {
			return invalid("backend %q: server addr %q is not unique", name, srv.Addr)
		}
		addrs[srv.Addr] = true
		if srv.Weight < 1 {
			return invalid("backend %q: server %q weight must be >= 1", name, srv.Addr)
		}
	}
	hc := b.HealthCheck
	if hc.Kind != HealthCheckTCP && hc.Kind != HealthCheckHTTP {
		return invalid("backend %q: health_check.kind must be tcp or http", name)
	}
	if hc.Interval <= 0 {
		return invalid("backend %q: health_check.interval must be positive", name)
	}
	if hc.Timeout <= 0 {
		return invalid("backend %q: health_check.timeout must be positive", name)
	}
	if hc.UnhealthyThreshold < 1 {
		return invalid("backend %q: health_check.unhealthy_threshold must be >= 1", name)
	}
	if hc.HealthyThreshold < 1 {
		return invalid("backend %q: health_check.healthy_threshold must be >= 1", name)
	}
	if hc.Cooldown < 0 {
		return invalid("backend %q: health_check.cooldown must not be negative", name)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{lberrors.ErrConfigInvalid}, args...)...)
}
