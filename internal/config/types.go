// Package config implements the core's configuration data model: an
// immutable snapshot value parsed from YAML and validated before
// publication, plus the atomic store used to swap it without disturbing
// in-flight connections.
package config

import "time"

// Protocol selects the frontend's wire handling.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

// Algorithm selects a backend's selection strategy.
type Algorithm string

const (
	AlgorithmRoundRobin       Algorithm = "round_robin"
	AlgorithmWeighted         Algorithm = "weighted"
	AlgorithmLeastConnections Algorithm = "least_connections"
	AlgorithmIPHash           Algorithm = "ip_hash"
)

// HealthCheckKind selects the active probe's wire protocol.
type HealthCheckKind string

const (
	HealthCheckTCP  HealthCheckKind = "tcp"
	HealthCheckHTTP HealthCheckKind = "http"
)

// HealthCheck holds the timing and threshold parameters for an active
// prober, defaulted from Snapshot.HealthCheckDefaults and overridable per
// backend.
type HealthCheck struct {
	Kind               HealthCheckKind `yaml:"kind"`
	Path               string          `yaml:"path"`
	ExpectedStatus     int             `yaml:"expected_status"`
	Interval           time.Duration   `yaml:"interval"`
	Timeout            time.Duration   `yaml:"timeout"`
	UnhealthyThreshold int             `yaml:"unhealthy_threshold"`
	HealthyThreshold   int             `yaml:"healthy_threshold"`
	Cooldown           time.Duration   `yaml:"cooldown"`
}

// Server is a single upstream address within a backend.
type Server struct {
	Addr   string `yaml:"addr"`
	Weight int    `yaml:"weight"`
}

// Backend is a named pool of upstream servers plus its health check
// parameters.
type Backend struct {
	Servers     []Server    `yaml:"servers"`
	HealthCheck HealthCheck `yaml:"health_check"`
}

// HTTPOptions carries the L7-specific knobs a frontend can set: header
// rewrite rules and the variables they can interpolate.
type HTTPOptions struct {
	RequestHeaders    map[string]string `yaml:"request_headers"`
	ResponseHeaders   map[string]string `yaml:"response_headers"`
	HeaderSectionCap  int               `yaml:"header_section_cap_bytes"`
	IdleTimeout       time.Duration     `yaml:"idle_timeout"`
	HeaderReadTimeout time.Duration     `yaml:"header_read_timeout"`
	ConnectTimeout    time.Duration     `yaml:"connect_timeout"`
}

// TCPOptions carries the L4-specific knobs a frontend can set.
type TCPOptions struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BufferSize     int           `yaml:"buffer_size_bytes"`
}

// Frontend is a listening endpoint plus the policy applied to the
// connections it accepts.
type Frontend struct {
	Name        string       `yaml:"name"`
	ListenAddr  string       `yaml:"listen_addr"`
	Protocol    Protocol     `yaml:"protocol"`
	BackendName string       `yaml:"backend_name"`
	Algorithm   Algorithm    `yaml:"algorithm"`
	HTTPOptions *HTTPOptions `yaml:"http_options,omitempty"`
	TCPOptions  *TCPOptions  `yaml:"tcp_options,omitempty"`
}

// Global carries the concerns this system treats as "consumed externally": log
// verbosity and the metrics endpoint address, which the core only
// threads through to the external collaborators that act on them. It
// also carries the shutdown drain deadline, which the server applies
// itself.
type Global struct {
	LogLevel      string `yaml:"log_level"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DrainDeadline time.Duration `yaml:"drain_deadline"`
}

// Snapshot is the immutable configuration value this package validates.
// Once Parse has built and validated it, it is never mutated; a reload
// produces a brand new Snapshot and publishes it via Store.Publish.
type Snapshot struct {
	Global              Global              `yaml:"global"`
	HealthCheckDefaults HealthCheck         `yaml:"health_check_defaults"`
	Frontends           []Frontend          `yaml:"frontends"`
	Backends            map[string]Backend  `yaml:"backends"`
}
