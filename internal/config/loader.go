package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file from disk, parses it, and
// validates it into an immutable Snapshot. Used at startup and on
// reload (SIGHUP); the caller decides what happens to an error (fatal at
// startup, logged-and-ignored during reload).
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a validated Snapshot.
func Parse(data []byte) (*Snapshot, error) {
	var raw Snapshot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	applyDefaults(&raw)
	if err := Validate(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// applyDefaults fills per-backend health check fields left zero from
// Snapshot.HealthCheckDefaults, and per-frontend HTTP/TCP option structs
// when the frontend omits them entirely.
func applyDefaults(s *Snapshot) {
	for name, b := range s.Backends {
		b.HealthCheck = mergeHealthCheck(s.HealthCheckDefaults, b.HealthCheck)
		s.Backends[name] = b
	}
	for i := range s.Frontends {
		f := &s.Frontends[i]
		if f.Protocol == ProtocolHTTP && f.HTTPOptions == nil {
			f.HTTPOptions = &HTTPOptions{}
		}
		if f.Protocol == ProtocolTCP && f.TCPOptions == nil {
			f.TCPOptions = &TCPOptions{}
		}
		if f.HTTPOptions != nil {
			if f.HTTPOptions.HeaderSectionCap == 0 {
				f.HTTPOptions.HeaderSectionCap = 64 * 1024
			}
			if f.HTTPOptions.IdleTimeout == 0 {
				f.HTTPOptions.IdleTimeout = 75 * time.Second
			}
			if f.HTTPOptions.HeaderReadTimeout == 0 {
				f.HTTPOptions.HeaderReadTimeout = 10 * time.Second
			}
			if f.HTTPOptions.ConnectTimeout == 0 {
				f.HTTPOptions.ConnectTimeout = 5 * time.Second
			}
		}
		if f.TCPOptions != nil && f.TCPOptions.ConnectTimeout == 0 {
			f.TCPOptions.ConnectTimeout = 5 * time.Second
		}
		if f.TCPOptions != nil && f.TCPOptions.BufferSize == 0 {
			f.TCPOptions.BufferSize = 16 * 1024
		}
	}
	if s.Global.DrainDeadline == 0 {
		s.Global.DrainDeadline = 30 * time.Second
	}
}

func mergeHealthCheck(defaults, override HealthCheck) HealthCheck {
	out := defaults
	if override.Kind != "" {
		out.Kind = override.Kind
	}
	if override.Path != "" {
		out.Path = override.Path
	}
	if override.ExpectedStatus != 0 {
		out.ExpectedStatus = override.ExpectedStatus
	}
	if override.Interval != 0 {
		out.Interval = override.Interval
	}
	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.UnhealthyThreshold != 0 {
		out.UnhealthyThreshold = override.UnhealthyThreshold
	}
	if override.HealthyThreshold != 0 {
		out.HealthyThreshold = override.HealthyThreshold
	}
	if override.Cooldown != 0 {
		out.Cooldown = override.Cooldown
	}
	return out
}
