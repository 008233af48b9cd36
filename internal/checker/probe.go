package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/flowmesh/loadbalancer/internal/config"
)

// probeTCP succeeds the instant a TCP handshake completes, then closes
// the connection without sending anything.
func probeTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp probe: %w", err)
	}
	return conn.Close()
}

// probeHTTP issues a GET against the configured path and compares the
// response status against the configured expectation (defaulting to any
// 2xx when unset).
func probeHTTP(ctx context.Context, addr string, hc config.HealthCheck) error {
	path := hc.Path
	if path == "" {
		path = "/"
	}
	url := "http://" + addr + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("http probe: build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http probe: %w", err)
	}
	defer resp.Body.Close()

	if hc.ExpectedStatus != 0 {
		if resp.StatusCode != hc.ExpectedStatus {
			return fmt.Errorf("http probe: status %d, want %d", resp.StatusCode, hc.ExpectedStatus)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http probe: status %d", resp.StatusCode)
	}
	return nil
}
