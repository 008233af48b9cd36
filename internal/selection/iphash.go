package selection

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/flowmesh/loadbalancer/internal/health"
)

// selectIPHash computes a 64-bit stable hash of the client IP's raw
// address bytes (excluding port) and maps it into the
// healthy-server list by hash mod count. Stateless and deterministic:
// identical (client_ip, healthy_set) always yields the same server. When
// the healthy set changes, mappings shift; this is explicitly
// best-effort, not guaranteed-sticky.
func selectIPHash(views []health.View, clientIP net.IP) (string, error) {
	if len(views) == 0 {
		return "", ErrNoCandidate
	}

	raw := clientIP.To4()
	if raw == nil {
		raw = clientIP.To16()
	}
	if raw == nil {
		// No usable address (e.g. unix socket peer): fall back to the
		// first healthy server rather than failing the request outright.
		return views[0].Addr, nil
	}

	h := xxhash.Sum64(raw)
	return views[h%uint64(len(views))].Addr, nil
}
