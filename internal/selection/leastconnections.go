package selection

import "github.com/flowmesh/loadbalancer/internal/health"

// selectLeastConnections picks the healthy server with the smallest
// active_connections/weight score. Stateless: it reads
// straight from the health map's view, so there is nothing to reconcile
// across a snapshot swap. Ties break on smallest index in the configured
// order.
func selectLeastConnections(views []health.View) (string, error) {
	if len(views) == 0 {
		return "", ErrNoCandidate
	}

	best := -1
	var bestScore float64
	for i, v := range views {
		weight := v.Weight
		if weight < 1 {
			weight = 1
		}
		score := float64(v.ActiveConnections) / float64(weight)
		if best == -1 || score < bestScore {
			best = i
			bestScore = score
		}
	}
	return views[best].Addr, nil
}
