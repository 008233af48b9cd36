package selection

import "github.com/flowmesh/loadbalancer/internal/health"

// selectWeighted implements smoothed weighted round-robin:
// each server's running current_weight increases by its static weight
// every pick; the maximum is chosen and decremented by the total healthy
// weight. This yields an even, non-bursty distribution proportional to
// weight without ever producing long runs of the same server. Ties
// break on smallest index in the configured order, which falls out
// naturally from scanning views left to right with a strict ">".
func (s *backendState) selectWeighted(views []health.View) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(views) == 0 {
		return "", ErrNoCandidate
	}

	total := 0
	for _, v := range views {
		total += v.Weight
	}

	best := -1
	bestWeight := 0
	for i, v := range views {
		cur := s.wrrCurrent[v.Addr] + v.Weight
		s.wrrCurrent[v.Addr] = cur
		if best == -1 || cur > bestWeight {
			best = i
			bestWeight = cur
		}
	}

	chosen := views[best]
	s.wrrCurrent[chosen.Addr] -= total
	return chosen.Addr, nil
}
