package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus bounds the in-memory status map: finished jobs older than the
// TTL go first, then the oldest finished jobs until the map fits. Queued and
// running jobs are never pruned; finished ones remain readable from the store.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, st := range s.status {
		if !st.job.Status.Terminal() {
			continue
		}
		at := st.job.CompletedAt
		if at.IsZero() {
			at = st.job.CreatedAt
		}
		if now.Sub(at) > ttl {
			delete(s.status, id)
			continue
		}
		finished = append(finished, aged{id: id, at: at})
	}

	excess := len(s.status) - max
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for i := 0; i < excess && i < len(finished); i++ {
		delete(s.status, finished[i].id)
	}
}
