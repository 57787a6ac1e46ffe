package metrics

import (
	"strings"
	"sync/atomic"
)

// Snapshot returns a copy of every metric keyed by name.
// A nil registry yields an empty snapshot.
func (r *Registry) Snapshot() map[string]int64 {
	return r.SnapshotPrefix("")
}

// SnapshotPrefix returns only the metrics whose name starts with prefix,
// e.g. "queue_" or "apply_".
func (r *Registry) SnapshotPrefix(prefix string) map[string]int64 {
	out := make(map[string]int64)
	if r == nil {
		return out
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, ptr := range r.counters {
		if strings.HasPrefix(string(key), prefix) {
			out[string(key)] = atomic.LoadInt64(ptr)
		}
	}
	return out
}
