package metrics

import (
	"sync"
	"sync/atomic"
)

// MetricKey is a strongly typed metric identifier.
type MetricKey string

// Metric keys (centralized)
const (
	// Change queue
	QueueEnqueuedTotal     MetricKey = "queue_enqueued_total"
	QueueDrainedTotal      MetricKey = "queue_drained_total"
	QueueBackpressureTotal MetricKey = "queue_backpressure_total"
	QueueDiscardedTotal    MetricKey = "queue_discarded_total"
	QueuePending           MetricKey = "queue_pending"

	// Delivery
	BatchesSentTotal      MetricKey = "batches_sent_total"
	BatchesAckedTotal     MetricKey = "batches_acked_total"
	BatchesRejectedTotal  MetricKey = "batches_rejected_total"
	DeliveryFailuresTotal MetricKey = "delivery_failures_total"
	DeliveryRetriesTotal  MetricKey = "delivery_retries_total"

	// Inbound
	BatchesReceivedTotal  MetricKey = "batches_received_total"
	MessagesReceivedTotal MetricKey = "messages_received_total"
	DecodeErrorsTotal     MetricKey = "decode_errors_total"
	ChangesRelayedTotal   MetricKey = "changes_relayed_total"

	// Apply
	ApplyAppliedTotal       MetricKey = "apply_applied_total"
	ApplyDuplicatesTotal    MetricKey = "apply_duplicates_total"
	ApplyDeleteMissingTotal MetricKey = "apply_delete_missing_total"
	ApplyConflictsTotal     MetricKey = "apply_conflicts_total"
	ApplyErrorsTotal        MetricKey = "apply_errors_total"

	// Full sync
	FullSyncRequestsTotal  MetricKey = "full_sync_requests_total"
	FullSyncSnapshotsTotal MetricKey = "full_sync_snapshots_total"
	FullSyncCompletedTotal MetricKey = "full_sync_completed_total"
	SessionsAwaitingSync   MetricKey = "sessions_awaiting_sync"

	// Entity store
	EntitiesTotal MetricKey = "entities_total"

	// Tombstones
	TombstoneCleanupRunsTotal MetricKey = "tombstone_cleanup_runs_total"
	TombstonesPurgedTotal     MetricKey = "tombstones_purged_total"

	// Peers
	PeersHealthy      MetricKey = "peers_healthy"
	PeersUnhealthy    MetricKey = "peers_unhealthy"
	PeerFailuresTotal MetricKey = "peer_failures_total"

	// Heartbeat metrics
	HeartbeatRunsTotal     MetricKey = "heartbeat_runs_total"
	HeartbeatSuccessTotal  MetricKey = "heartbeat_success_total"
	HeartbeatFailuresTotal MetricKey = "heartbeat_failures_total"
)

// Registry stores all metrics.
type Registry struct {
	mu       sync.RWMutex
	counters map[MetricKey]*int64
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[MetricKey]*int64),
	}
}

// Inc increments a metric by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Dec decrements a gauge-style metric by 1.
func (r *Registry) Dec(key MetricKey) {
	r.Add(key, -1)
}

// Add increments a metric by delta.
func (r *Registry) Add(key MetricKey, delta int64) {
	if r == nil {
		return
	}

	r.mu.RLock()
	ptr, ok := r.counters[key]
	r.mu.RUnlock()

	if ok {
		atomic.AddInt64(ptr, delta)
		return
	}

	// Slow path: metric not yet initialized
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if ptr, ok = r.counters[key]; ok {
		atomic.AddInt64(ptr, delta)
		return
	}

	var val int64
	r.counters[key] = &val
	atomic.AddInt64(&val, delta)
}

// Get returns the current value of a single metric.
func (r *Registry) Get(key MetricKey) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ptr, ok := r.counters[key]; ok {
		return atomic.LoadInt64(ptr)
	}
	return 0
}
