package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_IncAndAdd(t *testing.T) {
	r := NewRegistry()

	r.Inc(BatchesSentTotal)
	r.Add(BatchesSentTotal, 2)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap[string(BatchesSentTotal)])
	assert.Equal(t, int64(3), r.Get(BatchesSentTotal))
}

func TestRegistry_GaugeIncDec(t *testing.T) {
	r := NewRegistry()

	r.Inc(SessionsAwaitingSync)
	r.Inc(SessionsAwaitingSync)
	r.Dec(SessionsAwaitingSync)

	assert.Equal(t, int64(1), r.Get(SessionsAwaitingSync))
	assert.Zero(t, r.Get(QueuePending))
}

func TestRegistry_MultipleMetrics(t *testing.T) {
	r := NewRegistry()

	r.Inc(MessagesReceivedTotal)
	r.Inc(DecodeErrorsTotal)
	r.Add(TombstonesPurgedTotal, 5)

	snap := r.Snapshot()

	assert.Equal(t, int64(1), snap[string(MessagesReceivedTotal)])
	assert.Equal(t, int64(1), snap[string(DecodeErrorsTotal)])
	assert.Equal(t, int64(5), snap[string(TombstonesPurgedTotal)])
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	wg := sync.WaitGroup{}

	workers := 50
	increments := 100

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				r.Inc(QueueEnqueuedTotal)
			}
		}()
	}

	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(workers*increments), snap[string(QueueEnqueuedTotal)])
}

func TestRegistry_SnapshotIsDeepCopy(t *testing.T) {
	r := NewRegistry()

	r.Inc(EntitiesTotal)
	snap1 := r.Snapshot()

	// Mutate snapshot
	snap1[string(EntitiesTotal)] = 999

	// Fetch fresh snapshot
	snap2 := r.Snapshot()

	assert.Equal(t, int64(1), snap2[string(EntitiesTotal)],
		"internal state should not be affected by snapshot mutation")
}

func TestRegistry_NilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.Inc(BatchesSentTotal)
	})
}

func TestRegistry_SnapshotPrefix(t *testing.T) {
	r := NewRegistry()
	r.Inc(QueueEnqueuedTotal)
	r.Inc(QueuePending)
	r.Inc(ApplyAppliedTotal)

	snap := r.SnapshotPrefix("queue_")
	assert.Len(t, snap, 2)
	assert.NotContains(t, snap, string(ApplyAppliedTotal))

	var empty *Registry
	assert.Empty(t, empty.Snapshot())
}
