// Package ttl purges delete tombstones once they are too old to matter.
package ttl

import (
	"context"
	"time"

	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
)

// Store defines the minimal contract required by the tombstone cleaner.
type Store interface {
	PurgeTombstones(ctx context.Context, before time.Time) (int, error)
}

// Cleaner periodically removes tombstones older than the retention window.
// A tombstone must outlive any redelivery of the change it records, so
// retention should exceed the longest expected delivery outage.
type Cleaner struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	logger    *logs.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewCleaner creates a new instance of the tombstone Cleaner
func NewCleaner(
	store Store,
	interval time.Duration,
	retention time.Duration,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Cleaner {
	return &Cleaner{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		metrics:   reg,
		now:       time.Now,
	}
}

// Start runs the cleanup loop until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runOnce(ctx)
		case <-ctx.Done():
			c.logger.Debug("tombstone cleaner stopped")
			return
		}
	}
}

// runOnce performs a single cleanup cycle
func (c *Cleaner) runOnce(ctx context.Context) {
	c.metrics.Inc(metrics.TombstoneCleanupRunsTotal)

	removed, err := c.store.PurgeTombstones(ctx, c.now().Add(-c.retention))
	if err != nil {
		c.logger.Warn("tombstone cleanup failed", "err", err)
		return
	}
	if removed > 0 {
		c.metrics.Add(metrics.TombstonesPurgedTotal, int64(removed))
		c.logger.Info("tombstone cleaner purged entries", "count", removed)
	}
}
