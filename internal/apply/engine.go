// Package apply mutates local entity state from received change events.
package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"edge-sync/internal/entity"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/store"
)

// Status is the outcome of one Apply call.
type Status string

const (
	StatusApplied Status = "APPLIED"
	// StatusImplicitUpsert: an UPDATED arrived for an entity that was never
	// created (or was deleted). It is applied as a create.
	StatusImplicitUpsert Status = "IMPLICIT_UPSERT"
	// StatusDuplicate: the store already holds this or a newer sequence.
	StatusDuplicate Status = "DUPLICATE"
	// StatusDeleteMissing: delete of an entity that does not exist locally.
	StatusDeleteMissing Status = "DELETE_MISSING"
)

type Outcome struct {
	Ref    entity.Ref
	Seq    int64
	Status Status
}

// Changed reports whether the outcome mutated local state.
func (o Outcome) Changed() bool {
	return o.Status == StatusApplied || o.Status == StatusImplicitUpsert
}

// Engine applies change events to a store, one at a time.
type Engine struct {
	mu      sync.Mutex
	store   store.Store
	metrics *metrics.Registry
	logger  *logs.Logger
	now     func() time.Time
}

func NewEngine(s store.Store, reg *metrics.Registry, logger *logs.Logger) *Engine {
	return &Engine{
		store:   s,
		metrics: reg,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply upserts or deletes the referenced entity.
//
// Idempotent on (ref, seq): an event whose sequence is not newer than the
// stored one is a DUPLICATE and changes nothing.
func (e *Engine) Apply(ctx context.Context, ev entity.ChangeEvent) (Outcome, error) {
	out := Outcome{Ref: ev.Ref, Seq: ev.Seq}
	if err := ev.Validate(); err != nil {
		e.metrics.Inc(metrics.ApplyErrorsTotal)
		return out, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, exists, err := e.store.Get(ctx, ev.Ref)
	if err != nil {
		e.metrics.Inc(metrics.ApplyErrorsTotal)
		return out, fmt.Errorf("apply %s: %w", ev.Ref, err)
	}
	live := exists && cur.Live()

	if exists && ev.Seq <= cur.Seq {
		out.Status = StatusDuplicate
		e.metrics.Inc(metrics.ApplyDuplicatesTotal)
		e.logger.Debug("duplicate change ignored", "ref", ev.Ref, "seq", ev.Seq, "stored_seq", cur.Seq)
		return out, nil
	}

	var rec store.Record
	switch ev.Op {
	case entity.OpDeleted:
		if !live {
			out.Status = StatusDeleteMissing
			e.metrics.Inc(metrics.ApplyDeleteMissingTotal)
			e.logger.Debug("delete of missing entity", "ref", ev.Ref, "seq", ev.Seq)
			return out, nil
		}
		rec = store.Record{Ref: ev.Ref, Seq: ev.Seq, Deleted: true, UpdatedAt: e.now()}
		out.Status = StatusApplied

	default:
		rec = store.Record{
			Ref:       ev.Ref,
			Attrs:     ev.Attrs,
			Assigned:  ev.Assigned.Clone(),
			Seq:       ev.Seq,
			UpdatedAt: e.now(),
		}
		// an absent set keeps the stored one; a present set replaces it
		if ev.Assigned == nil && live {
			rec.Assigned = cur.Assigned
		}
		out.Status = StatusApplied
		if ev.Op == entity.OpUpdated && !live {
			out.Status = StatusImplicitUpsert
			e.metrics.Inc(metrics.ApplyConflictsTotal)
			e.logger.Warn("update without prior create, applying as upsert", "ref", ev.Ref, "seq", ev.Seq)
		}
	}

	written, err := e.store.Put(ctx, rec)
	if err != nil {
		e.metrics.Inc(metrics.ApplyErrorsTotal)
		return out, fmt.Errorf("apply %s: %w", ev.Ref, err)
	}
	if !written {
		// another writer on a shared backend got there first
		out.Status = StatusDuplicate
		e.metrics.Inc(metrics.ApplyDuplicatesTotal)
		return out, nil
	}

	switch {
	case rec.Deleted:
		e.metrics.Dec(metrics.EntitiesTotal)
	case !live:
		e.metrics.Inc(metrics.EntitiesTotal)
	}
	e.metrics.Inc(metrics.ApplyAppliedTotal)
	e.logger.Debug("change applied", "ref", ev.Ref, "op", ev.Op, "seq", ev.Seq, "status", out.Status)
	return out, nil
}

// Snapshot returns one CREATED event per live entity, for a full sync.
func (e *Engine) Snapshot(ctx context.Context) ([]entity.ChangeEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	events := make([]entity.ChangeEvent, 0, len(recs))
	for _, rec := range recs {
		events = append(events, entity.ChangeEvent{
			Ref:      rec.Ref,
			Op:       entity.OpCreated,
			Attrs:    rec.Attrs,
			Assigned: rec.Assigned,
			Seq:      rec.Seq,
		})
	}
	return events, nil
}

// List returns every live record, ordered by kind and id.
func (e *Engine) List(ctx context.Context) ([]store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.List(ctx)
}

// Lookup returns the stored record for ref, serialized with Apply.
func (e *Engine) Lookup(ctx context.Context, ref entity.Ref) (store.Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(ctx, ref)
}
