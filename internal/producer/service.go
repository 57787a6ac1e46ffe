// Package producer turns local entity mutations into change events.
//
// Every mutation waits for room in the peer queues, is applied to the local
// store and is then published to the change queue of each peer, so local
// reads and outbound changes never disagree.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"edge-sync/internal/apply"
	"edge-sync/internal/entity"
	"edge-sync/internal/logs"
	"edge-sync/internal/store"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("entity not found")

// Publisher fans a change event out to every peer.
type Publisher interface {
	WaitForSpace(ctx context.Context) error
	Publish(ctx context.Context, ev entity.ChangeEvent) error
}

type Service struct {
	// mu keeps apply order and publish order identical.
	mu        sync.Mutex
	engine    *apply.Engine
	publisher Publisher
	seq       *entity.Sequencer
	logger    *logs.Logger
}

func NewService(engine *apply.Engine, publisher Publisher, seq *entity.Sequencer, logger *logs.Logger) *Service {
	return &Service{
		engine:    engine,
		publisher: publisher,
		seq:       seq,
		logger:    logger,
	}
}

// SaveDashboard creates or updates a dashboard. A nil id allocates one.
// Updates keep the dashboard's customer assignments.
func (s *Service) SaveDashboard(ctx context.Context, id uuid.UUID, d entity.Dashboard) (entity.ChangeEvent, error) {
	return s.save(ctx, entity.NewRef(entity.KindDashboard, id), d)
}

func (s *Service) SaveCustomer(ctx context.Context, id uuid.UUID, c entity.Customer) (entity.ChangeEvent, error) {
	return s.save(ctx, entity.NewRef(entity.KindCustomer, id), c)
}

func (s *Service) SaveAsset(ctx context.Context, id uuid.UUID, a entity.Asset) (entity.ChangeEvent, error) {
	return s.save(ctx, entity.NewRef(entity.KindAsset, id), a)
}

func (s *Service) save(ctx context.Context, ref entity.Ref, attrs entity.Attributes) (entity.ChangeEvent, error) {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, live, err := s.lookup(ctx, ref)
	if err != nil {
		return entity.ChangeEvent{}, err
	}

	ev := entity.ChangeEvent{
		Ref:   ref,
		Op:    entity.OpUpdated,
		Attrs: attrs,
		Seq:   s.seq.After(cur.Seq),
	}
	if !live {
		ev.Op = entity.OpCreated
		if ref.Kind.HasAssignments() {
			ev.Assigned = entity.EmptyContainers()
		}
	}
	return ev, s.emit(ctx, ev)
}

// Delete removes an entity. Deleting a customer first unassigns it from
// every dashboard that references it.
func (s *Service) Delete(ctx context.Context, ref entity.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, live, err := s.lookup(ctx, ref)
	if err != nil {
		return err
	}
	if !live {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if ref.Kind == entity.KindCustomer {
		if err := s.unassignEverywhere(ctx, ref.ID); err != nil {
			return err
		}
	}

	return s.emit(ctx, entity.ChangeEvent{
		Ref: ref,
		Op:  entity.OpDeleted,
		Seq: s.seq.After(cur.Seq),
	})
}

func (s *Service) unassignEverywhere(ctx context.Context, customerID uuid.UUID) error {
	recs, err := s.engine.List(ctx)
	if err != nil {
		return fmt.Errorf("list dashboards: %w", err)
	}
	for _, rec := range recs {
		if rec.Ref.Kind != entity.KindDashboard || !rec.Assigned.Contains(customerID) {
			continue
		}
		ev := entity.ChangeEvent{
			Ref:      rec.Ref,
			Op:       entity.OpUpdated,
			Attrs:    rec.Attrs,
			Assigned: rec.Assigned.Without(customerID),
			Seq:      s.seq.After(rec.Seq),
		}
		if err := s.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// AssignDashboardToCustomer adds the customer to the dashboard's
// assignment set and emits the full resulting set.
func (s *Service) AssignDashboardToCustomer(ctx context.Context, dashboardID, customerID uuid.UUID) (entity.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dash, err := s.mustGet(ctx, entity.NewRef(entity.KindDashboard, dashboardID))
	if err != nil {
		return entity.ChangeEvent{}, err
	}
	cust, err := s.mustGet(ctx, entity.NewRef(entity.KindCustomer, customerID))
	if err != nil {
		return entity.ChangeEvent{}, err
	}

	c, _ := cust.Attrs.(entity.Customer)
	ev := entity.ChangeEvent{
		Ref:      dash.Ref,
		Op:       entity.OpUpdated,
		Attrs:    dash.Attrs,
		Assigned: dash.Assigned.With(entity.ContainerInfo{ID: customerID, Title: c.Title, Public: c.Public}),
		Seq:      s.seq.After(dash.Seq),
	}
	return ev, s.emit(ctx, ev)
}

func (s *Service) UnassignDashboardFromCustomer(ctx context.Context, dashboardID, customerID uuid.UUID) (entity.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dash, err := s.mustGet(ctx, entity.NewRef(entity.KindDashboard, dashboardID))
	if err != nil {
		return entity.ChangeEvent{}, err
	}
	if !dash.Assigned.Contains(customerID) {
		return entity.ChangeEvent{}, fmt.Errorf("%w: customer %s on %s", ErrNotFound, customerID, dash.Ref)
	}

	ev := entity.ChangeEvent{
		Ref:      dash.Ref,
		Op:       entity.OpUpdated,
		Attrs:    dash.Attrs,
		Assigned: dash.Assigned.Without(customerID),
		Seq:      s.seq.After(dash.Seq),
	}
	return ev, s.emit(ctx, ev)
}

// Get returns the live record for ref.
func (s *Service) Get(ctx context.Context, ref entity.Ref) (store.Record, error) {
	return s.mustGet(ctx, ref)
}

// List returns live records of kind, or of every kind when kind is empty.
func (s *Service) List(ctx context.Context, kind entity.Kind) ([]store.Record, error) {
	recs, err := s.engine.List(ctx)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Ref.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Service) lookup(ctx context.Context, ref entity.Ref) (store.Record, bool, error) {
	rec, ok, err := s.engine.Lookup(ctx, ref)
	if err != nil {
		return store.Record{}, false, fmt.Errorf("lookup %s: %w", ref, err)
	}
	return rec, ok && rec.Live(), nil
}

func (s *Service) mustGet(ctx context.Context, ref entity.Ref) (store.Record, error) {
	rec, live, err := s.lookup(ctx, ref)
	if err != nil {
		return store.Record{}, err
	}
	if !live {
		return store.Record{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return rec, nil
}

// emit applies ev locally and then hands it to the publisher.
//
// ctx bounds only the wait for queue room before the apply. An applied
// change is always queued; only closing the queue stops it.
func (s *Service) emit(ctx context.Context, ev entity.ChangeEvent) error {
	if err := s.publisher.WaitForSpace(ctx); err != nil {
		return fmt.Errorf("queue %s: %w", ev.Ref, err)
	}
	out, err := s.engine.Apply(ctx, ev)
	if err != nil {
		return err
	}
	if !out.Changed() {
		return nil
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("change applied locally but not queued", "ref", ev.Ref, "seq", ev.Seq, "err", err)
		return fmt.Errorf("publish %s: %w", ev.Ref, err)
	}
	s.logger.Debug("change published", "ref", ev.Ref, "op", ev.Op, "seq", ev.Seq)
	return nil
}
