// Package node assembles one edge or cloud sync participant from config.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"edge-sync/internal/apply"
	"edge-sync/internal/codec"
	"edge-sync/internal/config"
	"edge-sync/internal/entity"
	"edge-sync/internal/freshness"
	"edge-sync/internal/health"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/peers"
	"edge-sync/internal/producer"
	"edge-sync/internal/queue"
	"edge-sync/internal/replication"
	"edge-sync/internal/session"
	"edge-sync/internal/store"
	"edge-sync/internal/ttl"
)

type Node struct {
	cfg     config.Config
	logger  *logs.Logger
	metrics *metrics.Registry

	store    store.Store
	engine   *apply.Engine
	queue    *queue.Queue
	peers    *peers.PeerManager
	producer *producer.Service
	health   *health.Analyzer

	// decider is nil unless the freshness check is enabled.
	decider   *freshness.Decider
	sessions  map[string]*session.Session
	heartbeat *peers.HeartbeatWorker
	cleaner   *ttl.Cleaner

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type options struct {
	store     store.Store
	transport session.Transport
}

type Option func(*options)

// WithStore uses s instead of opening cfg.Store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransport replaces the HTTP transport, e.g. with an in-process one.
func WithTransport(t session.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New constructs every component the configuration asks for. Nothing runs
// until Start.
func New(ctx context.Context, cfg config.Config, logger *logs.Logger, reg *metrics.Registry, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	logger = logger.With("node", cfg.Node.Name)
	pc := cfg.PeerConfig()
	n := &Node{
		cfg:      cfg,
		logger:   logger,
		metrics:  reg,
		store:    st,
		engine:   apply.NewEngine(st, reg, logger),
		queue:    queue.New(cfg.Queue.Capacity, reg),
		peers:    peers.NewPeerManager(pc, reg),
		health:   health.NewAnalyzer(reg, logger),
		sessions: make(map[string]*session.Session, len(cfg.Peers)),
	}
	n.producer = producer.NewService(n.engine, n.queue, entity.NewSequencer(), logger)

	if cfg.FreshnessCheckEnabled() {
		n.decider = freshness.NewDecider(st)
	}

	if cfg.Sync.Enabled {
		transport := o.transport
		if transport == nil {
			transport = replication.NewClient(cfg.Node.Name, cfg.Sync.DeliveryTimeout, logger)
		}
		for _, p := range cfg.Peers {
			n.peers.AddPeer(p.Name, p.Address)
			sc := cfg.SessionConfig(p)
			sc.OnFullSync = st.MarkSynced
			n.sessions[p.Name] = session.New(
				sc,
				n.queue,
				n.engine,
				transport,
				n.peers,
				reg,
				logger,
			)
		}
		if pc.Heartbeat.Interval > 0 && len(cfg.Peers) > 0 {
			n.heartbeat = peers.NewHeartbeatWorker(n.peers, pc, reg)
		}
	}

	if cfg.Tombstones.Interval > 0 {
		n.cleaner = ttl.NewCleaner(st, cfg.Tombstones.Interval, cfg.Tombstones.Retention, logger, reg)
	}
	return n, nil
}

// Start decides on a full or incremental sync and then starts delivery.
//
// The freshness check completes before any session starts, so an edge with
// a fresh store never accepts an incremental batch ahead of its snapshot.
// A failed check is returned and the node must not serve.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	if n.decider != nil {
		needed, err := n.decider.IsSyncNeeded(ctx)
		if err != nil {
			return err
		}
		if needed {
			n.logger.Info("local store is new, requesting full sync from peers")
			for _, s := range n.sessions {
				s.RequireFullSync()
			}
		} else {
			n.logger.Info("local store is current, continuing incremental sync")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.started = true

	for _, s := range n.sessions {
		s.Start(runCtx)
	}
	if n.heartbeat != nil {
		n.goRun(func() { n.heartbeat.Start(runCtx) })
	}
	if n.cleaner != nil {
		n.goRun(func() { n.cleaner.Start(runCtx) })
	}

	n.logger.Info("node started", "role", n.cfg.Node.Role, "peers", len(n.sessions))
	return nil
}

func (n *Node) goRun(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Receive routes an inbound batch to the session of its origin.
func (n *Node) Receive(ctx context.Context, batch *codec.Batch) *codec.Response {
	s, ok := n.sessions[batch.Origin]
	if !ok {
		n.logger.Warn("batch from unknown peer", "origin", batch.Origin, "batch", batch.ID)
		return &codec.Response{
			BatchID:   batch.ID,
			ErrorCode: codec.CodeUnknownPeer,
			ErrorMsg:  fmt.Sprintf("unknown peer %q", batch.Origin),
		}
	}
	return s.Receive(ctx, batch)
}

// Close drains pending deliveries until ctx ends, then stops everything.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range n.sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Shutdown(ctx)
		}(s)
	}
	wg.Wait()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
	n.queue.Close()

	if err := n.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	n.logger.Info("node stopped")
	return nil
}

func (n *Node) Name() string {
	return n.cfg.Node.Name
}

func (n *Node) Role() string {
	return n.cfg.Node.Role
}

func (n *Node) Producer() *producer.Service {
	return n.producer
}

func (n *Node) Engine() *apply.Engine {
	return n.engine
}

func (n *Node) Peers() *peers.PeerManager {
	return n.peers
}

func (n *Node) Health() *health.Analyzer {
	return n.health
}

func (n *Node) Metrics() *metrics.Registry {
	return n.metrics
}

func (n *Node) Logger() *logs.Logger {
	return n.logger
}

// Session returns the delivery session for peer.
func (n *Node) Session(peer string) (*session.Session, bool) {
	s, ok := n.sessions[peer]
	return s, ok
}

// Sessions returns the status of every session, sorted by peer.
func (n *Node) Sessions() []session.Status {
	out := make([]session.Status, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
