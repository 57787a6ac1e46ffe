// Package session models one logical connection to a peer: it pushes that
// peer's queued changes over a Transport, applies what the peer sends, and
// exposes expect/await gates for flow control and integration tests.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"edge-sync/internal/apply"
	"edge-sync/internal/codec"
	"edge-sync/internal/entity"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/peers"
	"edge-sync/internal/queue"

	"golang.org/x/time/rate"
)

// Applier is the local side that received changes are applied to.
type Applier interface {
	Apply(ctx context.Context, ev entity.ChangeEvent) (apply.Outcome, error)
	Snapshot(ctx context.Context) ([]entity.ChangeEvent, error)
}

type Config struct {
	// Local is this node's name, sent as batch origin.
	Local   string
	Peer    string
	Address string

	BatchSize   int
	HistorySize int
	// WaitTimeout is the default for WaitForMessages and WaitForResponses.
	WaitTimeout     time.Duration
	DeliveryTimeout time.Duration
	// RetryInterval is the pause after a delivery round exhausts its retries.
	RetryInterval time.Duration

	RatePerSecond float64
	Burst         int

	Retry peers.RetryPolicy

	// OnFullSync, when set, runs once the first full sync from the peer
	// has been applied.
	OnFullSync func(ctx context.Context) error
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		HistorySize:     1000,
		WaitTimeout:     10 * time.Second,
		DeliveryTimeout: 2 * time.Second,
		RetryInterval:   time.Second,
		Burst:           1,
		Retry:           peers.DefaultPeerConfig().Retry,
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	Peer             string `json:"peer"`
	Address          string `json:"address"`
	AwaitingFullSync bool   `json:"awaiting_full_sync"`
	Pending          int    `json:"pending"`
	LastAcked        int64  `json:"last_acked"`
	Received         int    `json:"received"`
	Closed           bool   `json:"closed"`
}

type Session struct {
	cfg       Config
	queue     *queue.Queue
	applier   Applier
	transport Transport
	peers     *peers.PeerManager
	limiter   *rate.Limiter
	metrics   *metrics.Registry
	logger    *logs.Logger

	batchSeq atomic.Int64

	messages  *gate
	responses *gate

	// recvMu serializes inbound batches so they apply in arrival order.
	recvMu sync.Mutex

	mu           sync.Mutex
	history      []codec.Message
	received     int
	lastResponse *codec.Response
	awaitingSync bool

	syncRequestPending atomic.Bool
	snapshotPending    atomic.Bool
	inFlight           atomic.Int32

	kick      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func New(
	cfg Config,
	q *queue.Queue,
	applier Applier,
	transport Transport,
	pm *peers.PeerManager,
	reg *metrics.Registry,
	logger *logs.Logger,
) *Session {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	q.Register(cfg.Peer)

	s := &Session{
		cfg:       cfg,
		queue:     q,
		applier:   applier,
		transport: transport,
		peers:     pm,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   reg,
		logger:    logger.With("peer", cfg.Peer),
		messages:  newGate(),
		responses: newGate(),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.batchSeq.Store(time.Now().UnixNano())
	return s
}

func (s *Session) Peer() string {
	return s.cfg.Peer
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Session) nextBatchID() int64 {
	return s.batchSeq.Add(1)
}

// Send decodes msg and queues it for delivery to the peer. It returns once
// the change is queued.
func (s *Session) Send(ctx context.Context, msg codec.Message) error {
	if s.closed() {
		return ErrClosed
	}
	ev, err := codec.Decode(msg)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, s.cfg.Peer, ev)
}

// Expect arms the inbound message gate for n further messages.
func (s *Session) Expect(n int) {
	s.messages.expect(n)
}

func (s *Session) ExpectMessageAmount(n int) {
	s.Expect(n)
}

// AwaitExpected blocks until the armed message count is reached. It returns
// false on timeout or when the session closes.
func (s *Session) AwaitExpected(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.await(ctx, s.messages)
}

func (s *Session) AwaitExpectedContext(ctx context.Context) bool {
	return s.await(ctx, s.messages)
}

// WaitForMessages is AwaitExpected with the configured default timeout.
func (s *Session) WaitForMessages() bool {
	return s.AwaitExpected(s.cfg.WaitTimeout)
}

func (s *Session) ExpectResponsesAmount(n int) {
	s.responses.expect(n)
}

func (s *Session) AwaitResponses(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.await(ctx, s.responses)
}

func (s *Session) WaitForResponses() bool {
	return s.AwaitResponses(s.cfg.WaitTimeout)
}

func (s *Session) await(ctx context.Context, g *gate) bool {
	if s.closed() {
		return false
	}
	select {
	case <-g.wait():
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// LatestMessage returns the most recently received message, or nil.
func (s *Session) LatestMessage() codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1]
}

// FindMessageByKind returns the most recent received message of kind.
func (s *Session) FindMessageByKind(kind entity.Kind) (codec.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].EntityKind() == kind {
			return s.history[i], true
		}
	}
	return nil, false
}

// FindMessage returns the most recent received message of type T.
func FindMessage[T codec.Message](s *Session) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if m, ok := s.history[i].(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}

// Messages returns the retained history, oldest first.
func (s *Session) Messages() []codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]codec.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) LatestResponse() *codec.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse
}

func (s *Session) recordMessage(m codec.Message) {
	s.mu.Lock()
	if len(s.history) >= s.cfg.HistorySize {
		s.history = append(s.history[:0:0], s.history[1:]...)
	}
	s.history = append(s.history, m)
	s.received++
	s.mu.Unlock()

	s.messages.record(1)
}

func (s *Session) recordResponse(resp *codec.Response) {
	s.mu.Lock()
	s.lastResponse = resp
	s.mu.Unlock()

	s.responses.record(1)
}

// RequireFullSync marks the session as awaiting a full snapshot from the
// peer and schedules a sync request. Until the snapshot completes, inbound
// incremental batches are rejected with SYNC_PENDING.
func (s *Session) RequireFullSync() {
	s.mu.Lock()
	if !s.awaitingSync {
		s.awaitingSync = true
		s.metrics.Inc(metrics.SessionsAwaitingSync)
	}
	s.mu.Unlock()

	s.syncRequestPending.Store(true)
	s.logger.Info("full sync required, requesting snapshot")
	s.wake()
}

// ScheduleFullSync queues a snapshot of local state for the peer. It is
// sent ahead of any pending incremental batch.
func (s *Session) ScheduleFullSync() {
	s.snapshotPending.Store(true)
	s.metrics.Inc(metrics.FullSyncRequestsTotal)
	s.logger.Info("full sync scheduled")
	s.wake()
}

func (s *Session) AwaitingFullSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingSync
}

func (s *Session) Status() Status {
	qs := s.queue.State(s.cfg.Peer)

	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Peer:             s.cfg.Peer,
		Address:          s.cfg.Address,
		AwaitingFullSync: s.awaitingSync,
		Pending:          qs.Pending,
		LastAcked:        qs.LastAcked,
		Received:         s.received,
		Closed:           s.closed(),
	}
}

// Receive applies one inbound batch and builds its acknowledgement.
//
// Messages that fail to decode are skipped and logged; the rest of the
// batch still applies. A store failure fails the whole batch so that the
// sender redelivers it.
func (s *Session) Receive(ctx context.Context, batch *codec.Batch) *codec.Response {
	resp := &codec.Response{BatchID: batch.ID}
	if s.closed() {
		resp.ErrorCode = codec.CodeUnavailable
		resp.ErrorMsg = ErrClosed.Error()
		return resp
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.metrics.Inc(metrics.BatchesReceivedTotal)

	if batch.SyncRequest {
		s.ScheduleFullSync()
	}

	if s.AwaitingFullSync() && !batch.FullSync && batch.Len() > 0 {
		s.logger.Debug("incremental batch rejected until full sync completes", "batch", batch.ID)
		resp.ErrorCode = codec.CodeSyncPending
		resp.ErrorMsg = "waiting for full sync"
		return resp
	}

	for _, m := range batch.Messages() {
		s.metrics.Inc(metrics.MessagesReceivedTotal)
		msb, lsb := entity.SplitID(m.EntityID())
		ack := codec.Ack{IDMSB: msb, IDLSB: lsb, Seq: m.Sequence()}

		ev, err := codec.Decode(m)
		if err != nil {
			s.metrics.Inc(metrics.DecodeErrorsTotal)
			s.logger.Warn("skipping malformed message", "batch", batch.ID, "kind", m.EntityKind(), "err", err)
			ack.Status = string(codec.CodeDecode)
			resp.Acks = append(resp.Acks, ack)
			s.recordMessage(m)
			continue
		}

		out, err := s.applier.Apply(ctx, ev)
		if err != nil {
			s.logger.Error("apply failed", "batch", batch.ID, "ref", ev.Ref, "err", err)
			resp.Acks = nil
			resp.ErrorCode = codec.CodeApplyFailed
			resp.ErrorMsg = err.Error()
			return resp
		}
		if out.Changed() && len(s.queue.Peers()) > 1 {
			s.relay(ctx, ev)
		}
		ack.Status = string(out.Status)
		resp.Acks = append(resp.Acks, ack)
		s.recordMessage(m)
	}

	if batch.FullSync && batch.SyncCompleted && s.AwaitingFullSync() {
		if s.cfg.OnFullSync != nil {
			if err := s.cfg.OnFullSync(ctx); err != nil {
				s.logger.Error("full sync hook failed", "peer", s.cfg.Peer, "err", err)
			}
		}

		s.mu.Lock()
		if s.awaitingSync {
			s.awaitingSync = false
			s.metrics.Dec(metrics.SessionsAwaitingSync)
			s.metrics.Inc(metrics.FullSyncCompletedTotal)
			s.logger.Info("full sync completed", "batch", batch.ID)
		}
		s.mu.Unlock()
	}

	resp.Success = true
	return resp
}

// relay queues a change received from this session's peer for every other
// peer. Loops end at the first node that already holds the change, since
// a duplicate apply reports no change.
func (s *Session) relay(ctx context.Context, ev entity.ChangeEvent) {
	if err := s.queue.PublishExcept(context.WithoutCancel(ctx), s.cfg.Peer, ev); err != nil {
		s.logger.Error("received change not relayed", "from", s.cfg.Peer, "ref", ev.Ref, "seq", ev.Seq, "err", err)
		return
	}
	s.metrics.Inc(metrics.ChangesRelayedTotal)
}

// SendUplinkMsg delivers batch directly, outside the queue, and returns the
// peer's acknowledgement. The response also counts toward the response gate.
func (s *Session) SendUplinkMsg(ctx context.Context, batch *codec.Batch) (*codec.Response, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	if batch.ID == 0 {
		batch.ID = s.nextBatchID()
	}
	if batch.Origin == "" {
		batch.Origin = s.cfg.Local
	}
	return s.deliver(ctx, batch)
}

// Start launches the delivery pump. It must be called once; later calls
// are no-ops.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed() {
			return
		}
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Shutdown waits for the pending queue to drain, then closes the session.
// Whatever is left when ctx ends is discarded by Close.
func (s *Session) Shutdown(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.queue.Len(s.cfg.Peer) > 0 || s.inFlight.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		}
	}
	s.Close()
}

// Close stops the pump, releases every waiter with false and discards the
// pending queue.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if n := s.queue.Discard(s.cfg.Peer); n > 0 {
			s.logger.Warn("session closed with undelivered changes", "discarded", n)
		}
		s.mu.Lock()
		if s.awaitingSync {
			s.awaitingSync = false
			s.metrics.Dec(metrics.SessionsAwaitingSync)
		}
		s.mu.Unlock()
		s.logger.Info("session closed")
	})
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	ready := s.queue.Ready(s.cfg.Peer)
	for {
		if err := s.flushControl(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("full sync exchange failed", "err", err)
			if !s.pause(ctx, s.cfg.RetryInterval) {
				return
			}
			continue
		}

		s.inFlight.Store(1)
		events := s.queue.Drain(s.cfg.Peer, s.cfg.BatchSize)
		if len(events) > 0 {
			s.deliverEvents(ctx, events)
			s.inFlight.Store(0)
			continue
		}
		s.inFlight.Store(0)

		select {
		case <-ready:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliverEvents sends one drained chunk until the peer acknowledges it.
// Nothing is dropped: after the retry policy is exhausted the peer is
// marked failed and delivery resumes after RetryInterval.
func (s *Session) deliverEvents(ctx context.Context, events []entity.ChangeEvent) {
	batch := &codec.Batch{ID: s.nextBatchID(), Origin: s.cfg.Local}
	var maxSeq int64
	for _, ev := range events {
		msg, err := codec.Encode(ev)
		if err != nil {
			s.logger.Error("dropping unencodable change", "ref", ev.Ref, "err", err)
			continue
		}
		batch.Add(msg)
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	if batch.Len() == 0 {
		return
	}

	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.Inc(metrics.DeliveryRetriesTotal)
		s.logger.Debug("retrying batch", "batch", batch.ID, "attempt", attempt, "err", err)
	}

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := peers.Retry(ctx, policy, func() error {
			// snapshot and sync requests go ahead of incremental data
			if err := s.flushControl(ctx); err != nil {
				return err
			}
			_, err := s.deliver(ctx, batch)
			return err
		})
		if err == nil {
			s.queue.Ack(s.cfg.Peer, maxSeq)
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.peers.MarkFailure(s.cfg.Peer)
		s.logger.Warn("batch delivery failed, will retry", "batch", batch.ID, "messages", batch.Len(), "err", err)
		if !s.pause(ctx, s.cfg.RetryInterval) {
			return
		}
	}
}

// flushControl sends a pending sync request or snapshot.
func (s *Session) flushControl(ctx context.Context) error {
	if s.syncRequestPending.Load() {
		req := &codec.Batch{ID: s.nextBatchID(), Origin: s.cfg.Local, SyncRequest: true}
		if _, err := s.deliver(ctx, req); err != nil {
			return fmt.Errorf("sync request: %w", err)
		}
		s.syncRequestPending.Store(false)
		s.logger.Info("sync request sent", "batch", req.ID)
	}

	if s.snapshotPending.Load() {
		if err := s.sendSnapshot(ctx); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
	}
	return nil
}

func (s *Session) sendSnapshot(ctx context.Context) error {
	// cleared first so a request arriving mid-snapshot schedules another
	s.snapshotPending.Store(false)

	events, err := s.applier.Snapshot(ctx)
	if err != nil {
		s.snapshotPending.Store(true)
		return err
	}

	batches := make([]*codec.Batch, 0, len(events)/s.cfg.BatchSize+1)
	for start := 0; start < len(events) || start == 0; start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}
		b, err := codec.EncodeBatch(events[start:end])
		if err != nil {
			s.snapshotPending.Store(true)
			return err
		}
		b.Origin = s.cfg.Local
		b.FullSync = true
		batches = append(batches, b)
		if end == len(events) {
			break
		}
	}
	batches[len(batches)-1].SyncCompleted = true

	for _, b := range batches {
		b.ID = s.nextBatchID()
		if _, err := s.deliver(ctx, b); err != nil {
			s.snapshotPending.Store(true)
			return err
		}
	}

	s.metrics.Inc(metrics.FullSyncSnapshotsTotal)
	s.logger.Info("snapshot delivered", "entities", len(events), "batches", len(batches))
	return nil
}

// deliver makes one delivery attempt and correlates the response.
func (s *Session) deliver(ctx context.Context, batch *codec.Batch) (*codec.Response, error) {
	s.metrics.Inc(metrics.BatchesSentTotal)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	resp, err := s.transport.Deliver(dctx, s.cfg.Address, batch)
	if err != nil {
		s.metrics.Inc(metrics.DeliveryFailuresTotal)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, ErrTransportTimeout) {
			err = fmt.Errorf("%w: %s: %w", ErrTransportTimeout, s.cfg.Peer, err)
		}
		return nil, err
	}
	if resp.BatchID != batch.ID {
		s.metrics.Inc(metrics.DeliveryFailuresTotal)
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrBatchMismatch, batch.ID, resp.BatchID)
	}

	s.recordResponse(resp)
	if !resp.Success {
		s.metrics.Inc(metrics.BatchesRejectedTotal)
		return resp, &RejectedError{BatchID: batch.ID, Code: resp.ErrorCode, Msg: resp.ErrorMsg}
	}

	s.metrics.Inc(metrics.BatchesAckedTotal)
	s.peers.MarkSuccess(s.cfg.Peer)
	return resp, nil
}
