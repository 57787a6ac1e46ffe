// Package queue buffers pending change events per peer until the peer's
// delivery session drains them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"edge-sync/internal/entity"
	"edge-sync/internal/metrics"
)

var (
	// ErrFull is returned when a producer gave up waiting for space.
	ErrFull = errors.New("change queue full")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("change queue closed")
)

// State is a point-in-time view of one peer queue.
type State struct {
	Peer      string `json:"peer"`
	Pending   int    `json:"pending"`
	LastAcked int64  `json:"last_acked"`
}

type peerQueue struct {
	events    []entity.ChangeEvent
	lastAcked int64
	// ready holds at most one signal for the consumer.
	ready chan struct{}
	// space is closed (and replaced) whenever events are drained.
	space chan struct{}
}

func newPeerQueue() *peerQueue {
	return &peerQueue{ready: make(chan struct{}, 1)}
}

// Queue is an ordered, bounded, per-peer buffer of change events.
//
// Enqueue never drops: once a peer's queue reaches capacity the producer
// waits for the consumer to drain. Safe for concurrent producers and a
// single consumer per peer.
type Queue struct {
	mu       sync.Mutex
	peers    map[string]*peerQueue
	capacity int
	closed   chan struct{}
	metrics  *metrics.Registry
}

// New creates a queue. capacity <= 0 means unbounded.
func New(capacity int, reg *metrics.Registry) *Queue {
	return &Queue{
		peers:    make(map[string]*peerQueue),
		capacity: capacity,
		closed:   make(chan struct{}),
		metrics:  reg,
	}
}

// Register creates the queue for peer if it does not exist yet.
func (q *Queue) Register(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peerLocked(peer)
}

func (q *Queue) peerLocked(peer string) *peerQueue {
	pq, ok := q.peers[peer]
	if !ok {
		pq = newPeerQueue()
		q.peers[peer] = pq
	}
	return pq
}

// Peers returns every registered peer.
func (q *Queue) Peers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.peers))
	for p := range q.peers {
		out = append(out, p)
	}
	return out
}

// Enqueue appends ev to peer's queue. It returns immediately unless the
// queue is at capacity, in which case it blocks until space frees up.
func (q *Queue) Enqueue(ctx context.Context, peer string, ev entity.ChangeEvent) error {
	waited := false
	for {
		q.mu.Lock()
		select {
		case <-q.closed:
			q.mu.Unlock()
			return ErrClosed
		default:
		}

		pq := q.peerLocked(peer)
		if q.capacity <= 0 || len(pq.events) < q.capacity {
			pq.events = append(pq.events, ev)
			select {
			case pq.ready <- struct{}{}:
			default:
			}
			q.mu.Unlock()

			q.metrics.Inc(metrics.QueueEnqueuedTotal)
			q.metrics.Inc(metrics.QueuePending)
			return nil
		}

		if pq.space == nil {
			pq.space = make(chan struct{})
		}
		space := pq.space
		q.mu.Unlock()

		if !waited {
			waited = true
			q.metrics.Inc(metrics.QueueBackpressureTotal)
		}

		select {
		case <-space:
		case <-q.closed:
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: peer %s: %w", ErrFull, peer, ctx.Err())
		}
	}
}

// Publish fans ev out to every registered peer queue.
func (q *Queue) Publish(ctx context.Context, ev entity.ChangeEvent) error {
	return q.PublishExcept(ctx, "", ev)
}

// PublishExcept fans ev out to every registered peer queue but except's,
// the peer the change came from.
func (q *Queue) PublishExcept(ctx context.Context, except string, ev entity.ChangeEvent) error {
	for _, peer := range q.Peers() {
		if peer == except {
			continue
		}
		if err := q.Enqueue(ctx, peer, ev); err != nil {
			return err
		}
	}
	return nil
}

// WaitForSpace blocks until every registered peer queue has room for one
// more event. A nil return is not a reservation: a concurrent producer may
// still take the slot first.
func (q *Queue) WaitForSpace(ctx context.Context) error {
	for {
		q.mu.Lock()
		select {
		case <-q.closed:
			q.mu.Unlock()
			return ErrClosed
		default:
		}

		var (
			full  string
			space chan struct{}
		)
		if q.capacity > 0 {
			for peer, pq := range q.peers {
				if len(pq.events) < q.capacity {
					continue
				}
				if pq.space == nil {
					pq.space = make(chan struct{})
				}
				full, space = peer, pq.space
				break
			}
		}
		q.mu.Unlock()

		if space == nil {
			return nil
		}
		select {
		case <-space:
		case <-q.closed:
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: peer %s: %w", ErrFull, full, ctx.Err())
		}
	}
}

// Drain removes and returns up to max events in FIFO order.
func (q *Queue) Drain(peer string, max int) []entity.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[peer]
	if !ok || len(pq.events) == 0 || max <= 0 {
		return nil
	}

	n := len(pq.events)
	if n > max {
		n = max
	}
	out := make([]entity.ChangeEvent, n)
	copy(out, pq.events[:n])
	pq.events = append(pq.events[:0:0], pq.events[n:]...)

	if len(pq.events) > 0 {
		select {
		case pq.ready <- struct{}{}:
		default:
		}
	}
	if pq.space != nil {
		close(pq.space)
		pq.space = nil
	}

	q.metrics.Add(metrics.QueueDrainedTotal, int64(n))
	q.metrics.Add(metrics.QueuePending, -int64(n))
	return out
}

// Ready is signalled whenever peer's queue may hold events.
func (q *Queue) Ready(peer string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peerLocked(peer).ready
}

// Ack records the highest sequence the peer acknowledged.
func (q *Queue) Ack(peer string, seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.peerLocked(peer)
	if seq > pq.lastAcked {
		pq.lastAcked = seq
	}
}

func (q *Queue) Len(peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if pq, ok := q.peers[peer]; ok {
		return len(pq.events)
	}
	return 0
}

func (q *Queue) State(peer string) State {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := State{Peer: peer}
	if pq, ok := q.peers[peer]; ok {
		st.Pending = len(pq.events)
		st.LastAcked = pq.lastAcked
	}
	return st
}

// Discard drops every pending event for peer and returns how many were dropped.
func (q *Queue) Discard(peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.peers[peer]
	if !ok {
		return 0
	}
	n := len(pq.events)
	pq.events = nil
	if pq.space != nil {
		close(pq.space)
		pq.space = nil
	}

	q.metrics.Add(metrics.QueueDiscardedTotal, int64(n))
	q.metrics.Add(metrics.QueuePending, -int64(n))
	return n
}

// Close releases every blocked producer with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
