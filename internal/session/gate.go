package session

import "sync"

// gate counts down an expected number of arrivals.
//
// A gate with nothing armed counts as reached. expect replaces any earlier
// expectation, so an abandoned wait never leaks into the next one.
type gate struct {
	mu        sync.Mutex
	remaining int
	reached   chan struct{}
}

func newGate() *gate {
	g := &gate{reached: make(chan struct{})}
	close(g.reached)
	return g
}

func (g *gate) expect(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.remaining = n
	g.reached = make(chan struct{})
	if n <= 0 {
		g.remaining = 0
		close(g.reached)
	}
}

func (g *gate) record(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.remaining <= 0 {
		return
	}
	g.remaining -= n
	if g.remaining <= 0 {
		g.remaining = 0
		close(g.reached)
	}
}

func (g *gate) wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reached
}

func (g *gate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}
