package peers

import (
	"sort"
	"sync"

	"edge-sync/internal/metrics"
)

// PeerState represents the health state of a peer.
type PeerState int

const (
	Healthy PeerState = iota
	Unhealthy
)

func (s PeerState) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Peer tracks the health-related state for a single peer
type Peer struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	State        PeerState `json:"-"`
	Status       string    `json:"status"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
}

// PeerManager manages the health state of multiple peers
type PeerManager struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	config  PeerConfig
	metrics *metrics.Registry
}

// NewPeerManager creates a new PeerManager
func NewPeerManager(cfg PeerConfig, reg *metrics.Registry) *PeerManager {
	return &PeerManager{
		peers:   make(map[string]*Peer),
		config:  cfg,
		metrics: reg,
	}
}

// AddPeer registers a new Peer under name, reachable at addr
func (pm *PeerManager) AddPeer(name, addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.peers[name]; !exists {
		pm.peers[name] = &Peer{
			Name:    name,
			Address: addr,
			State:   Healthy,
		}
		pm.metrics.Inc(metrics.PeersHealthy)
	}
}

// MarkFailure marks a peer as failed
func (pm *PeerManager) MarkFailure(name string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	peer, ok := pm.peers[name]
	if !ok {
		return
	}
	pm.metrics.Inc(metrics.PeerFailuresTotal)

	peer.FailureCount++
	peer.SuccessCount = 0
	if peer.State == Healthy && peer.FailureCount >= pm.config.Health.FailureThreshold {
		peer.State = Unhealthy
		pm.metrics.Dec(metrics.PeersHealthy)
		pm.metrics.Inc(metrics.PeersUnhealthy)
	}
}

// MarkSuccess marks a peer as successful
func (pm *PeerManager) MarkSuccess(name string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	peer, ok := pm.peers[name]
	if !ok {
		return
	}
	peer.SuccessCount++
	peer.FailureCount = 0
	if peer.State == Unhealthy && peer.SuccessCount >= pm.config.Health.SuccessThreshold {
		peer.State = Healthy
		pm.metrics.Inc(metrics.PeersHealthy)
		pm.metrics.Dec(metrics.PeersUnhealthy)
	}
}

func (pm *PeerManager) IsHealthy(name string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peer, ok := pm.peers[name]
	return ok && peer.State == Healthy
}

// Address returns the base URL of a registered peer.
func (pm *PeerManager) Address(name string) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peer, ok := pm.peers[name]
	if !ok {
		return "", false
	}
	return peer.Address, true
}

func (pm *PeerManager) GetPeers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]string, 0, len(pm.peers))
	for name := range pm.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every peer, sorted by name.
func (pm *PeerManager) Snapshot() []Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		cp := *p
		cp.Status = p.State.String()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
