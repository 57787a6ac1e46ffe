package peers

import (
	"context"
	"net/http"
	"time"

	"edge-sync/internal/metrics"
)

// HeartbeatWorker periodically checks peer liveness
type HeartbeatWorker struct {
	manager *PeerManager
	client  *http.Client
	config  PeerConfig
	metrics *metrics.Registry
}

// NewHeartbeatWorker creates a new heartbeat worker
func NewHeartbeatWorker(
	manager *PeerManager,
	cfg PeerConfig,
	reg *metrics.Registry,
) *HeartbeatWorker {
	return &HeartbeatWorker{
		manager: manager,
		client:  &http.Client{Timeout: cfg.Timeout.HeartbeatTimeout},
		config:  cfg,
		metrics: reg,
	}
}

// Start begins the heartbeat loop
// Stops immediately when the ctx is cancelled
func (hw *HeartbeatWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(hw.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hw.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (hw *HeartbeatWorker) runOnce(ctx context.Context) {
	hw.metrics.Inc(metrics.HeartbeatRunsTotal)

	for _, name := range hw.manager.GetPeers() {
		if hw.ping(ctx, name) {
			hw.metrics.Inc(metrics.HeartbeatSuccessTotal)
			hw.manager.MarkSuccess(name)
		} else {
			hw.metrics.Inc(metrics.HeartbeatFailuresTotal)
			hw.manager.MarkFailure(name)
		}
	}
}

func (hw *HeartbeatWorker) ping(ctx context.Context, name string) bool {
	addr, ok := hw.manager.Address(name)
	if !ok {
		return false
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		addr+"/internal/heartbeat",
		nil,
	)
	if err != nil {
		return false
	}

	resp, err := hw.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
