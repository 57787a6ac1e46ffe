// Package replication carries sync batches between nodes over HTTP.
package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"edge-sync/internal/codec"
	"edge-sync/internal/logs"
	"edge-sync/internal/session"
)

// SyncPath is where a node accepts inbound batches.
const SyncPath = "/internal/sync"

// maxResponseSize bounds how much of a peer response is read.
const maxResponseSize = 16 << 20

// Client posts batches to peers and decodes their acknowledgements.
// It implements session.Transport.
type Client struct {
	nodeID string       // ID of the current node
	logger *logs.Logger // shared Logger instance for delivery events
	client *http.Client // HTTP client for sync requests
}

// NewClient creates a new Client. timeout bounds each request end to end.
func NewClient(
	nodeID string,
	timeout time.Duration,
	logger *logs.Logger,
) *Client {
	return &Client{
		nodeID: nodeID,
		logger: logger,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver sends batch to the peer at addr and returns its response.
//
// Behavior:
// 1. Non-2xx statuses are errors; the session retries them
// 2. Timeouts wrap session.ErrTransportTimeout
// 3. A 2xx body that is not a Response wraps codec.ErrDecode
func (c *Client) Deliver(ctx context.Context, addr string, batch *codec.Batch) (*codec.Response, error) {
	if batch.Origin == "" {
		batch.Origin = c.nodeID
	}
	body, err := codec.MarshalBatch(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch %d: %w", batch.ID, err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		addr+SyncPath,
		bytes.NewReader(body),
	)
	if err != nil {
		c.logger.Error("failed to create sync request", "peer", addr, "err", err)
		return nil, fmt.Errorf("create sync request to %s: %w", addr, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", session.ErrTransportTimeout, addr, err)
		}
		c.logger.Debug("failed to send sync request", "peer", addr, "err", err)
		return nil, fmt.Errorf("send batch %d to %s: %w", batch.ID, addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", session.ErrTransportTimeout, addr, err)
		}
		return nil, fmt.Errorf("read response from %s: %w", addr, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("unexpected response from peer during sync", "peer", addr, "status", resp.Status)
		return nil, fmt.Errorf("peer %s answered %s", addr, resp.Status)
	}

	out, err := codec.UnmarshalResponse(data)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", addr, err)
	}
	c.logger.Debug("batch delivered", "peer", addr, "batch", batch.ID, "success", out.Success)
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
