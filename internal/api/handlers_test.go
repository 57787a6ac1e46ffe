package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edge-sync/internal/codec"
	"edge-sync/internal/config"
	"edge-sync/internal/entity"
	"edge-sync/internal/health"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
	"edge-sync/internal/peers"
	"edge-sync/internal/replication"
	"edge-sync/internal/session"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// viewResp is entityView without the kind-dependent attributes.
type viewResp struct {
	Kind              entity.Kind     `json:"kind"`
	ID                uuid.UUID       `json:"id"`
	Seq               int64           `json:"seq"`
	Op                entity.Op       `json:"op"`
	AssignedCustomers []containerView `json:"assignedCustomers"`
}

func setUpTestServer(t *testing.T) (*httptest.Server, *node.Node) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = "cloud"
	cfg.Node.Role = config.RoleCloud
	cfg.Peers = []config.PeerEntry{{Name: "edge-1", Address: "http://127.0.0.1:0"}}

	n, err := node.New(context.Background(), cfg, logs.NewLogger(100, logs.DEBUG), metrics.NewRegistry())
	require.NoError(t, err)

	server := httptest.NewServer(NewRouter(NewHandler(n)))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = n.Close(ctx)
	})
	return server, n
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

/* ---------------- PUT /api/... ---------------- */

func TestPutEntities(t *testing.T) {
	server, n := setUpTestServer(t)
	id := uuid.New()

	t.Run("CreateDashboard", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/api/dashboards/"+id.String(), entity.Dashboard{Title: "Ops"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		view := decode[viewResp](t, resp)
		assert.Equal(t, entity.KindDashboard, view.Kind)
		assert.Equal(t, id, view.ID)
		assert.Equal(t, entity.OpCreated, view.Op)
	})

	t.Run("UpdateDashboard", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/api/dashboards/"+id.String(), entity.Dashboard{Title: "Ops v2"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, entity.OpUpdated, decode[viewResp](t, resp).Op)
	})

	t.Run("CustomerAndAsset", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/api/customers/"+uuid.NewString(), entity.Customer{Title: "Acme"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = do(t, http.MethodPut, server.URL+"/api/assets/"+uuid.NewString(), entity.Asset{Name: "pump"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("InvalidID", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/api/dashboards/not-a-uuid", entity.Dashboard{Title: "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/customers/"+uuid.NewString(), bytes.NewBufferString("{oops"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	// every accepted mutation is queued for the peer
	assert.Equal(t, 4, n.Sessions()[0].Pending)
}

/* ---------------- GET|DELETE /api/{kind}/{id} ---------------- */

func TestGetAndDeleteEntity(t *testing.T) {
	server, _ := setUpTestServer(t)
	id := uuid.NewString()

	resp := do(t, http.MethodGet, server.URL+"/api/assets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	do(t, http.MethodPut, server.URL+"/api/assets/"+id, entity.Asset{Name: "pump", Label: "north"})

	resp = do(t, http.MethodGet, server.URL+"/api/assets/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Kind       entity.Kind  `json:"kind"`
		Attributes entity.Asset `json:"attributes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, entity.KindAsset, view.Kind)
	assert.Equal(t, "north", view.Attributes.Label)

	resp = do(t, http.MethodDelete, server.URL+"/api/assets/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, server.URL+"/api/assets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, server.URL+"/api/widgets/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

/* ---------------- POST|DELETE /api/customers/{customerId}/dashboards/{dashboardId} ---------------- */

func TestAssignments(t *testing.T) {
	server, _ := setUpTestServer(t)
	dash := uuid.NewString()
	cust := uuid.NewString()
	path := server.URL + "/api/customers/" + cust + "/dashboards/" + dash

	resp := do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	do(t, http.MethodPut, server.URL+"/api/dashboards/"+dash, entity.Dashboard{Title: "D"})
	do(t, http.MethodPut, server.URL+"/api/customers/"+cust, entity.Customer{Title: "Acme"})

	resp = do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[viewResp](t, resp)
	require.Len(t, view.AssignedCustomers, 1)
	assert.Equal(t, "Acme", view.AssignedCustomers[0].Title)

	resp = do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[viewResp](t, resp).AssignedCustomers)
}

/* ---------------- POST /internal/sync ---------------- */

func TestSyncEndpoint(t *testing.T) {
	server, n := setUpTestServer(t)
	client := replication.NewClient("edge-1", time.Second, logs.NewLogger(10, logs.DEBUG))

	ref := entity.NewRef(entity.KindCustomer, uuid.New())
	msg, err := codec.Encode(entity.ChangeEvent{Ref: ref, Op: entity.OpCreated, Attrs: entity.Customer{Title: "from edge"}, Seq: 1})
	require.NoError(t, err)
	batch := &codec.Batch{ID: 42}
	batch.Add(msg)

	t.Run("KnownPeer", func(t *testing.T) {
		resp, err := client.Deliver(context.Background(), server.URL, batch)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, int64(42), resp.BatchID)

		rec, err := n.Producer().Get(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, "from edge", rec.Attrs.(entity.Customer).Title)
	})

	t.Run("UnknownPeer", func(t *testing.T) {
		stranger := replication.NewClient("stranger", time.Second, logs.NewLogger(10, logs.DEBUG))
		resp, err := stranger.Deliver(context.Background(), server.URL, &codec.Batch{ID: 43})
		require.NoError(t, err)
		assert.Equal(t, codec.CodeUnknownPeer, resp.ErrorCode)
	})

	t.Run("Malformed", func(t *testing.T) {
		resp, err := http.Post(server.URL+replication.SyncPath, "application/json", bytes.NewBufferString("[1,2"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

/* ---------------- observability and admin ---------------- */

func TestObservability(t *testing.T) {
	server, _ := setUpTestServer(t)
	do(t, http.MethodPut, server.URL+"/api/customers/"+uuid.NewString(), entity.Customer{Title: "Acme"})

	t.Run("Heartbeat", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/internal/heartbeat", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "cloud", decode[map[string]string](t, resp)["node"])
	})

	t.Run("Metrics", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/metrics", nil)
		snap := decode[map[string]int64](t, resp)
		assert.Equal(t, int64(1), snap[string(metrics.EntitiesTotal)])
		assert.Equal(t, int64(1), snap[string(metrics.QueueEnqueuedTotal)])

		resp = do(t, http.MethodGet, server.URL+"/metrics?prefix=queue_", nil)
		for key := range decode[map[string]int64](t, resp) {
			assert.Contains(t, key, "queue_")
		}
	})

	t.Run("Health", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/health", nil)
		report := decode[health.Report](t, resp)
		assert.Equal(t, health.StatusOK, report.OverallStatus)
	})

	t.Run("Peers", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/admin/peers", nil)
		list := decode[[]peers.Peer](t, resp)
		require.Len(t, list, 1)
		assert.Equal(t, "edge-1", list[0].Name)
	})

	t.Run("Sessions", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/admin/sessions", nil)
		list := decode[[]session.Status](t, resp)
		require.Len(t, list, 1)
		assert.Equal(t, 1, list[0].Pending)
	})

	t.Run("Entities", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/admin/entities?kind=CUSTOMER", nil)
		assert.Len(t, decode[[]viewResp](t, resp), 1)

		resp = do(t, http.MethodGet, server.URL+"/admin/entities?kind=WIDGET", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
