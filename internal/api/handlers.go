package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"edge-sync/internal/codec"
	"edge-sync/internal/entity"
	"edge-sync/internal/logs"
	"edge-sync/internal/node"
	"edge-sync/internal/producer"
	"edge-sync/internal/queue"
	"edge-sync/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxBatchSize bounds an inbound sync request body.
const maxBatchSize = 16 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	node   *node.Node
	logger *logs.Logger
}

// NewHandler creates a new API handler.
func NewHandler(n *node.Node) *Handler {
	return &Handler{
		node:   n,
		logger: n.Logger(),
	}
}

/* ---------------- POST /internal/sync ---------------- */

// Sync accepts one batch from a peer. Application-level rejections travel in
// the response body with status 200; only undecodable requests get a 4xx.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBatchSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	batch, err := codec.UnmarshalBatch(data)
	if err != nil {
		h.logger.Warn("rejecting undecodable batch", "remote", r.RemoteAddr, "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.node.Receive(r.Context(), batch))
}

/* ---------------- GET /internal/heartbeat ---------------- */

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"node":   h.node.Name(),
		"role":   h.node.Role(),
	})
}

/* ---------------- GET /admin/peers ---------------- */

func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Peers().Snapshot())
}

/* ---------------- GET /admin/sessions ---------------- */

func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Sessions())
}

/* ---------------- GET /admin/entities ---------------- */

func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	kind := entity.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	recs, err := h.node.Producer().List(r.Context(), kind)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := make([]entityView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newEntityView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

/* ---------------- GET /metrics ---------------- */

// GetMetrics serves the metric snapshot, optionally narrowed with ?prefix=.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Metrics().SnapshotPrefix(r.URL.Query().Get("prefix")))
}

/* ---------------- GET /health ---------------- */

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Health().Analyze())
}

/* ---------------- PUT /api/{kind}/{id} ---------------- */

func (h *Handler) PutDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var d entity.Dashboard
	if !decodeBody(w, r, &d) {
		return
	}
	ev, err := h.node.Producer().SaveDashboard(r.Context(), id, d)
	h.writeEvent(w, ev, err)
}

func (h *Handler) PutCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var c entity.Customer
	if !decodeBody(w, r, &c) {
		return
	}
	ev, err := h.node.Producer().SaveCustomer(r.Context(), id, c)
	h.writeEvent(w, ev, err)
}

func (h *Handler) PutAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var a entity.Asset
	if !decodeBody(w, r, &a) {
		return
	}
	ev, err := h.node.Producer().SaveAsset(r.Context(), id, a)
	h.writeEvent(w, ev, err)
}

/* ---------------- GET|DELETE /api/{kind}/{id} ---------------- */

func (h *Handler) GetEntity(kind entity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		rec, err := h.node.Producer().Get(r.Context(), entity.NewRef(kind, id))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newEntityView(rec))
	}
}

func (h *Handler) DeleteEntity(kind entity.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := h.node.Producer().Delete(r.Context(), entity.NewRef(kind, id)); err != nil {
			h.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

/* ---------------- POST|DELETE /api/customers/{customerId}/dashboards/{dashboardId} ---------------- */

func (h *Handler) AssignDashboard(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerId")
	if !ok {
		return
	}
	dashboardID, ok := pathID(w, r, "dashboardId")
	if !ok {
		return
	}
	ev, err := h.node.Producer().AssignDashboardToCustomer(r.Context(), dashboardID, customerID)
	h.writeEvent(w, ev, err)
}

func (h *Handler) UnassignDashboard(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerId")
	if !ok {
		return
	}
	dashboardID, ok := pathID(w, r, "dashboardId")
	if !ok {
		return
	}
	ev, err := h.node.Producer().UnassignDashboardFromCustomer(r.Context(), dashboardID, customerID)
	h.writeEvent(w, ev, err)
}

/* ---------------- helpers ---------------- */

type containerView struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Public bool      `json:"public,omitempty"`
}

type entityView struct {
	Kind              entity.Kind       `json:"kind"`
	ID                uuid.UUID         `json:"id"`
	Seq               int64             `json:"seq"`
	Op                entity.Op         `json:"op,omitempty"`
	Attributes        entity.Attributes `json:"attributes,omitempty"`
	AssignedCustomers []containerView   `json:"assignedCustomers,omitempty"`
	UpdatedAt         *time.Time        `json:"updatedAt,omitempty"`
}

func containerViews(set entity.ContainerSet) []containerView {
	if set == nil {
		return nil
	}
	out := make([]containerView, 0, len(set))
	for _, c := range set {
		out = append(out, containerView{ID: c.ID, Title: c.Title, Public: c.Public})
	}
	return out
}

func newEntityView(rec store.Record) entityView {
	updated := rec.UpdatedAt
	return entityView{
		Kind:              rec.Ref.Kind,
		ID:                rec.Ref.ID,
		Seq:               rec.Seq,
		Attributes:        rec.Attrs,
		AssignedCustomers: containerViews(rec.Assigned),
		UpdatedAt:         &updated,
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, ev entity.ChangeEvent, err error) {
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if ev.Op == entity.OpCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, entityView{
		Kind:              ev.Ref.Kind,
		ID:                ev.Ref.ID,
		Seq:               ev.Seq,
		Op:                ev.Op,
		Attributes:        ev.Attrs,
		AssignedCustomers: containerViews(ev.Assigned),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, producer.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, entity.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// KindsByPath maps REST collection names to entity kinds.
var KindsByPath = map[string]entity.Kind{
	"dashboards": entity.KindDashboard,
	"customers":  entity.KindCustomer,
	"assets":     entity.KindAsset,
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
