package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edge-sync/internal/health"
	"edge-sync/internal/logs"
	"edge-sync/internal/merkle"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
	"edge-sync/internal/store"
	syncpkg "edge-sync/internal/sync"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	nodeID      string
	coordinator *node.Coordinator
	store       *store.Store
	index       *merkle.Index
	analyzer    *health.Analyzer
	metrics     *metrics.Registry
	logger      *logs.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	nodeID string,
	coordinator *node.Coordinator,
	st *store.Store,
	index *merkle.Index,
	reg *metrics.Registry,
	logger *logs.Logger,
) *Handler {
	return &Handler{
		nodeID:      nodeID,
		coordinator: coordinator,
		store:       st,
		index:       index,
		analyzer:    health.NewAnalyzer(reg, logger),
		metrics:     reg,
		logger:      logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

/* ---------------- POST /v1/decisions ---------------- */

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req node.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Subject == "" || req.Action == "" || req.Resource == "" {
		http.Error(w, "subject, action and resource are required", http.StatusBadRequest)
		return
	}

	result, err := h.coordinator.HandleRequest(r.Context(), req)
	if err != nil {
		if errors.Is(err, node.ErrReasoningTimeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		h.logger.Error("decision request failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

/* ---------------- POST /v1/sync ---------------- */

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id := h.coordinator.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

/* ---------------- GET /v1/sync/{id} ---------------- */

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/sync/")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	snap, ok := h.coordinator.SyncStatus(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

/* ---------------- GET /v1/cache/stats ---------------- */

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.CacheStats())
}

/* ---------------- GET /health ---------------- */

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.analyzer.Analyze())
}

/* ---------------- GET /internal/heartbeat ---------------- */

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": h.nodeID,
	})
}

/* ---------------- GET /admin/records ---------------- */

type recordSummary struct {
	Key         string    `json:"key"`
	Version     uint64    `json:"version"`
	Origin      string    `json:"origin"`
	Priority    string    `json:"priority"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	recs := h.store.RangeScan("", "", "", 0)
	out := make([]recordSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordSummary{
			Key:         rec.Key,
			Version:     rec.Version,
			Origin:      rec.Origin,
			Priority:    rec.Priority.String(),
			ContentHash: rec.ContentHash,
			CreatedAt:   rec.CreatedAt,
			ExpiresAt:   rec.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

/* ---------------- GET /admin/records/{key}/history ---------------- */

func (h *Handler) RecordHistory(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/admin/records/")
	key = strings.TrimSuffix(key, "/history")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.store.History(key))
}

/* ---------------- GET /internal/sync/tree ---------------- */

func (h *Handler) SyncTree(w http.ResponseWriter, r *http.Request) {
	// Serve the tree for the store as it is right now; a peer negotiating
	// against a stale root would diff against state we no longer hold.
	h.index.Rebuild(h.store.AllHashes())
	writeJSON(w, http.StatusOK, syncpkg.TreeInfo{
		Topology: h.index.Topology(),
		RootHash: h.index.RootHash(),
	})
}

/* ---------------- GET /internal/sync/leaves ---------------- */

func (h *Handler) SyncLeaves(w http.ResponseWriter, r *http.Request) {
	lo, hi, ok := h.leafRange(w, r)
	if !ok {
		return
	}

	hashes, err := h.index.LeafHashes(lo, hi)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"leaf_hashes": hashes})
}

/* ---------------- GET /internal/sync/records ---------------- */

func (h *Handler) SyncRecords(w http.ResponseWriter, r *http.Request) {
	lo, hi, ok := h.leafRange(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1024 {
		limit = 128
	}
	cursor := r.URL.Query().Get("cursor")

	rng := merkle.LeafRange{Lo: lo, Hi: hi}
	all := h.store.Select(func(key string) bool { return h.index.InRange(key, rng) })

	var page []store.Record
	for _, rec := range all {
		if cursor != "" && rec.Key <= cursor {
			continue
		}
		page = append(page, rec)
		if len(page) >= limit {
			break
		}
	}

	next := ""
	if len(page) == limit && len(all) > 0 && page[len(page)-1].Key != all[len(all)-1].Key {
		next = page[len(page)-1].Key
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records":     page,
		"next_cursor": next,
	})
}

/* ---------------- POST /internal/sync/records ---------------- */

type pushRequest struct {
	Records []store.Record `json:"records"`
}

func (h *Handler) AcceptRecords(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	results := make([]syncpkg.PutOutcome, 0, len(req.Records))
	for _, rec := range req.Records {
		res, err := h.store.Put(r.Context(), rec)
		if err != nil {
			h.logger.Error("pushed record rejected by store", "key", rec.Key, "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		results = append(results, syncpkg.PutOutcome{Key: rec.Key, Result: res.String()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) leafRange(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	lo, err := strconv.Atoi(r.URL.Query().Get("lo"))
	if err != nil {
		http.Error(w, "invalid lo", http.StatusBadRequest)
		return 0, 0, false
	}
	hi, err := strconv.Atoi(r.URL.Query().Get("hi"))
	if err != nil {
		http.Error(w, "invalid hi", http.StatusBadRequest)
		return 0, 0, false
	}
	if lo < 0 || hi > h.index.Topology() || lo >= hi {
		http.Error(w, "leaf range out of bounds", http.StatusBadRequest)
		return 0, 0, false
	}
	return lo, hi, true
}
