package api

import "net/http"

// RegisterRoutes wires all endpoints onto the mux and returns the handler
// wrapped in the middleware chain.
func RegisterRoutes(mux *http.ServeMux, h *Handler) http.Handler {
	// Node APIs
	mux.HandleFunc("/v1/decisions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.Decide(w, r)
	})
	mux.HandleFunc("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.TriggerSync(w, r)
	})
	mux.HandleFunc("/v1/sync/", h.SyncStatus)
	mux.HandleFunc("/v1/cache/stats", h.CacheStats)

	// Admin APIs
	mux.HandleFunc("/admin/records", h.ListRecords)
	mux.HandleFunc("/admin/records/", h.RecordHistory)

	// Observability APIs
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/health", h.GetHealth)

	// Peer-facing APIs (any node can serve as a sync peer)
	mux.HandleFunc("/internal/heartbeat", h.Heartbeat)
	mux.HandleFunc("/internal/sync/tree", h.SyncTree)
	mux.HandleFunc("/internal/sync/leaves", h.SyncLeaves)
	mux.HandleFunc("/internal/sync/records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.SyncRecords(w, r)
		case http.MethodPost:
			h.AcceptRecords(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	return Chain(
		mux,
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
	)
}
