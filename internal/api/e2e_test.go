package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
	"edge-sync/internal/store"
	syncpkg "edge-sync/internal/sync"
)

func authorityRecord(key string, version uint64, value string) store.Record {
	return store.Record{
		Key:       key,
		Value:     []byte(value),
		Version:   version,
		Origin:    "authority",
		Priority:  store.ClassAuthority,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}.Sealed()
}

// triggerAndWait starts a sync round over the API, waits for the agent to
// settle, and returns the session's final snapshot from GET /v1/sync/{id}.
func triggerAndWait(t *testing.T, n *testNode) syncpkg.Snapshot {
	t.Helper()

	resp := postJSON(t, n.server.URL+"/v1/sync", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	decodeInto(t, resp, &started)
	id := started["session_id"]
	require.NotEmpty(t, id)

	n.agent.Wait()

	statusResp, err := http.Get(n.server.URL + "/v1/sync/" + id)
	require.NoError(t, err)
	var snap syncpkg.Snapshot
	decodeInto(t, statusResp, &snap)
	return snap
}

func TestTwoNodeConvergence(t *testing.T) {
	authority := startNode(t, "authority", "", allowEngine("deny"), nil)
	edge := startNode(t, "edge-1", authority.server.URL, allowEngine("allow"), nil)

	// The authority holds policies the edge has never seen.
	for i := 0; i < 5; i++ {
		rec := authorityRecord(fmt.Sprintf("policy/a-%d", i), 1, `{"outcome":"deny"}`)
		_, err := authority.store.Put(context.Background(), rec)
		require.NoError(t, err)
	}

	// The edge decided requests on its own while apart.
	for i := 0; i < 5; i++ {
		req := node.Request{Subject: fmt.Sprintf("agent-%d", i), Action: "invoke", Resource: "tools/shell"}
		resp := postJSON(t, edge.server.URL+"/v1/decisions", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	snap := triggerAndWait(t, edge)
	require.Equal(t, syncpkg.StatusCommitted, snap.Status)
	assert.NotEmpty(t, snap.LocalRoot)
	assert.NotEmpty(t, snap.DiffRanges)

	// Both stores hold identical content after one round.
	assert.Equal(t, edge.store.AllHashes(), authority.store.AllHashes())
	assert.Equal(t, 10, edge.store.Len())

	// A second round is a no-op.
	snap = triggerAndWait(t, edge)
	assert.Equal(t, syncpkg.StatusCommitted, snap.Status)
	assert.Equal(t, float64(1), edge.reg.Value(metrics.SyncNoopTotal))
}

func TestAuthorityDominanceEndToEnd(t *testing.T) {
	authority := startNode(t, "authority", "", allowEngine("deny"), nil)
	edge := startNode(t, "edge-1", authority.server.URL, allowEngine("allow"), nil)

	// The edge raced ahead to version 5 while apart; the authority issued a
	// lower-versioned ruling that must still win everywhere.
	edgeRec := store.Record{
		Key: "policy/contested", Value: []byte(`{"outcome":"allow"}`),
		Version: 5, Origin: "edge-1", Priority: store.ClassEdgeInferred,
		CreatedAt: time.Unix(1700000100, 0).UTC(),
	}.Sealed()
	_, err := edge.store.Put(context.Background(), edgeRec)
	require.NoError(t, err)

	_, err = authority.store.Put(context.Background(),
		authorityRecord("policy/contested", 3, `{"outcome":"deny"}`))
	require.NoError(t, err)

	snap := triggerAndWait(t, edge)
	require.Equal(t, syncpkg.StatusCommitted, snap.Status)

	for name, st := range map[string]*store.Store{"edge": edge.store, "authority": authority.store} {
		got, err := st.Get("policy/contested")
		require.NoError(t, err, name)
		assert.Equal(t, store.ClassAuthority, got.Priority, name)
		assert.Equal(t, uint64(3), got.Version, name)
	}

	// The edge keeps its displaced record in the audit history.
	hist := edge.store.History("policy/contested")
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(5), hist[0].Version)
}

func TestOfflineAccumulationThenReconnect(t *testing.T) {
	authority := startNode(t, "authority", "", allowEngine("deny"), nil)

	reg := metrics.NewRegistry()
	logger := logs.New(logs.Config{Level: logs.LevelError})
	conn := connectivity.NewManager(connectivity.Config{FailureThreshold: 1}, logger, reg)
	edge := startNode(t, "edge-1", authority.server.URL, allowEngine("allow"), conn)

	// Disconnected from the start: decisions are still served locally.
	require.Equal(t, connectivity.Disconnected, conn.State())
	for i := 0; i < 10; i++ {
		req := node.Request{Subject: fmt.Sprintf("agent-%d", i), Action: "read", Resource: "datasets/q3"}
		resp := postJSON(t, edge.server.URL+"/v1/decisions", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, 10, edge.store.Len())
	assert.Equal(t, 0, authority.store.Len())

	// An explicit sync request while offline parks on the pending queue.
	resp := postJSON(t, edge.server.URL+"/v1/sync", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	decodeInto(t, resp, &started)
	require.Equal(t, 1, conn.QueueDepth())

	statusResp, err := http.Get(edge.server.URL + "/v1/sync/" + started["session_id"])
	require.NoError(t, err)
	var snap syncpkg.Snapshot
	decodeInto(t, statusResp, &snap)
	assert.Equal(t, syncpkg.StatusNegotiating, snap.Status)

	// Connectivity returns: the parked session drains and runs.
	conn.MarkSuccess(time.Millisecond)
	edge.agent.Wait()

	statusResp, err = http.Get(edge.server.URL + "/v1/sync/" + started["session_id"])
	require.NoError(t, err)
	decodeInto(t, statusResp, &snap)
	assert.Equal(t, syncpkg.StatusCommitted, snap.Status)

	// Everything decided offline reached the authority.
	assert.Equal(t, 10, authority.store.Len())
	assert.Equal(t, edge.store.AllHashes(), authority.store.AllHashes())
}

func TestSessionSnapshotSerialization(t *testing.T) {
	authority := startNode(t, "authority", "", allowEngine("deny"), nil)
	edge := startNode(t, "edge-1", authority.server.URL, allowEngine("allow"), nil)

	_, err := authority.store.Put(context.Background(),
		authorityRecord("policy/only", 1, `{"outcome":"deny"}`))
	require.NoError(t, err)

	snap := triggerAndWait(t, edge)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"committed"`)
	assert.Contains(t, string(raw), `"diff_ranges"`)
}
