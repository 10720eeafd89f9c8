package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-sync/internal/cache"
	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/merkle"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
	"edge-sync/internal/resolve"
	"edge-sync/internal/store"
	syncpkg "edge-sync/internal/sync"
)

const testTopology = 32

type testNode struct {
	id     string
	store  *store.Store
	cache  *cache.Cache
	index  *merkle.Index
	agent  *syncpkg.Agent
	coord  *node.Coordinator
	reg    *metrics.Registry
	conn   *connectivity.Manager
	server *httptest.Server
}

// startNode wires a full node (store, cache, agent, coordinator, routes)
// behind an httptest server. peerURL names the node this one syncs against.
func startNode(t *testing.T, id, peerURL string, engine node.ReasoningEngine, conn *connectivity.Manager) *testNode {
	t.Helper()

	reg := metrics.NewRegistry()
	logger := logs.New(logs.Config{Level: logs.LevelError})

	st, err := store.Open(store.Options{InMemory: true}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ix := merkle.New(testTopology)
	c := cache.New(cache.Options{}, st, logger, reg)
	resolver := resolve.New(logger, reg)

	client := syncpkg.NewHTTPClient(peerURL, 2*time.Second)
	agent := syncpkg.NewAgent(syncpkg.Options{
		PeerID:     peerURL,
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		RetryCap:   10 * time.Millisecond,
	}, st, ix, c, resolver, client, conn, logger, reg)

	coord := node.New(node.Options{NodeID: id}, st, c, agent, conn, engine, logger, reg)
	h := NewHandler(id, coord, st, ix, reg, logger)

	srv := httptest.NewServer(RegisterRoutes(http.NewServeMux(), h))
	t.Cleanup(srv.Close)

	return &testNode{
		id: id, store: st, cache: c, index: ix,
		agent: agent, coord: coord, reg: reg, conn: conn, server: srv,
	}
}

func allowEngine(outcome string) node.EngineFunc {
	return func(context.Context, node.Request) (node.Decision, error) {
		return node.Decision{Outcome: outcome, TTL: time.Hour}, nil
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestDecisionEndpoint(t *testing.T) {
	n := startNode(t, "edge-1", "", allowEngine("allow"), nil)
	req := node.Request{Subject: "agent-7", Action: "invoke", Resource: "tools/shell"}

	t.Run("miss evaluates and stores", func(t *testing.T) {
		resp := postJSON(t, n.server.URL+"/v1/decisions", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result node.Result
		decodeInto(t, resp, &result)
		assert.Equal(t, "reasoning", result.Source)
		assert.Equal(t, "allow", result.Decision.Outcome)
		assert.Equal(t, 1, n.store.Len())
	})

	t.Run("repeat is served from cache", func(t *testing.T) {
		resp := postJSON(t, n.server.URL+"/v1/decisions", req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result node.Result
		decodeInto(t, resp, &result)
		assert.Equal(t, "cache", result.Source)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		resp := postJSON(t, n.server.URL+"/v1/decisions", node.Request{Subject: "s"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		resp, err := http.Post(n.server.URL+"/v1/decisions", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestReasoningTimeoutMapsToGatewayTimeout(t *testing.T) {
	slow := node.EngineFunc(func(ctx context.Context, _ node.Request) (node.Decision, error) {
		<-ctx.Done()
		return node.Decision{}, ctx.Err()
	})
	n := startNode(t, "edge-1", "", slow, nil)

	resp := postJSON(t, n.server.URL+"/v1/decisions",
		node.Request{Subject: "s", Action: "a", Resource: "r"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestObservabilityEndpoints(t *testing.T) {
	n := startNode(t, "edge-1", "", allowEngine("allow"), nil)

	t.Run("heartbeat", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/internal/heartbeat")
		require.NoError(t, err)
		var body map[string]string
		decodeInto(t, resp, &body)
		assert.Equal(t, "edge-1", body["node_id"])
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics exposition", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("cache stats", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/v1/cache/stats")
		require.NoError(t, err)
		var stats cache.Stats
		decodeInto(t, resp, &stats)
		assert.GreaterOrEqual(t, stats.EntryCount, 0)
	})

	t.Run("unknown sync session", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/v1/sync/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAdminEndpoints(t *testing.T) {
	n := startNode(t, "edge-1", "", allowEngine("allow"), nil)

	rec := store.Record{
		Key:       "policy/p1",
		Value:     []byte(`{"outcome":"deny"}`),
		Version:   1,
		Origin:    "authority",
		Priority:  store.ClassAuthority,
		CreatedAt: time.Now().UTC(),
	}.Sealed()
	_, err := n.store.Put(context.Background(), rec)
	require.NoError(t, err)

	t.Run("list records", func(t *testing.T) {
		resp, err := http.Get(n.server.URL + "/admin/records")
		require.NoError(t, err)
		var recs []recordSummary
		decodeInto(t, resp, &recs)
		require.Len(t, recs, 1)
		assert.Equal(t, "policy/p1", recs[0].Key)
		assert.Equal(t, "authority", recs[0].Priority)
	})

	t.Run("history", func(t *testing.T) {
		newer := rec
		newer.Version = 2
		newer.Value = []byte(`{"outcome":"allow"}`)
		newer = newer.Sealed()
		_, err := n.store.Put(context.Background(), newer)
		require.NoError(t, err)

		resp, err := http.Get(n.server.URL + "/admin/records/policy/p1/history")
		require.NoError(t, err)
		var hist []store.Record
		decodeInto(t, resp, &hist)
		require.Len(t, hist, 1)
		assert.Equal(t, uint64(1), hist[0].Version)
	})
}

func TestPeerFacingSyncEndpoints(t *testing.T) {
	n := startNode(t, "edge-1", "", allowEngine("allow"), nil)

	rec := store.Record{
		Key: "policy/x", Value: []byte(`{}`), Version: 1,
		Origin: "authority", Priority: store.ClassAuthority,
		CreatedAt: time.Now().UTC(),
	}.Sealed()
	_, err := n.store.Put(context.Background(), rec)
	require.NoError(t, err)

	client := syncpkg.NewHTTPClient(n.server.URL, time.Second)

	tree, err := client.GetTree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testTopology, tree.Topology)

	leaves, err := client.GetLeafHashes(context.Background(), 0, testTopology)
	require.NoError(t, err)
	assert.Len(t, leaves, testTopology)

	recs, next, err := client.GetRecords(context.Background(), 0, testTopology, "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, recs, 1)
	assert.Equal(t, "policy/x", recs[0].Key)

	outcomes, err := client.PutRecords(context.Background(), []store.Record{rec})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "accepted", outcomes[0].Result, "identical re-put is an accepted no-op")

	_, err = client.Ping(context.Background())
	assert.NoError(t, err)
}
