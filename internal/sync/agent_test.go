package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-sync/internal/cache"
	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/merkle"
	"edge-sync/internal/metrics"
	"edge-sync/internal/resolve"
	"edge-sync/internal/store"
)

const testTopology = 16

// fakePeer backs the AuthorityClient with a real in-memory store and index,
// so sync tests exercise the same resolution rules on both sides.
type fakePeer struct {
	st *store.Store
	ix *merkle.Index

	mu          stdsync.Mutex
	topology    int // override; 0 means real
	treeErrs    int // GetTree failures remaining
	recordsErrs int // GetRecords failures remaining
}

func (p *fakePeer) Ping(context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (p *fakePeer) GetTree(context.Context) (TreeInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.treeErrs > 0 {
		p.treeErrs--
		return TreeInfo{}, errors.New("peer unavailable")
	}

	p.ix.Rebuild(p.st.AllHashes())
	topo := p.ix.Topology()
	if p.topology != 0 {
		topo = p.topology
	}
	return TreeInfo{Topology: topo, RootHash: p.ix.RootHash()}, nil
}

func (p *fakePeer) GetLeafHashes(_ context.Context, lo, hi int) ([]string, error) {
	return p.ix.LeafHashes(lo, hi)
}

func (p *fakePeer) GetRecords(_ context.Context, lo, hi int, afterKey string, limit int) ([]store.Record, string, error) {
	p.mu.Lock()
	if p.recordsErrs > 0 {
		p.recordsErrs--
		p.mu.Unlock()
		return nil, "", errors.New("transfer interrupted")
	}
	p.mu.Unlock()

	rng := merkle.LeafRange{Lo: lo, Hi: hi}
	all := p.st.Select(func(key string) bool { return p.ix.InRange(key, rng) })

	var page []store.Record
	for _, rec := range all {
		if afterKey != "" && rec.Key <= afterKey {
			continue
		}
		page = append(page, rec)
		if limit > 0 && len(page) >= limit {
			break
		}
	}

	next := ""
	if limit > 0 && len(page) == limit && page[len(page)-1].Key != all[len(all)-1].Key {
		next = page[len(page)-1].Key
	}
	return page, next, nil
}

func (p *fakePeer) PutRecords(ctx context.Context, recs []store.Record) ([]PutOutcome, error) {
	out := make([]PutOutcome, 0, len(recs))
	for _, rec := range recs {
		res, err := p.st.Put(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, PutOutcome{Key: rec.Key, Result: res.String()})
	}
	return out, nil
}

type fixture struct {
	agent *Agent
	local *store.Store
	peer  *fakePeer
	reg   *metrics.Registry
	cache *cache.Cache
}

func newFixture(t *testing.T, opts Options, conn *connectivity.Manager) *fixture {
	t.Helper()
	reg := metrics.NewRegistry()
	logger := logs.New(logs.Config{Level: logs.LevelError})

	local, err := store.Open(store.Options{InMemory: true}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remote, err := store.Open(store.Options{InMemory: true}, metrics.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	peer := &fakePeer{st: remote, ix: merkle.New(testTopology)}
	c := cache.New(cache.Options{}, local, logger, reg)
	resolver := resolve.New(logger, reg)

	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	if opts.RetryCap == 0 {
		opts.RetryCap = 5 * time.Millisecond
	}
	agent := NewAgent(opts, local, merkle.New(testTopology), c, resolver, peer, conn, logger, reg)
	return &fixture{agent: agent, local: local, peer: peer, reg: reg, cache: c}
}

func record(key string, version uint64, class store.PriorityClass, value string) store.Record {
	return store.Record{
		Key:       key,
		Value:     []byte(value),
		Version:   version,
		Origin:    "test",
		Priority:  class,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}.Sealed()
}

func mustPut(t *testing.T, s *store.Store, rec store.Record) {
	t.Helper()
	_, err := s.Put(context.Background(), rec)
	require.NoError(t, err)
}

func runSync(t *testing.T, f *fixture) Snapshot {
	t.Helper()
	id := f.agent.TriggerSync()
	f.agent.Wait()
	snap, ok := f.agent.Status(id)
	require.True(t, ok)
	return snap
}

func TestSyncConvergence(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	// Disjoint key sets plus one conflicting key.
	mustPut(t, f.local, record("policy/local-only", 1, store.ClassEdgeInferred, `{"outcome":"allow"}`))
	mustPut(t, f.peer.st, record("policy/remote-only", 1, store.ClassAuthority, `{"outcome":"deny"}`))
	mustPut(t, f.local, record("policy/shared", 2, store.ClassEdgeInferred, `{"outcome":"allow"}`))
	mustPut(t, f.peer.st, record("policy/shared", 4, store.ClassEdgeInferred, `{"outcome":"deny"}`))

	snap := runSync(t, f)
	assert.Equal(t, StatusCommitted, snap.Status)

	// Both sides hold identical content.
	require.Equal(t, f.local.AllHashes(), f.peer.st.AllHashes())

	got, err := f.local.Get("policy/shared")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Version, "higher version wins on equal class")

	_, err = f.local.Get("policy/remote-only")
	assert.NoError(t, err)
	_, err = f.peer.st.Get("policy/local-only")
	assert.NoError(t, err)
}

func TestAuthorityDominatesNewerEdgeVersion(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	edge := record("policy/k", 5, store.ClassEdgeInferred, `{"outcome":"allow"}`)
	authority := record("policy/k", 3, store.ClassAuthority, `{"outcome":"deny"}`)
	mustPut(t, f.local, edge)
	mustPut(t, f.peer.st, authority)

	snap := runSync(t, f)
	require.Equal(t, StatusCommitted, snap.Status)

	got, err := f.local.Get("policy/k")
	require.NoError(t, err)
	assert.Equal(t, store.ClassAuthority, got.Priority)
	assert.Equal(t, uint64(3), got.Version)

	// The displaced edge record is auditable.
	hist := f.local.History("policy/k")
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(5), hist[0].Version)

	// The peer rejected our pushed edge record and kept the authority copy.
	remote, err := f.peer.st.Get("policy/k")
	require.NoError(t, err)
	assert.Equal(t, store.ClassAuthority, remote.Priority)
}

func TestSyncNoopWhenTreesMatch(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := record("policy/same", 1, store.ClassAuthority, `{"outcome":"allow"}`)
	mustPut(t, f.local, rec)
	mustPut(t, f.peer.st, rec)

	snap := runSync(t, f)
	assert.Equal(t, StatusCommitted, snap.Status)
	assert.Equal(t, float64(1), f.reg.Value(metrics.SyncNoopTotal))
	assert.Equal(t, float64(0), f.reg.Value(metrics.SyncRecordsPulled))
}

func TestProtocolMismatchAbortsWithoutRetry(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.peer.topology = testTopology * 2

	mustPut(t, f.peer.st, record("policy/x", 1, store.ClassAuthority, `{}`))

	snap := runSync(t, f)
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Contains(t, snap.Error, "protocol mismatch")
	assert.Equal(t, float64(0), f.reg.Value(metrics.SyncRetriesTotal))
	assert.Equal(t, float64(1), f.reg.Value(metrics.SyncAbortedTotal))
}

func TestTransientFailureRetriesAndCommits(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 5}, nil)
	f.peer.treeErrs = 2

	mustPut(t, f.peer.st, record("policy/y", 1, store.ClassAuthority, `{"outcome":"deny"}`))

	snap := runSync(t, f)
	assert.Equal(t, StatusCommitted, snap.Status)
	assert.Equal(t, float64(2), f.reg.Value(metrics.SyncRetriesTotal))

	_, err := f.local.Get("policy/y")
	assert.NoError(t, err)
}

func TestAbortedTransferLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 1}, nil)
	f.peer.recordsErrs = 100 // every pull attempt fails

	mustPut(t, f.local, record("policy/mine", 1, store.ClassEdgeInferred, `{}`))
	mustPut(t, f.peer.st, record("policy/theirs", 1, store.ClassAuthority, `{}`))
	before := f.local.AllHashes()

	snap := runSync(t, f)
	assert.Equal(t, StatusAborted, snap.Status)
	assert.Equal(t, before, f.local.AllHashes())
}

func TestPaginatedPull(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 3}, nil)

	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		mustPut(t, f.peer.st, record("policy/"+key, 1, store.ClassAuthority, `{}`))
	}

	snap := runSync(t, f)
	require.Equal(t, StatusCommitted, snap.Status)
	assert.Equal(t, 7, f.local.Len())
	assert.Equal(t, f.local.AllHashes(), f.peer.st.AllHashes())
}

func TestTriggerWhileDisconnectedQueuesAndRunsOnReconnect(t *testing.T) {
	reg := metrics.NewRegistry()
	logger := logs.New(logs.Config{Level: logs.LevelError})
	conn := connectivity.NewManager(connectivity.Config{FailureThreshold: 1}, logger, reg)

	f := newFixture(t, Options{}, conn)
	mustPut(t, f.peer.st, record("policy/offline", 1, store.ClassAuthority, `{}`))

	id := f.agent.TriggerSync()
	snap, ok := f.agent.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusNegotiating, snap.Status)
	assert.Equal(t, 1, conn.QueueDepth())

	conn.MarkSuccess(time.Millisecond)
	f.agent.Wait()

	snap, ok = f.agent.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, snap.Status)

	_, err := f.local.Get("policy/offline")
	assert.NoError(t, err)
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, ok := f.agent.Status("nope")
	assert.False(t, ok)
}
