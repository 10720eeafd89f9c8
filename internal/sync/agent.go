// Package sync reconciles the local policy store with a peer using the
// Merkle index: compare roots, walk down to the divergent leaf ranges,
// exchange only the records in those ranges, resolve conflicts, and commit
// each range atomically.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"edge-sync/internal/cache"
	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/merkle"
	"edge-sync/internal/metrics"
	"edge-sync/internal/resolve"
	"edge-sync/internal/store"
)

// sessionHistoryLimit bounds how many finished session snapshots are kept
// for status queries.
const sessionHistoryLimit = 32

// Options configures the sync agent.
type Options struct {
	// PeerID names the peer for logs and session snapshots.
	PeerID string
	// Interval between scheduled sync rounds.
	Interval time.Duration
	// BatchSize bounds record pages pulled from and pushed to the peer.
	BatchSize int
	// Concurrency bounds parallel range transfers within one session.
	Concurrency int
	// MaxRetries bounds attempts per session before it stays aborted.
	MaxRetries int
	// RetryBase and RetryCap shape the per-session retry backoff.
	RetryBase time.Duration
	RetryCap  time.Duration
	// AuthorityConfidence and EdgeConfidence re-baseline cache entries
	// whose record changed during a commit, by the record's priority class.
	AuthorityConfidence float64
	EdgeConfidence      float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 128
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 5 * time.Minute
	}
	if o.AuthorityConfidence <= 0 {
		o.AuthorityConfidence = 1.0
	}
	if o.EdgeConfidence <= 0 {
		o.EdgeConfidence = 0.7
	}
	return o
}

// Agent drives sync sessions against one peer. At most one session is
// active at a time; TriggerSync during an active session returns that
// session's ID instead of starting another.
type Agent struct {
	opts     Options
	store    *store.Store
	index    *merkle.Index
	cache    *cache.Cache
	resolver *resolve.Resolver
	client   AuthorityClient
	conn     *connectivity.Manager
	logger   *logs.Logger
	metrics  *metrics.Registry

	mu           stdsync.Mutex
	baseCtx      context.Context
	active       *Session
	cancelActive context.CancelFunc
	sessions     map[string]*Session
	order        []string

	wg stdsync.WaitGroup
}

// NewAgent creates an agent and, when a connectivity manager is given,
// hooks itself up: reconnect triggers a sync round, disconnect cancels the
// active session.
func NewAgent(
	opts Options,
	st *store.Store,
	index *merkle.Index,
	c *cache.Cache,
	resolver *resolve.Resolver,
	client AuthorityClient,
	conn *connectivity.Manager,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Agent {
	a := &Agent{
		opts:     opts.withDefaults(),
		store:    st,
		index:    index,
		cache:    c,
		resolver: resolver,
		client:   client,
		conn:     conn,
		logger:   logger,
		metrics:  reg,
		sessions: make(map[string]*Session),
	}
	if conn != nil {
		conn.OnReconnect(func() { a.TriggerSync() })
		conn.OnDisconnect(a.CancelActive)
	}
	return a
}

// Run schedules periodic sync rounds until ctx is cancelled. Rounds are
// skipped while disconnected; the reconnect hook starts one instead.
func (a *Agent) Run(ctx context.Context) {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.conn == nil || a.conn.State() != connectivity.Disconnected {
				a.TriggerSync()
			}
		case <-ctx.Done():
			return
		}
	}
}

// TriggerSync starts a sync session and returns its ID. Idempotent: while
// a session is active its ID is returned instead. While disconnected the
// session is parked on the pending queue and starts on reconnect.
func (a *Agent) TriggerSync() string {
	a.mu.Lock()
	if a.active != nil {
		id := a.active.ID()
		a.mu.Unlock()
		return id
	}

	s := newSession(a.opts.PeerID)
	a.rememberLocked(s)

	if a.conn != nil && a.conn.State() == connectivity.Disconnected {
		a.mu.Unlock()
		a.conn.Enqueue(connectivity.PendingOp{
			Kind:       "sync",
			EnqueuedAt: time.Now(),
			Run:        func() { a.launch(s) },
		})
		a.logger.Info("sync requested while disconnected, queued", "session_id", s.ID())
		return s.ID()
	}

	a.launchLocked(s)
	a.mu.Unlock()
	return s.ID()
}

// CancelActive aborts the in-flight session, if any.
func (a *Agent) CancelActive() {
	a.mu.Lock()
	cancel := a.cancelActive
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until no session goroutine is running.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Status returns the snapshot of a recent or active session.
func (a *Agent) Status(id string) (Snapshot, bool) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Active returns the snapshot of the in-flight session, if any.
func (a *Agent) Active() (Snapshot, bool) {
	a.mu.Lock()
	s := a.active
	a.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

func (a *Agent) rememberLocked(s *Session) {
	a.sessions[s.ID()] = s
	a.order = append(a.order, s.ID())
	for len(a.order) > sessionHistoryLimit {
		delete(a.sessions, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Agent) launch(s *Session) {
	a.mu.Lock()
	if a.active != nil {
		a.mu.Unlock()
		s.abort(errors.New("another sync session is already active"))
		return
	}
	a.launchLocked(s)
	a.mu.Unlock()
}

func (a *Agent) launchLocked(s *Session) {
	base := a.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	a.active = s
	a.cancelActive = cancel
	a.metrics.Inc(metrics.SyncSessionsTotal)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.runWithRetry(ctx, s)

		a.mu.Lock()
		a.active = nil
		a.cancelActive = nil
		a.mu.Unlock()
	}()
}

// runWithRetry drives one session through bounded retries. A protocol
// mismatch is fatal immediately; every other failure backs off and retries
// the session from negotiation.
func (a *Agent) runWithRetry(ctx context.Context, s *Session) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.opts.RetryBase
	bo.MaxInterval = a.opts.RetryCap
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if attempt > 0 {
			s.restart()
		}
		attempt++

		err := a.runSession(ctx, s)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProtocolMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		a.metrics.Inc(metrics.SyncRetriesTotal)
		a.logger.Warn("sync attempt failed, backing off",
			"session_id", s.ID(), "attempt", attempt, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(op,
		backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(a.opts.MaxRetries)),
		notify)
	if err != nil {
		s.abort(err)
		a.metrics.Inc(metrics.SyncAbortedTotal)
		a.logger.Error("sync session aborted", "session_id", s.ID(), "error", err)
	}
}

// runSession executes one attempt: negotiate roots, diff, transfer the
// divergent ranges, resolve, commit. Any error leaves the store exactly as
// it was for the uncommitted ranges; already committed ranges stand, which
// is safe because each range commit is independently consistent.
func (a *Agent) runSession(ctx context.Context, s *Session) error {
	a.index.Rebuild(a.store.AllHashes())
	localRoot := a.index.RootHash()

	tree, err := a.client.GetTree(ctx)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if tree.Topology != a.index.Topology() {
		return fmt.Errorf("%w: remote topology %d, local %d",
			ErrProtocolMismatch, tree.Topology, a.index.Topology())
	}
	s.setRoots(localRoot, tree.RootHash)

	if tree.RootHash == localRoot {
		s.setStatus(StatusCommitted)
		a.metrics.Inc(metrics.SyncNoopTotal)
		a.logger.Debug("trees identical, nothing to sync", "session_id", s.ID())
		return nil
	}

	leaves, err := a.client.GetLeafHashes(ctx, 0, a.index.Topology())
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if len(leaves) != a.index.Topology() {
		return fmt.Errorf("%w: remote sent %d leaf hashes, topology is %d",
			ErrProtocolMismatch, len(leaves), a.index.Topology())
	}

	// A diff error here means the remote's root and leaves disagree, which
	// happens when the peer commits between our two calls. Transient.
	ranges, err := a.index.Diff(tree.RootHash, leaves)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if len(ranges) == 0 {
		s.setStatus(StatusCommitted)
		a.metrics.Inc(metrics.SyncNoopTotal)
		return nil
	}
	s.setDiffRanges(ranges)
	s.setStatus(StatusTransferring)

	// Pin cache entries referencing keys in the divergent ranges so
	// eviction cannot race the commit.
	pinned := a.pinRanges(ranges)
	defer func() {
		for _, key := range pinned {
			a.cache.Unpin(key)
		}
	}()

	pulled := make([][]store.Record, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, rng := range ranges {
		i, rng := i, rng
		g.Go(func() error {
			recs, err := a.transferRange(gctx, rng)
			if err != nil {
				return fmt.Errorf("range [%d,%d): %w", rng.Lo, rng.Hi, err)
			}
			pulled[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	s.setStatus(StatusResolving)

	var changed []string
	for i, rng := range ranges {
		winners := a.resolveIncoming(pulled[i])
		if len(winners) == 0 {
			continue
		}
		keys, err := a.store.CommitBatch(ctx, winners)
		if err != nil {
			return fmt.Errorf("commit range [%d,%d): %w", rng.Lo, rng.Hi, err)
		}
		changed = append(changed, keys...)
	}

	a.index.Rebuild(a.store.AllHashes())
	a.rebaseline(changed)

	s.setStatus(StatusCommitted)
	a.metrics.Inc(metrics.SyncCommittedTotal)
	a.logger.Info("sync session committed",
		"session_id", s.ID(),
		"peer", s.peerID,
		"ranges", len(ranges),
		"records_changed", len(changed),
	)
	return nil
}

// transferRange pulls the peer's records for one divergent range page by
// page, then pushes the local records the peer lacks or holds with a
// different content hash. Returns the pulled records for resolution.
func (a *Agent) transferRange(ctx context.Context, rng merkle.LeafRange) ([]store.Record, error) {
	var remote []store.Record
	cursor := ""
	for {
		page, next, err := a.client.GetRecords(ctx, rng.Lo, rng.Hi, cursor, a.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		remote = append(remote, page...)
		a.metrics.Add(metrics.SyncRecordsPulled, float64(len(page)))
		if next == "" {
			break
		}
		cursor = next
	}

	remoteByKey := make(map[string]store.Record, len(remote))
	for _, rec := range remote {
		remoteByKey[rec.Key] = rec
	}

	local := a.store.Select(func(key string) bool { return a.index.InRange(key, rng) })
	var push []store.Record
	for _, rec := range local {
		if peer, ok := remoteByKey[rec.Key]; !ok || peer.ContentHash != rec.ContentHash {
			push = append(push, rec)
		}
	}

	for start := 0; start < len(push); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(push))
		outcomes, err := a.client.PutRecords(ctx, push[start:end])
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		a.metrics.Add(metrics.SyncRecordsPushed, float64(end-start))
		for _, o := range outcomes {
			if o.Result == store.PutRejected.String() {
				// The peer's copy won its local resolution; ours will lose
				// the same way when pulled, so convergence holds.
				a.logger.Debug("peer kept its own record", "key", o.Key)
			}
		}
	}
	return remote, nil
}

// resolveIncoming picks, for each pulled record, whether it displaces the
// local one. Only records that actually change local state are returned.
func (a *Agent) resolveIncoming(remote []store.Record) []store.Record {
	var winners []store.Record
	for _, rec := range remote {
		local, err := a.store.Get(rec.Key)
		if err != nil {
			winners = append(winners, rec)
			continue
		}
		if local.Same(rec) {
			continue
		}
		a.metrics.Inc(metrics.SyncConflictsTotal)
		if win := a.resolver.Resolve(local, rec); !win.Same(local) {
			winners = append(winners, win)
		}
	}
	return winners
}

// pinRanges pins every cached entry whose key buckets into one of the
// divergent ranges and returns the pinned keys.
func (a *Agent) pinRanges(ranges []merkle.LeafRange) []string {
	var pinned []string
	for _, kh := range a.store.AllHashes() {
		for _, rng := range ranges {
			if a.index.InRange(kh.Key, rng) {
				a.cache.Pin(kh.Key)
				pinned = append(pinned, kh.Key)
				break
			}
		}
	}
	return pinned
}

// rebaseline resets cache confidence for keys whose record changed in the
// commit, using the baseline of the record's priority class.
func (a *Agent) rebaseline(changed []string) {
	now := time.Now()
	for _, key := range changed {
		rec, err := a.store.Get(key)
		if err != nil {
			continue
		}
		base := a.opts.EdgeConfidence
		if rec.Priority == store.ClassAuthority {
			base = a.opts.AuthorityConfidence
		}
		a.cache.ResetConfidence(key, base, now)
	}
}
