// Package node wires the request path: fingerprint, cache lookup, and the
// fallback to the reasoning engine. It owns the node's availability
// guarantee: a decision is served from local state or produced locally,
// never by waiting on the authority.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"edge-sync/internal/cache"
	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/store"
	"edge-sync/internal/sync"
)

// ErrReasoningTimeout means the reasoning engine did not answer within the
// configured bound. The request fails fast; a cached decision below the
// confidence floor is never substituted.
var ErrReasoningTimeout = errors.New("reasoning engine timed out")

// Result is a decided request with its provenance.
type Result struct {
	Fingerprint string   `json:"fingerprint"`
	Decision    Decision `json:"decision"`
	// Source is "cache" or "reasoning".
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Options configures the coordinator.
type Options struct {
	NodeID string
	// ReasoningTimeout bounds each engine call.
	ReasoningTimeout time.Duration
	// EdgeConfidence is the confidence baseline of freshly inferred decisions.
	EdgeConfidence float64
}

// Coordinator is the node's request-path entry point.
type Coordinator struct {
	opts    Options
	store   *store.Store
	cache   *cache.Cache
	agent   *sync.Agent
	conn    *connectivity.Manager
	engine  ReasoningEngine
	logger  *logs.Logger
	metrics *metrics.Registry

	sf singleflight.Group
}

// New creates a coordinator.
func New(
	opts Options,
	st *store.Store,
	c *cache.Cache,
	agent *sync.Agent,
	conn *connectivity.Manager,
	engine ReasoningEngine,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Coordinator {
	if opts.ReasoningTimeout <= 0 {
		opts.ReasoningTimeout = 2 * time.Second
	}
	if opts.EdgeConfidence <= 0 {
		opts.EdgeConfidence = 0.7
	}
	return &Coordinator{
		opts:    opts,
		store:   st,
		cache:   c,
		agent:   agent,
		conn:    conn,
		engine:  engine,
		logger:  logger,
		metrics: reg,
	}
}

// HandleRequest decides one governance request. Cache hits are served with
// their current confidence; misses fall through to the reasoning engine,
// with concurrent misses for the same fingerprint collapsed into one call.
func (c *Coordinator) HandleRequest(ctx context.Context, req Request) (Result, error) {
	c.metrics.Inc(metrics.RequestsTotal)

	fp := req.Fingerprint()
	now := time.Now()

	if hit, err := c.cache.Lookup(fp, now); err == nil {
		var dec Decision
		if err := json.Unmarshal(hit.Record.Value, &dec); err == nil {
			c.cache.Touch(fp, now)
			return Result{
				Fingerprint: fp,
				Decision:    dec,
				Source:      "cache",
				Confidence:  hit.Confidence,
			}, nil
		}
		c.logger.Error("cached decision record is not decodable, re-evaluating",
			"key", fp, "error", err)
	}

	v, err, _ := c.sf.Do(fp, func() (any, error) {
		return c.evaluate(ctx, fp, req)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// evaluate produces a fresh edge-inferred decision: call the engine under
// the timeout, persist the record, seed the cache.
func (c *Coordinator) evaluate(ctx context.Context, fp string, req Request) (Result, error) {
	c.metrics.Inc(metrics.ReasoningCallsTotal)

	evalCtx, cancel := context.WithTimeout(ctx, c.opts.ReasoningTimeout)
	defer cancel()

	dec, err := c.engine.Evaluate(evalCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.metrics.Inc(metrics.ReasoningTimeoutsTotal)
			c.logger.Warn("reasoning engine timed out",
				"fingerprint", fp, "timeout", c.opts.ReasoningTimeout)
			return Result{}, fmt.Errorf("%w after %v", ErrReasoningTimeout, c.opts.ReasoningTimeout)
		}
		return Result{}, fmt.Errorf("reasoning engine: %w", err)
	}

	body, err := json.Marshal(dec)
	if err != nil {
		return Result{}, fmt.Errorf("encode decision: %w", err)
	}

	now := time.Now()
	version := uint64(1)
	if prev, err := c.store.Get(fp); err == nil {
		version = prev.Version + 1
	}

	rec := store.Record{
		Key:       fp,
		Value:     body,
		Version:   version,
		Origin:    c.opts.NodeID,
		Priority:  store.ClassEdgeInferred,
		CreatedAt: now,
	}
	if dec.TTL > 0 {
		rec.ExpiresAt = now.Add(dec.TTL)
	}
	rec = rec.Sealed()

	if _, err := c.store.Put(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("store decision: %w", err)
	}
	c.cache.Insert(fp, c.opts.EdgeConfidence, now)

	return Result{
		Fingerprint: fp,
		Decision:    dec,
		Source:      "reasoning",
		Confidence:  c.opts.EdgeConfidence,
	}, nil
}

// TriggerSync starts (or joins) a sync session and returns its ID. While
// disconnected the session is queued and runs on reconnect.
func (c *Coordinator) TriggerSync() string {
	return c.agent.TriggerSync()
}

// SyncStatus reports the state of a recent or active session.
func (c *Coordinator) SyncStatus(id string) (sync.Snapshot, bool) {
	return c.agent.Status(id)
}

// CacheStats summarizes the decision cache.
func (c *Coordinator) CacheStats() cache.Stats {
	return c.cache.Stats(time.Now())
}

// Connectivity returns the current reachability state.
func (c *Coordinator) Connectivity() connectivity.State {
	if c.conn == nil {
		return connectivity.Disconnected
	}
	return c.conn.State()
}
