// Package cache holds confidence-scored references to decision records so
// governance requests can be answered while the authority is unreachable.
//
// The cache never owns records: entries reference the policy store by key
// and carry only cache-local metadata (confidence baseline, hit count,
// recency, pins). Evicting an entry never deletes the underlying record.
package cache

import (
	"errors"
	"sync"
	"time"

	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
	"edge-sync/internal/store"
)

// ErrMiss is returned for absent entries, expired records, and entries
// whose confidence fell below the usability floor. Callers must treat all
// three identically: fall back to the reasoning engine.
var ErrMiss = errors.New("cache miss")

// Options configures the cache.
type Options struct {
	// Capacity bounds the number of entries; 0 falls back to 4096.
	Capacity int
	// ConfidenceFloor is the usability floor; entries below it are misses.
	ConfidenceFloor float64
	// DecayWindow bounds confidence decay for records without an expiry.
	DecayWindow time.Duration
}

// Hit is a successful lookup: the record plus its current confidence.
type Hit struct {
	Record     store.Record
	Confidence float64
	HitCount   int64
}

// Stats is the cache's observable summary.
type Stats struct {
	EntryCount    int     `json:"entry_count"`
	AvgConfidence float64 `json:"avg_confidence"`
	HitRate       float64 `json:"hit_rate"`
}

type entry struct {
	key        string
	base       float64
	hitCount   int64
	lastAccess time.Time
	pins       int
}

// Cache is the bounded decision cache.
type Cache struct {
	opts    Options
	records *store.Store
	logger  *logs.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[string]*entry
	lookups int64
	hits    int64
}

// New creates a cache backed by the given policy store.
func New(opts Options, records *store.Store, logger *logs.Logger, reg *metrics.Registry) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 4096
	}
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = 0.3
	}
	if opts.DecayWindow <= 0 {
		opts.DecayWindow = time.Hour
	}
	return &Cache{
		opts:    opts,
		records: records,
		logger:  logger,
		metrics: reg,
		entries: make(map[string]*entry),
	}
}

// confidence computes the entry's current confidence: the baseline at the
// record's CreatedAt, decaying linearly to 0 at ExpiresAt (or at
// CreatedAt+DecayWindow for permanent records). Monotonic in time and a
// pure function of its inputs.
func (c *Cache) confidence(rec store.Record, e *entry, now time.Time) float64 {
	deadline := rec.ExpiresAt
	if deadline.IsZero() {
		deadline = rec.CreatedAt.Add(c.opts.DecayWindow)
	}

	total := deadline.Sub(rec.CreatedAt)
	if total <= 0 {
		return 0
	}
	elapsed := now.Sub(rec.CreatedAt)
	if elapsed <= 0 {
		return e.base
	}
	if elapsed >= total {
		return 0
	}
	return e.base * (1 - float64(elapsed)/float64(total))
}

// Lookup returns the cached decision for a fingerprint, or ErrMiss.
//
// A miss is returned when no entry exists, when the underlying record is
// gone or expired, and when confidence decayed below the floor. The caller
// cannot and must not distinguish these cases.
func (c *Cache) Lookup(fingerprint string, now time.Time) (Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookups++
	c.metrics.Inc(metrics.CacheLookupsTotal)

	e, ok := c.entries[fingerprint]
	if !ok {
		c.metrics.Inc(metrics.CacheMissesTotal)
		return Hit{}, ErrMiss
	}

	rec, err := c.records.Get(e.key)
	if err != nil {
		// Record vanished from under us; drop the dangling entry.
		c.removeLocked(fingerprint)
		c.metrics.Inc(metrics.CacheMissesTotal)
		return Hit{}, ErrMiss
	}

	if rec.Expired(now) {
		if e.pins == 0 {
			c.removeLocked(fingerprint)
		}
		c.metrics.Inc(metrics.CacheExpiredTotal)
		c.metrics.Inc(metrics.CacheMissesTotal)
		return Hit{}, ErrMiss
	}

	conf := c.confidence(rec, e, now)
	if conf < c.opts.ConfidenceFloor {
		c.metrics.Inc(metrics.CacheMissesTotal)
		return Hit{}, ErrMiss
	}

	c.hits++
	c.metrics.Inc(metrics.CacheHitsTotal)
	return Hit{Record: rec, Confidence: conf, HitCount: e.hitCount}, nil
}

// Insert creates (or replaces) the entry for a fingerprint with the given
// confidence baseline, then enforces capacity.
func (c *Cache) Insert(fingerprint string, baseConfidence float64, now time.Time) {
	if baseConfidence > 1 {
		baseConfidence = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[fingerprint]; ok {
		prev.base = baseConfidence
		prev.lastAccess = now
		return
	}

	c.entries[fingerprint] = &entry{
		key:        fingerprint,
		base:       baseConfidence,
		lastAccess: now,
	}
	c.metrics.Set(metrics.CacheEntries, float64(len(c.entries)))
	c.evictLocked(now)
}

// Touch bumps the hit count and recency of an entry.
func (c *Cache) Touch(fingerprint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		e.hitCount++
		e.lastAccess = now
	}
}

// ResetConfidence re-baselines the entry for a key whose underlying record
// changed (used after a sync commit, with the authority baseline).
func (c *Cache) ResetConfidence(key string, base float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.base = base
		e.lastAccess = now
	}
}

// Pin marks an entry as referenced by an in-flight sync session; pinned
// entries are never evicted. Pins nest.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.pins++
	}
}

// Unpin releases one pin.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.pins > 0 {
		e.pins--
	}
}

// EvictIfNeeded enforces the capacity bound.
func (c *Cache) EvictIfNeeded(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
}

// evictLocked removes lowest-scoring unpinned entries until the cache fits.
// Score is confidence weighted by recency, so a confident but long-unused
// entry loses to a fresh one. If everything left is pinned the cache is
// allowed to run over capacity.
func (c *Cache) evictLocked(now time.Time) {
	for len(c.entries) > c.opts.Capacity {
		victim := ""
		lowest := 0.0

		for fp, e := range c.entries {
			if e.pins > 0 {
				continue
			}
			score := c.scoreLocked(e, now)
			if victim == "" || score < lowest {
				victim = fp
				lowest = score
			}
		}
		if victim == "" {
			return
		}
		c.removeLocked(victim)
		c.metrics.Inc(metrics.CacheEvictionsTotal)
	}
}

func (c *Cache) scoreLocked(e *entry, now time.Time) float64 {
	conf := 0.0
	if rec, err := c.records.Get(e.key); err == nil {
		conf = c.confidence(rec, e, now)
	}
	idle := now.Sub(e.lastAccess).Seconds()
	if idle < 0 {
		idle = 0
	}
	return conf / (1 + idle)
}

func (c *Cache) removeLocked(fingerprint string) {
	delete(c.entries, fingerprint)
	c.metrics.Set(metrics.CacheEntries, float64(len(c.entries)))
}

// Sweep removes entries whose record expired or whose confidence reached
// zero, then enforces capacity. Returns the number of entries removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if e.pins > 0 {
			continue
		}
		rec, err := c.records.Get(e.key)
		if err != nil || rec.Expired(now) || c.confidence(rec, e, now) <= 0 {
			c.removeLocked(fp)
			removed++
		}
	}
	if removed > 0 {
		c.metrics.Add(metrics.CacheExpiredTotal, float64(removed))
	}
	c.evictLocked(now)
	return removed
}

// Stats summarizes the cache for the stats endpoint.
func (c *Cache) Stats(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum float64
	for _, e := range c.entries {
		if rec, err := c.records.Get(e.key); err == nil {
			sum += c.confidence(rec, e, now)
		}
	}

	s := Stats{EntryCount: len(c.entries)}
	if len(c.entries) > 0 {
		s.AvgConfidence = sum / float64(len(c.entries))
	}
	if c.lookups > 0 {
		s.HitRate = float64(c.hits) / float64(c.lookups)
	}
	return s
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
