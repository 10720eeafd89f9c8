package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricKey is a strongly typed metric identifier.
type MetricKey string

// Metric keys (centralized)
const (
	// Policy store
	StorePutsTotal          MetricKey = "store_puts_total"
	StorePutAcceptedTotal   MetricKey = "store_put_accepted_total"
	StorePutSupersededTotal MetricKey = "store_put_superseded_total"
	StorePutRejectedTotal   MetricKey = "store_put_rejected_total"
	StoreRetriesTotal       MetricKey = "store_retries_total"
	StoreRecords            MetricKey = "store_records"

	// Decision cache
	CacheLookupsTotal   MetricKey = "cache_lookups_total"
	CacheHitsTotal      MetricKey = "cache_hits_total"
	CacheMissesTotal    MetricKey = "cache_misses_total"
	CacheEvictionsTotal MetricKey = "cache_evictions_total"
	CacheExpiredTotal   MetricKey = "cache_expired_total"
	CacheEntries        MetricKey = "cache_entries"

	// Sync agent
	SyncSessionsTotal    MetricKey = "sync_sessions_total"
	SyncCommittedTotal   MetricKey = "sync_committed_total"
	SyncAbortedTotal     MetricKey = "sync_aborted_total"
	SyncNoopTotal        MetricKey = "sync_noop_total"
	SyncRecordsPulled    MetricKey = "sync_records_pulled_total"
	SyncRecordsPushed    MetricKey = "sync_records_pushed_total"
	SyncConflictsTotal   MetricKey = "sync_conflicts_total"
	SyncRetriesTotal     MetricKey = "sync_retries_total"
	ResolveTiebreakTotal MetricKey = "resolve_hash_tiebreaks_total"

	// Connectivity
	HeartbeatRunsTotal     MetricKey = "heartbeat_runs_total"
	HeartbeatSuccessTotal  MetricKey = "heartbeat_success_total"
	HeartbeatFailuresTotal MetricKey = "heartbeat_failures_total"
	ConnectivityState      MetricKey = "connectivity_state"
	QueueDepth             MetricKey = "pending_queue_depth"
	QueueDroppedTotal      MetricKey = "pending_queue_dropped_total"

	// Request path
	RequestsTotal          MetricKey = "requests_total"
	ReasoningCallsTotal    MetricKey = "reasoning_calls_total"
	ReasoningTimeoutsTotal MetricKey = "reasoning_timeouts_total"
)

// counterKeys and gaugeKeys pin down the kind of every metric so the
// registry can pre-register them all at construction time.
var counterKeys = []MetricKey{
	StorePutsTotal, StorePutAcceptedTotal, StorePutSupersededTotal,
	StorePutRejectedTotal, StoreRetriesTotal,
	CacheLookupsTotal, CacheHitsTotal, CacheMissesTotal,
	CacheEvictionsTotal, CacheExpiredTotal,
	SyncSessionsTotal, SyncCommittedTotal, SyncAbortedTotal, SyncNoopTotal,
	SyncRecordsPulled, SyncRecordsPushed, SyncConflictsTotal,
	SyncRetriesTotal, ResolveTiebreakTotal,
	HeartbeatRunsTotal, HeartbeatSuccessTotal, HeartbeatFailuresTotal,
	QueueDroppedTotal,
	RequestsTotal, ReasoningCallsTotal, ReasoningTimeoutsTotal,
}

var gaugeKeys = []MetricKey{
	StoreRecords, CacheEntries, ConnectivityState, QueueDepth,
}

// Registry stores all metrics, backed by a private prometheus registry.
//
// The typed-key Inc/Add/Set surface keeps call sites free of prometheus
// plumbing; Snapshot() feeds the health analyzer.
type Registry struct {
	reg      *prometheus.Registry
	counters map[MetricKey]prometheus.Counter
	gauges   map[MetricKey]prometheus.Gauge
}

// NewRegistry creates a metrics registry with every known key pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[MetricKey]prometheus.Counter, len(counterKeys)),
		gauges:   make(map[MetricKey]prometheus.Gauge, len(gaugeKeys)),
	}

	for _, key := range counterKeys {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgesync",
			Name:      string(key),
		})
		r.reg.MustRegister(c)
		r.counters[key] = c
	}

	for _, key := range gaugeKeys {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgesync",
			Name:      string(key),
		})
		r.reg.MustRegister(g)
		r.gauges[key] = g
	}

	return r
}

// Inc increments a counter by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Add increments a counter by delta. Unknown keys are ignored rather than
// panicking; a typo in a call site should not take the node down.
func (r *Registry) Add(key MetricKey, delta float64) {
	if c, ok := r.counters[key]; ok {
		c.Add(delta)
	}
}

// Set sets a gauge to the given value.
func (r *Registry) Set(key MetricKey, value float64) {
	if g, ok := r.gauges[key]; ok {
		g.Set(value)
	}
}

// Handler returns the prometheus exposition handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
