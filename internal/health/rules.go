package health

import (
	"fmt"

	"edge-sync/internal/metrics"
)

// RuleResult represents the outcome of a single rule.
type RuleResult struct {
	Triggered      bool
	Signal         string
	Recommendation string
	Severity       Status
}

// Rule evaluates a metrics snapshot.
type Rule func(snapshot map[string]float64) RuleResult

func metric(snapshot map[string]float64, key metrics.MetricKey) float64 {
	return snapshot["edgesync_"+string(key)]
}

// Aborted sync sessions indicate the node may be drifting from the authority.
func SyncAbortRule(snapshot map[string]float64) RuleResult {
	aborted := metric(snapshot, metrics.SyncAbortedTotal)
	committed := metric(snapshot, metrics.SyncCommittedTotal)

	if aborted > 0 && aborted > committed {
		return RuleResult{
			Triggered:      true,
			Signal:         "Sync sessions are aborting more often than committing",
			Recommendation: "Check authority reachability and look for protocol mismatch errors",
			Severity:       StatusCritical,
		}
	}
	if aborted > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Some sync sessions aborted",
			Recommendation: "Inspect recent sync session errors",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// A disconnected node serves from cache with decaying confidence.
func DisconnectedRule(snapshot map[string]float64) RuleResult {
	if metric(snapshot, metrics.ConnectivityState) == 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Authority is unreachable; serving decisions from local state",
			Recommendation: "Restore connectivity before cached confidence decays below the floor",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Frequent reasoning timeouts mean cache misses are failing outright.
func ReasoningTimeoutRule(snapshot map[string]float64) RuleResult {
	calls := metric(snapshot, metrics.ReasoningCallsTotal)
	timeouts := metric(snapshot, metrics.ReasoningTimeoutsTotal)

	if calls >= 10 && timeouts/calls > 0.1 {
		return RuleResult{
			Triggered:      true,
			Signal:         fmt.Sprintf("Reasoning engine timed out on %.0f%% of calls", 100*timeouts/calls),
			Recommendation: "Check reasoning engine capacity or raise the timeout",
			Severity:       StatusCritical,
		}
	}
	if timeouts > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Reasoning engine timeouts detected",
			Recommendation: "Check reasoning engine latency",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// A low hit rate means most requests pay the full reasoning cost.
func LowHitRateRule(snapshot map[string]float64) RuleResult {
	lookups := metric(snapshot, metrics.CacheLookupsTotal)
	hits := metric(snapshot, metrics.CacheHitsTotal)

	if lookups >= 50 && hits/lookups < 0.5 {
		return RuleResult{
			Triggered:      true,
			Signal:         fmt.Sprintf("Cache hit rate is %.0f%%", 100*hits/lookups),
			Recommendation: "Review cache capacity, confidence floor, and decision TTLs",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Dropped queue entries mean explicit offline sync requests were lost.
func QueueDropRule(snapshot map[string]float64) RuleResult {
	if metric(snapshot, metrics.QueueDroppedTotal) > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Pending operations were dropped from the offline queue",
			Recommendation: "Raise connectivity.queue_capacity or investigate prolonged outages",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}
