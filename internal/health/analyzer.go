// Package health derives a rule-based health report from the metrics
// snapshot and the recent-log ring.
package health

import (
	"log/slog"
	"strings"

	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
)

// Analyzer converts metrics + logs into a health report.
type Analyzer struct {
	metrics *metrics.Registry
	logger  *logs.Logger
	rules   []Rule
}

// NewAnalyzer creates a new analyzer with the standard rule set.
func NewAnalyzer(reg *metrics.Registry, logger *logs.Logger) *Analyzer {
	return &Analyzer{
		metrics: reg,
		logger:  logger,
		rules: []Rule{
			SyncAbortRule,
			DisconnectedRule,
			ReasoningTimeoutRule,
			LowHitRateRule,
			QueueDropRule,
		},
	}
}

// Analyze evaluates metrics and logs and returns a health report.
func (a *Analyzer) Analyze() Report {
	snapshot := a.metrics.Snapshot()

	var (
		signals         = []string{}
		recommendations = []string{}
		status          = StatusOK
	)

	escalate := func(sev Status) {
		if sev == StatusCritical {
			status = StatusCritical
		} else if sev == StatusDegraded && status == StatusOK {
			status = StatusDegraded
		}
	}

	for _, rule := range a.rules {
		result := rule(snapshot)
		if !result.Triggered {
			continue
		}
		signals = append(signals, result.Signal)
		recommendations = append(recommendations, result.Recommendation)
		escalate(result.Severity)
	}

	// Log-based signals from the recent ring.
	entries := a.logger.GetLast(100)

	abortLines := 0
	panicCount := 0
	for _, entry := range entries {
		if entry.Level == slog.LevelError &&
			strings.Contains(entry.Message, "sync session aborted") {
			abortLines++
		}
		if entry.Level == slog.LevelError &&
			strings.Contains(entry.Message, "panic") {
			panicCount++
		}
	}

	if abortLines >= 3 {
		signals = append(signals, "Repeated sync session aborts in recent logs")
		recommendations = append(recommendations, "Inspect sync session errors and authority availability")
		escalate(StatusDegraded)
	}
	if panicCount > 0 {
		signals = append(signals, "Recovered panics detected in recent logs")
		recommendations = append(recommendations, "Inspect stack traces and stabilize error handling")
		escalate(StatusCritical)
	}

	summary := "Node is healthy"
	if status != StatusOK {
		summary = "Node health issues detected"
	}

	return Report{
		OverallStatus:   status,
		Summary:         summary,
		Signals:         signals,
		Recommendations: recommendations,
	}
}
