package connectivity

import (
	"context"
	"time"

	"edge-sync/internal/logs"
	"edge-sync/internal/metrics"
)

// Pinger checks peer liveness. Implemented by the sync client against the
// authority's heartbeat endpoint.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// HeartbeatWorker periodically checks peer liveness and feeds the results
// into the Manager.
type HeartbeatWorker struct {
	manager  *Manager
	pinger   Pinger
	interval time.Duration
	logger   *logs.Logger
	metrics  *metrics.Registry
}

// NewHeartbeatWorker creates a heartbeat worker.
func NewHeartbeatWorker(
	manager *Manager,
	pinger Pinger,
	interval time.Duration,
	logger *logs.Logger,
	reg *metrics.Registry,
) *HeartbeatWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatWorker{
		manager:  manager,
		pinger:   pinger,
		interval: interval,
		logger:   logger,
		metrics:  reg,
	}
}

// Start begins the heartbeat loop.
// Stops immediately when the ctx is cancelled.
func (hw *HeartbeatWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	// Probe once right away so a freshly started node does not sit
	// disconnected for a full interval.
	hw.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			hw.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single liveness probe.
func (hw *HeartbeatWorker) RunOnce(ctx context.Context) {
	hw.metrics.Inc(metrics.HeartbeatRunsTotal)

	latency, err := hw.pinger.Ping(ctx)
	if err != nil {
		hw.metrics.Inc(metrics.HeartbeatFailuresTotal)
		hw.logger.Debug("heartbeat failed", "error", err)
		hw.manager.MarkFailure()
		return
	}

	hw.metrics.Inc(metrics.HeartbeatSuccessTotal)
	hw.manager.MarkSuccess(latency)
}
