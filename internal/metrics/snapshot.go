package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Snapshot returns the current value of every registered metric,
// keyed by the full exposition name (namespace included).
// Safe for concurrent use and immune to external mutation.
func (r *Registry) Snapshot() map[string]float64 {
	families, err := r.reg.Gather()
	if err != nil {
		return map[string]float64{}
	}

	out := make(map[string]float64, len(families))
	for _, mf := range families {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			out[mf.GetName()] = m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			out[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return out
}

// Value returns a single metric's current value by key (0 if absent).
// Mainly a convenience for rules and tests.
func (r *Registry) Value(key MetricKey) float64 {
	return r.Snapshot()["edgesync_"+string(key)]
}
