package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chaoskey", Subsystem: "commandcore", Name: "commands_total", Help: "Commands processed, by outcome."},
		[]string{"type", "outcome"},
	)
	mCommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "chaoskey", Subsystem: "commandcore", Name: "command_duration_seconds", Help: "Command pipeline latency."},
	)
	mChainVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chaoskey", Subsystem: "commandcore", Name: "chain_verifications_total", Help: "Audit chain verification runs, by result."},
		[]string{"result"},
	)
)

func init() {
	_ = prometheus.Register(mCommands)
	_ = prometheus.Register(mCommandDuration)
	_ = prometheus.Register(mChainVerifications)
}

// outcomeLabel collapses a result into a low-cardinality metric label.
func outcomeLabel(success bool, data map[string]any) string {
	if !success {
		return "rejected"
	}
	if data != nil {
		if v, ok := data["paused"].(bool); ok && v {
			return "paused"
		}
		if v, ok := data["dryRun"].(bool); ok && v {
			return "dry_run"
		}
	}
	return "accepted"
}
