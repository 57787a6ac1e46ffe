package health

import "edge-sync/internal/metrics"

// RuleResult represents the outcome of a single rule.
type RuleResult struct {
	Triggered      bool
	Signal         string
	Recommendation string
	Severity       Status
}

// Rule evaluates a metrics snapshot.
type Rule func(snapshot map[string]int64) RuleResult

// ---------- RULES ----------

// Delivery retries indicate an unstable link.
func DeliveryRetryRule(snapshot map[string]int64) RuleResult {
	retries := snapshot[string(metrics.DeliveryRetriesTotal)]

	if retries > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Delivery retries detected",
			Recommendation: "Check link connectivity or delivery timeouts",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Unhealthy peers mean changes are piling up in the queue.
func PeerUnhealthyRule(snapshot map[string]int64) RuleResult {
	unhealthy := snapshot[string(metrics.PeersUnhealthy)]

	if unhealthy > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "One or more peers are unhealthy",
			Recommendation: "Inspect peer health and heartbeat configuration",
			Severity:       StatusCritical,
		}
	}
	return RuleResult{}
}

// Frequent heartbeat failures indicate liveness issues.
func HeartbeatFailureRule(snapshot map[string]int64) RuleResult {
	failures := snapshot[string(metrics.HeartbeatFailuresTotal)]

	if failures > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Heartbeat failures detected",
			Recommendation: "Check peer availability and heartbeat endpoints",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

// Skipped messages mean the peers disagree on the wire format.
func DecodeErrorRule(snapshot map[string]int64) RuleResult {
	if snapshot[string(metrics.DecodeErrorsTotal)] > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Malformed sync messages were skipped",
			Recommendation: "Check that both sides run compatible versions",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}

func ApplyErrorRule(snapshot map[string]int64) RuleResult {
	if snapshot[string(metrics.ApplyErrorsTotal)] > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Changes failed to apply",
			Recommendation: "Inspect the entity store and apply error logs",
			Severity:       StatusCritical,
		}
	}
	return RuleResult{}
}

// A session waiting for a snapshot does not accept incremental changes.
func AwaitingSyncRule(snapshot map[string]int64) RuleResult {
	if snapshot[string(metrics.SessionsAwaitingSync)] > 0 {
		return RuleResult{
			Triggered:      true,
			Signal:         "Full sync in progress",
			Recommendation: "Incremental changes are held until the snapshot completes",
			Severity:       StatusDegraded,
		}
	}
	return RuleResult{}
}
