// Package health turns metrics and recent logs into a health report.
package health

import (
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

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(
	reg *metrics.Registry,
	logger *logs.Logger,
) *Analyzer {
	return &Analyzer{
		metrics: reg,
		logger:  logger,
		rules: []Rule{
			DeliveryRetryRule,
			PeerUnhealthyRule,
			HeartbeatFailureRule,
			DecodeErrorRule,
			ApplyErrorRule,
			AwaitingSyncRule,
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

	/* ---------- METRICS-BASED RULES ---------- */

	for _, rule := range a.rules {
		result := rule(snapshot)
		if !result.Triggered {
			continue
		}

		signals = append(signals, result.Signal)
		recommendations = append(recommendations, result.Recommendation)
		status = escalate(status, result.Severity)
	}

	/* ---------- LOG-BASED SIGNALS ---------- */

	deliveryFailures := 0
	discards := 0
	panicCount := 0

	for _, entry := range a.logger.GetLast(100) {
		switch {
		case entry.Level == logs.WARN && strings.Contains(entry.Message, "delivery failed"):
			deliveryFailures++
		case entry.Level == logs.WARN && strings.Contains(entry.Message, "undelivered changes"):
			discards++
		case entry.Level == logs.ERROR && strings.Contains(entry.Message, "panic"):
			panicCount++
		}
	}

	if deliveryFailures >= 3 {
		signals = append(signals,
			"Repeated delivery failures detected in logs",
		)
		recommendations = append(recommendations,
			"Investigate network connectivity or peer health",
		)
		status = escalate(status, StatusDegraded)
	}

	if discards > 0 {
		signals = append(signals,
			"Undelivered changes were discarded on session close",
		)
		recommendations = append(recommendations,
			"Run a full sync on the affected peer",
		)
		status = escalate(status, StatusDegraded)
	}

	if panicCount > 0 {
		signals = append(signals,
			"Application panics detected in logs",
		)
		recommendations = append(recommendations,
			"Inspect stack traces and stabilize error handling",
		)
		status = StatusCritical
	}

	/* ---------- SUMMARY ---------- */

	summary := "System is healthy"
	if status != StatusOK {
		summary = "System health issues detected"
	}

	return Report{
		OverallStatus:   status,
		Summary:         summary,
		Signals:         signals,
		Recommendations: recommendations,
	}
}

func escalate(cur, next Status) Status {
	switch {
	case next == StatusCritical:
		return StatusCritical
	case next == StatusDegraded && cur == StatusOK:
		return StatusDegraded
	}
	return cur
}
