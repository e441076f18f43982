// Package metrics holds the operational Prometheus counters exposed by
// every component: job transitions, admission outcomes, report
// dispatch results. Distinct from internal/metricsagg, which is the
// business-level per-tenant MetricSnapshot aggregator from spec §4.11.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rule_engine",
		Name:      "jobs_submitted_total",
		Help:      "Number of job submissions received, by outcome.",
	}, []string{"outcome"})

	JobsStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rule_engine",
		Name:      "job_state_transitions_total",
		Help:      "Number of Job Coordinator state transitions, by target state.",
	}, []string{"state"})

	TenantSlotReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rule_engine",
		Name:      "tenant_slot_reclaims_total",
		Help:      "Number of expired TenantSlots reclaimed by the janitor sweep.",
	})

	ReportDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rule_engine",
		Name:      "report_dispatch_total",
		Help:      "Number of report dispatch attempts, by sink and outcome.",
	}, []string{"sink", "outcome"})

	RulesetCompileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rule_engine",
		Name:      "ruleset_compile_duration_seconds",
		Help:      "Time spent compiling a ruleset artifact.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"cloud", "outcome"})

	SchedulerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rule_engine",
		Name:      "scheduler_fires_total",
		Help:      "Number of scheduled-job fires, by outcome.",
	}, []string{"outcome"})
)
