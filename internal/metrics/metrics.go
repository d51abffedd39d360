package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "groupwarden"

var (
	// Evaluations counts rule-engine verdicts by rule type and outcome.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Rule evaluations by rule type and outcome.",
	}, []string{"rule_type", "outcome"})

	// Actions counts moderation actions attempted against the VRChat API.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Moderation actions by action and status.",
	}, []string{"action", "status"})

	// APICalls counts raw VRChat API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw VRChat API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records VRChat API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "VRChat API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// RuleCacheHits counts parsed-rule cache hits.
	RuleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_cache_hits_total",
		Help:      "Parsed-rule cache hits.",
	})

	// RuleCacheMisses counts parsed-rule cache misses (full re-parses).
	RuleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_cache_misses_total",
		Help:      "Parsed-rule cache misses.",
	})

	// DedupSuppressed counts work skipped by the deduplication layer.
	DedupSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_suppressed_total",
		Help:      "Items skipped because they were already processed.",
	}, []string{"kind"})

	// GuardPassDuration records the duration of a full enforcement pass.
	GuardPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "guard_pass_duration_seconds",
		Help:      "Full enforcement loop pass duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
	}, []string{"loop"})

	// InstancesClosed counts instances closed by the guards.
	InstancesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instances_closed_total",
		Help:      "Instances closed by loop and reason.",
	}, []string{"loop", "reason"})

	// AuthErrors counts API calls rejected as unauthenticated.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "API calls rejected as unauthenticated.",
	})

	// OpenJoinRequests is the number of pending join requests seen on the last pass.
	OpenJoinRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_join_requests",
		Help:      "Pending join requests seen on the last gatekeeper pass.",
	}, []string{"group"})

	// AuditLogSizeBytes tracks the on-disk size of the audit database.
	AuditLogSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_log_size_bytes",
		Help:      "On-disk size of the audit database in bytes.",
	})
)
