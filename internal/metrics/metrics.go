// Package metrics exposes the Prometheus counters/gauges that observe
// the gating funnel, balance cache, and usage reporter, the same
// client library (github.com/prometheus/client_golang) the reference
// gateway wires into its monitor package. These counters are
// side-effect-free: they observe decisions C6/C3/C5 already made and
// never influence them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for RequestsTotal.
const (
	OutcomeOK                 = "ok"
	OutcomeUnauthorized        = "unauthorized"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeBillingUnavailable  = "billing_unavailable"
	OutcomeUpstreamUnreachable = "upstream_unreachable"
)

// Outcome labels for UsageReportsTotal.
const (
	ReportSent    = "sent"
	ReportEnqueued = "enqueued"
	ReportRetried  = "retried"
	ReportDropped  = "dropped"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total POST /v1/messages requests by gating outcome.",
	}, []string{"outcome"})

	BalanceCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_balance_cache_hits_total",
		Help: "Balance checks served from a fresh cache entry without a billing call.",
	})

	BalanceCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_balance_cache_misses_total",
		Help: "Balance checks that issued a billing fetch.",
	})

	BalanceCacheStaleServesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_balance_cache_stale_serves_total",
		Help: "Balance checks served from a stale-but-within-grace entry during a billing outage.",
	})

	UsageReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_usage_reports_total",
		Help: "Usage reports by disposition.",
	}, []string{"outcome"})

	RetryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_retry_queue_depth",
		Help: "Current number of entries waiting in the usage-report retry queue.",
	})
)

// Registry returns a fresh registry with every metric above
// registered, for wiring into /metrics or for isolated tests.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		RequestsTotal,
		BalanceCacheHitsTotal,
		BalanceCacheMissesTotal,
		BalanceCacheStaleServesTotal,
		UsageReportsTotal,
		RetryQueueDepth,
	)
	return reg
}
