package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CycleDuration tracks per-tenant automation cycle wall time.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarctl_cycle_duration_seconds",
		Help:    "Duration of one tenant automation cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~50s
	})

	// CyclesTotal counts completed cycles by the action they took.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_cycles_total",
		Help: "Completed automation cycles by action taken",
	}, []string{"action"})

	// CycleErrors counts cycles that aborted with an error.
	CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_cycle_errors_total",
		Help: "Automation cycles that aborted with an error",
	}, []string{"stage"})

	// ProviderCalls counts outbound provider calls by provider, metering
	// class and outcome.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_provider_calls_total",
		Help: "Outbound external provider calls",
	}, []string{"provider", "metered", "outcome"}) // outcome: ok, error, rate_limited

	// ProviderLatency tracks provider call roundtrip latency.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solarctl_provider_latency_seconds",
		Help:    "External provider call latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"provider"})

	// BreakerState tracks per-provider circuit breaker state
	// (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarctl_breaker_state",
		Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
	}, []string{"provider"})

	// CacheReads counts cache layer reads by cache name and hit/miss.
	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_cache_reads_total",
		Help: "Cache layer reads",
	}, []string{"cache", "result"}) // result: hit, miss

	// ActiveRules gauges how many tenants currently hold an active rule.
	ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarctl_active_rules",
		Help: "Tenants with a rule currently driving the inverter",
	})

	// SegmentApplies counts inverter segment writes by kind and result.
	SegmentApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_segment_applies_total",
		Help: "Inverter scheduler segment writes",
	}, []string{"kind", "result"}) // kind: apply, clear, quickcontrol; result: ok, failed, verify_mismatch

	// CurtailmentTransitions counts export-limit state changes.
	CurtailmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_curtailment_transitions_total",
		Help: "Curtailment state machine transitions",
	}, []string{"transition"}) // activated, deactivated

	// ClearFailures counts failed clear-active protocols.
	ClearFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarctl_clear_failures_total",
		Help: "Clear-active protocols that exhausted their retries",
	})

	// StoreLatency tracks persistence roundtrip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solarctl_store_latency_seconds",
		Help:    "Persistence operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"op"})

	// TickTenants gauges tenants dispatched on the last driver tick.
	TickTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarctl_tick_tenants",
		Help: "Tenants dispatched on the most recent driver tick",
	})

	// TickSkipped counts per-tenant dispatches skipped and why.
	TickSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_tick_skipped_total",
		Help: "Tenant cycle dispatches skipped",
	}, []string{"reason"}) // interval, busy

	// APIRateLimited tracks API requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// EventPublishFailures tracks failed best-effort event publishes.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_event_publish_failures_total",
		Help: "Failed cycle-event publish attempts (best-effort)",
	}, []string{"event_type"})

	// QuickControlCleanups counts override expiry cleanups by trigger.
	QuickControlCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarctl_quickcontrol_cleanups_total",
		Help: "Quick-control expiry cleanups",
	}, []string{"trigger"}) // cycle, poll
)
