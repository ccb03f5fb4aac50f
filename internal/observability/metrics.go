package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the control plane. Every Record
// method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry         *prometheus.Registry
	FallbackAttempts *prometheus.CounterVec
	CooldownOpenings *prometheus.CounterVec
	BudgetSkips      *prometheus.CounterVec
	SpendUSD         *prometheus.CounterVec
	CloudEscapes     *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	RPCErrors        *prometheus.CounterVec
	WatcherRescans   prometheus.Counter
}

// NewMetrics constructs a registry with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_fallback_attempts_total",
		Help: "Fallback chain steps by model and outcome",
	}, []string{"model", "outcome"})

	cooldowns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_cooldown_openings_total",
		Help: "Times a model entered cooldown",
	}, []string{"model"})

	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_budget_skips_total",
		Help: "Cloud candidates skipped because the budget could not afford them",
	}, []string{"model"})

	spend := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_spend_usd_total",
		Help: "Recorded model spend in USD by tier",
	}, []string{"tier"})

	escapes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_cloud_escapes_total",
		Help: "Paid cloud calls reached through fallback",
	}, []string{"model"})

	trips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_breaker_trips_total",
		Help: "Contract circuit breaker trips by reason",
	}, []string{"reason"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_contract_transitions_total",
		Help: "Contract status changes by destination status",
	}, []string{"status"})

	rpcDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskplane_rpc_duration_seconds",
		Help:    "Daemon RPC duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"procedure"})

	rpcErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskplane_rpc_errors_total",
		Help: "Daemon RPC errors by procedure and code",
	}, []string{"procedure", "code"})

	rescans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskplane_watcher_rescans_total",
		Help: "Breaker sweeps triggered by the contract watcher",
	})

	reg.MustRegister(attempts, cooldowns, skips, spend, escapes, trips, transitions, rpcDur, rpcErrs, rescans)

	return &Metrics{
		registry:         reg,
		FallbackAttempts: attempts,
		CooldownOpenings: cooldowns,
		BudgetSkips:      skips,
		SpendUSD:         spend,
		CloudEscapes:     escapes,
		BreakerTrips:     trips,
		Transitions:      transitions,
		RPCDuration:      rpcDur,
		RPCErrors:        rpcErrs,
		WatcherRescans:   rescans,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFallbackAttempt counts one chain step.
func (m *Metrics) RecordFallbackAttempt(model, outcome string) {
	if m == nil {
		return
	}
	m.FallbackAttempts.WithLabelValues(orUnknown(model), orUnknown(outcome)).Inc()
}

// RecordCooldownOpened counts a model entering cooldown.
func (m *Metrics) RecordCooldownOpened(model string) {
	if m == nil {
		return
	}
	m.CooldownOpenings.WithLabelValues(orUnknown(model)).Inc()
}

// RecordBudgetSkip counts a cloud candidate refused by the ledger.
func (m *Metrics) RecordBudgetSkip(model string) {
	if m == nil {
		return
	}
	m.BudgetSkips.WithLabelValues(orUnknown(model)).Inc()
}

// RecordSpend adds recorded spend for a tier.
func (m *Metrics) RecordSpend(tier string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.SpendUSD.WithLabelValues(orUnknown(tier)).Add(usd)
}

// RecordCloudEscape counts a fallback into a paid model.
func (m *Metrics) RecordCloudEscape(model string) {
	if m == nil {
		return
	}
	m.CloudEscapes.WithLabelValues(orUnknown(model)).Inc()
}

// RecordBreakerTrip counts a contract breaker trip.
func (m *Metrics) RecordBreakerTrip(reason string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(orUnknown(reason)).Inc()
}

// RecordContractTransition counts a status change.
func (m *Metrics) RecordContractTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(orUnknown(status)).Inc()
}

// RecordRPC records duration and, when code is non-empty, an error.
func (m *Metrics) RecordRPC(procedure string, duration time.Duration, code string) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(orUnknown(procedure)).Observe(duration.Seconds())
	if code != "" {
		m.RPCErrors.WithLabelValues(orUnknown(procedure), code).Inc()
	}
}

// RecordWatcherRescan counts a watcher-triggered breaker sweep.
func (m *Metrics) RecordWatcherRescan() {
	if m == nil {
		return
	}
	m.WatcherRescans.Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
