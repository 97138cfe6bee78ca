// Package metrics exposes Prometheus collectors for the energy ledger.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/energy-ledger/ledger"
)

const namespace = "energy_ledger"

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	EnergySpentTotal    *prometheus.CounterVec
	EnergyCreditedTotal *prometheus.CounterVec
	StreakBonusesTotal  prometheus.Counter
	WalletsCreatedTotal prometheus.Counter

	AuditRunsTotal           prometheus.Counter
	AuditInconsistentWallets prometheus.Gauge
	AuditLastRun             prometheus.Gauge
}

// New registers the collectors on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome code (ok on success)",
		}, []string{"op", "outcome"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency including retries",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),

		EnergySpentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_spent_total",
			Help:      "Energy debited, by action",
		}, []string{"action"}),

		EnergyCreditedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_credited_total",
			Help:      "Energy credited, by transaction type",
		}, []string{"type"}),

		StreakBonusesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streak_bonuses_total",
			Help:      "Streak bonuses awarded",
		}),

		WalletsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_created_total",
			Help:      "Wallets created",
		}),

		AuditRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Completed audit sweeps",
		}),

		AuditInconsistentWallets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_inconsistent_wallets",
			Help:      "Wallets whose history did not replay to their balance in the last sweep",
		}),

		AuditLastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_last_run_timestamp_seconds",
			Help:      "Unix time the last audit sweep finished",
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation counts a ledger call. err == nil is recorded as "ok".
func (m *Metrics) RecordOperation(op string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = ledger.Code(err)
	}
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) RecordAudit(inconsistent int, at time.Time) {
	m.AuditRunsTotal.Inc()
	m.AuditInconsistentWallets.Set(float64(inconsistent))
	m.AuditLastRun.Set(float64(at.Unix()))
}

// =============================================================================
// HOOK
// =============================================================================

// Compile-time check that Metrics implements ledger.Hook
var _ ledger.Hook = (*Metrics)(nil)

func (m *Metrics) Name() string { return "metrics" }

// OnMutation records committed energy flows.
func (m *Metrics) OnMutation(_ context.Context, ev ledger.Event) error {
	if ev.Kind == ledger.EventWalletCreated {
		m.WalletsCreatedTotal.Inc()
	}
	for _, tx := range ev.Transactions {
		switch tx.Type {
		case ledger.TxSpend:
			m.EnergySpentTotal.WithLabelValues(tx.Metadata.String(ledger.MetaAction)).Add(float64(-tx.Amount))
		case ledger.TxBonus:
			if ev.Kind == ledger.EventSpend {
				m.StreakBonusesTotal.Inc()
			}
			m.EnergyCreditedTotal.WithLabelValues(string(tx.Type)).Add(float64(tx.Amount))
		case ledger.TxCredit:
			m.EnergyCreditedTotal.WithLabelValues(string(tx.Type)).Add(float64(tx.Amount))
		}
	}
	return nil
}
