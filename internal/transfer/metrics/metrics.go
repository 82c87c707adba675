package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for TransfersTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds Prometheus metrics for transfers and reconciliation.
type Metrics struct {
	TransfersTotal       *prometheus.CounterVec
	Rejections           *prometheus.CounterVec
	Retries              prometheus.Counter
	Compensations        *prometheus.CounterVec
	TransferDuration     *prometheus.HistogramVec
	ReconcileRuns        *prometheus.CounterVec
	ReconcileDrift       prometheus.Gauge
	ReconcileFlagged     prometheus.Gauge
	ReconcileSupplyDelta prometheus.Gauge
}

// New registers the metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remit_transfers_total",
			Help: "Transfer requests by final outcome",
		}, []string{"outcome"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remit_transfer_rejections_total",
			Help: "Transfers rejected before any mutation, by error code",
		}, []string{"code"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "remit_transfer_retries_total",
			Help: "Transfer attempts retried after a version conflict",
		}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remit_transfer_compensations_total",
			Help: "Compensating writes by result",
		}, []string{"result"}),
		TransferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remit_transfer_duration_seconds",
			Help:    "Transfer latency by outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "remit_reconcile_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
		ReconcileDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: "remit_reconcile_drifted_accounts",
			Help: "Accounts whose balance disagrees with the ledger at the last run",
		}),
		ReconcileFlagged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "remit_reconcile_flagged_entries",
			Help: "Ledger entries awaiting manual reconciliation at the last run",
		}),
		ReconcileSupplyDelta: factory.NewGauge(prometheus.GaugeOpts{
			Name: "remit_reconcile_supply_delta_minor",
			Help: "Sum of balances minus sum of opening balances at the last run",
		}),
	}
}

// ObserveTransfer records one finished transfer.
func (m *Metrics) ObserveTransfer(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(outcome).Inc()
	m.TransferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRejection(code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) IncCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Compensations.WithLabelValues(result).Inc()
}

// RecordReconcile stores the figures of one reconciliation run.
func (m *Metrics) RecordReconcile(ok bool, drifted, flagged int, supplyDelta int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "mismatch"
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileDrift.Set(float64(drifted))
	m.ReconcileFlagged.Set(float64(flagged))
	m.ReconcileSupplyDelta.Set(float64(supplyDelta))
}

// IncReconcileError counts a run that could not complete.
func (m *Metrics) IncReconcileError() {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues("error").Inc()
}
