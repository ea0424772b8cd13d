package transfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TransfersTotal     *prometheus.CounterVec
	TransferDuration   *prometheus.HistogramVec
	WithdrawalsTotal   *prometheus.CounterVec
	ChallengePurchases *prometheus.CounterVec
	WalletLookups      *prometheus.CounterVec
	PendingWithdrawals prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_operations_total",
				Help: "Total transfer operations.",
			},
			[]string{"operation", "status"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_operation_duration_seconds",
				Help:    "Transfer operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		WithdrawalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_withdrawals_total",
				Help: "Total external withdrawal decisions.",
			},
			[]string{"decision"},
		),
		ChallengePurchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_challenge_purchases_total",
				Help: "Total challenge purchases.",
			},
			[]string{"status"},
		),
		WalletLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_wallet_lookups_total",
				Help: "Total wallet lookups.",
			},
			[]string{"status"},
		),
		PendingWithdrawals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "transfer_pending_withdrawals",
				Help: "Open withdrawal requests awaiting review.",
			},
		),
	}

	registry.MustRegister(
		m.TransfersTotal,
		m.TransferDuration,
		m.WithdrawalsTotal,
		m.ChallengePurchases,
		m.WalletLookups,
		m.PendingWithdrawals,
	)
	return m
}

func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(operation, status).Inc()
	m.TransferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncWithdrawalDecision(decision string) {
	if m == nil {
		return
	}
	m.WithdrawalsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncChallengePurchase(status string) {
	if m == nil {
		return
	}
	m.ChallengePurchases.WithLabelValues(status).Inc()
}
