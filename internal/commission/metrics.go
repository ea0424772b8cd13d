package commission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CommissionsTotal  *prometheus.CounterVec
	CommissionAmount  *prometheus.CounterVec
	ChainDepth        prometheus.Histogram
	TierUpgrades      *prometheus.CounterVec
	TierRefreshTime   prometheus.Histogram
	TierRefreshErrors prometheus.Counter
	TierCacheSize     prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CommissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_records_total",
				Help: "Total commission records written.",
			},
			[]string{"status"},
		),
		CommissionAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_amount_total",
				Help: "Total commission amount credited.",
			},
			[]string{"tier"},
		),
		ChainDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "commission_chain_depth",
				Help:    "Referral chain depth per closed trade.",
				Buckets: []float64{0, 1, 2, 3, 4, 5},
			},
		),
		TierUpgrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_tier_upgrades_total",
				Help: "Total automatic tier upgrades.",
			},
			[]string{"tier"},
		),
		TierRefreshTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "commission_tier_refresh_duration_seconds",
				Help:    "Tier cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		TierRefreshErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commission_tier_refresh_errors_total",
				Help: "Total tier cache refresh errors.",
			},
		),
		TierCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commission_tier_cache_size",
				Help: "Tiers held in the cache.",
			},
		),
	}

	registry.MustRegister(
		m.CommissionsTotal,
		m.CommissionAmount,
		m.ChainDepth,
		m.TierUpgrades,
		m.TierRefreshTime,
		m.TierRefreshErrors,
		m.TierCacheSize,
	)
	return m
}

func (m *Metrics) ObserveRefresh(duration time.Duration) {
	if m == nil {
		return
	}
	m.TierRefreshTime.Observe(duration.Seconds())
}

func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.TierCacheSize.Set(float64(size))
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.TierRefreshErrors.Inc()
}

func (m *Metrics) IncRecord(status string) {
	if m == nil {
		return
	}
	m.CommissionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddCredited(tier string, amount float64) {
	if m == nil {
		return
	}
	m.CommissionAmount.WithLabelValues(tier).Add(amount)
}

func (m *Metrics) ObserveChainDepth(depth int) {
	if m == nil {
		return
	}
	m.ChainDepth.Observe(float64(depth))
}

func (m *Metrics) IncTierUpgrade(tier string) {
	if m == nil {
		return
	}
	m.TierUpgrades.WithLabelValues(tier).Inc()
}
