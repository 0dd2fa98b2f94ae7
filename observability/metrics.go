package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics tracks protocol entry points and the bad-debt pipeline.
type ProtocolMetrics struct {
	actions      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	events       *prometheus.CounterVec
	accruals     *prometheus.CounterVec
	seizedShares *prometheus.CounterVec
	flashLoans   *prometheus.CounterVec
	converted    *prometheus.CounterVec
	auctionState *prometheus.GaugeVec
	badDebt      *prometheus.GaugeVec
	baseReserve  *prometheus.GaugeVec
	auctions     *prometheus.CounterVec
}

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *ProtocolMetrics
)

// Protocol returns the lazily-initialised metrics registered on the default
// Prometheus registry.
func Protocol() *ProtocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = NewProtocolMetrics(prometheus.DefaultRegisterer)
	})
	return protocolRegistry
}

// NewProtocolMetrics builds a metric set registered on reg. A nil reg skips
// registration.
func NewProtocolMetrics(reg prometheus.Registerer) *ProtocolMetrics {
	m := &ProtocolMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "protocol",
			Name:      "actions_total",
			Help:      "Protocol entry points segmented by target, action and outcome.",
		}, []string{"target", "action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "isolend",
			Subsystem: "protocol",
			Name:      "action_duration_seconds",
			Help:      "Latency distribution for protocol entry points.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target", "action"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "events",
			Name:      "committed_total",
			Help:      "Committed protocol events segmented by type.",
		}, []string{"type"}),
		accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "lending",
			Name:      "accruals_total",
			Help:      "Interest accruals that advanced a market checkpoint.",
		}, []string{"market"}),
		seizedShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "lending",
			Name:      "seized_shares_total",
			Help:      "Collateral shares seized by liquidations, in whole shares.",
		}, []string{"market"}),
		flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "lending",
			Name:      "flashloans_total",
			Help:      "Flash loan legs repaid per market.",
		}, []string{"market"}),
		converted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "reserves",
			Name:      "converted_total",
			Help:      "Base asset received by reserve conversions, in whole tokens.",
		}, []string{"pool"}),
		auctionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "isolend",
			Subsystem: "auction",
			Name:      "state",
			Help:      "Current auction status per pool (0 none, 1 open, 2 settled, 3 void).",
		}, []string{"pool"}),
		badDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "isolend",
			Subsystem: "auction",
			Name:      "pool_bad_debt",
			Help:      "Socialised bad debt value recorded per pool.",
		}, []string{"pool"}),
		baseReserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "isolend",
			Subsystem: "reserves",
			Name:      "pool_base_reserve",
			Help:      "Converted base asset reserve held per pool.",
		}, []string{"pool"}),
		auctions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isolend",
			Subsystem: "auction",
			Name:      "rounds_total",
			Help:      "Auction rounds segmented by pool and outcome.",
		}, []string{"pool", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.actions, m.latency, m.events,
			m.accruals, m.seizedShares, m.flashLoans,
			m.converted, m.auctionState, m.badDebt,
			m.baseReserve, m.auctions,
		)
	}
	return m
}

// Observe records one protocol call against target (a market or pool).
func (m *ProtocolMetrics) Observe(target, action string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	target, action = label(target), label(action)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.actions.WithLabelValues(target, action, outcome).Inc()
	m.latency.WithLabelValues(target, action).Observe(duration.Seconds())
}

// Actions exposes the action counter for exporters and tests.
func (m *ProtocolMetrics) Actions() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.actions
}

// SetBadDebt publishes pool's bad debt from its 18-decimal mantissa.
func (m *ProtocolMetrics) SetBadDebt(pool string, mantissa *big.Int) {
	if m == nil {
		return
	}
	m.badDebt.WithLabelValues(label(pool)).Set(mantissaToFloat(mantissa))
}

// SetBaseReserve publishes pool's base reserve from its 18-decimal mantissa.
func (m *ProtocolMetrics) SetBaseReserve(pool string, mantissa *big.Int) {
	if m == nil {
		return
	}
	m.baseReserve.WithLabelValues(label(pool)).Set(mantissaToFloat(mantissa))
}

// SetAuctionState publishes the numeric auction status for pool.
func (m *ProtocolMetrics) SetAuctionState(pool string, status int) {
	if m == nil {
		return
	}
	m.auctionState.WithLabelValues(label(pool)).Set(float64(status))
}

// RecordAuction counts a finished auction round.
func (m *ProtocolMetrics) RecordAuction(pool, outcome string) {
	if m == nil {
		return
	}
	m.auctions.WithLabelValues(label(pool), label(outcome)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

var mantissaScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func mantissaToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(value), mantissaScale)
	floatVal, acc := scaled.Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
