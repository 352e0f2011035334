// Package observability provides Prometheus metrics and component health
// for the trading core.
package observability

import (
	"net/http"
	"time"

	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the process. It implements
// execution.Observer and the lifecycle coordinator's observer.
type Metrics struct {
	registry *prometheus.Registry

	// Execution
	Fills        *prometheus.CounterVec
	FeeRejected  *prometheus.CounterVec
	Failovers    *prometheus.CounterVec
	PanicRetries prometheus.Counter
	PanicAlerts  prometheus.Counter
	FillLatency  *prometheus.HistogramVec
	ExecFailures *prometheus.CounterVec

	// Lifecycle
	Admissions    *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	TierChanges   *prometheus.CounterVec
	MarketEvents  *prometheus.CounterVec
	StorageErrors prometheus.Counter
	EntryHalted   prometheus.Gauge
	ExitsByReason *prometheus.CounterVec

	// Portfolio
	Equity        prometheus.Gauge
	Cash          prometheus.Gauge
	Floor         prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	OpenPositions prometheus.Gauge
	LaneExposure  *prometheus.GaugeVec
}

// NewMetrics creates the metrics on a private registry, so tests and
// multiple instances never collide on the default one.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lanetrader"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fills_total",
			Help:      "Orders filled by venue, side and mode",
		}, []string{"venue", "side", "mode"}),
		FeeRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fee_rejected_total",
			Help:      "Quotes rejected for exceeding the fee ceiling",
		}, []string{"venue"}),
		Failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "failovers_total",
			Help:      "Failovers from the primary to a fallback venue",
		}, []string{"from", "to"}),
		PanicRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "panic_retries_total",
			Help:      "Retries of panic exits",
		}),
		PanicAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "panic_alerts_total",
			Help:      "Panic exits that exhausted their retries",
		}),
		FillLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fill_latency_seconds",
			Help:      "Time from instruction to fill",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"venue"}),
		ExecFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "failures_total",
			Help:      "Failed instructions by error kind",
		}, []string{"kind"}),

		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "admissions_total",
			Help:      "Candidates admitted per lane",
		}, []string{"lane"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rejections_total",
			Help:      "Candidates rejected by reason",
		}, []string{"reason"}),
		TierChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "tier_changes_total",
			Help:      "Sentinel escalations by new tier",
		}, []string{"tier"}),
		MarketEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "events_total",
			Help:      "Market events by kind and outcome",
		}, []string{"kind", "outcome"}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Transitions rolled back on storage failure",
		}),
		EntryHalted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "entry_halted",
			Help:      "1 while new entries are halted",
		}),
		ExitsByReason: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "exits_total",
			Help:      "Exit instructions by lane and reason",
		}, []string{"lane", "reason"}),

		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "equity_usd",
			Help:      "Cash plus exposure at cost",
		}),
		Cash: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "cash_usd",
			Help:      "Uncommitted cash",
		}),
		Floor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "floor_usd",
			Help:      "Protected capital",
		}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "realized_pnl_usd",
			Help:      "Realized profit and loss",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "open_positions",
			Help:      "Positions not yet closed",
		}),
		LaneExposure: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "lane_exposure_usd",
			Help:      "Exposure at cost per lane",
		}, []string{"lane"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// -----------------------------------------------------------------------
// execution.Observer
// -----------------------------------------------------------------------

func (m *Metrics) ObserveFill(venue, side string, paper bool, latency time.Duration) {
	mode := "live"
	if paper {
		mode = "paper"
	}
	m.Fills.WithLabelValues(venue, side, mode).Inc()
	m.FillLatency.WithLabelValues(venue).Observe(latency.Seconds())
}

func (m *Metrics) ObserveFeeRejected(venue string) { m.FeeRejected.WithLabelValues(venue).Inc() }

func (m *Metrics) ObserveFailover(from, to string) { m.Failovers.WithLabelValues(from, to).Inc() }

func (m *Metrics) ObservePanicRetry() { m.PanicRetries.Inc() }

func (m *Metrics) ObservePanicAlert() { m.PanicAlerts.Inc() }

// -----------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------

// ObserveAdmission counts one routing decision.
func (m *Metrics) ObserveAdmission(lane position.Lane, reason string) {
	if lane != position.LaneNone {
		m.Admissions.WithLabelValues(string(lane)).Inc()
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// ObserveTierChange counts a sentinel escalation.
func (m *Metrics) ObserveTierChange(tier string) { m.TierChanges.WithLabelValues(tier).Inc() }

// ObserveMarketEvent counts a market event; outcome is applied, duplicate
// or invalid.
func (m *Metrics) ObserveMarketEvent(kind, outcome string) {
	m.MarketEvents.WithLabelValues(kind, outcome).Inc()
}

// ObserveExit counts an exit instruction.
func (m *Metrics) ObserveExit(lane position.Lane, reason string) {
	m.ExitsByReason.WithLabelValues(string(lane), reason).Inc()
}

// ObserveExecutionFailure counts a failed instruction by error kind.
func (m *Metrics) ObserveExecutionFailure(kind string) { m.ExecFailures.WithLabelValues(kind).Inc() }

// ObserveStorageError counts a rolled-back transition.
func (m *Metrics) ObserveStorageError() { m.StorageErrors.Inc() }

// SetEntryHalted reflects the global entry halt.
func (m *Metrics) SetEntryHalted(halted bool) {
	if halted {
		m.EntryHalted.Set(1)
		return
	}
	m.EntryHalted.Set(0)
}

// ObservePortfolio publishes the committed portfolio state.
func (m *Metrics) ObservePortfolio(st portfolio.State) {
	m.Equity.Set(st.Equity().InexactFloat64())
	m.Cash.Set(st.Cash.InexactFloat64())
	m.Floor.Set(st.Floor.InexactFloat64())
	m.RealizedPnL.Set(st.RealizedUSD.InexactFloat64())
	m.OpenPositions.Set(float64(st.OpenPositions))
	for _, lane := range position.Lanes {
		m.LaneExposure.WithLabelValues(string(lane)).Set(st.LaneExposure(lane).InexactFloat64())
	}
}
