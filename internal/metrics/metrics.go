// Package metrics exposes the daemon's operational counters over a
// Prometheus /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus instruments the engine reports into. It
// satisfies the engine's Metrics interface.
type Collector struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	fills       *prometheus.CounterVec
	rejects     *prometheus.CounterVec
	equity      prometheus.Gauge
	peakEquity  prometheus.Gauge
	netQuantity prometheus.Gauge
}

// NewCollector creates a Collector with its own registry, so two daemons in
// one test binary never collide on registration.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tranchebot_decisions_total",
				Help: "Intended actions produced by the rule engine.",
			},
			[]string{"kind"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tranchebot_fills_total",
				Help: "Fills applied to the position tracker.",
			},
			[]string{"kind"},
		),
		rejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tranchebot_rejects_total",
				Help: "Actions rejected by the risk guard or the venue.",
			},
			[]string{"code"},
		),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tranchebot_equity",
			Help: "Current account equity (cash plus unrealized).",
		}),
		peakEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tranchebot_peak_equity",
			Help: "High-water mark of account equity this session.",
		}),
		netQuantity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tranchebot_net_quantity",
			Help: "Signed open contract quantity.",
		}),
	}

	c.registry.MustRegister(
		c.decisions, c.fills, c.rejects,
		c.equity, c.peakEquity, c.netQuantity,
	)
	return c
}

// Registry returns the collector's private registry for the HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveDecision(kind string) {
	c.decisions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordFill(kind string) {
	c.fills.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordReject(code string) {
	c.rejects.WithLabelValues(code).Inc()
}

func (c *Collector) SetEquity(equity, peak float64) {
	c.equity.Set(equity)
	c.peakEquity.Set(peak)
}

func (c *Collector) SetNetQuantity(n int) {
	c.netQuantity.Set(float64(n))
}
