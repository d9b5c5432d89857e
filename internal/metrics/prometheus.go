package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors mirrors recorder samples into Prometheus. One set is shared by every
// run of the process; labels carry the operation kind and outcome.
type Collectors struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	inFlight   prometheus.Gauge
	runs       *prometheus.CounterVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_explorer_operations_total",
				Help: "Resolved operation attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platform_explorer_operation_latency_seconds",
				Help:    "Broadcast-to-result latency of operation attempts",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"kind"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "platform_explorer_operations_in_flight",
				Help: "Operations currently between admission and resolution",
			},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_explorer_runs_total",
				Help: "Finished runs by terminal state",
			},
			[]string{"state"},
		),
	}
}

func (c *Collectors) observe(s Sample) {
	if c == nil {
		return
	}
	c.operations.With(prometheus.Labels{"kind": s.Kind, "outcome": string(s.Outcome)}).Inc()
	c.latency.With(prometheus.Labels{"kind": s.Kind}).Observe(s.Duration.Seconds())
}

func (c *Collectors) InFlight(delta float64) {
	if c == nil {
		return
	}
	c.inFlight.Add(delta)
}

func (c *Collectors) RunFinished(state string) {
	if c == nil {
		return
	}
	c.runs.With(prometheus.Labels{"state": state}).Inc()
}

// Handler exposes the registry on /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
