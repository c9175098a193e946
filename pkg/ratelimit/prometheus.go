package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// PrometheusRecorder implements MetricsRecorder on top of a counter vector
// and a histogram vector, both labelled by "dimension" and "outcome". It is
// the concrete recorder cmd/server wires in; the no-op recorder remains
// StoreLimiter's default so tests never need a registry.
type PrometheusRecorder struct {
	counters   *prometheus.CounterVec
	histograms *prometheus.HistogramVec
}

// NewPrometheusRecorder registers its vectors on reg and returns a ready
// recorder. Callers typically pass prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratelimit",
		Name:      "events_total",
		Help:      "Count of rate limiter events by name, dimension and outcome.",
	}, []string{"name", "dimension", "outcome"})

	histograms := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ratelimit",
		Name:      "observations",
		Help:      "Observed values (latency seconds, token deltas) by name.",
	}, []string{"name", "dimension"})

	reg.MustRegister(counters, histograms)

	return &PrometheusRecorder{counters: counters, histograms: histograms}
}

func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	r.counters.WithLabelValues(name, tags["dimension"], tags["outcome"]).Add(value)
}

func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	r.histograms.WithLabelValues(name, tags["dimension"]).Observe(value)
}
