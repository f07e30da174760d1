package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatch counters. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	Dispatches *prometheus.CounterVec
	Batches    *prometheus.CounterVec
	Tokens     *prometheus.CounterVec
	Pruned     prometheus.Counter
	BatchTime  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "novelpush",
			Name:      "dispatches_total",
			Help:      "Dispatch runs by final status.",
		}, []string{"status"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "novelpush",
			Name:      "batches_total",
			Help:      "Provider batches by outcome.",
		}, []string{"outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "novelpush",
			Name:      "tokens_total",
			Help:      "Per-token delivery results.",
		}, []string{"result"}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "novelpush",
			Name:      "tokens_pruned_total",
			Help:      "Stale tokens removed from the store.",
		}),
		BatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "novelpush",
			Name:      "batch_duration_seconds",
			Help:      "Time spent on one provider batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.Dispatches, m.Batches, m.Tokens, m.Pruned, m.BatchTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
