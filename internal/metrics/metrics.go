// Package metrics exposes Prometheus instrumentation for research requests,
// pipeline steps, crawl batches, and stream events.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/stream"
	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/workflow"
)

const namespace = "research"

// Metrics owns its registry so tests and multiple servers in one process do
// not collide on the default registerer.
type Metrics struct {
	registry       *prometheus.Registry
	ActiveRequests prometheus.Gauge
	Requests       *prometheus.CounterVec
	Duplicates     prometheus.Counter
	StepDuration   *prometheus.HistogramVec
	CrawlItems     *prometheus.CounterVec
	StreamEvents   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Research requests currently admitted.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Research requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_requests_total",
			Help:      "Requests rejected because an identical request was in flight.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step", "status"}),
		CrawlItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_items_total",
			Help:      "Crawl batch items by outcome.",
		}, []string{"outcome"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Events written to client streams by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.ActiveRequests,
		m.Requests,
		m.Duplicates,
		m.StepDuration,
		m.CrawlItems,
		m.StreamEvents,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestStarted increments the active gauge and returns the matching
// decrement, which also records the outcome.
func (m *Metrics) RequestStarted(mode string) func(outcome string) {
	m.ActiveRequests.Inc()
	return func(outcome string) {
		m.ActiveRequests.Dec()
		m.Requests.WithLabelValues(mode, outcome).Inc()
	}
}

func (m *Metrics) DuplicateRejected() {
	m.Duplicates.Inc()
}

// CrawlOutcome matches the batcher outcome hook signature.
func (m *Metrics) CrawlOutcome(outcome string) {
	m.CrawlItems.WithLabelValues(outcome).Inc()
}

// StreamEvent matches the encoder observer signature.
func (m *Metrics) StreamEvent(event stream.Event) {
	m.StreamEvents.WithLabelValues(string(event.Type)).Inc()
}

// Observer records step durations. Related crawl and filter rounds are
// folded into one label so cardinality stays fixed.
func (m *Metrics) Observer() workflow.Observer {
	return workflow.ObserverFuncs{
		Skipped: func(_ context.Context, event workflow.StepEvent) {
			m.StepDuration.WithLabelValues(stepLabel(event.StepID), "skipped").Observe(0)
		},
		Finished: func(_ context.Context, event workflow.StepEvent) {
			status := "ok"
			if event.Err != nil {
				status = "error"
			} else if _, failed := event.Output.(workflow.StepError); failed {
				status = "error"
			}
			m.StepDuration.WithLabelValues(stepLabel(event.StepID), status).Observe(event.Duration.Seconds())
		},
	}
}

func stepLabel(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		c := id[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' && i < len(id)-1 {
			return id[:i]
		}
		break
	}
	return id
}
