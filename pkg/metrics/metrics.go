// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	rendersTotal    *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	collapsedTotal  prometheus.Counter
	storageErrTotal *prometheus.CounterVec
}

// NewCollector creates the collectors on a private registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of document requests by cache decision and response status",
			},
			[]string{"decision", "status"},
		),
		rendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renders_total",
				Help:      "Total number of upstream render calls by outcome",
			},
			[]string{"outcome"},
		),
		renderDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Upstream render duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		collapsedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collapsed_total",
				Help:      "Total number of requests that waited for a render started by another request",
			},
		),
		storageErrTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage backend errors by operation",
			},
			[]string{"op"},
		),
	}
}

// RecordRequest counts a served document request.
func (c *Collector) RecordRequest(decision string, status int) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(decision, strconv.Itoa(status)).Inc()
}

// RecordRender counts an upstream render call and observes its duration.
func (c *Collector) RecordRender(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.rendersTotal.WithLabelValues(outcome).Inc()
	c.renderDuration.Observe(d.Seconds())
}

func (c *Collector) RecordCollapsed() {
	if c == nil {
		return
	}
	c.collapsedTotal.Inc()
}

func (c *Collector) RecordStorageError(op string) {
	if c == nil {
		return
	}
	c.storageErrTotal.WithLabelValues(op).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
