// Package metrics exports engine event counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daysync/internal/daysync"
)

// Collector counts engine events on its own registry, so several engines
// in one process (or one test binary) never collide.
type Collector struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

var _ daysync.Metrics = (*Collector)(nil)

// NewCollector creates a Collector. withRuntime adds the Go runtime and
// process collectors, which a long-running server wants and a CLI does not.
func NewCollector(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &Collector{
		registry: reg,
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "daysync_events_total",
			Help: "Engine events by component and outcome",
		}, []string{"component", "event"}),
	}
}

// Inc implements daysync.Metrics.
func (c *Collector) Inc(component, event string) {
	c.events.WithLabelValues(component, event).Inc()
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
