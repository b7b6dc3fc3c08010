package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promStats holds the gateway's prometheus collectors. Request labels
// use the chi route pattern, not the raw path, to keep cardinality
// bounded.
type promStats struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	identifyProxied *prometheus.CounterVec
	eventsPersisted prometheus.Counter
	eventsDropped   prometheus.Counter
}

func newPromStats() *promStats {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &promStats{
		registry: registry,
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visage_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "visage_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "path"},
		),
		identifyProxied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visage_identify_proxied_total",
				Help: "Identify calls proxied to the face service, by upstream status",
			},
			[]string{"status"},
		),
		eventsPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "visage_metric_events_persisted_total",
				Help: "Metric events appended to the event log",
			},
		),
		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "visage_metric_events_dropped_total",
				Help: "Metric events lost to storage failures",
			},
		),
	}
}

func (p *promStats) handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *promStats) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		p.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		p.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
