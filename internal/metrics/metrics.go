// Package metrics exposes dispatch and transmit outcomes as Prometheus
// counters. Collector implements cec.Observer.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"cecbridge/internal/cec"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts what the dispatcher and session manager observe.
type Collector struct {
	registry *prometheus.Registry

	eventsDispatched *prometheus.CounterVec
	handlersInvoked  *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	payloadsRejected *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
}

var _ cec.Observer = (*Collector)(nil)

// NewCollector creates a collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cec_events_dispatched_total",
				Help: "Events delivered to the callback registry, by kind.",
			},
			[]string{"kind"},
		),
		handlersInvoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cec_handlers_invoked_total",
				Help: "Handlers that ran successfully, by kind.",
			},
			[]string{"kind"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cec_handler_failures_total",
				Help: "Dispatches aborted by a failing handler, by kind.",
			},
			[]string{"kind"},
		),
		payloadsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cec_payloads_rejected_total",
				Help: "Engine callbacks whose payload could not be decoded, by kind.",
			},
			[]string{"kind"},
		),
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cec_frames_transmitted_total",
				Help: "Transmit attempts by result.",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total requests by endpoint, method, and status.",
			},
			[]string{"endpoint", "method", "status"},
		),
	}

	c.registry.MustRegister(
		c.eventsDispatched,
		c.handlersInvoked,
		c.handlerFailures,
		c.payloadsRejected,
		c.framesSent,
		c.httpRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the counters live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) EventDispatched(kind cec.EventKind, handlers int) {
	c.eventsDispatched.WithLabelValues(kind.String()).Inc()
	c.handlersInvoked.WithLabelValues(kind.String()).Add(float64(handlers))
}

func (c *Collector) HandlerFailed(kind cec.EventKind) {
	c.handlerFailures.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) PayloadRejected(kind cec.EventKind) {
	c.payloadsRejected.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) FrameTransmitted(err error) {
	c.framesSent.WithLabelValues(transmitResult(err)).Inc()
}

func transmitResult(err error) string {
	if err == nil {
		return "ok"
	}
	var terr *cec.TransmitError
	if errors.As(err, &terr) {
		return string(terr.Reason)
	}
	return string(cec.TransmitReasonUnknown)
}

// Middleware counts every request except scrapes of /metrics.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		c.httpRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
