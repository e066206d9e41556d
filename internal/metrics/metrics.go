// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pricewatch/ingestd/internal/models"
)

const namespace = "ingestd"

// breakerStates are exported as one gauge series per state.
var breakerStates = []string{"closed", "open", "half-open"}

// Collector records HTTP, remote call, breaker, run, task and scheduler
// metrics on its own registry. It satisfies remote.Observer,
// ingestion.RunObserver, taskqueue.TaskObserver and scheduler.Observer.
type Collector struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	remoteDuration *prometheus.HistogramVec
	remoteTotal    *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec

	runsFinished *prometheus.CounterVec

	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksReaped    prometheus.Counter

	schedulerTriggers *prometheus.CounterVec
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution for calls to the processing service.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path"}),
		remoteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Calls to the processing service by outcome.",
		}, []string{"method", "path", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "breaker_state",
			Help:      "1 for the current circuit breaker state of each target.",
		}, []string{"target", "state"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"chain", "status"}),
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Queued tasks processed by outcome.",
		}, []string{"task_type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time spent processing one task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
		tasksReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "reaped_total",
			Help:      "Stale task leases released by the reaper.",
		}),
		schedulerTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Per-chain dispatches made by the scheduler.",
		}, []string{"chain", "outcome"}),
	}

	for _, collector := range []prometheus.Collector{
		c.requestDuration,
		c.requestTotal,
		c.remoteDuration,
		c.remoteTotal,
		c.breakerState,
		c.runsFinished,
		c.tasksProcessed,
		c.taskDuration,
		c.tasksReaped,
		c.schedulerTriggers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
// Paths are labelled by route pattern so ids do not explode cardinality.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// ObserveRemoteCall records one attempt against the processing service.
func (c *Collector) ObserveRemoteCall(method, path, outcome string, d time.Duration) {
	c.remoteTotal.WithLabelValues(method, path, outcome).Inc()
	c.remoteDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetBreakerState marks state as current for target.
func (c *Collector) SetBreakerState(target, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.breakerState.WithLabelValues(target, s).Set(v)
	}
}

// ObserveRunFinished counts a run reaching a terminal status.
func (c *Collector) ObserveRunFinished(chainSlug string, status models.Status) {
	c.runsFinished.WithLabelValues(chainSlug, string(status)).Inc()
}

// ObserveTask records one processed task.
func (c *Collector) ObserveTask(taskType, outcome string, d time.Duration) {
	c.tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// ObserveReaped counts released stale leases.
func (c *Collector) ObserveReaped(n int) {
	c.tasksReaped.Add(float64(n))
}

// ObserveTrigger records one scheduler dispatch for chain.
func (c *Collector) ObserveTrigger(chain, outcome string) {
	c.schedulerTriggers.WithLabelValues(chain, outcome).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
