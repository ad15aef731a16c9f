// Package metrics publishes Prometheus telemetry for command processing, the
// read-through caches, and downstream API traffic.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached payload.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached payload was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// Recorder publishes Prometheus metrics for gateway activity. A nil Recorder
// is valid and drops every observation.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	cacheOperations *prometheus.CounterVec
	downstream      *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nuxgate",
		Subsystem: "command",
		Name:      "invocations_total",
		Help:      "Operator commands processed, by outcome kind.",
	}, []string{"command", "outcome"})

	commandLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nuxgate",
		Subsystem: "command",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed operator commands.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"command"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nuxgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Read-through cache operations, per space.",
	}, []string{"space", "operation", "result"})

	downstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nuxgate",
		Subsystem: "downstream",
		Name:      "requests_total",
		Help:      "Requests issued to downstream collaborators.",
	}, []string{"service", "route", "outcome"})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nuxgate",
		Subsystem: "admission",
		Name:      "rate_limited_total",
		Help:      "Commands rejected by the sliding-window rate limiter.",
	})

	reg.MustRegister(commands, commandLatency, cacheOperations, downstream, rateLimited)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		commands:        commands,
		commandLatency:  commandLatency,
		cacheOperations: cacheOperations,
		downstream:      downstream,
		rateLimited:     rateLimited,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCommand records one completed command invocation.
func (r *Recorder) ObserveCommand(command, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	commandLabel := normalizeLabel(command)
	r.commands.WithLabelValues(commandLabel, normalizeLabel(outcome)).Inc()
	r.commandLatency.WithLabelValues(commandLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache space lookup.
func (r *Recorder) ObserveCacheLookup(space string, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(space), "lookup", resultLabel).Inc()
}

// ObserveCacheStore records a cache space store attempt.
func (r *Recorder) ObserveCacheStore(space string, err error) {
	if r == nil {
		return
	}
	result := "stored"
	if err != nil {
		result = "error"
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(space), "store", result).Inc()
}

// ObserveDownstream records one downstream request outcome.
func (r *Recorder) ObserveDownstream(service, route string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.downstream.WithLabelValues(normalizeLabel(service), normalizeLabel(route), outcome).Inc()
}

// ObserveRateLimited counts a rejected command.
func (r *Recorder) ObserveRateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
