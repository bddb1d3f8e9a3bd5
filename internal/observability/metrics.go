package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	transportTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "transport",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		},
		[]string{"state"},
	)
	transportInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "transport",
			Name:      "invocations_total",
			Help:      "Method invocations by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	transportInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quizsync",
			Subsystem: "transport",
			Name:      "invocation_duration_seconds",
			Help:      "Time from send to acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	transportEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "transport",
			Name:      "events_dispatched_total",
			Help:      "Server events delivered to local handlers.",
		},
		[]string{"event"},
	)
	transportHandlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "transport",
			Name:      "handler_panics_total",
			Help:      "Event handlers that panicked and were isolated.",
		},
		[]string{"event"},
	)
	serverBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "server",
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to session subscribers.",
		},
		[]string{"event"},
	)
	serverSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "server",
			Name:      "submissions_total",
			Help:      "Answer submissions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	quizCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quizsync",
			Subsystem: "server",
			Name:      "quiz_cache_lookups_total",
			Help:      "Quiz cache lookups by backend and result.",
		},
		[]string{"backend", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transportTransitions,
			transportInvocations,
			transportInvocationDuration,
			transportEvents,
			transportHandlerPanics,
			serverBroadcasts,
			serverSubmissions,
			quizCacheLookups,
		)
	})
}

func RecordStateTransition(state string) {
	RegisterMetrics()
	transportTransitions.WithLabelValues(state).Inc()
}

func RecordInvocation(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	transportInvocations.WithLabelValues(method, outcome).Inc()
	transportInvocationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordEventDispatched(event string) {
	RegisterMetrics()
	transportEvents.WithLabelValues(event).Inc()
}

func RecordHandlerPanic(event string) {
	RegisterMetrics()
	transportHandlerPanics.WithLabelValues(event).Inc()
}

func RecordBroadcast(event string) {
	RegisterMetrics()
	serverBroadcasts.WithLabelValues(event).Inc()
}

func RecordSubmission(kind, outcome string) {
	RegisterMetrics()
	serverSubmissions.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a quiz cache hit or miss.
func RecordCacheLookup(backend string, hit bool) {
	RegisterMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	quizCacheLookups.WithLabelValues(backend, result).Inc()
}
