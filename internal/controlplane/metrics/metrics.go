// Package metrics defines Prometheus metrics for the scheduler control plane.
//
// All metrics are registered with a dedicated registry served on the
// /metrics endpoint of the HTTP API.
//
// Metric naming follows Prometheus conventions:
//   - adjutant_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every control-plane metric. The HTTP server exposes it
// via Handler.
var Registry = prometheus.NewRegistry()

var (
	// CallbacksTotal counts timer callbacks by outcome and trigger source.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_callbacks_total",
			Help: "Total timer callbacks handled by outcome and trigger source.",
		},
		[]string{"outcome", "trigger"},
	)

	// ExecutionsTotal counts finished executions by schedule type and status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_executions_total",
			Help: "Total executions finished by schedule type and terminal status.",
		},
		[]string{"schedule_type", "status"},
	)

	// ExecutionDurationSeconds is a histogram of agent invocation duration.
	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adjutant_execution_duration_seconds",
			Help:    "Duration of agent invocations in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"schedule_type"},
	)

	// PredicateEvaluationsTotal counts predicate evaluations by result.
	PredicateEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_predicate_evaluations_total",
			Help: "Total predicate evaluations by result (triggered, not_triggered, error).",
		},
		[]string{"result"},
	)

	// CapabilityDenialsTotal counts read-surface authorization denials.
	CapabilityDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_capability_denials_total",
			Help: "Total capability gate denials by action.",
		},
		[]string{"action"},
	)

	// AdapterSyncFailuresTotal counts timer adapter sync failures.
	AdapterSyncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adjutant_adapter_sync_failures_total",
			Help: "Total timer adapter sync failures by lifecycle event and error code.",
		},
		[]string{"event", "code"},
	)

	// ScheduleLagSeconds is the delay between scheduled time and dispatch.
	ScheduleLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adjutant_schedule_lag_seconds",
			Help: "Seconds between a schedule's fire time and the callback dispatch.",
		},
		[]string{"schedule_type"},
	)

	// ActiveExecutions is the number of agent invocations in flight.
	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "adjutant_active_executions",
			Help: "Number of agent invocations currently in flight.",
		},
	)

	startTime = time.Now()

	// UptimeSeconds reports control-plane process uptime.
	UptimeSeconds = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "adjutant_uptime_seconds",
			Help: "Control plane uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		CallbacksTotal,
		ExecutionsTotal,
		ExecutionDurationSeconds,
		PredicateEvaluationsTotal,
		CapabilityDenialsTotal,
		AdapterSyncFailuresTotal,
		ScheduleLagSeconds,
		ActiveExecutions,
		UptimeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordCallback records one handled timer callback.
func RecordCallback(outcome, trigger string) {
	CallbacksTotal.WithLabelValues(outcome, trigger).Inc()
}

// RecordExecution records a finished execution and its invocation duration.
func RecordExecution(scheduleType, status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(scheduleType, status).Inc()
	ExecutionDurationSeconds.WithLabelValues(scheduleType).Observe(duration.Seconds())
}

// RecordPredicateEvaluation records a single predicate evaluation result.
func RecordPredicateEvaluation(result string) {
	PredicateEvaluationsTotal.WithLabelValues(result).Inc()
}

// RecordCapabilityDenial records a denied read-surface action.
func RecordCapabilityDenial(action string) {
	CapabilityDenialsTotal.WithLabelValues(action).Inc()
}

// RecordAdapterSyncFailure records a failed timer adapter sync.
func RecordAdapterSyncFailure(event, code string) {
	AdapterSyncFailuresTotal.WithLabelValues(event, code).Inc()
}

// RecordScheduleLag records the dispatch delay for a schedule type.
func RecordScheduleLag(scheduleType string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(scheduleType).Set(lag.Seconds())
}
