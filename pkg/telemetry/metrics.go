package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the fleet. A nil or disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// HTTP metrics for the router and cell services
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Rollout metrics
	runsStarted       *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	activeRuns        prometheus.Gauge
	planUnitsExecuted *prometheus.CounterVec
	planUnitDuration  *prometheus.HistogramVec

	// Fleet metrics
	cells         *prometheus.GaugeVec
	registrations *prometheus.CounterVec
	logins        *prometheus.CounterVec

	// Canary metrics
	canaryChecks  *prometheus.CounterVec
	canaryLatency *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	driftDetections *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector on its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests served",
			},
			[]string{"service", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"service", "route"},
		),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollout_runs_started_total",
				Help:      "Total number of rollout runs started",
			},
			[]string{"user"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollout_runs_completed_total",
				Help:      "Total number of rollout runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_run_duration_seconds",
				Help:      "Duration of rollout runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rollout_active_runs",
				Help:      "Current number of active rollout runs",
			},
		),
		planUnitsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_units_executed_total",
				Help:      "Total number of plan units executed",
			},
			[]string{"operation", "status"},
		),
		planUnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_unit_duration_seconds",
				Help:      "Duration of plan unit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		cells: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cells",
				Help:      "Current number of cells by status and stage",
			},
			[]string{"status", "stage"},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_registrations_total",
				Help:      "Total number of users registered per cell",
			},
			[]string{"cell"},
		),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "user_logins_total",
				Help:      "Total number of login attempts by result",
			},
			[]string{"result"},
		),

		canaryChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "canary_checks_total",
				Help:      "Total number of canary checks by cell and result",
			},
			[]string{"cell", "result"},
		),
		canaryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "canary_latency_seconds",
				Help:      "Latency of canary requests in seconds",
				Buckets:   buckets,
			},
			[]string{"cell"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of cells found drifted from their recorded template",
			},
			[]string{"cell"},
		),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.planUnitsExecuted,
		m.planUnitDuration,
		m.cells,
		m.registrations,
		m.logins,
		m.canaryChecks,
		m.canaryLatency,
		m.errorsByClass,
		m.errorsByCode,
		m.driftDetections,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(service, route string, code int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(service, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordRunStarted increments the counter for started rollout runs.
func (m *Metrics) RecordRunStarted(user string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(user).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed rollout run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordPlanUnitExecution records the execution of a plan unit.
func (m *Metrics) RecordPlanUnitExecution(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.planUnitsExecuted.WithLabelValues(operation, status).Inc()
	m.planUnitDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetCellCount sets the number of cells in a status and stage.
func (m *Metrics) SetCellCount(status, stage string, count float64) {
	if !m.enabled() {
		return
	}
	m.cells.WithLabelValues(status, stage).Set(count)
}

// RecordRegistration counts a user assigned to cell.
func (m *Metrics) RecordRegistration(cell string) {
	if !m.enabled() {
		return
	}
	m.registrations.WithLabelValues(cell).Inc()
}

// RecordLogin counts a login attempt.
func (m *Metrics) RecordLogin(success bool) {
	if !m.enabled() {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.logins.WithLabelValues(result).Inc()
}

// RecordCanaryCheck records one canary check against a cell.
func (m *Metrics) RecordCanaryCheck(cell string, success bool, latency time.Duration) {
	if !m.enabled() {
		return
	}
	result := "pass"
	if !success {
		result = "fail"
	}
	m.canaryChecks.WithLabelValues(cell, result).Inc()
	m.canaryLatency.WithLabelValues(cell).Observe(latency.Seconds())
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordDriftDetection records a drifted cell.
func (m *Metrics) RecordDriftDetection(cell string) {
	if !m.enabled() {
		return
	}
	m.driftDetections.WithLabelValues(cell).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies of next under service.
// Routes are labelled with the matched ServeMux pattern.
func (m *Metrics) Middleware(service string, next http.Handler) http.Handler {
	if !m.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(service, route, rec.status, timer.Duration())
	})
}
