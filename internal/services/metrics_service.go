package services

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService wires the judging pipeline's own outcomes into
// Prometheus: every recorder here is called from a concrete call site
// (controller, work-loop pool, or artifact cache), not left decorative.
// There is no "language" dimension in this domain's model, so
// per-submission/per-test metrics are labeled by the environment image
// that actually ran (task.TestImageName / task.CompileImageName)
// rather than an invented language string.
type MetricsService struct {
	registry *prometheus.Registry

	// Judge metrics
	submissionDuration *prometheus.HistogramVec
	submissionVerdicts *prometheus.CounterVec

	// Performance metrics
	executionTime   *prometheus.HistogramVec
	memoryUsage     *prometheus.HistogramVec
	compilationTime *prometheus.HistogramVec

	// System metrics
	circuitBreakerState *prometheus.GaugeVec
	driverOperations    *prometheus.CounterVec
	storageOperations   *prometheus.CounterVec

	// Error metrics
	errorTotal *prometheus.CounterVec
}

func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	ms := &MetricsService{
		registry: registry,

		submissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "judge_submission_duration_seconds",
				Help:    "Time taken to process submissions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"image", "verdict"},
		),

		submissionVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "judge_submissions_verdicts_total",
				Help: "Number of submissions by verdict",
			},
			[]string{"verdict", "image"},
		),

		executionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "judge_execution_time_milliseconds",
				Help:    "Execution time of test cases",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"image"},
		),

		memoryUsage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "judge_memory_usage_kb",
				Help:    "Memory usage of submissions",
				Buckets: []float64{1024, 4096, 16384, 65536, 262144, 524288, 1048576},
			},
			[]string{"image"},
		),

		compilationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "judge_compilation_time_milliseconds",
				Help:    "Compilation time of submissions",
				Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"image"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "judge_circuit_breaker_state",
				Help: "State of circuit breakers (1=closed, 0=open)",
			},
			[]string{"service"},
		),

		driverOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "judge_driver_operations_total",
				Help: "Number of judge driver operations",
			},
			[]string{"operation", "result"},
		),

		storageOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "judge_storage_operations_total",
				Help: "Number of storage operations",
			},
			[]string{"operation", "result"},
		),

		errorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "judge_errors_total",
				Help: "Number of errors in judge service",
			},
			[]string{"component", "error_type"},
		),

	}

	// Register all metrics
	registry.MustRegister(
		ms.submissionDuration,
		ms.submissionVerdicts,
		ms.executionTime,
		ms.memoryUsage,
		ms.compilationTime,
		ms.circuitBreakerState,
		ms.driverOperations,
		ms.storageOperations,
		ms.errorTotal,
	)

	return ms
}

// Metrics recording methods
func (ms *MetricsService) RecordSubmissionDuration(image, verdict string, duration time.Duration) {
	ms.submissionDuration.WithLabelValues(image, verdict).Observe(duration.Seconds())
}

func (ms *MetricsService) RecordSubmissionVerdict(verdict, image string) {
	ms.submissionVerdicts.WithLabelValues(verdict, image).Inc()
}

func (ms *MetricsService) RecordExecutionTime(image string, timeMs float64) {
	ms.executionTime.WithLabelValues(image).Observe(timeMs)
}

func (ms *MetricsService) RecordMemoryUsage(image string, memoryKb float64) {
	ms.memoryUsage.WithLabelValues(image).Observe(memoryKb)
}

func (ms *MetricsService) RecordCompilationTime(image string, timeMs float64) {
	ms.compilationTime.WithLabelValues(image).Observe(timeMs)
}

func (ms *MetricsService) RecordCircuitBreakerState(service string, state float64) {
	ms.circuitBreakerState.WithLabelValues(service).Set(state)
}

func (ms *MetricsService) RecordDriverOperation(operation, result string) {
	ms.driverOperations.WithLabelValues(operation, result).Inc()
}

func (ms *MetricsService) RecordStorageOperation(operation, result string) {
	ms.storageOperations.WithLabelValues(operation, result).Inc()
}

func (ms *MetricsService) RecordError(component, errorType string) {
	ms.errorTotal.WithLabelValues(component, errorType).Inc()
}


// HTTP handler for Prometheus metrics
func (ms *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(ms.registry, promhttp.HandlerOpts{})
}

// Get registry for custom metrics
func (ms *MetricsService) GetRegistry() *prometheus.Registry {
	return ms.registry
}
