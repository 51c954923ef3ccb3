package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// CaptionRequestsTotal counts vision-model caption requests by model and outcome.
	CaptionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caption_requests_total",
			Help: "Total number of caption generation requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	// CaptionRequestDuration records durations of vision-model calls by model.
	CaptionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caption_request_duration_seconds",
			Help:    "Caption generation request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)
	// CaptionQualityScore is the histogram of caption quality scores [0,1].
	CaptionQualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caption_quality_score",
			Help:    "Distribution of caption quality scores (normalized fraction [0,1])",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// TasksEnqueuedTotal counts caption generation tasks enqueued by type.
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of caption generation tasks enqueued",
		},
		[]string{"type"},
	)
	// TasksProcessing is a gauge of the number of currently processing tasks by type.
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of caption generation tasks currently processing",
		},
		[]string{"type"},
	)
	// TasksCompletedTotal counts tasks completed by type.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of caption generation tasks completed",
		},
		[]string{"type"},
	)
	// TasksFailedTotal counts tasks failed by type.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of caption generation tasks failed",
		},
		[]string{"type"},
	)

	// PlatformAPIRequestsTotal counts requests to fediverse platform APIs by platform and outcome.
	PlatformAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_api_requests_total",
			Help: "Total number of fediverse platform API requests",
		},
		[]string{"platform_type", "endpoint_family", "outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per backing service.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// RateLimitRejectionsTotal counts requests rejected by the token-bucket limiter.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"platform_type", "endpoint_family"},
	)

	// ErrorRecoveryTotal counts recovered errors by category.
	ErrorRecoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_recovery_total",
			Help: "Total number of errors handled by category",
		},
		[]string{"category", "action"},
	)

	// CaptionFallbacksTotal counts each rung of the caption generation
	// fallback ladder taken, by the model attempted and why the rung
	// before it was rejected.
	CaptionFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caption_fallbacks_total",
			Help: "Total number of caption generation fallback rungs taken by model and reason",
		},
		[]string{"model", "reason"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CaptionRequestsTotal)
	prometheus.MustRegister(CaptionRequestDuration)
	prometheus.MustRegister(CaptionQualityScore)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(PlatformAPIRequestsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(ErrorRecoveryTotal)
	prometheus.MustRegister(CaptionFallbacksTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueTask increments the enqueued tasks counter for the given type.
func EnqueueTask(taskType string) {
	TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

// StartProcessingTask increments the processing gauge for the given type.
func StartProcessingTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Inc()
}

// CompleteTask marks a task complete by decrementing the processing gauge and incrementing completed counter.
func CompleteTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

// FailTask marks a task failed by decrementing the processing gauge and incrementing failed counter.
func FailTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksFailedTotal.WithLabelValues(taskType).Inc()
}

// ObserveCaption records the outcome of a caption generation request.
func ObserveCaption(model, outcome string, duration time.Duration, qualityScore float64) {
	CaptionRequestsTotal.WithLabelValues(model, outcome).Inc()
	CaptionRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	if qualityScore >= 0 && qualityScore <= 1 {
		CaptionQualityScore.Observe(qualityScore)
	}
}

// RecordPlatformAPIRequest records the outcome of a fediverse platform API call.
func RecordPlatformAPIRequest(platformType, endpointFamily, outcome string) {
	PlatformAPIRequestsTotal.WithLabelValues(platformType, endpointFamily, outcome).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordRateLimitRejection records a rate-limit rejection.
func RecordRateLimitRejection(platformType, endpointFamily string) {
	RateLimitRejectionsTotal.WithLabelValues(platformType, endpointFamily).Inc()
}

// RecordErrorRecovery records an error-recovery action taken for a category.
func RecordErrorRecovery(category, action string) {
	ErrorRecoveryTotal.WithLabelValues(category, action).Inc()
}

// RecordCaptionFallback records a fallback-ladder rung being taken for
// model because the previous rung was rejected for reason (e.g. "error",
// "circuit_open", "low_quality").
func RecordCaptionFallback(model, reason string) {
	CaptionFallbacksTotal.WithLabelValues(model, reason).Inc()
}
