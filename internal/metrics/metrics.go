// Package metrics provides Prometheus metrics for the wpic server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_bytes_uploaded_total",
			Help: "Total bytes accepted by uploads",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_downloads_total",
			Help: "Total number of file reads served",
		},
		[]string{"kind", "source"},
	)

	// Storage backend metrics
	storageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "outcome"},
	)

	storageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend", "operation"},
	)

	routerBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpic_router_backends",
			Help: "Number of live backend instances held by the storage router",
		},
	)

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_cache_lookups_total",
			Help: "Cache lookups by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_cache_errors_total",
			Help: "Cache backend errors swallowed by the cache layer",
		},
		[]string{"operation"},
	)

	// Access control metrics
	permissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_permission_checks_total",
			Help: "Total permission decisions",
		},
		[]string{"decision", "reason"},
	)

	authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"method", "result"},
	)

	shareLinksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_share_links_created_total",
			Help: "Total share links generated",
		},
	)

	quotaExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_quota_exceeded_total",
			Help: "Total uploads rejected by storage quota",
		},
	)

	// Derivation metrics
	derivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_derivations_total",
			Help: "Total image derivations",
		},
		[]string{"kind", "outcome"},
	)

	derivationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_derivation_duration_seconds",
			Help:    "Image derivation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	prewarmDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_thumbnail_prewarm_dropped_total",
			Help: "Thumbnail prewarm jobs dropped because the queue was full",
		},
	)

	// Event stream metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpic_event_subscribers",
			Help: "Number of connected event stream clients",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_events_published_total",
			Help: "Total file events published",
		},
		[]string{"type"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wpic_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records an upload attempt.
func RecordUpload(bytes int64, success bool) {
	if success {
		uploadsTotal.WithLabelValues("success").Inc()
		bytesUploaded.Add(float64(bytes))
		return
	}
	uploadsTotal.WithLabelValues("error").Inc()
}

// RecordDownload records a served read. kind is file, thumbnail or preview;
// source is cache or backend.
func RecordDownload(kind, source string) {
	downloadsTotal.WithLabelValues(kind, source).Inc()
}

// RecordStorageOperation records a backend operation and its outcome
// (ok, not_found, error).
func RecordStorageOperation(backend, operation, outcome string, duration time.Duration) {
	storageOperations.WithLabelValues(backend, operation, outcome).Inc()
	storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetRouterBackends sets the number of cached backend instances.
func SetRouterBackends(n int) {
	routerBackends.Set(float64(n))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(namespace string, hit bool) {
	if hit {
		cacheLookups.WithLabelValues(namespace, "hit").Inc()
	} else {
		cacheLookups.WithLabelValues(namespace, "miss").Inc()
	}
}

// RecordCacheError records a swallowed cache error.
func RecordCacheError(operation string) {
	cacheErrors.WithLabelValues(operation).Inc()
}

// RecordPermissionCheck records an access decision.
func RecordPermissionCheck(allowed bool, reason string) {
	if allowed {
		permissionChecks.WithLabelValues("allow", reason).Inc()
	} else {
		permissionChecks.WithLabelValues("deny", reason).Inc()
	}
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(method string, success bool) {
	if success {
		authAttempts.WithLabelValues(method, "success").Inc()
	} else {
		authAttempts.WithLabelValues(method, "failure").Inc()
	}
}

// RecordShareLinkCreated records a generated share link.
func RecordShareLinkCreated() {
	shareLinksCreated.Inc()
}

// RecordQuotaExceeded records a quota rejection.
func RecordQuotaExceeded() {
	quotaExceeded.Inc()
}

// RecordDerivation records an image derivation.
func RecordDerivation(kind string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	derivations.WithLabelValues(kind, outcome).Inc()
	derivationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPrewarmDropped records a dropped prewarm job.
func RecordPrewarmDropped() {
	prewarmDropped.Inc()
}

// SetEventSubscribers sets the number of connected event stream clients.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordEvent records a published file event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by their matched route pattern, not the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
