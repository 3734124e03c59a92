// Package metrics provides Prometheus metrics for the presence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the presence service.
type Manager struct {
	namespace        string
	subsystem        string
	latencyBuckets   []float64
	inferenceBuckets []float64
	registry         prometheus.Registerer

	// Recognition pipeline
	framesObserved    prometheus.Counter
	inferencePasses   prometheus.Counter
	inferenceSkipped  *prometheus.CounterVec
	inferenceLatency  prometheus.Histogram
	inferenceErrors   *prometheus.CounterVec
	detections        prometheus.Counter
	matches           *prometheus.CounterVec
	relaxedPasses     prometheus.Counter
	eventsRecorded    prometheus.Counter
	duplicates        *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec

	// Camera health
	sessionActive      prometheus.Gauge
	sessionAcquisition *prometheus.CounterVec
	streamStalls       prometheus.Counter
	reacquireAttempts  prometheus.Counter
	trackEvents        *prometheus.CounterVec
	hotplugEvents      *prometheus.CounterVec

	// State gauges
	rosterIdentities prometheus.Gauge
	rosterVectors    prometheus.Gauge
	cooldownEntries  prometheus.Gauge
	recentFeedSize   prometheus.Gauge

	// Status pipeline
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDropped       *prometheus.CounterVec
	statusDelivered    *prometheus.CounterVec
	websocketClients   prometheus.Gauge
	dispatcherLatency  prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec
	errorLatency         *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithRegisterer(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "presence",
		subsystem:        "recognition",
		latencyBuckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		inferenceBuckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.latencyBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.framesObserved = m.counter("frames_observed_total", "Scheduler ticks that observed a live sink")
	m.inferencePasses = m.counter("inference_passes_total", "Inference passes started")
	m.inferenceSkipped = m.counterVec("inference_skipped_total", "Ticks that did not start a pass", "reason")
	m.inferenceLatency = m.histogram("inference_latency_milliseconds", "Inference engine call latency", m.inferenceBuckets)
	m.inferenceErrors = m.counterVec("inference_errors_total", "Inference failures by class", "class")
	m.detections = m.counter("detections_total", "Faces returned by the inference engine")
	m.matches = m.counterVec("matches_total", "Match results by outcome", "result")
	m.relaxedPasses = m.counter("relaxed_passes_total", "Passes run with relaxed detector options")
	m.eventsRecorded = m.counter("events_recorded_total", "Presence events persisted")
	m.duplicates = m.counterVec("duplicates_suppressed_total", "Matches suppressed by the cooldown", "source")
	m.persistenceErrors = m.counterVec("persistence_errors_total", "Event store failures", "operation")
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Event store operation latency", "operation")

	m.sessionActive = m.gauge("session_active", "1 while a capture session is live")
	m.sessionAcquisition = m.counterVec("session_acquisitions_total", "Capture session acquisitions by result", "result")
	m.streamStalls = m.counter("stream_stalls_total", "Stalls detected by the health monitor")
	m.reacquireAttempts = m.counter("reacquire_attempts_total", "Bounded re-acquisition attempts")
	m.trackEvents = m.counterVec("track_events_total", "Track lifecycle events", "kind")
	m.hotplugEvents = m.counterVec("hotplug_events_total", "Video device hot-plug events", "action")

	m.rosterIdentities = m.gauge("roster_identities", "Identities in the active matcher")
	m.rosterVectors = m.gauge("roster_vectors", "Embeddings in the active matcher")
	m.cooldownEntries = m.gauge("cooldown_entries", "Entries in the cooldown cache")
	m.recentFeedSize = m.gauge("recent_feed_size", "Entries in the recent matches feed")

	m.queueSize = m.gauge("status_queue_size", "Status events waiting for dispatch")
	m.queueCapacity = m.gauge("status_queue_capacity", "Status queue capacity")
	m.queueEnqueued = m.counter("status_enqueued_total", "Status events enqueued")
	m.queueDropped = m.counterVec("status_dropped_total", "Status events dropped", "reason")
	m.statusDelivered = m.counterVec("status_delivered_total", "Status events delivered by kind", "kind")
	m.websocketClients = m.gauge("websocket_clients", "Connected websocket subscribers")
	m.dispatcherLatency = m.histogram("status_dispatch_latency_milliseconds", "Status fan-out latency", m.latencyBuckets)

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Errors by type", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint", "endpoint", "method", "error_type")
	m.errorLatency = m.histogramVec("error_latency_milliseconds", "Latency of failed operations", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap allocation in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_gc_pause_time_milliseconds",
		Help:      "Average GC pause time",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
}

// Recognition pipeline.

// RecordFrameObserved counts a tick that saw a live sink.
func RecordFrameObserved() { globalManager.framesObserved.Inc() }

// RecordInferencePass counts a started pass.
func RecordInferencePass() { globalManager.inferencePasses.Inc() }

// RecordInferenceSkipped counts a tick that did not start a pass.
func RecordInferenceSkipped(reason string) {
	globalManager.inferenceSkipped.WithLabelValues(reason).Inc()
}

// RecordInferenceLatency records engine latency in milliseconds.
func RecordInferenceLatency(latencyMs float64) { globalManager.inferenceLatency.Observe(latencyMs) }

// RecordInferenceError counts a failed pass by class (hardware, engine).
func RecordInferenceError(class string) {
	globalManager.inferenceErrors.WithLabelValues(class).Inc()
}

// RecordDetections adds n faces to the detections counter.
func RecordDetections(n int) { globalManager.detections.Add(float64(n)) }

// RecordMatch counts a match result ("known" or "unknown").
func RecordMatch(result string) { globalManager.matches.WithLabelValues(result).Inc() }

// RecordRelaxedPass counts a pass using relaxed detector options.
func RecordRelaxedPass() { globalManager.relaxedPasses.Inc() }

// RecordEventRecorded counts a persisted presence event.
func RecordEventRecorded() { globalManager.eventsRecorded.Inc() }

// RecordDuplicateSuppressed counts a suppressed match by source ("cache" or "store").
func RecordDuplicateSuppressed(source string) {
	globalManager.duplicates.WithLabelValues(source).Inc()
}

// RecordPersistenceError counts a store failure by operation.
func RecordPersistenceError(operation string) {
	globalManager.persistenceErrors.WithLabelValues(operation).Inc()
}

// RecordStoreLatency records store latency in milliseconds.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// Camera health.

// UpdateSessionActive flips the session gauge.
func UpdateSessionActive(active bool) {
	if active {
		globalManager.sessionActive.Set(1)
		return
	}
	globalManager.sessionActive.Set(0)
}

// RecordSessionAcquisition counts an acquisition by result ("ok" or an error kind).
func RecordSessionAcquisition(result string) {
	globalManager.sessionAcquisition.WithLabelValues(result).Inc()
}

// RecordStreamStall counts a detected stall.
func RecordStreamStall() { globalManager.streamStalls.Inc() }

// RecordReacquireAttempt counts one re-acquisition attempt.
func RecordReacquireAttempt() { globalManager.reacquireAttempts.Inc() }

// RecordTrackEvent counts a track lifecycle event.
func RecordTrackEvent(kind string) { globalManager.trackEvents.WithLabelValues(kind).Inc() }

// RecordHotplugEvent counts a device add/remove.
func RecordHotplugEvent(action string) { globalManager.hotplugEvents.WithLabelValues(action).Inc() }

// State gauges.

// UpdateRoster sets the roster gauges.
func UpdateRoster(identities, vectors int) {
	globalManager.rosterIdentities.Set(float64(identities))
	globalManager.rosterVectors.Set(float64(vectors))
}

// UpdateCooldownEntries sets the cooldown cache size.
func UpdateCooldownEntries(n int) { globalManager.cooldownEntries.Set(float64(n)) }

// UpdateRecentFeedSize sets the recent feed size.
func UpdateRecentFeedSize(n int) { globalManager.recentFeedSize.Set(float64(n)) }

// Status pipeline.

// UpdateQueueSize sets the current status queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the status queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue counts an enqueued status event.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDropped counts a dropped status event.
func RecordQueueDropped(reason string) { globalManager.queueDropped.WithLabelValues(reason).Inc() }

// RecordStatusDelivered counts a dispatched status event by kind.
func RecordStatusDelivered(kind string) { globalManager.statusDelivered.WithLabelValues(kind).Inc() }

// UpdateWebsocketClients sets the number of websocket subscribers.
func UpdateWebsocketClients(n int) { globalManager.websocketClients.Set(float64(n)) }

// RecordDispatchLatency records fan-out latency in milliseconds.
func RecordDispatchLatency(latencyMs float64) { globalManager.dispatcherLatency.Observe(latencyMs) }

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorLatency records the latency of an operation that resulted in an error.
func RecordErrorLatency(component, errorType string, latencyMs float64) {
	globalManager.errorLatency.WithLabelValues(component, errorType).Observe(latencyMs)
}

// System.

// UpdateSystemMemoryUsage sets the heap allocation in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by the service.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
