// Package metrics exposes Prometheus metrics for every Dalston component,
// following the naming convention `dalston_{service}_{metric}_{unit}` with
// `service`/`instance` labels, adapted from the original Python
// `dalston/metrics.py` and the teacher's prometheus/client_golang wiring in
// pkg/metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds Dalston's Prometheus collectors, kept separate from the
// global default registry so tests can spin up an isolated instance.
var Registry = prometheus.NewRegistry()

var (
	// Gateway (C10)
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "gateway", Name: "requests_total", Help: "Total HTTP requests handled by the gateway."},
		[]string{"method", "endpoint", "status_code"},
	)
	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "gateway", Name: "request_duration_seconds", Help: "Gateway HTTP request latency.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 10)},
		[]string{"method", "endpoint"},
	)
	gatewayJobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "gateway", Name: "jobs_created_total", Help: "Total jobs submitted."},
		[]string{"tenant_id"},
	)
	gatewayWebsocketConnsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "dalston", Subsystem: "gateway", Name: "websocket_connections_active", Help: "Active real-time WebSocket connections."},
	)

	// Orchestrator (C5+C6)
	orchestratorJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "jobs_total", Help: "Jobs by final status."},
		[]string{"status"},
	)
	orchestratorJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "job_duration_seconds", Help: "Total job duration from creation to terminal state.", Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800}},
		[]string{"stage_count"},
	)
	orchestratorTasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "tasks_scheduled_total", Help: "Tasks pushed onto engine queues."},
		[]string{"engine_id", "stage"},
	)
	orchestratorTasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "tasks_completed_total", Help: "Task completions by status."},
		[]string{"engine_id", "status"},
	)
	orchestratorEventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "events_processed_total", Help: "Event bus events processed by the scheduler."},
		[]string{"event_type"},
	)
	orchestratorDAGBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "orchestrator", Name: "dag_build_duration_seconds", Help: "DAG construction time.", Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}},
	)

	// Engine runtime (C7)
	engineTasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "engine", Name: "tasks_processed_total", Help: "Tasks processed by an engine worker."},
		[]string{"engine_id", "status"},
	)
	engineTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "engine", Name: "task_duration_seconds", Help: "Task processing time, excluding queue wait.", Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}},
		[]string{"engine_id"},
	)
	engineQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "engine", Name: "queue_wait_seconds", Help: "Time between task enqueue and dequeue.", Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300}},
		[]string{"engine_id"},
	)

	// Session Router (C8)
	sessionRouterWorkersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "dalston", Subsystem: "session_router", Name: "workers_registered", Help: "Workers registered in the pool."},
	)
	sessionRouterWorkersHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "dalston", Subsystem: "session_router", Name: "workers_healthy", Help: "Workers currently passing health checks."},
	)
	sessionRouterSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "dalston", Subsystem: "session_router", Name: "sessions_active", Help: "Active sessions per worker."},
		[]string{"worker_id"},
	)
	sessionRouterSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "session_router", Name: "sessions_total", Help: "Sessions by terminal outcome."},
		[]string{"status"},
	)
	sessionRouterAllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "session_router", Name: "allocation_duration_seconds", Help: "Session allocation latency.", Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}},
	)

	// Retention (C9)
	retentionPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "retention", Name: "purged_total", Help: "Rows purged by the retention sweep."},
		[]string{"resource"},
	)
	retentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "dalston", Subsystem: "retention", Name: "sweep_duration_seconds", Help: "Retention sweep execution time.", Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60}},
	)

	// Webhook (supplemented feature)
	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dalston", Subsystem: "webhook", Name: "deliveries_total", Help: "Webhook delivery attempts by outcome."},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		gatewayRequestsTotal, gatewayRequestDuration, gatewayJobsCreatedTotal, gatewayWebsocketConnsActive,
		orchestratorJobsTotal, orchestratorJobDuration, orchestratorTasksScheduled, orchestratorTasksCompleted,
		orchestratorEventsProcessed, orchestratorDAGBuildDuration,
		engineTasksProcessed, engineTaskDuration, engineQueueWait,
		sessionRouterWorkersRegistered, sessionRouterWorkersHealthy, sessionRouterSessionsActive,
		sessionRouterSessionsTotal, sessionRouterAllocationDuration,
		retentionPurgedTotal, retentionSweepDuration,
		webhookDeliveriesTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with gateway request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		gatewayRequestsTotal.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		gatewayRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordJobCreated increments the gateway's job submission counter.
func RecordJobCreated(tenantID string) {
	gatewayJobsCreatedTotal.WithLabelValues(orUnknown(tenantID)).Inc()
}

// SetWebsocketConnectionsActive reports the current real-time connection count.
func SetWebsocketConnectionsActive(n int) {
	gatewayWebsocketConnsActive.Set(float64(n))
}

// RecordJobTerminal records a job reaching a terminal state.
func RecordJobTerminal(status string, duration time.Duration, stageCount int) {
	orchestratorJobsTotal.WithLabelValues(orUnknown(status)).Inc()
	orchestratorJobDuration.WithLabelValues(strconv.Itoa(stageCount)).Observe(duration.Seconds())
}

// RecordTaskScheduled records a task being pushed onto an engine queue.
func RecordTaskScheduled(engineID, stage string) {
	orchestratorTasksScheduled.WithLabelValues(orUnknown(engineID), orUnknown(stage)).Inc()
}

// RecordTaskCompleted records a task completion observed by the scheduler.
func RecordTaskCompleted(engineID, status string) {
	orchestratorTasksCompleted.WithLabelValues(orUnknown(engineID), orUnknown(status)).Inc()
}

// RecordEventProcessed records one event bus event handled by the scheduler loop.
func RecordEventProcessed(eventType string) {
	orchestratorEventsProcessed.WithLabelValues(orUnknown(eventType)).Inc()
}

// RecordDAGBuildDuration records how long the DAG Builder took for one job.
func RecordDAGBuildDuration(d time.Duration) {
	orchestratorDAGBuildDuration.Observe(d.Seconds())
}

// RecordEngineTaskProcessed records a task an engine worker finished handling.
func RecordEngineTaskProcessed(engineID, status string, processingTime time.Duration) {
	engineTasksProcessed.WithLabelValues(orUnknown(engineID), orUnknown(status)).Inc()
	engineTaskDuration.WithLabelValues(orUnknown(engineID)).Observe(processingTime.Seconds())
}

// RecordEngineQueueWait records the time a task spent queued before an engine dequeued it.
func RecordEngineQueueWait(engineID string, wait time.Duration) {
	engineQueueWait.WithLabelValues(orUnknown(engineID)).Observe(wait.Seconds())
}

// SetSessionRouterWorkerCounts reports the pool's registered/healthy worker counts.
func SetSessionRouterWorkerCounts(registered, healthy int) {
	sessionRouterWorkersRegistered.Set(float64(registered))
	sessionRouterWorkersHealthy.Set(float64(healthy))
}

// SetSessionRouterActiveSessions reports a worker's current active session count.
func SetSessionRouterActiveSessions(workerID string, count int) {
	sessionRouterSessionsActive.WithLabelValues(orUnknown(workerID)).Set(float64(count))
}

// RecordSessionTerminal records a real-time session reaching a terminal outcome.
func RecordSessionTerminal(status string) {
	sessionRouterSessionsTotal.WithLabelValues(orUnknown(status)).Inc()
}

// RecordSessionAllocation records allocation latency for one session request.
func RecordSessionAllocation(d time.Duration) {
	sessionRouterAllocationDuration.Observe(d.Seconds())
}

// RecordRetentionSweep records one retention sweep's purge counts and duration.
func RecordRetentionSweep(purgedByResource map[string]int, duration time.Duration) {
	for resource, count := range purgedByResource {
		retentionPurgedTotal.WithLabelValues(orUnknown(resource)).Add(float64(count))
	}
	retentionSweepDuration.Observe(duration.Seconds())
}

// RecordWebhookDelivery records a webhook delivery attempt's outcome.
func RecordWebhookDelivery(status string) {
	webhookDeliveriesTotal.WithLabelValues(orUnknown(status)).Inc()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so cardinality stays bounded —
// /v1/jobs/{id} becomes /v1/jobs/:id rather than one label per job ID.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")

	knownCollections := map[string]bool{"jobs": true, "sessions": true, "webhooks": true, "tasks": true}
	for i := 0; i < len(parts)-1; i++ {
		if knownCollections[parts[i]] {
			parts[i+1] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
