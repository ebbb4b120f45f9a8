// Package observability provides Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaqueue"

// Metrics holds all application metrics.
type Metrics struct {
	// Task metrics
	TasksCreated    prometheus.Counter
	TasksFinished   *prometheus.CounterVec
	TasksActive     prometheus.Gauge
	TasksQueued     prometheus.Gauge
	DownloadedBytes prometheus.Counter
	TaskDuration    prometheus.Histogram
	ExtractDuration prometheus.Histogram

	// Storage metrics
	CleanupTasksTotal prometheus.Counter
	StoredTasks       prometheus.Gauge

	// Broadcast metrics
	Observers       prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	ObserversPruned *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyFailures      *prometheus.CounterVec
	ProxiesAvailable   prometheus.Gauge

	// Collaborator metrics
	DownloaderRequestsTotal *prometheus.CounterVec
	DownloaderErrors        *prometheus.CounterVec
	ArtifactUploads         *prometheus.CounterVec
}

// New creates all application metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Total number of tasks created",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		}, []string{"status"}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Number of tasks holding an execution slot",
		}),
		TasksQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "queued",
			Help:      "Number of tasks waiting for an execution slot",
		}),
		DownloadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "downloaded_bytes_total",
			Help:      "Total bytes downloaded across all tasks",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Histogram of task execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		ExtractDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "extract_duration_seconds",
			Help:      "Histogram of metadata extraction duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),

		CleanupTasksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cleanup_tasks_total",
			Help:      "Total number of terminal tasks cleaned up",
		}),
		StoredTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "tasks_current",
			Help:      "Current number of stored tasks",
		}),

		Observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "observers",
			Help:      "Number of connected observers",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Total number of events published, by type",
		}, []string{"type"}),
		ObserversPruned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "observers_pruned_total",
			Help:      "Total number of observers dropped, by reason",
		}, []string{"reason"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Histogram of HTTP response sizes in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		}, []string{"method", "path"}),

		ProxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of requests made through proxies",
		}, []string{"proxy"}),
		ProxyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "failures_total",
			Help:      "Total number of proxy failures",
		}, []string{"proxy"}),
		ProxiesAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "available",
			Help:      "Number of currently available proxies",
		}),

		DownloaderRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "requests_total",
			Help:      "Total number of collaborator calls",
		}, []string{"downloader", "status"}),
		DownloaderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "errors_total",
			Help:      "Total number of collaborator errors",
		}, []string{"downloader", "error_type"}),
		ArtifactUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "uploads_total",
			Help:      "Total number of artifact uploads, by result",
		}, []string{"result"}),
	}
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// TaskTimer returns a function to record task duration.
func (m *Metrics) TaskTimer() func() {
	start := time.Now()

	return func() {
		m.TaskDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, size int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}

// RecordTaskCreated increments the tasks created counter.
func (m *Metrics) RecordTaskCreated() {
	m.TasksCreated.Inc()
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *Metrics) RecordTaskFinished(status string) {
	m.TasksFinished.WithLabelValues(status).Inc()
}

// RecordCleanup records cleaned up tasks.
func (m *Metrics) RecordCleanup(tasks int) {
	m.CleanupTasksTotal.Add(float64(tasks))
}

// RecordDownloaderRequest records a collaborator call.
func (m *Metrics) RecordDownloaderRequest(downloader, status string) {
	m.DownloaderRequestsTotal.WithLabelValues(downloader, status).Inc()
}

// RecordDownloaderError records a collaborator error.
func (m *Metrics) RecordDownloaderError(downloader, errorType string) {
	m.DownloaderErrors.WithLabelValues(downloader, errorType).Inc()
}

// RecordProxyRequest records a proxy request.
func (m *Metrics) RecordProxyRequest(proxy string) {
	m.ProxyRequestsTotal.WithLabelValues(proxy).Inc()
}

// RecordProxyFailure records a proxy failure.
func (m *Metrics) RecordProxyFailure(proxy string) {
	m.ProxyFailures.WithLabelValues(proxy).Inc()
}

// SetProxiesAvailable sets the number of available proxies.
func (m *Metrics) SetProxiesAvailable(count int) {
	m.ProxiesAvailable.Set(float64(count))
}

// SetStoredTasks sets the number of stored tasks.
func (m *Metrics) SetStoredTasks(count int) {
	m.StoredTasks.Set(float64(count))
}

// RecordEvent counts one published event of type t.
func (m *Metrics) RecordEvent(t string) {
	m.EventsPublished.WithLabelValues(t).Inc()
}

// RecordObserverPruned counts one dropped observer.
func (m *Metrics) RecordObserverPruned(reason string) {
	m.ObserversPruned.WithLabelValues(reason).Inc()
}

// RecordArtifactUpload counts one artifact upload attempt.
func (m *Metrics) RecordArtifactUpload(result string) {
	m.ArtifactUploads.WithLabelValues(result).Inc()
}
