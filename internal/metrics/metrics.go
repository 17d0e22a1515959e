// Package metrics provides the Prometheus registry and the concrete
// implementations of the narrow per-component Metrics interfaces
// (executorpool.Metrics, dispatcher.Metrics, cleanup.Metrics,
// storageworker.Metrics, api.Metrics) so every component can be wired
// against a single shared registry without importing prometheus directly.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crucible-platform/crucible/internal/model"
)

// Registry bundles every counter/gauge the control plane records. Gatherer
// hands the underlying registry to a scrape handler; no cmd/ binary in
// this repository mounts one, and GET /status does not read it.
type Registry struct {
	registry *prometheus.Registry

	doubleReleaseDetected prometheus.Counter
	leaseAcquired         prometheus.Counter
	leaseReleased         prometheus.Counter
	poolExhausted         prometheus.Counter

	dispatchStarted   prometheus.Counter
	dispatchByKind    *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	dlqExhausted      prometheus.Counter
	workloadCleaned   *prometheus.CounterVec
	watchReconnects   prometheus.Counter
	eventsApplied     *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// New builds a Registry and registers every metric against a fresh
// Prometheus registry.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.doubleReleaseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_double_release_detected_total",
		Help: "Count of executor lease releases that found no matching held lease.",
	})
	r.leaseAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_executor_lease_acquired_total",
		Help: "Count of successful executor lease acquisitions.",
	})
	r.leaseReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_executor_lease_released_total",
		Help: "Count of successful (first-writer) executor lease releases.",
	})
	r.poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_executor_pool_exhausted_total",
		Help: "Count of lease acquisitions that found no free executor.",
	})
	r.dispatchStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_dispatch_started_total",
		Help: "Count of envelopes reserved and handed to dispatch.",
	})
	r.dispatchByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_dispatch_completed_total",
		Help: "Count of dispatches completed, labeled by terminal error kind (empty for success).",
	}, []string{"error_kind"})
	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_queue_depth",
		Help: "Current envelope count per queue and priority.",
	}, []string{"queue", "priority"})
	r.dlqExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_dlq_exhausted_total",
		Help: "Count of envelopes moved to the dead-letter queue after exhausting retries.",
	})
	r.workloadCleaned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_workload_cleaned_total",
		Help: "Count of workloads deleted by the cleanup controller, labeled by reason.",
	}, []string{"reason"})
	r.watchReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_cleanup_watch_reconnects_total",
		Help: "Count of times the cleanup controller's workload watch reconnected after a disconnect.",
	})
	r.eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_storageworker_events_applied_total",
		Help: "Count of lifecycle events the storage worker applied to the durable store, labeled by topic.",
	}, []string{"topic"})
	r.eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_storageworker_events_dropped_total",
		Help: "Count of lifecycle events the storage worker dropped without applying, labeled by reason.",
	}, []string{"reason"})

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_api_requests_total",
		Help: "Count of API gateway requests, labeled by route, method, and status.",
	}, []string{"route", "method", "status"})

	r.registry.MustRegister(
		r.doubleReleaseDetected, r.leaseAcquired, r.leaseReleased, r.poolExhausted,
		r.dispatchStarted, r.dispatchByKind, r.queueDepth, r.dlqExhausted,
		r.workloadCleaned, r.watchReconnects, r.eventsApplied, r.eventsDropped,
		r.httpRequests,
	)
	return r
}

// Gatherer exposes the underlying registry for a promhttp.Handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// --- executorpool.Metrics ---

func (r *Registry) IncDoubleReleaseDetected() { r.doubleReleaseDetected.Inc() }
func (r *Registry) IncLeaseAcquired()         { r.leaseAcquired.Inc() }
func (r *Registry) IncLeaseReleased()         { r.leaseReleased.Inc() }
func (r *Registry) IncPoolExhausted()         { r.poolExhausted.Inc() }

// --- dispatcher.Metrics ---

func (r *Registry) IncDispatchStarted() { r.dispatchStarted.Inc() }

func (r *Registry) IncDispatchSucceeded(kind model.ErrorKind) {
	r.dispatchByKind.WithLabelValues(string(kind)).Inc()
}

// --- queue observability (Router/PrimaryQueue depth reporting) ---

func (r *Registry) SetQueueDepth(queue, priority string, depth float64) {
	r.queueDepth.WithLabelValues(queue, priority).Set(depth)
}

func (r *Registry) IncDLQExhausted() { r.dlqExhausted.Inc() }

// --- cleanup.Metrics ---

func (r *Registry) IncWorkloadCleaned(reason string) {
	r.workloadCleaned.WithLabelValues(reason).Inc()
}

func (r *Registry) IncWatchReconnect() { r.watchReconnects.Inc() }

// --- storageworker.Metrics ---

func (r *Registry) IncEventApplied(topic string) {
	r.eventsApplied.WithLabelValues(topic).Inc()
}

func (r *Registry) IncEventDropped(reason string) {
	r.eventsDropped.WithLabelValues(reason).Inc()
}

// --- api.Metrics ---

func (r *Registry) IncRequest(route, method string, status int) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
