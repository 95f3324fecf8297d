// Package metrics exposes Prometheus collectors for the coordinator and the
// engine daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Atrium metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	reservationTransitions *prometheus.CounterVec
	workstationTransitions *prometheus.CounterVec
	placementDecisions     *prometheus.CounterVec
	orphanedVMsDeleted     prometheus.Counter
	rpcCalls               *prometheus.CounterVec
	mappingsIssued         prometheus.Counter
	mappingsResolved       *prometheus.CounterVec

	// Histograms
	workerDuration   *prometheus.HistogramVec
	tickDuration     prometheus.Histogram
	rpcCallDuration  *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeWorkers  *prometheus.GaugeVec
	engineClients  prometheus.Gauge
}

// Worker duration buckets (in seconds); clones routinely take minutes.
var defaultWorkerBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

var promMetrics *PrometheusMetrics

var startTime = time.Now()

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		reservationTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_transitions_total",
				Help:      "Reservation status transitions by target status",
			},
			[]string{"to"},
		),

		workstationTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workstation_transitions_total",
				Help:      "Workstation status transitions by target status",
			},
			[]string{"to"},
		),

		placementDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placement_decisions_total",
				Help:      "Admission decisions by result",
			},
			[]string{"result"}, // approved, rejected
		),

		orphanedVMsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphaned_vms_deleted_total",
				Help:      "VMs removed by the orphan sweep",
			},
		),

		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_rpc_calls_total",
				Help:      "Engine RPC calls by method and outcome",
			},
			[]string{"method", "status"},
		),

		mappingsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_mappings_issued_total",
				Help:      "Proxy mappings created",
			},
		),

		mappingsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_mappings_resolved_total",
				Help:      "Proxy mapping resolutions by result",
			},
			[]string{"result"}, // target, path, miss
		),

		workerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_duration_seconds",
				Help:      "Duration of workstation workers in seconds",
				Buckets:   defaultWorkerBuckets,
			},
			[]string{"kind"}, // setup, cleanup, restart
		),

		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of a full control-loop pass in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		rpcCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_rpc_duration_seconds",
				Help:      "Duration of engine RPC calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method"},
		),

		activeWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Currently registered workstation workers by kind",
			},
			[]string{"kind"},
		),

		engineClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_clients",
				Help:      "Engine RPC clients currently registered",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		pm.reservationTransitions,
		pm.workstationTransitions,
		pm.placementDecisions,
		pm.orphanedVMsDeleted,
		pm.rpcCalls,
		pm.mappingsIssued,
		pm.mappingsResolved,
		pm.workerDuration,
		pm.tickDuration,
		pm.rpcCallDuration,
		pm.uptime,
		pm.activeWorkers,
		pm.engineClients,
	)

	promMetrics = pm
}

// RecordReservationTransition records a reservation status transition
func RecordReservationTransition(to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reservationTransitions.WithLabelValues(to).Inc()
}

// RecordWorkstationTransition records a workstation status transition
func RecordWorkstationTransition(to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.workstationTransitions.WithLabelValues(to).Inc()
}

// RecordPlacementDecision records an admission decision
func RecordPlacementDecision(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.placementDecisions.WithLabelValues(result).Inc()
}

// RecordOrphanDeleted records an orphaned VM removal
func RecordOrphanDeleted() {
	if promMetrics == nil {
		return
	}
	promMetrics.orphanedVMsDeleted.Inc()
}

// RecordRPCCall records an engine RPC call outcome and duration
func RecordRPCCall(method string, duration time.Duration, err error) {
	if promMetrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	promMetrics.rpcCalls.WithLabelValues(method, status).Inc()
	promMetrics.rpcCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordMappingIssued records a proxy mapping creation
func RecordMappingIssued() {
	if promMetrics == nil {
		return
	}
	promMetrics.mappingsIssued.Inc()
}

// RecordMappingResolved records a proxy mapping resolution result
func RecordMappingResolved(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.mappingsResolved.WithLabelValues(result).Inc()
}

// RecordWorkerDuration records how long a workstation worker ran
func RecordWorkerDuration(kind string, duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTickDuration records the duration of a control-loop pass
func RecordTickDuration(duration time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.tickDuration.Observe(duration.Seconds())
}

// SetActiveWorkers sets the currently registered worker count for a kind
func SetActiveWorkers(kind string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeWorkers.WithLabelValues(kind).Set(float64(n))
}

// SetEngineClients sets the registered engine client count
func SetEngineClients(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.engineClients.Set(float64(n))
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	if promMetrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
