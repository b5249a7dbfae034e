package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tispace-dev/tispace/pkg/store"
)

var (
	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tispace_instances_total",
			Help: "Total number of instances by runtime and status",
		},
		[]string{"runtime", "status"},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tispace_users_total",
			Help: "Total number of known users",
		},
	)

	// Node/capacity metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tispace_nodes_total",
			Help: "Total number of backend nodes by runtime family",
		},
		[]string{"family"},
	)

	NodeCPUAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tispace_node_cpu_allocated_cores",
			Help: "CPU cores allocated per node",
		},
		[]string{"node"},
	)

	NodeMemoryAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tispace_node_memory_allocated_mb",
			Help: "Memory allocated per node in megabytes",
		},
		[]string{"node"},
	)

	StoragePoolAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tispace_storage_pool_allocated_gb",
			Help: "Storage allocated per storage pool in gigabytes",
		},
		[]string{"node", "pool"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tispace_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tispace_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_scheduling_latency_seconds",
			Help:    "Time taken per scheduler cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tispace_instances_scheduled_total",
			Help: "Total number of instances successfully placed",
		},
	)

	InstancesPlacementFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tispace_instances_placement_failed_total",
			Help: "Total number of instances that exceeded the placement timeout",
		},
	)

	// Instance lifecycle operation metrics
	InstanceCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_instance_create_duration_seconds",
			Help:    "Time taken to admit a create request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_instance_start_duration_seconds",
			Help:    "Time taken to admit a start request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_instance_stop_duration_seconds",
			Help:    "Time taken to admit a stop request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_instance_delete_duration_seconds",
			Help:    "Time taken to admit a delete request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics, one pair per backend family
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tispace_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tispace_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
		[]string{"backend"},
	)

	ReconciliationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tispace_reconciliation_errors_total",
			Help: "Total number of reconciliation cycles that hit a backend error",
		},
		[]string{"backend"},
	)

	// Collector metrics
	CollectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tispace_collection_duration_seconds",
			Help:    "Time taken to collect node/pool inventory in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CollectionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tispace_collection_failures_total",
			Help: "Total number of collection cycles abandoned due to a backend error",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeCPUAllocated)
	prometheus.MustRegister(NodeMemoryAllocated)
	prometheus.MustRegister(StoragePoolAllocated)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(InstancesScheduled)
	prometheus.MustRegister(InstancesPlacementFailed)

	prometheus.MustRegister(InstanceCreateDuration)
	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(InstanceStopDuration)
	prometheus.MustRegister(InstanceDeleteDuration)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationErrorsTotal)

	prometheus.MustRegister(CollectionDuration)
	prometheus.MustRegister(CollectionFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// RefreshAllocation re-derives every allocation/inventory gauge from a
// store.AllocationSummary. Stale label combinations from nodes/pools that
// no longer exist are reset first so a decommissioned node doesn't linger
// in /metrics forever.
func RefreshAllocation(summary store.AllocationSummary) {
	NodeCPUAllocated.Reset()
	NodeMemoryAllocated.Reset()
	StoragePoolAllocated.Reset()
	InstancesTotal.Reset()
	NodesTotal.Reset()

	UsersTotal.Set(float64(summary.UsersTotal))
	for _, f := range summary.Families {
		NodesTotal.WithLabelValues(f.Family).Set(float64(f.Count))
	}

	for _, n := range summary.Nodes {
		NodeCPUAllocated.WithLabelValues(n.Node).Set(float64(n.CPUAllocated))
		NodeMemoryAllocated.WithLabelValues(n.Node).Set(float64(n.MemoryAllocated * 1024))
	}
	for _, p := range summary.Pools {
		StoragePoolAllocated.WithLabelValues(p.Node, p.Pool).Set(float64(p.Allocated))
	}
	for _, c := range summary.Instances {
		InstancesTotal.WithLabelValues(c.Runtime, c.Status).Set(float64(c.Count))
	}
}
