// Package metrics exposes Prometheus gauges/counters/histograms for the
// Pool Service, re-themed from cuemby/warren's pkg/metrics/metrics.go
// (same registration-at-init, package-level vars, Timer helper pattern).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_instances_total",
			Help: "Total number of pool service instances running on this node",
		},
	)

	HandlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_handles_total",
			Help: "Total number of open pool handles, by pool",
		},
		[]string{"pool_id"},
	)

	MapVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_map_version",
			Help: "Current pool map version, by pool",
		},
		[]string{"pool_id"},
	)

	TargetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_targets_total",
			Help: "Total number of targets in the pool map by status",
		},
		[]string{"pool_id", "status"},
	)

	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_raft_is_leader",
			Help: "Whether this node holds RDB leadership for a pool (1 = leader, 0 = follower)",
		},
		[]string{"pool_id"},
	)

	RaftAppliedIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_raft_applied_index",
			Help: "Last applied raft log index, by pool",
		},
		[]string{"pool_id"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rpc_requests_total",
			Help: "Total number of RPCs handled by op and result",
		},
		[]string{"op", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_rpc_request_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RDBCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pool_rdb_commit_duration_seconds",
			Help:    "Time taken to commit an RDB transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RebuildTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rebuild_tasks_total",
			Help: "Total number of rebuild tasks scheduled, by outcome",
		},
		[]string{"outcome"},
	)

	RebuildTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pool_rebuild_task_duration_seconds",
			Help:    "Time taken to run a rebuild task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BroadcastDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_broadcast_drops_total",
			Help: "Total number of broadcast events dropped due to a full subscriber buffer",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(HandlesTotal)
	prometheus.MustRegister(MapVersion)
	prometheus.MustRegister(TargetsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(RDBCommitDuration)
	prometheus.MustRegister(RebuildTasksTotal)
	prometheus.MustRegister(RebuildTaskDuration)
	prometheus.MustRegister(BroadcastDropsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation from construction to ObserveDuration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
