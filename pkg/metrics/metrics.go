package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state gauges
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_kernels_total",
			Help: "Total number of kernels by status",
		},
		[]string{"status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduling metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_scheduling_latency_seconds",
			Help:    "Time taken for a single do-schedule pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_scheduled_total",
			Help: "Total number of sessions successfully scheduled",
		},
	)

	SchedulingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_scheduling_failures_total",
			Help: "Total number of scheduling attempts that found no fit, by reason",
		},
		[]string{"reason"},
	)

	// Kernel lifecycle metrics
	LifecycleStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_lifecycle_stage_duration_seconds",
			Help:    "Time taken by each kernel-creation pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	KernelsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_kernels_started_total",
			Help: "Total number of kernels that reached RUNNING",
		},
	)

	KernelsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_kernels_failed_total",
			Help: "Total number of kernels that reached ERROR",
		},
	)

	// RPC metrics
	RPCCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_rpc_call_duration_seconds",
			Help:    "Time taken for an agent RPC call to return, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_rpc_peers_total",
			Help: "Total number of live agent RPC connections held by this manager",
		},
	)

	// Event bus metrics
	EventDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_event_dispatch_duration_seconds",
			Help:    "Time taken by a batch handler call, by event type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_events_processed_total",
			Help: "Total number of events delivered to a handler, by event type and mode",
		},
		[]string{"event_type", "mode"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_reconciliation_duration_seconds",
			Help:    "Time taken for a hang-detection sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_reconciliation_cycles_total",
			Help: "Total number of hang-detection sweeps completed",
		},
	)

	HungSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_hung_sessions_total",
			Help: "Total number of sessions force-terminated for exceeding their hang tolerance",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SessionsScheduled)
	prometheus.MustRegister(SchedulingFailuresTotal)
	prometheus.MustRegister(LifecycleStageDuration)
	prometheus.MustRegister(KernelsStartedTotal)
	prometheus.MustRegister(KernelsFailedTotal)
	prometheus.MustRegister(RPCCallDuration)
	prometheus.MustRegister(RPCPeersTotal)
	prometheus.MustRegister(EventDispatchDuration)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(HungSessionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
