/*
Package metrics registers the manager's Prometheus gauges, counters,
and histograms and exposes them over an HTTP handler for scraping.

# Metric groups

Cluster state gauges (AgentsTotal, SessionsTotal, KernelsTotal) are
sampled periodically by MetricsCollector from the local store rather
than updated inline, since they're aggregate counts rather than
per-operation events.

Raft gauges and RaftCommitDuration track this node's view of cluster
consensus: leadership, log position, and commit latency.

SchedulingLatency, RPCCallDuration, and EventDispatchDuration are
histograms updated inline, at the point where each operation
completes, using Timer (LifecycleStageDuration is registered too, but
no code path observes it):

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

ReconciliationDuration and ReconciliationCyclesTotal track the
hang-detection sweep; HungSessionsTotal counts sessions it force-terminates.

# Health

HealthChecker (health.go) is independent of the Prometheus registry:
RegisterComponent/UpdateComponent track named components ("raft",
"containerd", ...) and GetHealth/GetReadiness turn that into the
liveness/readiness JSON a health-check HTTP endpoint returns.

# Usage

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
