package manager

import (
	"time"

	"github.com/nimbusforge/sokovan/pkg/metrics"
)

// MetricsCollector periodically samples the manager's local store and
// raft state into the process's prometheus registry.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector builds a collector bound to mgr.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins sampling metrics on a 15s tick.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectAgentMetrics()
	c.collectSessionMetrics()
	c.collectKernelMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectAgentMetrics() {
	agents, err := c.manager.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, agent := range agents {
		counts[string(agent.Status)]++
	}
	for status, count := range counts {
		metrics.AgentsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectSessionMetrics() {
	sessions, err := c.manager.ListSessions()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, session := range sessions {
		counts[string(session.Status)]++
	}
	for status, count := range counts {
		metrics.SessionsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectKernelMetrics() {
	sessions, err := c.manager.ListSessions()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, session := range sessions {
		kernels, err := c.manager.ListKernelsBySession(session.ID)
		if err != nil {
			continue
		}
		for _, kernel := range kernels {
			counts[string(kernel.Status)]++
		}
	}
	for status, count := range counts {
		metrics.KernelsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.manager.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		metrics.RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		metrics.RaftPeers.Set(float64(peers))
	}
}
