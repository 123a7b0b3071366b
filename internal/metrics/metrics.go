// Package metrics exposes Runtime internals as Prometheus gauges/counters,
// the way the teacher instruments its own long-running services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
)

// Collector samples a Runtime on each Prometheus scrape.
type Collector struct {
	rt *core.Runtime

	pendingActions  *prometheus.Desc
	pendingUpdates  *prometheus.Desc
	runningTasks    *prometheus.Desc
	registrationLag *prometheus.Desc
	lockHeld        *prometheus.Desc
}

// NewCollector constructs a Collector over rt. Register it with a
// prometheus.Registry to expose it.
func NewCollector(rt *core.Runtime) *Collector {
	return &Collector{
		rt: rt,
		pendingActions: prometheus.NewDesc(
			"zubridge_pending_actions", "In-flight actions across all thunks and orphans.", nil, nil),
		pendingUpdates: prometheus.NewDesc(
			"zubridge_pending_state_updates", "State broadcasts awaiting client acknowledgment.", nil, nil),
		runningTasks: prometheus.NewDesc(
			"zubridge_running_tasks", "Scheduler tasks currently executing.", nil, nil),
		registrationLag: prometheus.NewDesc(
			"zubridge_queued_root_thunks", "Root thunks waiting for the thunk lock to free.", nil, nil),
		lockHeld: prometheus.NewDesc(
			"zubridge_thunk_lock_held", "1 if a root thunk currently holds the lock, else 0.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingActions
	ch <- c.pendingUpdates
	ch <- c.runningTasks
	ch <- c.registrationLag
	ch <- c.lockHeld
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.pendingActions, prometheus.GaugeValue, float64(c.rt.ActionQueue.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.pendingUpdates, prometheus.GaugeValue, float64(c.rt.StateUpdates.PendingCount()))
	ch <- prometheus.MustNewConstMetric(c.runningTasks, prometheus.GaugeValue, float64(len(c.rt.Scheduler.GetRunningTasks())))
	ch <- prometheus.MustNewConstMetric(c.registrationLag, prometheus.GaugeValue, float64(c.rt.Registration.QueueDepth()))

	lockHeld := 0.0
	if c.rt.Lifecycle.LockHeld() {
		lockHeld = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.lockHeld, prometheus.GaugeValue, lockHeld)
}
