// Package metrics exports engine state to Prometheus and serves it next to
// health and profiling endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"proxyrun/internal/eventbus"
	"proxyrun/internal/task/engine"
)

const namespace = "proxyrun"

// StatsSource is satisfied by *engine.Manager.
type StatsSource interface {
	Stats() engine.Stats
}

// Collector reads a stats snapshot on every scrape. Nothing is cached
// between scrapes, so retired resources disappear from the output.
type Collector struct {
	src StatsSource
	bus eventbus.Counter
	now func() time.Time

	owners      *prometheus.Desc
	queue       *prometheus.Desc
	queuedPrio  *prometheus.Desc
	delay       *prometheus.Desc
	baseDelay   *prometheus.Desc
	healthy     *prometheus.Desc
	rateLimited *prometheus.Desc
	successes   *prometheus.Desc
	errors      *prometheus.Desc
	executed    *prometheus.Desc

	tasks    *prometheus.Desc
	clusters *prometheus.Desc
	ownersT  *prometheus.Desc
	queuedT  *prometheus.Desc
	dropped  *prometheus.Desc
}

// NewCollector builds a collector over src. bus may be nil.
func NewCollector(src StatsSource, bus eventbus.Counter) *Collector {
	res := []string{"resource"}
	return &Collector{
		src: src,
		bus: bus,
		now: time.Now,

		owners:      desc("resource_owners", "Owners assigned to the resource.", res...),
		queue:       desc("resource_queue_size", "Tasks waiting on the resource.", res...),
		queuedPrio:  desc("resource_queued", "Tasks waiting on the resource per priority.", "resource", "priority"),
		delay:       desc("resource_current_delay_seconds", "Adaptive delay between requests.", res...),
		baseDelay:   desc("resource_base_delay_seconds", "Configured base delay.", res...),
		healthy:     desc("resource_healthy", "1 when the resource accepts work.", res...),
		rateLimited: desc("resource_rate_limited", "1 while a rate-limit deadline is active.", res...),
		successes:   desc("resource_successes_total", "Successful executions.", res...),
		errors:      desc("resource_errors_total", "Failed executions.", res...),
		executed:    desc("resource_executed_total", "Executions per priority and result.", "resource", "priority", "result"),

		tasks:    desc("tasks_total", "Submitted tasks by terminal status.", "status"),
		clusters: desc("active_clusters", "Running resource clusters."),
		ownersT:  desc("owners", "Assigned owners."),
		queuedT:  desc("queued_tasks", "Tasks waiting across all resources."),
		dropped:  desc("events_dropped_total", "Events dropped by slow bus subscribers."),
	}
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.owners, c.queue, c.queuedPrio, c.delay, c.baseDelay, c.healthy, c.rateLimited,
		c.successes, c.errors, c.executed, c.tasks, c.clusters, c.ownersT, c.queuedT, c.dropped,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	now := c.now()

	for id, r := range st.Resources {
		ch <- prometheus.MustNewConstMetric(c.owners, prometheus.GaugeValue, float64(r.ActiveOwners), id)
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(r.QueueSize), id)
		ch <- prometheus.MustNewConstMetric(c.delay, prometheus.GaugeValue, r.CurrentDelay.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.baseDelay, prometheus.GaugeValue, r.BaseDelay.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, boolValue(r.Healthy), id)
		ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.GaugeValue, boolValue(r.RateLimited(now)), id)
		ch <- prometheus.MustNewConstMetric(c.successes, prometheus.CounterValue, float64(r.SuccessCount), id)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(r.ErrorCount), id)

		for _, p := range engine.Priorities {
			ch <- prometheus.MustNewConstMetric(c.queuedPrio, prometheus.GaugeValue, float64(r.Queued[p]), id, p.String())
			pc := r.Priorities[p]
			if pc == nil {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, float64(pc.Succeeded), id, p.String(), "success")
			ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, float64(pc.Failed), id, p.String(), "failure")
		}
	}

	t := st.Totals
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(t.TotalTasks), "submitted")
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(t.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(t.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(t.Cancelled), "cancelled")
	ch <- prometheus.MustNewConstMetric(c.clusters, prometheus.GaugeValue, float64(t.ActiveClusters))
	ch <- prometheus.MustNewConstMetric(c.ownersT, prometheus.GaugeValue, float64(t.Owners))
	ch <- prometheus.MustNewConstMetric(c.queuedT, prometheus.GaugeValue, float64(t.Queued))
	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.bus.Dropped()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
