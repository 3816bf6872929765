package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// JobStats provides the collector access to orchestrator state.
type JobStats interface {
	ActiveJobCount() int
	TrackedJobCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats JobStats

	activeJobs  *prometheus.Desc
	trackedJobs *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// stats may be nil (metrics will report 0).
func NewCollector(stats JobStats) *Collector {
	return &Collector{
		stats: stats,
		activeJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_active"),
			"Render jobs currently processing.",
			nil, nil,
		),
		trackedJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_tracked"),
			"Job records held in the job table.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeJobs
	ch <- c.trackedJobs
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	active, tracked := 0, 0
	if c.stats != nil {
		active = c.stats.ActiveJobCount()
		tracked = c.stats.TrackedJobCount()
	}
	ch <- prometheus.MustNewConstMetric(c.activeJobs, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(c.trackedJobs, prometheus.GaugeValue, float64(tracked))
}
