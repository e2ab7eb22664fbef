package metrics

import (
	"log/slog"
	"strconv"

	"github.com/loykin/procd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceCollector reports CPU and memory usage of live supervised
// processes. Values are sampled from the OS on every scrape.
type ResourceCollector struct {
	instance string
	store    *store.Store

	cpuSeconds *prometheus.Desc
	rssBytes   *prometheus.Desc
	threads    *prometheus.Desc
}

func NewResourceCollector(instance string, st *store.Store) *ResourceCollector {
	labels := []string{"id", "pid"}
	constLabels := prometheus.Labels{"instance": instance}
	return &ResourceCollector{
		instance: instance,
		store:    st,
		cpuSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "cpu_seconds_total"),
			"User plus system CPU time of a supervised process.", labels, constLabels),
		rssBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "resident_memory_bytes"),
			"Resident set size of a supervised process.", labels, constLabels),
		threads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "threads"),
			"Thread count of a supervised process.", labels, constLabels),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuSeconds
	ch <- c.rssBytes
	ch <- c.threads
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, rec := range c.store.List() {
		if !rec.State.Alive() || rec.PID <= 0 {
			continue
		}
		p, err := process.NewProcess(int32(rec.PID))
		if err != nil {
			continue
		}
		pid := strconv.Itoa(rec.PID)
		if t, err := p.Times(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpuSeconds, prometheus.CounterValue, t.User+t.System, rec.ID, pid)
		}
		if mi, err := p.MemoryInfo(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rssBytes, prometheus.GaugeValue, float64(mi.RSS), rec.ID, pid)
		}
		if n, err := p.NumThreads(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), rec.ID, pid)
		} else {
			slog.Debug("thread count unavailable", "instance", c.instance, "id", rec.ID, "error", err)
		}
	}
}
