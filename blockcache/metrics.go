package blockcache

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes the counters of a Cache as Prometheus metrics. The name is added as the "cache" label, so a
// metadata and a data cache can be registered side by side.
type Collector struct {
	cache *Cache

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	insertions *prometheus.Desc
	evictions  *prometheus.Desc
	purges     *prometheus.Desc
	entries    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for the cache.
func NewCollector(name string, cache *Cache) *Collector {
	labels := prometheus.Labels{"cache": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("rawfs", "blockcache", metric), help, nil, labels)
	}
	return &Collector{
		cache:      cache,
		hits:       desc("hits_total", "Requests served from the cache."),
		misses:     desc("misses_total", "Requests that had to be read from the device."),
		insertions: desc("insertions_total", "Blocks added to the cache."),
		evictions:  desc("evictions_total", "Blocks removed from the cache."),
		purges:     desc("purges_total", "Times the whole cache was dropped."),
		entries:    desc("entries", "Blocks currently cached."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.insertions
	ch <- c.evictions
	ch <- c.purges
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.insertions, prometheus.CounterValue, float64(s.Insertions))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.purges, prometheus.CounterValue, float64(s.Purges))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
}
