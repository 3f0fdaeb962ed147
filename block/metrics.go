// Copyright 2025 keelfs
// SPDX-License-Identifier: Apache-2.0

package block

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	reads   prometheus.Counter
	clones  prometheus.Counter
	allocs  prometheus.Counter
	frees   prometheus.Counter
	commits prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keel",
		Subsystem: "block",
		Name:      name,
		Help:      help,
	})
}

func newMetrics() metrics {
	return metrics{
		reads:   counter("reads_total", "Blocks read from the backing file."),
		clones:  counter("cow_clones_total", "Clean blocks copied on write."),
		allocs:  counter("allocs_total", "Blocks allocated."),
		frees:   counter("frees_total", "Blocks freed."),
		commits: counter("commits_total", "Transactions committed."),
	}
}

var (
	cachedDesc = prometheus.NewDesc("keel_block_cached", "Blocks held in the cache.", nil, nil)
	dirtyDesc  = prometheus.NewDesc("keel_block_dirty", "Blocks dirty in the current transaction.", nil, nil)
)

var _ prometheus.Collector = (*Store)(nil)

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	s.met.reads.Describe(ch)
	s.met.clones.Describe(ch)
	s.met.allocs.Describe(ch)
	s.met.frees.Describe(ch)
	s.met.commits.Describe(ch)
	ch <- cachedDesc
	ch <- dirtyDesc
}

// Collect implements prometheus.Collector.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	s.met.reads.Collect(ch)
	s.met.clones.Collect(ch)
	s.met.allocs.Collect(ch)
	s.met.frees.Collect(ch)
	s.met.commits.Collect(ch)

	s.mu.Lock()
	cached, dirty := len(s.cache), len(s.dirtyset)
	s.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(cachedDesc, prometheus.GaugeValue, float64(cached))
	ch <- prometheus.MustNewConstMetric(dirtyDesc, prometheus.GaugeValue, float64(dirty))
}
