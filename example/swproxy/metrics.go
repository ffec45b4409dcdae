// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tunabay/go-swcache"
)

// storageCollector exports the partition statistics of a swcache.Storage.
type storageCollector struct {
	storage *swcache.Storage

	entries   *prometheus.Desc
	bytes     *prometheus.Desc
	requested *prometheus.Desc
	hits      *prometheus.Desc
	stored    *prometheus.Desc
	failed    *prometheus.Desc
	removed   *prometheus.Desc
}

func newStorageCollector(storage *swcache.Storage) *storageCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("swcache_partition_"+name, help, []string{"partition"}, nil)
	}
	return &storageCollector{
		storage:   storage,
		entries:   desc("entries", "Number of entries in the partition."),
		bytes:     desc("bytes", "Total size of the entry files."),
		requested: desc("lookups_total", "Number of lookups."),
		hits:      desc("hits_total", "Number of lookup hits."),
		stored:    desc("stored_total", "Number of stored responses."),
		failed:    desc("failures_total", "Number of operation failures."),
		removed:   desc("removed_total", "Number of entries removed by GC or deletion."),
	}
}

// Describe implements prometheus.Collector.
func (c *storageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.requested
	ch <- c.hits
	ch <- c.stored
	ch <- c.failed
	ch <- c.removed
}

// Collect implements prometheus.Collector.
func (c *storageCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.storage.Status() {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.NumEntries), st.Name)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(st.TotalSize), st.Name)
		ch <- prometheus.MustNewConstMetric(c.requested, prometheus.CounterValue, float64(st.NumRequested), st.Name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.NumHit), st.Name)
		ch <- prometheus.MustNewConstMetric(c.stored, prometheus.CounterValue, float64(st.NumStored), st.Name)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.NumFailed), st.Name)
		ch <- prometheus.MustNewConstMetric(c.removed, prometheus.CounterValue, float64(st.NumRemoved), st.Name)
	}
}
