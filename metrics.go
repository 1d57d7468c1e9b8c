// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a point-in-time snapshot of cache activity.
type Metrics struct {
	// Hits counts reads whose aligned range was fully present or pending.
	Hits int64
	// Misses counts reads that created at least one fetch gap.
	Misses int64
	// Fallbacks counts reads served directly from the remote source because
	// the cache could not hold the object.
	Fallbacks int64
	// Evictions counts cache files reclaimed by the LRU or by Close.
	Evictions int64
	// BytesFetched is the total bytes pulled from remote sources.
	BytesFetched int64
	// FetchCount and FetchDuration describe completed gap fetches;
	// FetchDuration is their summed wall time.
	FetchCount    int64
	FetchDuration time.Duration
	// RegionsTotal and RegionsFree describe pool occupancy.
	RegionsTotal int
	RegionsFree  int
}

// Metrics returns a snapshot of the cache's counters.
func (c *Cache) Metrics() Metrics {
	return Metrics{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fallbacks:     c.fallbacks.Load(),
		Evictions:     c.evictions.Load(),
		BytesFetched:  c.bytesFetched.Load(),
		FetchCount:    c.fetchCount.Load(),
		FetchDuration: time.Duration(c.fetchNanos.Load()),
		RegionsTotal:  c.pool.NumRegions(),
		RegionsFree:   c.pool.Available(),
	}
}

// NewCollector returns a prometheus.Collector exposing the cache's metrics.
// The caller registers it with its registry of choice.
func NewCollector(c *Cache) prometheus.Collector {
	return &collector{
		c: c,
		hits: prometheus.NewDesc(
			"snapcache_hits_total", "Reads served without a remote fetch.", nil, nil),
		misses: prometheus.NewDesc(
			"snapcache_misses_total", "Reads that required a remote fetch.", nil, nil),
		fallbacks: prometheus.NewDesc(
			"snapcache_fallbacks_total", "Reads served directly from the remote source.", nil, nil),
		evictions: prometheus.NewDesc(
			"snapcache_evictions_total", "Cache files reclaimed.", nil, nil),
		bytesFetched: prometheus.NewDesc(
			"snapcache_fetched_bytes_total", "Bytes fetched from remote sources.", nil, nil),
		fetchSeconds: prometheus.NewDesc(
			"snapcache_fetch_seconds_total", "Wall time spent fetching gaps.", nil, nil),
		regionsFree: prometheus.NewDesc(
			"snapcache_regions_free", "Unleased pool regions.", nil, nil),
	}
}

type collector struct {
	c *Cache

	hits         *prometheus.Desc
	misses       *prometheus.Desc
	fallbacks    *prometheus.Desc
	evictions    *prometheus.Desc
	bytesFetched *prometheus.Desc
	fetchSeconds *prometheus.Desc
	regionsFree  *prometheus.Desc
}

var _ prometheus.Collector = (*collector)(nil)

// Describe is part of the prometheus.Collector interface.
func (col *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.hits
	ch <- col.misses
	ch <- col.fallbacks
	ch <- col.evictions
	ch <- col.bytesFetched
	ch <- col.fetchSeconds
	ch <- col.regionsFree
}

// Collect is part of the prometheus.Collector interface.
func (col *collector) Collect(ch chan<- prometheus.Metric) {
	m := col.c.Metrics()
	ch <- prometheus.MustNewConstMetric(col.hits, prometheus.CounterValue, float64(m.Hits))
	ch <- prometheus.MustNewConstMetric(col.misses, prometheus.CounterValue, float64(m.Misses))
	ch <- prometheus.MustNewConstMetric(col.fallbacks, prometheus.CounterValue, float64(m.Fallbacks))
	ch <- prometheus.MustNewConstMetric(col.evictions, prometheus.CounterValue, float64(m.Evictions))
	ch <- prometheus.MustNewConstMetric(col.bytesFetched, prometheus.CounterValue, float64(m.BytesFetched))
	ch <- prometheus.MustNewConstMetric(col.fetchSeconds, prometheus.CounterValue, m.FetchDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(col.regionsFree, prometheus.GaugeValue, float64(m.RegionsFree))
}
