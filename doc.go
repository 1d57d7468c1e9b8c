// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package snapcache implements a shared on-disk cache for partial reads of
// remote snapshot-backed files.
//
// A Cache owns a single preallocated pool file divided into fixed-size
// regions. Each remote object a reader touches is mapped to a CacheFile that
// leases regions from the pool; byte ranges are fetched on demand from the
// object's remote source and written into the lease, so repeated reads of
// the same ranges are served from local disk.
//
// Each CacheFile tracks the presence of its bytes at byte granularity
// (absent, pending fetch, or present) and coalesces concurrent readers of
// overlapping ranges onto a single fetch. Waiters are notified as the fetch
// progresses, so a reader of a prefix is unblocked before the whole gap has
// landed.
//
// When the pool runs out of free regions, shard-local LRUs evict whole cache
// files. Eviction is graceful: in-flight reads complete on the evicted
// file's channel, and the lease returns to the pool only after the last
// reader releases it.
package snapcache
