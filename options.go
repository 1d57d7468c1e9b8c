// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"math/bits"
	"runtime"

	"github.com/cockroachdb/pebble/v2/vfs"
)

// Default sizing. Region size trades internal fragmentation (every object
// holds at least one region) against pool map overhead; write-ahead size
// trades remote round-trips against wasted fetch bandwidth.
const (
	DefaultRegionSize     = 16 << 20
	DefaultWriteAheadSize = 128 << 10
)

// Options configures a Cache.
type Options struct {
	// FS is the filesystem holding the shared cache file.
	FS vfs.FS

	// Dir is the directory the shared cache file is created in.
	Dir string

	// Logger reports background fill and teardown failures. Such failures
	// never fail unrelated reads, so the log is their only surface.
	Logger Logger

	// CacheBytes is the total on-disk capacity. It must be a multiple of
	// RegionSize. Zero disables caching entirely: every read is served
	// directly from the remote source and any stale cache file is removed.
	CacheBytes int64

	// RegionSize is the fixed size of the physical regions objects are
	// assigned. An object of length L occupies ceil(L/RegionSize) regions
	// for its whole lifetime.
	RegionSize int64

	// WriteAheadSize aligns fetch ranges: a missing range is widened to
	// WriteAheadSize boundaries before fetching, so adjacent reads hit
	// instead of issuing many small remote requests. Must be a power of two.
	WriteAheadSize int64

	// NumShards splits the object map to reduce lock contention.
	NumShards int

	// FetchWorkers is the number of goroutines performing remote fetches
	// and cache writes.
	FetchWorkers int
}

// EnsureDefaults fills in unset fields.
func (o *Options) EnsureDefaults() *Options {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	if o.RegionSize == 0 {
		o.RegionSize = DefaultRegionSize
	}
	if o.WriteAheadSize == 0 {
		o.WriteAheadSize = DefaultWriteAheadSize
	}
	if o.NumShards == 0 {
		o.NumShards = 2 * runtime.GOMAXPROCS(0)
	}
	if o.FetchWorkers == 0 {
		o.FetchWorkers = 4 * o.NumShards
	}
	return o
}

// alignMath performs conversions between offsets and write-ahead-aligned
// boundaries using bit arithmetic; the alignment must be a power of two.
type alignMath struct {
	sizeBits int8
}

func makeAlignMath(size int64) alignMath {
	am := alignMath{sizeBits: int8(bits.Len64(uint64(size)) - 1)}
	if size != 1<<am.sizeBits {
		panic("alignment is not a power of 2")
	}
	return am
}

func (am alignMath) mask() int64 { return (1 << am.sizeBits) - 1 }

// roundDown rounds x down to the closest multiple of the alignment.
func (am alignMath) roundDown(x int64) int64 { return x &^ am.mask() }

// roundUp rounds x up to the closest multiple of the alignment.
func (am alignMath) roundUp(x int64) int64 { return (x + am.mask()) &^ am.mask() }
