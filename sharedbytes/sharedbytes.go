// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package sharedbytes multiplexes one large preallocated file into
// fixed-size regions. Cache files lease regions from the pool and perform
// their I/O through reference-counted, region-scoped handles; the single
// physical channel is opened lazily when the first handle is created and
// closed again once the pool is idle.
package sharedbytes

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/cockroachdb/swiss"
)

// Pool is the process-wide shared byte pool. It is created once at startup,
// sized from configuration, and torn down at shutdown, deleting its backing
// file. Presence metadata lives elsewhere; restarts always start cold.
type Pool struct {
	fs         vfs.FS
	path       string
	regionSize int64
	numRegions int32

	mu struct {
		// The mutex provides the create-if-absent-else-retain semantics for
		// region handles: opening or reusing a handle can never double-create
		// a channel reference.
		sync.Mutex
		// file is non-nil while at least one region handle is outstanding.
		file vfs.File
		// handles maps a region index to its live I/O handle, if any.
		handles swiss.Map[int32, *IO]
		// outstanding counts live handles; the pool cannot be closed while
		// it is non-zero.
		outstanding int
		free        []int32
		closed      bool
	}
}

// Open creates (or re-creates) the pool's backing file at path, preallocated
// to capacity bytes and partitioned into regionSize regions. Newly-extended
// portions read as zeroes. A capacity of zero disables the pool: any stale
// backing file from a previous configuration is removed and every Allocate
// call fails.
func Open(fs vfs.FS, path string, regionSize, capacity int64) (*Pool, error) {
	if capacity == 0 {
		if err := fs.Remove(path); err != nil && !oserror.IsNotExist(err) {
			return nil, err
		}
		p := &Pool{fs: fs, path: path, regionSize: regionSize}
		p.mu.handles.Init(16)
		return p, nil
	}
	if regionSize <= 0 || capacity%regionSize != 0 {
		return nil, errors.Errorf(
			"pool capacity %d is not a multiple of region size %d", capacity, regionSize)
	}

	f, err := fs.OpenReadWrite(path, vfs.WriteCategoryUnspecified)
	if err != nil {
		return nil, err
	}
	if err := f.Preallocate(0, capacity); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	p := &Pool{
		fs:         fs,
		path:       path,
		regionSize: regionSize,
		numRegions: int32(capacity / regionSize),
	}
	p.mu.handles.Init(16)
	p.mu.free = make([]int32, p.numRegions)
	for i := range p.mu.free {
		p.mu.free[i] = int32(i)
	}
	return p, nil
}

// RegionSize returns the fixed size of one region.
func (p *Pool) RegionSize() int64 { return p.regionSize }

// NumRegions returns the total region count.
func (p *Pool) NumRegions() int { return int(p.numRegions) }

// Available returns the number of unleased regions.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mu.free)
}

// RegionOffset returns the physical byte offset at which the given region
// starts within the backing file.
func (p *Pool) RegionOffset(region int32) int64 {
	p.checkRegion(region)
	return int64(region) * p.regionSize
}

func (p *Pool) checkRegion(region int32) {
	if region < 0 || region >= p.numRegions {
		panic(errors.AssertionFailedf("region %d outside pool of %d regions", region, p.numRegions))
	}
}

// Allocate leases n regions from the free list. It returns false when the
// pool cannot satisfy the request; the caller is expected to evict and retry
// or fall back to an uncached read.
func (p *Pool) Allocate(n int) ([]int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		panic(errors.AssertionFailedf("allocation of %d regions", n))
	}
	if len(p.mu.free) < n {
		return nil, false
	}
	regions := make([]int32, n)
	copy(regions, p.mu.free[len(p.mu.free)-n:])
	p.mu.free = p.mu.free[:len(p.mu.free)-n]
	return regions, true
}

// Free returns leased regions to the free list. Freeing a region that still
// has a live I/O handle is a programming error.
func (p *Pool) Free(regions []int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range regions {
		p.checkRegion(r)
		if _, ok := p.mu.handles.Get(r); ok {
			panic(errors.AssertionFailedf("freeing region %d with a live I/O handle", r))
		}
		p.mu.free = append(p.mu.free, r)
	}
}

// GetIOHandle returns an I/O handle scoped to the given region. If a handle
// for the region is already live its reference count is incremented;
// otherwise a new handle is created, opening the physical channel if the pool
// was idle. The caller must Unref the handle when done.
func (p *Pool) GetIOHandle(region int32) (*IO, error) {
	p.checkRegion(region)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mu.closed {
		panic(errors.AssertionFailedf("GetIOHandle on closed pool"))
	}
	if h, ok := p.mu.handles.Get(region); ok {
		h.refs++
		return h, nil
	}
	if p.mu.file == nil {
		f, err := p.fs.OpenReadWrite(p.path, vfs.WriteCategoryUnspecified)
		if err != nil {
			return nil, err
		}
		p.mu.file = f
	}
	h := &IO{
		pool:   p,
		region: region,
		start:  int64(region) * p.regionSize,
		file:   p.mu.file,
		refs:   1,
	}
	p.mu.handles.Put(region, h)
	p.mu.outstanding++
	return h, nil
}

// Close tears the pool down and deletes the backing file. All region handles
// must have been released; an outstanding handle is a programming error,
// since deleting the file under an active reader is never permitted.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.mu.closed {
		p.mu.Unlock()
		return nil
	}
	if p.mu.outstanding != 0 {
		p.mu.Unlock()
		panic(errors.AssertionFailedf("closing pool with %d outstanding region handles", p.mu.outstanding))
	}
	p.mu.closed = true
	p.mu.Unlock()

	if err := p.fs.Remove(p.path); err != nil && !oserror.IsNotExist(err) {
		return err
	}
	return nil
}

// IO is a reference-counted I/O handle bound to one region. Reads and writes
// take absolute physical positions and must fall entirely within the
// region's [start, start+regionSize); a violation indicates a bug upstream
// and is a fatal assertion, never a user-facing failure. I/O is positional,
// so handles for different regions never interfere.
type IO struct {
	pool   *Pool
	region int32
	start  int64
	file   vfs.File
	// refs is guarded by pool.mu.
	refs int
}

// Region returns the region index the handle is bound to.
func (h *IO) Region() int32 { return h.region }

// Ref acquires an additional reference.
func (h *IO) Ref() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if h.refs <= 0 {
		panic(errors.AssertionFailedf("Ref on released region %d handle", h.region))
	}
	h.refs++
}

// Unref releases a reference. When the count reaches zero the handle is
// removed from the pool's map and, if the pool is now idle, the physical
// channel is closed.
func (h *IO) Unref() error {
	p := h.pool
	p.mu.Lock()
	h.refs--
	if h.refs < 0 {
		p.mu.Unlock()
		panic(errors.AssertionFailedf("Unref of released region %d handle", h.region))
	}
	if h.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	p.mu.handles.Delete(h.region)
	p.mu.outstanding--
	var f vfs.File
	if p.mu.outstanding == 0 {
		f = p.mu.file
		p.mu.file = nil
	}
	p.mu.Unlock()

	if f != nil {
		return f.Close()
	}
	return nil
}

func (h *IO) checkBounds(pos int64, n int) {
	if pos < h.start || pos+int64(n) > h.start+h.pool.regionSize {
		panic(errors.AssertionFailedf(
			"I/O of %d bytes at %d escapes region %d [%d,%d)",
			n, pos, h.region, h.start, h.start+h.pool.regionSize))
	}
}

// ReadAt reads len(p) bytes at the absolute physical position pos.
func (h *IO) ReadAt(p []byte, pos int64) (int, error) {
	h.checkBounds(pos, len(p))
	return h.file.ReadAt(p, pos)
}

// WriteAt writes len(p) bytes at the absolute physical position pos.
func (h *IO) WriteAt(p []byte, pos int64) (int, error) {
	h.checkBounds(pos, len(p))
	return h.file.WriteAt(p, pos)
}
