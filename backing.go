// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/snapcache/snapcache/sharedbytes"
)

// Channel is the positional I/O surface a CacheFile reads and writes
// through. Offsets are logical file offsets; the backing maps them to
// physical storage.
type Channel interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Backing is the physical storage behind one CacheFile.
//
// Open is called when the file's first listener registers and the returned
// channel is closed when the last reference goes away. Free is called at
// most once, after eviction, strictly after the last reference has been
// released.
type Backing interface {
	Open() (Channel, error)
	Free() error
}

// NewFileBacking returns a Backing that stores the cached object in a
// dedicated file at path, created on first open and deleted on Free.
func NewFileBacking(fs vfs.FS, path string) Backing {
	return &fileBacking{fs: fs, path: path}
}

type fileBacking struct {
	fs   vfs.FS
	path string
}

func (b *fileBacking) Open() (Channel, error) {
	return b.fs.OpenReadWrite(b.path, vfs.WriteCategoryUnspecified)
}

func (b *fileBacking) Free() error {
	return b.fs.Remove(b.path)
}

// NewRegionBacking returns a Backing that stores the cached object in the
// given leased regions of a shared byte pool. Logical offsets map to region
// offsets chunk by chunk: logical [i*regionSize, (i+1)*regionSize) lives in
// regions[i]. Free returns the lease to the pool.
func NewRegionBacking(pool *sharedbytes.Pool, regions []int32) Backing {
	return &regionBacking{pool: pool, regions: regions}
}

type regionBacking struct {
	pool    *sharedbytes.Pool
	regions []int32
}

func (b *regionBacking) Open() (Channel, error) {
	handles := make([]*sharedbytes.IO, len(b.regions))
	for i, r := range b.regions {
		h, err := b.pool.GetIOHandle(r)
		if err != nil {
			for _, opened := range handles[:i] {
				_ = opened.Unref()
			}
			return nil, err
		}
		handles[i] = h
	}
	return &regionChannel{pool: b.pool, handles: handles}, nil
}

func (b *regionBacking) Free() error {
	b.pool.Free(b.regions)
	return nil
}

// regionChannel splits logical I/O at region-size boundaries so that each
// piece goes through the handle for exactly one region. The per-region
// bounds checks in sharedbytes.IO then guarantee no cross-region
// interference.
type regionChannel struct {
	pool    *sharedbytes.Pool
	handles []*sharedbytes.IO
}

func (ch *regionChannel) ReadAt(p []byte, off int64) (int, error) {
	return ch.each(p, off, func(h *sharedbytes.IO, p []byte, pos int64) (int, error) {
		return h.ReadAt(p, pos)
	})
}

func (ch *regionChannel) WriteAt(p []byte, off int64) (int, error) {
	return ch.each(p, off, func(h *sharedbytes.IO, p []byte, pos int64) (int, error) {
		return h.WriteAt(p, pos)
	})
}

func (ch *regionChannel) each(
	p []byte, off int64, op func(h *sharedbytes.IO, p []byte, pos int64) (int, error),
) (n int, _ error) {
	regionSize := ch.pool.RegionSize()
	for n < len(p) {
		logical := off + int64(n)
		idx := logical / regionSize
		if idx >= int64(len(ch.handles)) {
			panic(errors.AssertionFailedf(
				"logical offset %d beyond backing of %d regions", logical, len(ch.handles)))
		}
		within := logical % regionSize
		m := len(p) - n
		if max := regionSize - within; int64(m) > max {
			m = int(max)
		}
		h := ch.handles[idx]
		pos := ch.pool.RegionOffset(h.Region()) + within
		numOp, err := op(h, p[n:n+m], pos)
		n += numOp
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (ch *regionChannel) Close() error {
	var retErr error
	for _, h := range ch.handles {
		retErr = errors.CombineErrors(retErr, h.Unref())
	}
	return retErr
}
