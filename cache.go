// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/snapcache/snapcache/remote"
	"github.com/snapcache/snapcache/sharedbytes"
)

// sharedFileName is the name of the pool's backing file inside Options.Dir.
const sharedFileName = "SHARED-BYTES"

// fetchBufferSize is the unit in which gap fills stream from the remote
// source to disk; each buffer flushed advances the gap's progress cursor so
// waiters for a prefix can be served early.
const fetchBufferSize = 64 << 10

var errPoolExhausted = errors.New("snapcache: no cache regions available")

// Cache serves partial reads of remote objects from a shared on-disk pool,
// fetching only the byte ranges readers actually touch. Objects are mapped
// to cache files holding leased pool regions; an LRU per shard reclaims
// files when the pool runs dry.
type Cache struct {
	opts   Options
	pool   *sharedbytes.Pool
	worker *FetchWorkers
	am     alignMath
	shards []cacheShard

	hits         atomic.Int64
	misses       atomic.Int64
	fallbacks    atomic.Int64
	evictions    atomic.Int64
	bytesFetched atomic.Int64
	fetchCount   atomic.Int64
	fetchNanos   atomic.Int64
}

type cacheShard struct {
	c *Cache
	// mu makes lookup-create-acquire atomic with respect to LRU eviction.
	mu    sync.Mutex
	files *lru.Cache[string, *CacheFile]
}

// Open opens a Cache in opts.Dir, creating or re-creating the shared pool
// file. Presence state is in-memory only, so a reopened cache always starts
// cold.
func Open(opts Options) (*Cache, error) {
	opts.EnsureDefaults()
	if opts.WriteAheadSize&(opts.WriteAheadSize-1) != 0 {
		return nil, errors.Errorf("write-ahead size %d is not a power of 2", opts.WriteAheadSize)
	}
	if opts.CacheBytes%opts.RegionSize != 0 {
		return nil, errors.Errorf(
			"cache size %d is not a multiple of region size %d", opts.CacheBytes, opts.RegionSize)
	}

	pool, err := sharedbytes.Open(
		opts.FS, opts.FS.PathJoin(opts.Dir, sharedFileName), opts.RegionSize, opts.CacheBytes)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		opts: opts,
		pool: pool,
		am:   makeAlignMath(opts.WriteAheadSize),
	}
	filesPerShard := pool.NumRegions()/opts.NumShards + 1
	c.shards = make([]cacheShard, opts.NumShards)
	for i := range c.shards {
		s := &c.shards[i]
		s.c = c
		s.files, err = lru.NewWithEvict(filesPerShard, func(_ string, f *CacheFile) {
			c.evictions.Add(1)
			f.StartEviction()
		})
		if err != nil {
			return nil, err
		}
	}
	c.worker = NewFetchWorkers(opts.FetchWorkers)
	return c, nil
}

// Close evicts all cache files and deletes the pool's backing file. Reads
// must not be in flight: teardown with an active reader is a programming
// error, surfaced by the pool's outstanding-handle assertion.
func (c *Cache) Close() error {
	c.worker.Stop()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.files.Purge()
		s.mu.Unlock()
	}
	return c.pool.Close()
}

func (c *Cache) shard(objName string) *cacheShard {
	return &c.shards[xxhash.Sum64String(objName)%uint64(len(c.shards))]
}

// readLease is the per-read eviction listener. Reads are short-lived, so
// eviction notification needs no action: the read finishes on the still-open
// channel and the release that follows lets teardown proceed.
type readLease struct{}

func (*readLease) OnEviction(*CacheFile) {}

// ReadAt reads len(p) bytes of the named object at offset off, fetching
// missing ranges from objReader and caching them. Reads past objSize are
// truncated and return io.EOF. When the object cannot be cached — pool
// exhausted even after eviction, or its cache file evicted mid-read — the
// read is served directly from objReader instead of failing.
func (c *Cache) ReadAt(
	ctx context.Context,
	objName string,
	objSize int64,
	p []byte,
	off int64,
	objReader remote.ObjectReader,
) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= objSize {
		return 0, io.EOF
	}
	var eofErr error
	if off+int64(len(p)) > objSize {
		p = p[:objSize-off]
		eofErr = io.EOF
	}
	read := Range{Start: off, End: off + int64(len(p))}

	lease := &readLease{}
	f, err := c.getFile(objName, objSize, lease)
	if err != nil {
		if !errors.Is(err, errPoolExhausted) {
			return 0, err
		}
		n, err := c.readDirect(ctx, p, off, objReader)
		if err != nil {
			return n, err
		}
		return n, eofErr
	}
	defer f.Release(lease)

	write := Range{
		Start: c.am.roundDown(read.Start),
		End:   min(c.am.roundUp(read.End), objSize),
	}
	if len(f.AbsentRangesWithin(write)) == 0 {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}

	reader := func(ch Channel, start, end int64) (int, error) {
		return ch.ReadAt(p[:end-start], start)
	}
	n, err := f.PopulateAndRead(ctx, write, read, reader, c.fetchWriter(objReader), c.worker)
	if err != nil {
		if !errors.Is(err, ErrCacheFileClosed) {
			return n, err
		}
		// Evicted between lookup and read; serve the caller anyway.
		n, err = c.readDirect(ctx, p, off, objReader)
		if err != nil {
			return n, err
		}
	}
	return n, eofErr
}

func (c *Cache) readDirect(
	ctx context.Context, p []byte, off int64, objReader remote.ObjectReader,
) (int, error) {
	c.fallbacks.Add(1)
	if err := objReader.ReadAt(ctx, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// getFile returns the object's cache file with lease registered, creating
// the file (and leasing pool regions for it) on first access. On pool
// exhaustion the shard evicts least-recently-used files until the lease
// fits; if the shard empties first, errPoolExhausted is returned and the
// caller falls back to a direct read.
func (c *Cache) getFile(objName string, objSize int64, lease EvictionListener) (*CacheFile, error) {
	s := c.shard(objName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files.Get(objName); ok {
		err := f.Acquire(lease)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrCacheFileClosed) {
			return nil, err
		}
		// Eviction began elsewhere but the entry is still mapped; drop it
		// and build a fresh file below.
		s.files.Remove(objName)
	}

	numRegions := int((objSize + c.opts.RegionSize - 1) / c.opts.RegionSize)
	if numRegions == 0 {
		numRegions = 1
	}
	regions, ok := c.pool.Allocate(numRegions)
	for !ok && s.files.Len() > 0 {
		// Evicting an idle file returns its regions synchronously; a file
		// with readers frees them when the last one releases, in which case
		// the loop keeps evicting.
		s.files.RemoveOldest()
		regions, ok = c.pool.Allocate(numRegions)
	}
	if !ok {
		return nil, errPoolExhausted
	}

	f := NewCacheFile(objSize, NewRegionBacking(c.pool, regions), c.opts.Logger)
	if err := f.Acquire(lease); err != nil {
		// The file has no references, so eviction frees the lease back to
		// the pool synchronously.
		f.StartEviction()
		return nil, err
	}
	s.files.Add(objName, f)
	return f, nil
}

// fetchWriter adapts an ObjectReader into the WriteFn the cache file fills
// gaps with: stream the gap from the remote source through a fixed buffer,
// flushing each piece to the cache channel and advancing the progress
// cursor.
func (c *Cache) fetchWriter(objReader remote.ObjectReader) WriteFn {
	return func(ctx context.Context, ch Channel, start, end int64, progress func(upTo int64)) error {
		fetchStart := crtime.NowMono()
		buf := make([]byte, min(fetchBufferSize, end-start))
		for pos := start; pos < end; {
			m := min(int64(len(buf)), end-pos)
			if err := objReader.ReadAt(ctx, buf[:m], pos); err != nil {
				return err
			}
			if _, err := ch.WriteAt(buf[:m], pos); err != nil {
				return err
			}
			pos += m
			c.bytesFetched.Add(m)
			progress(pos)
		}
		c.fetchCount.Add(1)
		c.fetchNanos.Add(int64(fetchStart.Elapsed()))
		return nil
	}
}
