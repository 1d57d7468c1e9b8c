// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snapcache/snapcache/remote"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testEnv is a cache over a local "remote" store, both on the same MemFS.
type testEnv struct {
	fs      vfs.FS
	cache   *Cache
	storage remote.Storage
	objects map[string][]byte
}

func newTestEnv(t *testing.T, opts Options, objectSizes map[string]int64) *testEnv {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("remote", 0755))
	require.NoError(t, fs.MkdirAll("cache", 0755))

	rng := rand.New(rand.NewSource(1))
	objects := make(map[string][]byte)
	for name, size := range objectSizes {
		data := make([]byte, size)
		rng.Read(data)
		objects[name] = data
		f, err := fs.Create(fs.PathJoin("remote", name), vfs.WriteCategoryUnspecified)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	opts.FS = fs
	opts.Dir = "cache"
	c, err := Open(opts)
	require.NoError(t, err)

	return &testEnv{
		fs:      fs,
		cache:   c,
		storage: remote.NewLocalFS("remote", fs),
		objects: objects,
	}
}

func (e *testEnv) close(t *testing.T) {
	require.NoError(t, e.cache.Close())
	require.NoError(t, e.storage.Close())
}

// read reads [off, off+length) of the named object through the cache and
// checks the bytes against the source of truth.
func (e *testEnv) read(t require.TestingT, name string, off, length int64) error {
	ctx := context.Background()
	reader, size, err := e.storage.ReadObject(ctx, name)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()
	require.Equal(t, int64(len(e.objects[name])), size)

	buf := make([]byte, length)
	n, err := e.cache.ReadAt(ctx, name, size, buf, off, reader)
	if err != nil && err != io.EOF {
		return err
	}
	want := e.objects[name][off:min(off+length, size)]
	require.Equal(t, len(want), n)
	require.Equal(t, want, buf[:n])
	if int64(n) < length {
		require.Equal(t, io.EOF, err)
	}
	return nil
}

func TestCacheReadAt(t *testing.T) {
	e := newTestEnv(t, Options{
		CacheBytes:     8 * 4096,
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	}, map[string]int64{"a": 10000, "b": 3000})
	defer e.close(t)

	require.NoError(t, e.read(t, "a", 100, 200))
	m := e.cache.Metrics()
	require.Equal(t, int64(1), m.Misses)
	require.Greater(t, m.BytesFetched, int64(0))

	// Same range again: served from cache, no new fetch.
	before := m.BytesFetched
	require.NoError(t, e.read(t, "a", 100, 200))
	m = e.cache.Metrics()
	require.Equal(t, int64(1), m.Hits)
	require.Equal(t, before, m.BytesFetched)

	// Reads crossing region boundaries and at the tail.
	require.NoError(t, e.read(t, "a", 4000, 1000))
	require.NoError(t, e.read(t, "a", 9990, 100)) // truncated, io.EOF
	require.NoError(t, e.read(t, "b", 0, 3000))

	// Past the end.
	reader, size, err := e.storage.ReadObject(context.Background(), "a")
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	n, err := e.cache.ReadAt(context.Background(), "a", size, make([]byte, 10), size, reader)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)

	// Empty read.
	n, err = e.cache.ReadAt(context.Background(), "a", size, nil, 0, reader)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCacheEvictionPressure(t *testing.T) {
	sizes := make(map[string]int64)
	for i := 0; i < 10; i++ {
		sizes[fmt.Sprintf("obj-%d", i)] = 8192 // two regions each
	}
	e := newTestEnv(t, Options{
		CacheBytes:     8 * 4096, // room for four objects
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	}, sizes)
	defer e.close(t)

	for round := 0; round < 3; round++ {
		for name := range sizes {
			require.NoError(t, e.read(t, name, 0, 8192))
		}
	}
	m := e.cache.Metrics()
	require.Greater(t, m.Evictions, int64(0))
	require.Equal(t, 8, m.RegionsTotal)
}

func TestCacheFallbackWhenPoolExhausted(t *testing.T) {
	e := newTestEnv(t, Options{
		CacheBytes:     4 * 4096,
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	}, map[string]int64{"huge": 40000}) // needs ten regions, pool has four
	defer e.close(t)

	require.NoError(t, e.read(t, "huge", 1000, 2000))
	m := e.cache.Metrics()
	require.Greater(t, m.Fallbacks, int64(0))
	require.Equal(t, int64(0), m.BytesFetched)
}

func TestCacheConcurrent(t *testing.T) {
	sizes := map[string]int64{
		"a": 50000,
		"b": 20000,
		"c": 70000,
	}
	e := newTestEnv(t, Options{
		CacheBytes:     64 * 4096,
		RegionSize:     4096,
		WriteAheadSize: 4096,
		NumShards:      4,
		FetchWorkers:   8,
	}, sizes)
	defer e.close(t)

	names := []string{"a", "b", "c"}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				name := names[rng.Intn(len(names))]
				size := sizes[name]
				off := rng.Int63n(size)
				length := 1 + rng.Int63n(8<<10)
				if err := e.read(t, name, off, length); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// flakyFS fails OpenReadWrite on demand, to exercise the path where the
// pool's lazy channel open fails underneath a fresh cache file.
type flakyFS struct {
	vfs.FS
	failOpens atomic.Bool
}

func (fs *flakyFS) OpenReadWrite(
	name string, category vfs.DiskWriteCategory, opts ...vfs.OpenOption,
) (vfs.File, error) {
	if fs.failOpens.Load() {
		return nil, errors.New("injected open failure")
	}
	return fs.FS.OpenReadWrite(name, category, opts...)
}

func TestCacheAcquireFailureReturnsRegions(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewMem()
	require.NoError(t, mem.MkdirAll("remote", 0755))
	require.NoError(t, mem.MkdirAll("cache", 0755))

	data := make([]byte, 10000)
	rand.New(rand.NewSource(1)).Read(data)
	obj, err := mem.Create("remote/a", vfs.WriteCategoryUnspecified)
	require.NoError(t, err)
	_, err = obj.Write(data)
	require.NoError(t, err)
	require.NoError(t, obj.Close())

	fs := &flakyFS{FS: mem}
	c, err := Open(Options{
		FS:             fs,
		Dir:            "cache",
		CacheBytes:     4 * 4096,
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()

	storage := remote.NewLocalFS("remote", mem)
	defer func() { require.NoError(t, storage.Close()) }()
	reader, size, err := storage.ReadObject(ctx, "a")
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()

	// The object's cache file leases three regions, then fails to open the
	// pool channel. The lease must return to the pool.
	fs.failOpens.Store(true)
	_, err = c.ReadAt(ctx, "a", size, make([]byte, 100), 0, reader)
	require.Error(t, err)
	require.Equal(t, 4, c.Metrics().RegionsFree)

	// Once opens succeed again the object is cacheable as usual.
	fs.failOpens.Store(false)
	buf := make([]byte, 100)
	n, err := c.ReadAt(ctx, "a", size, buf, 0, reader)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[:100], buf)
	require.Equal(t, 1, c.Metrics().RegionsFree)
}

func TestCacheDisabled(t *testing.T) {
	// CacheBytes of zero turns the cache into a pass-through.
	e := newTestEnv(t, Options{
		CacheBytes:     0,
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	}, map[string]int64{"a": 10000})
	defer e.close(t)

	require.NoError(t, e.read(t, "a", 100, 200))
	require.NoError(t, e.read(t, "a", 100, 200))
	m := e.cache.Metrics()
	require.Equal(t, int64(2), m.Fallbacks)
	require.Equal(t, int64(0), m.BytesFetched)
	require.Equal(t, 0, m.RegionsTotal)
}

func TestCacheOpenValidation(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("cache", 0755))
	_, err := Open(Options{
		FS: fs, Dir: "cache", CacheBytes: 4096, RegionSize: 4096, WriteAheadSize: 1000,
	})
	require.Error(t, err) // write-ahead size not a power of 2
	_, err = Open(Options{
		FS: fs, Dir: "cache", CacheBytes: 5000, RegionSize: 4096,
	})
	require.Error(t, err) // cache size not a multiple of region size
}

func TestCacheCollector(t *testing.T) {
	e := newTestEnv(t, Options{
		CacheBytes:     8 * 4096,
		RegionSize:     4096,
		WriteAheadSize: 1024,
		NumShards:      1,
	}, map[string]int64{"a": 10000})
	defer e.close(t)

	require.NoError(t, e.read(t, "a", 0, 5000))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(e.cache)))
	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, fam := range families {
		byName[fam.GetName()] = fam.GetMetric()[0].GetCounter().GetValue() +
			fam.GetMetric()[0].GetGauge().GetValue()
	}
	require.Equal(t, float64(1), byName["snapcache_misses_total"])
	require.Greater(t, byName["snapcache_fetched_bytes_total"], float64(0))
	require.Equal(t, float64(5), byName["snapcache_regions_free"])
}
