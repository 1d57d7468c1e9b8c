// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/olekukonko/tablewriter"
	"github.com/snapcache/snapcache"
	"github.com/snapcache/snapcache/remote"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var benchConfig struct {
	cacheDir    string
	cacheSize   int64
	regionSize  int64
	concurrency int
	duration    time.Duration
	readSize    int
	throttle    int64
}

var benchCmd = &cobra.Command{
	Use:   "bench <source-dir>",
	Short: "benchmark random reads through the cache",
	Long: `
Benchmark random reads of the objects in <source-dir>, served through a
cache in --cache-dir. Each worker picks a random object and offset per
read, so the first pass is fetch-heavy and later passes measure hits.
`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringVar(
		&benchConfig.cacheDir, "cache-dir", "", "cache directory (default: a temp dir)")
	benchCmd.Flags().Int64Var(
		&benchConfig.cacheSize, "cache-size", 1<<30, "total cache size in bytes")
	benchCmd.Flags().Int64Var(
		&benchConfig.regionSize, "region-size", snapcache.DefaultRegionSize, "pool region size in bytes")
	benchCmd.Flags().IntVarP(
		&benchConfig.concurrency, "concurrency", "c", 16, "number of concurrent readers")
	benchCmd.Flags().DurationVarP(
		&benchConfig.duration, "duration", "d", 10*time.Second, "the duration to run")
	benchCmd.Flags().IntVar(
		&benchConfig.readSize, "read-size", 32<<10, "bytes per read")
	benchCmd.Flags().Int64Var(
		&benchConfig.throttle, "throttle", 0, "fetch bandwidth limit in bytes/sec (0, unlimited)")
}

type benchObject struct {
	name   string
	size   int64
	reader remote.ObjectReader
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sourceDir := args[0]

	cacheDir := benchConfig.cacheDir
	if cacheDir == "" {
		var err error
		if cacheDir, err = os.MkdirTemp("", "snapcache-bench"); err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(cacheDir) }()
	}

	c, err := snapcache.Open(snapcache.Options{
		Dir:        cacheDir,
		CacheBytes: benchConfig.cacheSize,
		RegionSize: benchConfig.regionSize,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	storage := remote.NewLocalFS(sourceDir, vfs.Default)
	defer func() { _ = storage.Close() }()

	names, err := vfs.Default.List(sourceDir)
	if err != nil {
		return err
	}
	var objects []benchObject
	for _, name := range names {
		reader, size, err := storage.ReadObject(ctx, name)
		if err != nil {
			continue
		}
		if size == 0 {
			_ = reader.Close()
			continue
		}
		if benchConfig.throttle > 0 {
			reader = remote.Throttle(reader, benchConfig.throttle, benchConfig.throttle)
		}
		objects = append(objects, benchObject{name: name, size: size, reader: reader})
	}
	if len(objects) == 0 {
		return fmt.Errorf("no readable objects in %q", sourceDir)
	}
	defer func() {
		for i := range objects {
			_ = objects[i].reader.Close()
		}
	}()

	var mu sync.Mutex
	hist := hdrhistogram.New(1, time.Minute.Nanoseconds(), 3)

	runCtx, cancel := context.WithTimeout(ctx, benchConfig.duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < benchConfig.concurrency; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g.Go(func() error {
			buf := make([]byte, benchConfig.readSize)
			for runCtx.Err() == nil {
				obj := objects[rng.Intn(len(objects))]
				off := rng.Int63n(obj.size)
				readStart := time.Now()
				// Reads near the end of an object are truncated and return
				// io.EOF; that is expected with random offsets.
				if _, err := c.ReadAt(ctx, obj.name, obj.size, buf, off, obj.reader); err != nil && err != io.EOF {
					return err
				}
				mu.Lock()
				_ = hist.RecordValue(time.Since(readStart).Nanoseconds())
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	printBenchResults(hist, c.Metrics(), elapsed)
	return nil
}

func printBenchResults(hist *hdrhistogram.Histogram, m snapcache.Metrics, elapsed time.Duration) {
	ms := func(nanos int64) string {
		return fmt.Sprintf("%.2f", time.Duration(nanos).Seconds()*1000)
	}

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{
		"reads", "reads/sec", "p50(ms)", "p95(ms)", "p99(ms)", "max(ms)"})
	tbl.Append([]string{
		fmt.Sprintf("%d", hist.TotalCount()),
		fmt.Sprintf("%.0f", float64(hist.TotalCount())/elapsed.Seconds()),
		ms(hist.ValueAtQuantile(50)),
		ms(hist.ValueAtQuantile(95)),
		ms(hist.ValueAtQuantile(99)),
		ms(hist.Max()),
	})
	tbl.Render()

	tbl = tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{
		"hits", "misses", "fallbacks", "evictions", "fetched(MB)", "fetch(ms/op)"})
	perFetch := "-"
	if m.FetchCount > 0 {
		perFetch = ms(int64(m.FetchDuration) / m.FetchCount)
	}
	tbl.Append([]string{
		fmt.Sprintf("%d", m.Hits),
		fmt.Sprintf("%d", m.Misses),
		fmt.Sprintf("%d", m.Fallbacks),
		fmt.Sprintf("%d", m.Evictions),
		fmt.Sprintf("%.1f", float64(m.BytesFetched)/(1<<20)),
		perFetch,
	})
	tbl.Render()
}
