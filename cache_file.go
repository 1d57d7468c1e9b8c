// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/snapcache/snapcache/internal/sparsefile"
)

// Range is a half-open byte range [Start, End) in a cached object.
type Range = sparsefile.Range

// ErrCacheFileClosed is returned when a listener is acquired on, or a read
// is started against, a cache file whose eviction has begun. The caller
// recovers by re-resolving the logical object fresh.
var ErrCacheFileClosed = errors.New("snapcache: cache file is closed")

// EvictionListener represents one active reader of a CacheFile. Registering
// a listener holds a reference that keeps the physical channel open;
// OnEviction tells the reader that the file is going away so it can stop
// using it and release.
type EvictionListener interface {
	OnEviction(f *CacheFile)
}

// ReadFn reads exactly [start, end) of the cached object from the channel
// and returns the byte count. Returning a short count without an error is a
// fatal invariant violation: the tracker guaranteed those bytes present.
type ReadFn func(ch Channel, start, end int64) (int, error)

// WriteFn fetches [start, end) of the object from the remote source and
// writes it through the channel at the same logical offsets. It must call
// progress with the absolute offset up to which bytes are durably written,
// so waiters for a prefix can be served before the whole gap is done. An
// error means none of the unreported bytes may be trusted.
type WriteFn func(ctx context.Context, ch Channel, start, end int64, progress func(upTo int64)) error

// Executor runs gap-fill work in the background. Execute must eventually run
// the function it is given; the blocking fetch and disk write never run on
// the goroutine that requested the read.
type Executor interface {
	Execute(fn func())
}

// CacheFile caches one logical remote object. It owns the object's physical
// backing, tracks which byte ranges have been populated, coalesces
// concurrent population of overlapping ranges, and defers physical teardown
// until the last reference is gone.
type CacheFile struct {
	length  int64
	backing Backing
	tracker *sparsefile.Tracker
	logger  Logger

	// mu guards listener registration and channel lifetime; population state
	// is guarded separately inside the tracker, and user callbacks run under
	// neither lock.
	mu struct {
		sync.Mutex
		listeners map[EvictionListener]struct{}
		// refs counts listeners plus in-flight populate/read operations. The
		// channel is open iff refs > 0.
		refs    int
		channel Channel
		evicted bool
		freed   bool
	}
}

// NewCacheFile returns a CacheFile of the given logical length over the
// given physical backing. logger may be nil.
func NewCacheFile(length int64, backing Backing, logger Logger) *CacheFile {
	if logger == nil {
		logger = DefaultLogger{}
	}
	f := &CacheFile{
		length:  length,
		backing: backing,
		tracker: sparsefile.NewTracker(length),
		logger:  logger,
	}
	f.mu.listeners = make(map[EvictionListener]struct{})
	return f
}

// Length returns the logical object size.
func (f *CacheFile) Length() int64 { return f.length }

// AbsentRangesWithin reports the sub-ranges of r not yet present or pending.
// Callers use it to size write-ahead fetches.
func (f *CacheFile) AbsentRangesWithin(r Range) []Range {
	return f.tracker.AbsentRangesWithin(r)
}

// Acquire registers a listener, lazily opening the physical channel for the
// first one. It fails with ErrCacheFileClosed once eviction has begun.
// Registering the same listener twice is a programming error.
func (f *CacheFile) Acquire(l EvictionListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.evicted {
		return ErrCacheFileClosed
	}
	if _, ok := f.mu.listeners[l]; ok {
		panic(errors.AssertionFailedf("listener acquired twice"))
	}
	if f.mu.channel == nil {
		ch, err := f.backing.Open()
		if err != nil {
			return err
		}
		f.mu.channel = ch
	}
	f.mu.listeners[l] = struct{}{}
	f.mu.refs++
	return nil
}

// Release removes a listener, closing the channel once no references
// remain. Releasing a listener that was never acquired is a programming
// error.
func (f *CacheFile) Release(l EvictionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mu.listeners[l]; !ok {
		panic(errors.AssertionFailedf("release of unacquired listener"))
	}
	delete(f.mu.listeners, l)
	f.unrefLocked()
}

// StartEviction begins tearing the file down. Only the first call acts:
// current listeners are notified, new acquisitions fail, and the physical
// backing is freed as soon as the last reference is released, which may be
// before this call returns if the file is idle. Deleting storage under an
// active reader is never permitted.
func (f *CacheFile) StartEviction() {
	f.mu.Lock()
	if f.mu.evicted {
		f.mu.Unlock()
		return
	}
	f.mu.evicted = true
	listeners := make([]EvictionListener, 0, len(f.mu.listeners))
	for l := range f.mu.listeners {
		listeners = append(listeners, l)
	}
	f.maybeTeardownLocked()
	f.mu.Unlock()

	for _, l := range listeners {
		l.OnEviction(f)
	}
}

// refOp takes a reference for an in-flight operation and returns the open
// channel. Operations require an acquired listener; calling without one is a
// programming error.
func (f *CacheFile) refOp() (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.evicted {
		return nil, ErrCacheFileClosed
	}
	if f.mu.channel == nil {
		panic(errors.AssertionFailedf("read on cache file without an acquired listener"))
	}
	f.mu.refs++
	return f.mu.channel, nil
}

// refOpHeld takes an additional reference on behalf of an operation that
// already holds one. Unlike refOp it cannot fail: in-flight work proceeds
// even after eviction starts.
func (f *CacheFile) refOpHeld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mu.refs <= 0 {
		panic(errors.AssertionFailedf("refOpHeld without a held reference"))
	}
	f.mu.refs++
}

func (f *CacheFile) unrefOp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unrefLocked()
}

func (f *CacheFile) unrefLocked() {
	f.mu.refs--
	if f.mu.refs < 0 {
		panic(errors.AssertionFailedf("cache file reference count went negative"))
	}
	f.maybeTeardownLocked()
}

func (f *CacheFile) maybeTeardownLocked() {
	if f.mu.refs > 0 {
		return
	}
	if f.mu.channel != nil {
		if err := f.mu.channel.Close(); err != nil {
			f.logger.Errorf("snapcache: closing cache file channel: %v", err)
		}
		f.mu.channel = nil
	}
	if f.mu.evicted && !f.mu.freed {
		f.mu.freed = true
		if err := f.backing.Free(); err != nil {
			f.logger.Errorf("snapcache: freeing cache file backing: %v", err)
		}
	}
}

// PopulateAndRead makes [read.Start, read.End) available and reads it.
//
// Gap discovery and waiter coalescing are delegated to the tracker: absent
// parts of the wider write range become gaps that are filled through writer
// on the executor, in ascending offset order; bytes another caller is
// already filling are waited on, never fetched twice. Once read is fully
// present, reader runs synchronously on whichever goroutine satisfied the
// wait — the calling one if the data was already there, the executor's
// otherwise.
//
// Cancelling ctx abandons the wait only. Gap fills already handed to the
// executor are not interrupted, since concurrent waiters may need the same
// bytes; the fills land in the cache but reader is not invoked, so the
// caller's buffer is never touched after PopulateAndRead returns.
func (f *CacheFile) PopulateAndRead(
	ctx context.Context, write, read Range, reader ReadFn, writer WriteFn, executor Executor,
) (int, error) {
	ch, err := f.refOp()
	if err != nil {
		return 0, err
	}
	// A second reference for the fill task, taken before gap discovery so
	// that eviction cannot close the channel between creating gaps and
	// filling them. Released immediately if there turn out to be no gaps.
	f.refOpHeld()

	res := newResultCell()
	gaps := f.tracker.WaitForRange(write, read, func(waitErr error) {
		defer f.unrefOp()
		if waitErr != nil {
			res.fill(func() (int, error) { return 0, waitErr })
			return
		}
		res.fill(func() (int, error) { return f.readFully(ch, read, reader) })
	})

	if len(gaps) == 0 {
		f.unrefOp()
	} else {
		executor.Execute(func() {
			defer f.unrefOp()
			f.fillGaps(ch, gaps, writer)
		})
	}
	return res.wait(ctx)
}

// ReadIfAvailableOrPending reads [read.Start, read.End) if every byte is
// already present or being filled, waiting for in-flight fills as needed. It
// never creates new fetch work: if any byte is absent (or the file is
// evicted) it returns ok=false and the caller should fall back to a direct
// read of the remote source.
func (f *CacheFile) ReadIfAvailableOrPending(
	ctx context.Context, read Range, reader ReadFn,
) (n int, ok bool, _ error) {
	ch, err := f.refOp()
	if err != nil {
		if errors.Is(err, ErrCacheFileClosed) {
			return 0, false, nil
		}
		return 0, false, err
	}

	res := newResultCell()
	registered := f.tracker.WaitForRangeIfPending(read, func(waitErr error) {
		defer f.unrefOp()
		if waitErr != nil {
			res.fill(func() (int, error) { return 0, waitErr })
			return
		}
		res.fill(func() (int, error) { return f.readFully(ch, read, reader) })
	})
	if !registered {
		f.unrefOp()
		return 0, false, nil
	}
	n, err = res.wait(ctx)
	return n, true, err
}

func (f *CacheFile) readFully(ch Channel, read Range, reader ReadFn) (int, error) {
	n, err := reader(ch, read.Start, read.End)
	if err == nil && int64(n) != read.Len() {
		panic(errors.AssertionFailedf(
			"reader returned %d bytes for present range %s", n, read))
	}
	return n, err
}

// fillGaps runs on the executor, filling the populate call's gaps in
// ascending order. A failed fetch fails that gap and every remaining
// unfilled gap of the call, so no waiter is left pending forever; the
// tracker reverts them to absent for a later retry.
func (f *CacheFile) fillGaps(ch Channel, gaps []*sparsefile.Gap, writer WriteFn) {
	var failed error
	for _, g := range gaps {
		if failed != nil {
			g.OnFailure(failed)
			continue
		}
		if err := writer(context.Background(), ch, g.Start(), g.End(), g.OnProgress); err != nil {
			failed = err
			g.OnFailure(err)
			continue
		}
		g.OnCompletion()
	}
}

// resultCell is a single-assignment result holder: the Go rendition of the
// future the populate path completes, either synchronously from the caller's
// goroutine or later from an executor's. An abandoned cell refuses to run
// the producing function at all: once the waiter has returned, the caller's
// buffer must never be touched again.
type resultCell struct {
	mu        sync.Mutex
	done      bool
	abandoned bool
	n         int
	err       error
	ch        chan struct{}
}

func newResultCell() *resultCell {
	return &resultCell{ch: make(chan struct{})}
}

// fill runs fn and records its result, unless the waiter has already
// abandoned the cell. fn runs under the cell's lock, so an abandoning waiter
// cannot return while fn is mid-write.
func (r *resultCell) fill(fn func() (int, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.abandoned {
		return
	}
	r.n, r.err = fn()
	r.done = true
	close(r.ch)
}

func (r *resultCell) wait(ctx context.Context) (int, error) {
	select {
	case <-r.ch:
		return r.n, r.err
	case <-ctx.Done():
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		// The fill won the race against the cancellation.
		return r.n, r.err
	}
	r.abandoned = true
	return 0, ctx.Err()
}
