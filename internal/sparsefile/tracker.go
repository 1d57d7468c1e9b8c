// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package sparsefile tracks which byte ranges of a sparsely-populated file
// are present, in the process of being filled, or absent. It is a pure data
// structure: it performs no I/O of its own and instead coordinates the
// callers that do.
package sparsefile

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start, End int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 { return r.End - r.Start }

// Empty returns true if the range contains no bytes.
func (r Range) Empty() bool { return r.Start >= r.End }

// Contains returns true if o is entirely within r.
func (r Range) Contains(o Range) bool { return r.Start <= o.Start && o.End <= r.End }

// Overlaps returns true if r and o share at least one byte.
func (r Range) Overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Tracker records the population state of [0, length) for one logical file.
//
// Each byte is in one of three states: present (readable from the backing
// storage), pending (some caller has committed to filling it), or absent.
// Absent bytes are implicit: the tracker stores an ascending list of disjoint
// present and pending records and everything in between is absent.
//
// All mutations are serialized under a single mutex. Waiter callbacks are
// always invoked outside the lock, so a callback may safely re-enter the
// tracker.
type Tracker struct {
	length int64

	mu struct {
		sync.Mutex
		// ranges is sorted by start offset. Records never overlap. Adjacent
		// present records are merged when a gap completes.
		ranges []*fileRange
	}
}

// fileRange is one present or pending record.
type fileRange struct {
	start, end int64
	// pending is nil once the bytes are present. A failed gap is detached
	// from the tracker entirely, reverting its bytes to absent.
	pending *pendingState
}

type pendingState struct {
	// progress is the absolute offset up to which the gap's bytes have been
	// durably written. Monotonic, within [start, end].
	progress int64
	// detached is set when the gap fails and its record is removed from the
	// tracker. Late OnProgress calls on a detached gap are ignored.
	detached bool
	waiters  []waiter
}

// waiter is registered on a pending record by a caller that needs the bytes
// up to upTo (an absolute offset within the record). It is satisfied once
// progress reaches upTo, or failed if the gap fails first.
type waiter struct {
	upTo int64
	c    *completion
}

// completion aggregates the per-record requirements of one wait call. The
// callback fires exactly once: with nil once every requirement is satisfied,
// or with the gap's error as soon as any requirement fails. All fields are
// guarded by the tracker mutex; the callback itself runs outside it.
type completion struct {
	remaining int
	done      bool
	fn        func(error)
}

func (c *completion) satisfyOneLocked(notify *[]func()) {
	if c.done {
		return
	}
	c.remaining--
	if c.remaining == 0 {
		c.done = true
		fn := c.fn
		*notify = append(*notify, func() { fn(nil) })
	}
}

func (c *completion) failLocked(err error, notify *[]func()) {
	if c.done {
		return
	}
	c.done = true
	fn := c.fn
	*notify = append(*notify, func() { fn(err) })
}

// NewTracker returns a Tracker for a file of the given length. All bytes
// start out absent.
func NewTracker(length int64) *Tracker {
	if length < 0 {
		panic(errors.AssertionFailedf("negative file length %d", length))
	}
	return &Tracker{length: length}
}

// Length returns the total addressable size.
func (t *Tracker) Length() int64 { return t.length }

func (t *Tracker) checkRange(r Range) {
	if r.Start < 0 || r.Start > r.End || r.End > t.length {
		panic(errors.AssertionFailedf("range %s outside [0,%d)", r, t.length))
	}
}

// AbsentRangesWithin returns the sub-ranges of r that are neither present nor
// pending, in ascending order. Callers use it to decide how much extra
// write-ahead range to request from the remote source.
func (t *Tracker) AbsentRangesWithin(r Range) []Range {
	t.checkRange(r)
	t.mu.Lock()
	defer t.mu.Unlock()

	var absent []Range
	cursor := r.Start
	for _, fr := range t.mu.ranges {
		if fr.end <= cursor {
			continue
		}
		if fr.start >= r.End {
			break
		}
		if cursor < fr.start {
			absent = append(absent, Range{Start: cursor, End: min(fr.start, r.End)})
		}
		cursor = fr.end
	}
	if cursor < r.End {
		absent = append(absent, Range{Start: cursor, End: r.End})
	}
	return absent
}

// WaitForRange is the central coordination primitive.
//
// Every currently-absent sub-range of write becomes pending, and one Gap is
// returned per newly-created pending record, in ascending order. The caller
// must fill exactly these gaps and report the outcome via OnCompletion or
// OnFailure. Bytes that are already pending are not returned: the caller that
// created them is filling them, and this call's waiter piggybacks on that
// work instead of fetching twice.
//
// onReady fires exactly once for the narrower read range: with nil once every
// byte of read is present (synchronously, before WaitForRange returns, if it
// already is), or with an error if a gap covering part of read fails.
func (t *Tracker) WaitForRange(write, read Range, onReady func(error)) []*Gap {
	t.checkRange(write)
	t.checkRange(read)
	if !write.Contains(read) {
		panic(errors.AssertionFailedf("read range %s escapes write range %s", read, write))
	}

	var notify []func()
	t.mu.Lock()

	var gaps []*Gap
	newRanges := make([]*fileRange, 0, len(t.mu.ranges)+2)
	appendGap := func(start, end int64) {
		fr := &fileRange{start: start, end: end, pending: &pendingState{progress: start}}
		newRanges = append(newRanges, fr)
		gaps = append(gaps, &Gap{t: t, fr: fr})
	}
	cursor := write.Start
	for _, fr := range t.mu.ranges {
		if fr.start >= write.End {
			if cursor < write.End {
				appendGap(cursor, write.End)
				cursor = write.End
			}
		} else if fr.end > write.Start {
			if cursor < fr.start {
				appendGap(cursor, fr.start)
			}
			if fr.end > cursor {
				cursor = fr.end
			}
		}
		newRanges = append(newRanges, fr)
	}
	if cursor < write.End {
		appendGap(cursor, write.End)
	}
	t.mu.ranges = newRanges

	t.registerWaiterLocked(read, onReady, &notify)
	t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return gaps
}

// WaitForRangeIfPending registers onReady like WaitForRange does, but only if
// every byte of read is already present or pending. If any byte is absent it
// registers nothing and returns false; the caller must not create fetch work
// from this path and should fall back to a direct read.
func (t *Tracker) WaitForRangeIfPending(read Range, onReady func(error)) bool {
	t.checkRange(read)

	var notify []func()
	t.mu.Lock()

	cursor := read.Start
	for _, fr := range t.mu.ranges {
		if fr.end <= cursor {
			continue
		}
		if fr.start > cursor {
			break
		}
		cursor = fr.end
		if cursor >= read.End {
			break
		}
	}
	if cursor < read.End {
		t.mu.Unlock()
		return false
	}

	t.registerWaiterLocked(read, onReady, &notify)
	t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return true
}

// registerWaiterLocked registers onReady to fire once all of read is present.
// Every byte of read must already be covered by a present or pending record.
func (t *Tracker) registerWaiterLocked(read Range, onReady func(error), notify *[]func()) {
	c := &completion{fn: onReady}
	for _, fr := range t.mu.ranges {
		if fr.end <= read.Start {
			continue
		}
		if fr.start >= read.End {
			break
		}
		if fr.pending == nil {
			continue
		}
		upTo := min(read.End, fr.end)
		if fr.pending.progress >= upTo {
			continue
		}
		c.remaining++
		fr.pending.waiters = append(fr.pending.waiters, waiter{upTo: upTo, c: c})
	}
	if c.remaining == 0 {
		c.done = true
		*notify = append(*notify, func() { onReady(nil) })
	}
}

// findRangeLocked returns the index of fr in the record list.
func (t *Tracker) findRangeLocked(fr *fileRange) int {
	i := sort.Search(len(t.mu.ranges), func(i int) bool {
		return t.mu.ranges[i].start >= fr.start
	})
	if i == len(t.mu.ranges) || t.mu.ranges[i] != fr {
		panic(errors.AssertionFailedf("pending record %s not found", Range{fr.start, fr.end}))
	}
	return i
}

// Gap is a newly-created pending sub-range returned by WaitForRange. The
// caller that received it owns filling its bytes, reporting progress as the
// write advances and exactly one of OnCompletion or OnFailure at the end.
type Gap struct {
	t  *Tracker
	fr *fileRange
}

// Start returns the first absolute offset of the gap.
func (g *Gap) Start() int64 { return g.fr.start }

// End returns the absolute offset one past the last byte of the gap.
func (g *Gap) End() int64 { return g.fr.end }

// OnProgress records that the gap's bytes below upTo have been durably
// written. Waiters whose needed sub-range now falls entirely within written
// bytes fire early, before the whole gap completes.
func (g *Gap) OnProgress(upTo int64) {
	var notify []func()
	g.t.mu.Lock()
	p := g.fr.pending
	if p == nil {
		g.t.mu.Unlock()
		panic(errors.AssertionFailedf("progress on completed gap %s", Range{g.fr.start, g.fr.end}))
	}
	if p.detached {
		// The gap already failed; a late progress report is harmless.
		g.t.mu.Unlock()
		return
	}
	if upTo < g.fr.start || upTo > g.fr.end {
		g.t.mu.Unlock()
		panic(errors.AssertionFailedf("progress %d outside gap %s", upTo, Range{g.fr.start, g.fr.end}))
	}
	if upTo > p.progress {
		p.progress = upTo
		p.waiters = fireSatisfiedLocked(p.waiters, p.progress, &notify)
	}
	g.t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// fireSatisfiedLocked satisfies every waiter with upTo <= progress and
// returns the remaining waiters.
func fireSatisfiedLocked(waiters []waiter, progress int64, notify *[]func()) []waiter {
	remaining := waiters[:0]
	for _, w := range waiters {
		if w.upTo <= progress {
			w.c.satisfyOneLocked(notify)
		} else {
			remaining = append(remaining, w)
		}
	}
	return remaining
}

// OnCompletion marks the whole gap present, fires all of its waiters, and
// merges the record with adjacent present neighbors.
func (g *Gap) OnCompletion() {
	var notify []func()
	t := g.t
	t.mu.Lock()
	p := g.fr.pending
	if p == nil || p.detached {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("double completion of gap %s", Range{g.fr.start, g.fr.end}))
	}
	p.progress = g.fr.end
	p.waiters = fireSatisfiedLocked(p.waiters, p.progress, &notify)
	if len(p.waiters) != 0 {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("gap %s completed with unsatisfied waiters", Range{g.fr.start, g.fr.end}))
	}
	g.fr.pending = nil

	// Merge with present neighbors so the record list stays economical.
	i := t.findRangeLocked(g.fr)
	if j := i + 1; j < len(t.mu.ranges) {
		next := t.mu.ranges[j]
		if next.pending == nil && next.start == g.fr.end {
			g.fr.end = next.end
			t.mu.ranges = append(t.mu.ranges[:j], t.mu.ranges[j+1:]...)
		}
	}
	if i > 0 {
		prev := t.mu.ranges[i-1]
		if prev.pending == nil && prev.end == g.fr.start {
			prev.end = g.fr.end
			t.mu.ranges = append(t.mu.ranges[:i], t.mu.ranges[i+1:]...)
		}
	}
	t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// OnFailure reverts the gap to absent so a later caller may retry the fetch,
// and fails every waiter registered against the gap. Waiters already
// satisfied through progress reports are unaffected, as are waiters whose
// ranges lie entirely within other records.
func (g *Gap) OnFailure(err error) {
	var notify []func()
	t := g.t
	t.mu.Lock()
	p := g.fr.pending
	if p == nil || p.detached {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("failure of resolved gap %s", Range{g.fr.start, g.fr.end}))
	}
	p.detached = true
	for _, w := range p.waiters {
		w.c.failLocked(err, &notify)
	}
	p.waiters = nil
	i := t.findRangeLocked(g.fr)
	t.mu.ranges = append(t.mu.ranges[:i], t.mu.ranges[i+1:]...)
	t.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// String renders the record list, for tests and debugging.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.mu.ranges) == 0 {
		return "empty"
	}
	var sb strings.Builder
	for i, fr := range t.mu.ranges {
		if i > 0 {
			sb.WriteString(" ")
		}
		if fr.pending == nil {
			fmt.Fprintf(&sb, "%s=present", Range{fr.start, fr.end})
		} else {
			fmt.Fprintf(&sb, "%s=pending@%d", Range{fr.start, fr.end}, fr.pending.progress)
		}
	}
	return sb.String()
}
