// Copyright 2024 The Snapcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snapcache

import "sync"

// fetchTasksPerWorker is how many tasks can be queued up until submitters
// have to block.
const fetchTasksPerWorker = 4

// FetchWorkers is a fixed-size pool of goroutines that run gap-fill work in
// the background. It is the Executor the Cache hands to its cache files;
// embedders coordinating their own CacheFiles can use it directly.
type FetchWorkers struct {
	doneCh        chan struct{}
	doneWaitGroup sync.WaitGroup
	tasksCh       chan func()
}

var _ Executor = (*FetchWorkers)(nil)

// NewFetchWorkers starts numWorkers worker goroutines.
func NewFetchWorkers(numWorkers int) *FetchWorkers {
	w := &FetchWorkers{
		doneCh:  make(chan struct{}),
		tasksCh: make(chan func(), numWorkers*fetchTasksPerWorker),
	}
	w.doneWaitGroup.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer w.doneWaitGroup.Done()
			for {
				select {
				case <-w.doneCh:
					return
				case task, ok := <-w.tasksCh:
					if !ok {
						// The tasks channel was closed; this is used in
						// testing code to ensure all fills are completed.
						return
					}
					task()
				}
			}
		}()
	}
	return w
}

// Execute implements Executor. It can block if the queue is full.
func (w *FetchWorkers) Execute(fn func()) {
	w.tasksCh <- fn
}

// Stop waits for in-progress tasks to finish and stops the worker
// goroutines. Queued tasks not yet started are discarded, so Stop must not
// race with in-flight reads.
func (w *FetchWorkers) Stop() {
	close(w.doneCh)
	w.doneWaitGroup.Wait()
}
