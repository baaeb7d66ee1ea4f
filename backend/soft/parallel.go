// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Carmen-Shannon/automation/tools/worker"
)

// chunksPerWorker balances uneven program cost against task overhead.
const chunksPerWorker = 4

// parallel runs fn for every index in [0, n) on the worker pool and waits
// for all of them. Indices are split into contiguous chunks. The first
// error stops chunks that have not started and is returned; a panicking
// program is reported as an error.
func (b *Backend) parallel(n uint64, fn func(i uint64) error) error {
	if n == 0 {
		return nil
	}
	pool := b.workers()
	chunks := min(uint64(pool.GetMaxWorkers()*chunksPerWorker), n)
	size := (n + chunks - 1) / chunks

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		first  error
		failed atomic.Bool
	)
	for start := uint64(0); start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		pool.SubmitTask(worker.Task{
			ID: int(b.taskID.Add(1)),
			Do: func() (_ any, err error) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("soft: host program panicked: %v", r)
					}
					if err != nil {
						failed.Store(true)
						mu.Lock()
						if first == nil {
							first = err
						}
						mu.Unlock()
					}
				}()
				for i := start; i < end && !failed.Load(); i++ {
					if err := fn(i); err != nil {
						return nil, err
					}
				}
				return nil, nil
			},
		})
	}
	wg.Wait()
	return first
}
