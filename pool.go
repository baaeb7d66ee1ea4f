// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import "sync"

// commandPool recycles the command storage of retired command buffers.
//
// Storage is returned only after the queue has observed completion of the
// buffer that used it, so a recycled slice never aliases commands that are
// still executing. The buffer handles themselves are never reused: a stale
// handle keeps reporting Retired.
type commandPool struct {
	mu    sync.Mutex
	free  [][]Command
	limit int

	reused int
}

func newCommandPool(limit int) *commandPool {
	return &commandPool{limit: limit}
}

// get returns empty storage, recycled when available.
func (p *commandPool) get() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.reused++
		return s
	}
	return make([]Command, 0, 32)
}

// put returns storage to the pool. References held by the commands are
// cleared so that retired resources can be collected.
func (p *commandPool) put(s []Command) {
	if s == nil {
		return
	}
	clear(s[:cap(s)])
	s = s[:0]

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.limit {
		p.free = append(p.free, s)
	}
}

// stats returns the number of idle slices and how many were reused.
func (p *commandPool) stats() (idle, reused int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.reused
}
