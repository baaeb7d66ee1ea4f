// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"fmt"
	"sync"
)

// FenceDesc describes a fence.
type FenceDesc struct {
	Label        string
	InitialValue uint64
}

// Fence is a monotonically increasing 64-bit counter shared between queues
// and the host. Queues advance it from the GPU timeline; the host may advance
// it with Signal and block on it with Wait.
type Fence struct {
	id    uint64
	label string

	mu       sync.Mutex
	value    uint64        // completed value
	reserved uint64        // highest value handed out by Reserve
	changed  chan struct{} // closed and replaced on every advance
}

// NewFence creates a fence outside of any device. Devices create fences
// with Device.CreateFence, which also assigns an identifier.
func NewFence(desc FenceDesc) *Fence {
	return &Fence{
		label:    desc.Label,
		value:    desc.InitialValue,
		reserved: desc.InitialValue,
		changed:  make(chan struct{}),
	}
}

// Label returns the debug name.
func (f *Fence) Label() string { return f.label }

// Value returns the completed value.
func (f *Fence) Value() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Pending returns the highest value that has been scheduled for signaling.
// It is never lower than Value.
func (f *Fence) Pending() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return max(f.reserved, f.value)
}

// Reserve hands out the next signal value.
func (f *Fence) Reserve() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = max(f.reserved, f.value) + 1
	return f.reserved
}

// reserveValue schedules an explicit value. It must exceed every value
// scheduled or reached so far.
func (f *Fence) reserveValue(v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= max(f.reserved, f.value) {
		return fmt.Errorf("%w: fence %q value %d, pending %d", ErrFenceValue, f.label, v, max(f.reserved, f.value))
	}
	f.reserved = v
	return nil
}

// Signal advances the fence from the host. Lower values are rejected.
func (f *Fence) Signal(v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < f.value {
		return fmt.Errorf("%w: fence %q at %d, signal %d", ErrFenceValue, f.label, f.value, v)
	}
	f.advanceLocked(v)
	return nil
}

// advance moves the fence forward; lower values are ignored.
func (f *Fence) advance(v uint64) {
	f.mu.Lock()
	f.advanceLocked(v)
	f.mu.Unlock()
}

func (f *Fence) advanceLocked(v uint64) {
	if v <= f.value {
		return
	}
	f.value = v
	f.reserved = max(f.reserved, v)
	close(f.changed)
	f.changed = make(chan struct{})
}

// Reached reports whether the fence has reached v.
func (f *Fence) Reached(v uint64) bool {
	return f.Value() >= v
}

// Wait blocks until the fence reaches v or ctx is done. Waiting on a value
// already reached returns immediately.
func (f *Fence) Wait(ctx context.Context, v uint64) error {
	for {
		f.mu.Lock()
		if f.value >= v {
			f.mu.Unlock()
			return nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("fence %q wait for %d: %w", f.label, v, ctx.Err())
		}
	}
}
