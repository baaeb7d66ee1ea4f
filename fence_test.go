// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFenceSignal(t *testing.T) {
	f := NewFence(FenceDesc{Label: "host", InitialValue: 2})
	if got := f.Value(); got != 2 {
		t.Fatalf("Value() = %d, want 2", got)
	}
	if err := f.Signal(2); err != nil {
		t.Errorf("Signal(current) error = %v, want nil", err)
	}
	if err := f.Signal(7); err != nil {
		t.Fatalf("Signal(7) failed: %v", err)
	}
	if err := f.Signal(3); !errors.Is(err, ErrFenceValue) {
		t.Errorf("Signal(3) error = %v, want ErrFenceValue", err)
	}
	if got := f.Value(); got != 7 {
		t.Errorf("Value() = %d, want 7", got)
	}
	if !f.Reached(7) || f.Reached(8) {
		t.Errorf("Reached(7), Reached(8) = %v, %v", f.Reached(7), f.Reached(8))
	}
}

func TestFenceReserve(t *testing.T) {
	f := NewFence(FenceDesc{Label: "r"})
	if v := f.Reserve(); v != 1 {
		t.Errorf("Reserve() = %d, want 1", v)
	}
	if v := f.Reserve(); v != 2 {
		t.Errorf("Reserve() = %d, want 2", v)
	}
	if got := f.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	// A host signal past the reservations moves the next reservation on.
	if err := f.Signal(10); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if v := f.Reserve(); v != 11 {
		t.Errorf("Reserve() after Signal(10) = %d, want 11", v)
	}
}

func TestFenceWait(t *testing.T) {
	f := NewFence(FenceDesc{Label: "w"})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.Wait(t.Context(), uint64(i+1))
		}()
	}
	for v := uint64(1); v <= 3; v++ {
		time.Sleep(time.Millisecond)
		if err := f.Signal(v); err != nil {
			t.Fatalf("Signal(%d) failed: %v", v, err)
		}
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d: %v", i, err)
		}
	}

	// Already reached.
	if err := f.Wait(t.Context(), 2); err != nil {
		t.Errorf("Wait(2) = %v, want nil", err)
	}
}

func TestFenceWaitCanceled(t *testing.T) {
	f := NewFence(FenceDesc{Label: "never"})
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestHostSignalReleasesQueue(t *testing.T) {
	d, m, q := newMockDevice(t)
	f := d.CreateFence(FenceDesc{Label: "host"})

	if err := q.WaitFenceValue(f, 1); err != nil {
		t.Fatalf("WaitFenceValue failed: %v", err)
	}
	cb := emptyBuffer(t, q, "gated")
	if err := q.Submit(cb); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	assertPending(t, cb)
	if len(m.executed()) != 0 {
		t.Fatal("gated buffer executed early")
	}

	if err := f.Signal(1); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	if err := cb.Wait(t.Context()); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
}

func BenchmarkFenceSignalWait(b *testing.B) {
	f := NewFence(FenceDesc{Label: "bench"})
	ctx := context.Background()
	var v uint64
	for b.Loop() {
		v++
		_ = f.Signal(v)
		_ = f.Wait(ctx, v)
	}
}
