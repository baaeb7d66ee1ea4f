// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
)

const copyUsage = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

func recordCopy(t *testing.T, q *CommandQueue, dst, src *Buffer) *CommandBuffer {
	t.Helper()
	cb, err := q.CreateCommandBuffer("copy")
	if err != nil {
		t.Fatalf("CreateCommandBuffer failed: %v", err)
	}
	if err := cb.CopyBufferRegion(dst, 0, src, 0, src.Size()); err != nil {
		t.Fatalf("CopyBufferRegion failed: %v", err)
	}
	return cb
}

func TestHazardOnlyWithValidation(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		d, m, q := newMockDevice(t, WithValidation(true))
		src := mustBuffer(t, d, "src", 16, copyUsage)
		dst := mustBuffer(t, d, "dst", 16, copyUsage)

		err := closeAndRun(t, q, recordCopy(t, q, dst, src))
		var hazard *HazardError
		if !errors.As(err, &hazard) {
			t.Fatalf("error = %v, want *HazardError", err)
		}
		if !errors.Is(err, ErrResourceHazard) {
			t.Errorf("error does not match ErrResourceHazard: %v", err)
		}
		if hazard.Resource != "src" || hazard.Op != "CopyBufferRegion(src)" || hazard.Got != ResourceStateUndefined || hazard.Command != 0 {
			t.Errorf("hazard = %+v", hazard)
		}
		if len(m.executed()) != 0 {
			t.Error("rejected batch reached the backend")
		}
		if err := q.Wait(t.Context()); !errors.Is(err, ErrResourceHazard) {
			t.Errorf("queue Wait error = %v, want ErrResourceHazard", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		d, m, q := newMockDevice(t)
		src := mustBuffer(t, d, "src", 16, copyUsage)
		dst := mustBuffer(t, d, "dst", 16, copyUsage)

		if err := closeAndRun(t, q, recordCopy(t, q, dst, src)); err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if len(m.executed()) != 1 {
			t.Errorf("executed %d batches, want 1", len(m.executed()))
		}
	})
}

func TestTransitionsSatisfyValidation(t *testing.T) {
	d, _, q := newMockDevice(t, WithValidation(true))
	src := mustBuffer(t, d, "src", 16, copyUsage)
	dst := mustBuffer(t, d, "dst", 16, copyUsage)

	cb, _ := q.CreateCommandBuffer("copy")
	steps := []error{
		cb.SetBufferState(src, ResourceStateCopySource),
		cb.SetBufferState(dst, ResourceStateCopyDestination),
		cb.CopyBufferRegion(dst, 0, src, 0, 16),
		cb.BufferBarrier(dst, ResourceStateCopyDestination, ResourceStateGeneral),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := closeAndRun(t, q, cb); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if src.State() != ResourceStateCopySource || dst.State() != ResourceStateGeneral {
		t.Errorf("states = %v, %v; want CopySource, General", src.State(), dst.State())
	}
}

func TestBarrierOldStateMustMatch(t *testing.T) {
	d, _, q := newMockDevice(t, WithValidation(true))
	buf := mustBuffer(t, d, "vb", 16, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)

	cb, _ := q.CreateCommandBuffer("barrier")
	if err := cb.BufferBarrier(buf, ResourceStateCopyDestination, ResourceStateVertexBuffer); err != nil {
		t.Fatalf("BufferBarrier failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); !errors.Is(err, ErrResourceHazard) {
		t.Errorf("error = %v, want ErrResourceHazard", err)
	}
	if err := cb.BufferBarrier(buf, ResourceStateVertexBuffer, ResourceStateCopyDestination); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("record on retired buffer error = %v, want ErrBufferClosed", err)
	}

	cb, _ = q.CreateCommandBuffer("illegal")
	if err := cb.BufferBarrier(buf, ResourceStateCopyDestination, ResourceStateRenderTarget); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BufferBarrier to RenderTarget error = %v, want ErrInvalidTransition", err)
	}
}

func TestStateCommittedOnlyOnSuccess(t *testing.T) {
	d, m, q := newMockDevice(t)
	buf := mustBuffer(t, d, "b", 16, copyUsage)
	m.execute = func(context.Context, *CommandQueue, *Batch) error {
		return errors.New("transient")
	}

	cb, _ := q.CreateCommandBuffer("fails")
	if err := cb.SetBufferState(buf, ResourceStateCopySource); err != nil {
		t.Fatalf("SetBufferState failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); err == nil {
		t.Fatal("run succeeded, want error")
	}
	if got := buf.State(); got != ResourceStateUndefined {
		t.Errorf("State() = %v after failed batch, want Undefined", got)
	}
}

func TestAccelerationStateIsPermanent(t *testing.T) {
	d, m, q := newMockDevice(t)
	buf := mustBuffer(t, d, "as-storage", 256, gputypes.BufferUsageStorage)

	cb, _ := q.CreateCommandBuffer("enter")
	if err := cb.SetBufferState(buf, ResourceStateAccelerationStructure); err != nil {
		t.Fatalf("SetBufferState failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// General is a legal target in isolation, so the error comes from
	// replaying the batch against the committed state.
	cb, _ = q.CreateCommandBuffer("leave")
	if err := cb.SetBufferState(buf, ResourceStateGeneral); err != nil {
		t.Fatalf("SetBufferState failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
	if got := m.executed(); len(got) != 1 {
		t.Errorf("executed = %v, want only the first batch", got)
	}
	if got := buf.State(); got != ResourceStateAccelerationStructure {
		t.Errorf("State() = %v, want AccelerationStructure", got)
	}
}

func TestViewStates(t *testing.T) {
	d, _, q := newMockDevice(t)
	tex := mustTexture(t, d, "tex", gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopyDst)
	view, err := d.CreateResourceView(tex, ResourceViewDesc{Label: "srv", Type: ViewTypeShaderResource})
	if err != nil {
		t.Fatalf("CreateResourceView failed: %v", err)
	}

	run := func(label string, record func(cb *CommandBuffer) error) {
		t.Helper()
		cb, _ := q.CreateCommandBuffer(label)
		if err := record(cb); err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if err := closeAndRun(t, q, cb); err != nil {
			t.Fatalf("%s: %v", label, err)
		}
	}

	run("texture", func(cb *CommandBuffer) error {
		return cb.SetTextureState(tex, ResourceStateCopyDestination)
	})
	if tex.State() != ResourceStateCopyDestination || view.State() != ResourceStateUndefined {
		t.Errorf("after SetTextureState: texture %v, view %v", tex.State(), view.State())
	}

	run("resource", func(cb *CommandBuffer) error {
		return cb.SetResourceState(tex, ResourceStateShaderResource)
	})
	if tex.State() != ResourceStateShaderResource || view.State() != ResourceStateShaderResource {
		t.Errorf("after SetResourceState: texture %v, view %v", tex.State(), view.State())
	}

	run("view", func(cb *CommandBuffer) error {
		return cb.SetResourceViewState(view, ResourceStateCopyDestination)
	})
	if tex.State() != ResourceStateShaderResource || view.State() != ResourceStateCopyDestination {
		t.Errorf("after SetResourceViewState: texture %v, view %v", tex.State(), view.State())
	}
}

func TestRenderNeedsGraphicsQueue(t *testing.T) {
	d, _, _ := newMockDevice(t)
	q, err := d.CreateQueue(QueueDesc{Type: QueueTypeCompute, Label: "async"})
	if err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	tex := mustTexture(t, d, "rt", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageRenderAttachment)
	view, err := d.CreateResourceView(tex, ResourceViewDesc{Label: "rtv", Type: ViewTypeRenderTarget})
	if err != nil {
		t.Fatalf("CreateResourceView failed: %v", err)
	}
	fb, err := d.CreateFramebuffer(FramebufferDesc{ColorAttachments: []ColorAttachment{{View: view}}})
	if err != nil {
		t.Fatalf("CreateFramebuffer failed: %v", err)
	}

	cb, _ := q.CreateCommandBuffer("draw")
	if err := cb.Render(fb, func(*RenderCommandEncoder) error { return nil }); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func TestCopyUnbuiltAccelerationStructure(t *testing.T) {
	d, _, q := newMockDevice(t)
	src, err := d.CreateAccelerationStructure(AccelerationStructureDesc{Label: "src", Size: 1024})
	if err != nil {
		t.Fatalf("CreateAccelerationStructure failed: %v", err)
	}
	dst, _ := d.CreateAccelerationStructure(AccelerationStructureDesc{Label: "dst", Size: 1024})

	cb, _ := q.CreateCommandBuffer("clone")
	err = cb.RayTracing(func(e *RayTracingCommandEncoder) error {
		return e.CopyAccelerationStructure(src, dst, CopyModeClone)
	})
	if err != nil {
		t.Fatalf("RayTracing failed: %v", err)
	}
	err = closeAndRun(t, q, cb)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
	if err != nil && !strings.Contains(err.Error(), `"src"`) {
		t.Errorf("error = %v, want it to name the source", err)
	}
	if dst.Built() {
		t.Error("destination marked built after a rejected copy")
	}
}
