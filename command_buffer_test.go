// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestCommandBufferLifecycle(t *testing.T) {
	d, m, q := newMockDevice(t)
	buf := mustBuffer(t, d, "buf", 64, gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc)
	other := mustBuffer(t, d, "other", 64, gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc)

	cb, err := q.CreateCommandBuffer("frame")
	if err != nil {
		t.Fatalf("CreateCommandBuffer failed: %v", err)
	}
	if got := cb.State(); got != CommandBufferStateOpen {
		t.Fatalf("State() = %v, want Open", got)
	}
	if err := q.Submit(cb); !errors.Is(err, ErrBufferNotClosed) {
		t.Errorf("Submit(open) error = %v, want ErrBufferNotClosed", err)
	}

	if err := cb.CopyBufferRegion(other, 0, buf, 0, 64); err != nil {
		t.Fatalf("CopyBufferRegion failed: %v", err)
	}
	if err := cb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cb.Close(); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("second Close error = %v, want ErrBufferClosed", err)
	}
	if err := cb.CopyBufferRegion(other, 0, buf, 0, 64); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("record after Close error = %v, want ErrBufferClosed", err)
	}

	if err := q.SubmitAndWait(t.Context(), cb); err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if got := cb.State(); got != CommandBufferStateRetired {
		t.Errorf("State() = %v, want Retired", got)
	}
	if err := q.Submit(cb); !errors.Is(err, ErrBufferSubmitted) {
		t.Errorf("resubmit error = %v, want ErrBufferSubmitted", err)
	}
	if got := m.executed(); len(got) != 1 || got[0] != "frame" {
		t.Errorf("executed = %v, want [frame]", got)
	}
	if !errors.Is(ErrBufferSubmitted, ErrInvalidState) {
		t.Error("ErrBufferSubmitted does not wrap ErrInvalidState")
	}
}

func TestCommandBufferStateString(t *testing.T) {
	if got := CommandBufferStateDiscarded.String(); got != "Discarded" {
		t.Errorf("String() = %q, want %q", got, "Discarded")
	}
	if got := CommandBufferState(42).String(); got != "Unknown(42)" {
		t.Errorf("String() = %q, want %q", got, "Unknown(42)")
	}
}

func TestEncoderExclusivity(t *testing.T) {
	_, _, q := newMockDevice(t)
	cb, _ := q.CreateCommandBuffer("enc")

	e, err := cb.EncodeComputeCommands()
	if err != nil {
		t.Fatalf("EncodeComputeCommands failed: %v", err)
	}
	if _, err := cb.EncodeRayTracingCommands(); !errors.Is(err, ErrEncoderActive) {
		t.Errorf("second encoder error = %v, want ErrEncoderActive", err)
	}
	if err := cb.Close(); !errors.Is(err, ErrEncoderActive) {
		t.Errorf("Close with active encoder error = %v, want ErrEncoderActive", err)
	}

	if err := e.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := e.End(); err != nil {
		t.Errorf("second End error = %v, want nil", err)
	}
	if !e.IsEnded() {
		t.Error("IsEnded() = false after End")
	}
	if err := e.DispatchThreadGroups(Size3{X: 1, Y: 1, Z: 1}); !errors.Is(err, ErrEncoderEnded) {
		t.Errorf("use after End error = %v, want ErrEncoderEnded", err)
	}

	if _, err := cb.EncodeRayTracingCommands(); err != nil {
		t.Errorf("encoder after End failed: %v", err)
	}
}

func TestScopedEncoderEndsOnPanic(t *testing.T) {
	_, _, q := newMockDevice(t)
	cb, _ := q.CreateCommandBuffer("panic")

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = cb.Compute(func(*ComputeCommandEncoder) error {
			panic("boom")
		})
	}()

	if err := cb.Close(); err != nil {
		t.Errorf("Close after panicking encoder failed: %v", err)
	}
	cmds := cb.Commands()
	if len(cmds) != 2 {
		t.Fatalf("recorded %d commands, want begin and end", len(cmds))
	}
	if _, ok := cmds[1].(*EndEncoderCommand); !ok {
		t.Errorf("last command = %T, want *EndEncoderCommand", cmds[1])
	}
}

func TestScopedEncoderReturnsError(t *testing.T) {
	_, _, q := newMockDevice(t)
	cb, _ := q.CreateCommandBuffer("err")

	err := cb.Compute(func(e *ComputeCommandEncoder) error {
		return e.Dispatch(Size3{X: 1, Y: 1, Z: 1})
	})
	if !errors.Is(err, ErrNoPipeline) {
		t.Errorf("Compute error = %v, want ErrNoPipeline", err)
	}
	if err := cb.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestTopLevelCommandsInsideEncoder(t *testing.T) {
	d, _, q := newMockDevice(t)
	buf := mustBuffer(t, d, "buf", 64, gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc|gputypes.BufferUsageStorage)
	tex := mustTexture(t, d, "rt", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageRenderAttachment)
	view, err := d.CreateResourceView(tex, ResourceViewDesc{Label: "rtv", Type: ViewTypeRenderTarget})
	if err != nil {
		t.Fatalf("CreateResourceView failed: %v", err)
	}
	fb, err := d.CreateFramebuffer(FramebufferDesc{Label: "fb", ColorAttachments: []ColorAttachment{{View: view}}})
	if err != nil {
		t.Fatalf("CreateFramebuffer failed: %v", err)
	}

	cb, _ := q.CreateCommandBuffer("scope")
	err = cb.Compute(func(*ComputeCommandEncoder) error {
		if err := cb.CopyBufferRegion(buf, 0, buf, 32, 16); !errors.Is(err, ErrEncoderActive) {
			t.Errorf("copy inside compute encoder error = %v, want ErrEncoderActive", err)
		}
		// Barriers are allowed between compute passes.
		return cb.UAVBarrier(buf)
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	err = cb.Render(fb, func(*RenderCommandEncoder) error {
		if err := cb.SetBufferState(buf, ResourceStateGeneral); !errors.Is(err, ErrEncoderActive) {
			t.Errorf("transition inside render encoder error = %v, want ErrEncoderActive", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
}

func TestThreadGroupCount(t *testing.T) {
	tests := []struct {
		threads, group, want Size3
	}{
		{Size3{64, 64, 1}, Size3{8, 8, 1}, Size3{8, 8, 1}},
		{Size3{65, 1, 1}, Size3{64, 1, 1}, Size3{2, 1, 1}},
		{Size3{1, 1, 1}, Size3{256, 1, 1}, Size3{1, 1, 1}},
		{Size3{10, 10, 10}, Size3{0, 3, 4}, Size3{10, 4, 3}},
		{Size3{0xFFFFFFFF, 1, 1}, Size3{2, 1, 1}, Size3{0x80000000, 1, 1}},
	}
	for _, tt := range tests {
		if got := ThreadGroupCount(tt.threads, tt.group); got != tt.want {
			t.Errorf("ThreadGroupCount(%v, %v) = %v, want %v", tt.threads, tt.group, got, tt.want)
		}
	}
}

func TestDispatchRecordsGroups(t *testing.T) {
	d, m, q := newMockDevice(t)
	p, err := d.CreateComputePipeline(ComputePipelineDesc{Label: "p", ThreadGroupSize: Size3{X: 8, Y: 8}})
	if err != nil {
		t.Fatalf("CreateComputePipeline failed: %v", err)
	}
	if got := p.ThreadGroupSize(); got != (Size3{8, 8, 1}) {
		t.Errorf("ThreadGroupSize() = %v, want (8,8,1)", got)
	}

	cb, _ := q.CreateCommandBuffer("dispatch")
	err = cb.Compute(func(e *ComputeCommandEncoder) error {
		if err := e.BindPipeline(p); err != nil {
			return err
		}
		if err := e.Dispatch(Size3{}); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Dispatch(empty) error = %v, want ErrInvalidArgument", err)
		}
		return e.Dispatch(Size3{X: 64, Y: 64, Z: 1})
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if err := closeAndRun(t, q, cb); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var dispatch *DispatchCommand
	for _, c := range m.batches[0].Commands {
		if dc, ok := c.(*DispatchCommand); ok {
			dispatch = dc
		}
	}
	if dispatch == nil {
		t.Fatal("no DispatchCommand executed")
	}
	if dispatch.Groups != (Size3{8, 8, 1}) || dispatch.Threads != (Size3{64, 64, 1}) {
		t.Errorf("dispatch = groups %v threads %v, want (8,8,1) and (64,64,1)", dispatch.Groups, dispatch.Threads)
	}
}

func TestRemainingExtent(t *testing.T) {
	size := gputypes.Extent3D{Width: 16, Height: 8, DepthOrArrayLayers: 1}
	tests := []struct {
		off  gputypes.Origin3D
		want gputypes.Extent3D
	}{
		{gputypes.Origin3D{}, size},
		{gputypes.Origin3D{X: 4, Y: 2}, gputypes.Extent3D{Width: 12, Height: 6, DepthOrArrayLayers: 1}},
		{gputypes.Origin3D{X: 16, Y: 8}, gputypes.Extent3D{Width: 0, Height: 0, DepthOrArrayLayers: 1}},
		{gputypes.Origin3D{X: 40}, gputypes.Extent3D{Width: 0, Height: 8, DepthOrArrayLayers: 1}},
	}
	for _, tt := range tests {
		if got := RemainingExtent(size, tt.off); got != tt.want {
			t.Errorf("RemainingExtent(%+v) = %+v, want %+v", tt.off, got, tt.want)
		}
	}
}

func TestCopyTextureRegionChecks(t *testing.T) {
	d, _, q := newMockDevice(t)
	src := mustTexture(t, d, "src", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageCopySrc)
	dst := mustTexture(t, d, "dst", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageCopyDst)
	wide := mustTexture(t, d, "wide", gputypes.TextureFormatRGBA16Float, gputypes.TextureUsageCopyDst)
	cb, _ := q.CreateCommandBuffer("copy")

	// A nil extent copies the remainder past the source offset.
	err := cb.CopyTextureRegion(dst, Subresource{}, gputypes.Origin3D{}, src, Subresource{}, gputypes.Origin3D{X: 6, Y: 6}, nil)
	if err != nil {
		t.Fatalf("CopyTextureRegion failed: %v", err)
	}
	cmd := cb.Commands()[0].(*CopyTextureRegionCommand)
	if !cmd.Remainder || cmd.Extent != (gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1}) {
		t.Errorf("extent = %+v remainder %v, want 2x2x1 remainder", cmd.Extent, cmd.Remainder)
	}

	tests := []struct {
		name string
		err  error
		call func() error
	}{
		{"box past destination", ErrOutOfBounds, func() error {
			e := gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1}
			return cb.CopyTextureRegion(dst, Subresource{}, gputypes.Origin3D{X: 6}, src, Subresource{}, gputypes.Origin3D{}, &e)
		}},
		{"missing mip", ErrOutOfBounds, func() error {
			return cb.CopyTextureRegion(dst, Subresource{MipLevel: 1}, gputypes.Origin3D{}, src, Subresource{}, gputypes.Origin3D{}, nil)
		}},
		{"texel size", ErrFormatMismatch, func() error {
			return cb.CopyTextureRegion(wide, Subresource{}, gputypes.Origin3D{}, src, Subresource{}, gputypes.Origin3D{}, nil)
		}},
		{"source usage", ErrInvalidUsage, func() error {
			return cb.CopyTextureRegion(src, Subresource{}, gputypes.Origin3D{}, dst, Subresource{}, gputypes.Origin3D{}, nil)
		}},
	}
	for _, tt := range tests {
		if err := tt.call(); !errors.Is(err, tt.err) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.err)
		}
	}
}

func TestClearOverloadMatchesFormat(t *testing.T) {
	d, _, q := newMockDevice(t)
	color := mustTexture(t, d, "color", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageCopyDst)
	integer := mustTexture(t, d, "ids", gputypes.TextureFormatR32Uint, gputypes.TextureUsageCopyDst)
	sampled := mustTexture(t, d, "sampled", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageTextureBinding)
	cb, _ := q.CreateCommandBuffer("clear")

	if err := cb.ClearTextureFloat(color, [4]float32{1, 0, 0, 1}); err != nil {
		t.Errorf("ClearTextureFloat(color) failed: %v", err)
	}
	if err := cb.ClearTextureUint(integer, [4]uint32{7}); err != nil {
		t.Errorf("ClearTextureUint(ids) failed: %v", err)
	}
	if err := cb.ClearTextureUint(color, [4]uint32{1}); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("ClearTextureUint(color) error = %v, want ErrFormatMismatch", err)
	}
	if err := cb.ClearTextureFloat(integer, [4]float32{1}); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("ClearTextureFloat(ids) error = %v, want ErrFormatMismatch", err)
	}
	if err := cb.ClearTextureFloat(sampled, [4]float32{}); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("ClearTextureFloat(sampled) error = %v, want ErrInvalidUsage", err)
	}
}

func TestForeignResource(t *testing.T) {
	_, _, q := newMockDevice(t)
	other, _, _ := newMockDevice(t)
	buf := mustBuffer(t, other, "foreign", 16, gputypes.BufferUsageCopyDst)

	cb, _ := q.CreateCommandBuffer("foreign")
	if err := cb.SetBufferState(buf, ResourceStateCopyDestination); !errors.Is(err, ErrForeignObject) {
		t.Errorf("SetBufferState error = %v, want ErrForeignObject", err)
	}
	if err := cb.SetBufferState(nil, ResourceStateCopyDestination); !errors.Is(err, ErrNilResource) {
		t.Errorf("SetBufferState(nil) error = %v, want ErrNilResource", err)
	}
}

func TestShaderObjectSnapshotAtBind(t *testing.T) {
	d, _, q := newMockDevice(t)
	other, _, _ := newMockDevice(t)
	p, err := d.CreateComputePipeline(ComputePipelineDesc{Label: "p", ThreadGroupSize: Size3{X: 64}})
	if err != nil {
		t.Fatalf("CreateComputePipeline failed: %v", err)
	}
	first := mustBuffer(t, d, "first", 64, gputypes.BufferUsageStorage)
	second := mustBuffer(t, d, "second", 64, gputypes.BufferUsageStorage)
	foreign := mustBuffer(t, other, "foreign", 64, gputypes.BufferUsageStorage)

	so := NewShaderObject("args")
	if err := so.SetBuffer(0, BindingTypeStorageBuffer, first, 0, 0); err != nil {
		t.Fatalf("SetBuffer failed: %v", err)
	}
	so.SetData([]byte{1})

	cb, _ := q.CreateCommandBuffer("snapshot")
	err = cb.Compute(func(e *ComputeCommandEncoder) error {
		if err := e.BindPipelineWithShaderObject(p, so); err != nil {
			return err
		}
		// Changes after bind, including a foreign resource, must not reach
		// the recorded binding.
		if err := so.SetBuffer(0, BindingTypeStorageBuffer, second, 0, 0); err != nil {
			return err
		}
		if err := so.SetBuffer(1, BindingTypeStorageBuffer, foreign, 0, 0); err != nil {
			return err
		}
		so.SetData([]byte{2})
		if err := e.BindPipelineWithShaderObject(p, so); !errors.Is(err, ErrForeignObject) {
			t.Errorf("bind with foreign binding error = %v, want ErrForeignObject", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	var binds []*BindComputePipelineCommand
	for _, c := range cb.Commands() {
		if bc, ok := c.(*BindComputePipelineCommand); ok {
			binds = append(binds, bc)
		}
	}
	if len(binds) != 1 {
		t.Fatalf("recorded %d binds, want 1", len(binds))
	}
	rec := binds[0].ShaderObject
	if rec == so {
		t.Fatal("recorded shader object aliases the caller's object")
	}
	if b, ok := rec.Lookup(0); !ok || b.Buffer != first {
		t.Errorf("recorded slot 0 = %+v, want buffer %q", b, first.Label())
	}
	if _, ok := rec.Lookup(1); ok {
		t.Error("recorded slot 1 is bound, want unbound")
	}
	if got := rec.Data(); len(got) != 1 || got[0] != 1 {
		t.Errorf("recorded data = %v, want [1]", got)
	}
	if rec.Label() != "args" {
		t.Errorf("recorded label = %q, want %q", rec.Label(), "args")
	}
}

func TestClearResourceViewUint(t *testing.T) {
	d, _, q := newMockDevice(t)
	ids := mustTexture(t, d, "ids", gputypes.TextureFormatR32Uint, gputypes.TextureUsageStorageBinding|gputypes.TextureUsageTextureBinding)
	color := mustTexture(t, d, "color", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageStorageBinding)
	buf := mustBuffer(t, d, "buf", 64, gputypes.BufferUsageStorage)

	view := func(r Resource, typ ViewType) *ResourceView {
		t.Helper()
		v, err := d.CreateResourceView(r, ResourceViewDesc{Type: typ})
		if err != nil {
			t.Fatalf("CreateResourceView(%s, %v) failed: %v", r.Label(), typ, err)
		}
		return v
	}

	tests := []struct {
		name    string
		view    *ResourceView
		wantErr error
	}{
		{"uint texture", view(ids, ViewTypeUnorderedAccess), nil},
		{"buffer", view(buf, ViewTypeUnorderedAccess), nil},
		{"float texture", view(color, ViewTypeUnorderedAccess), ErrFormatMismatch},
		{"buffer shader resource", view(buf, ViewTypeShaderResource), ErrFormatMismatch},
		{"texture shader resource", view(ids, ViewTypeShaderResource), ErrInvalidArgument},
		{"nil", nil, ErrNilResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := q.CreateCommandBuffer("clear")
			err := cb.ClearResourceViewUint(tt.view, [4]uint32{9, 8, 7, 6})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ClearResourceViewUint error = %v, want %v", err, tt.wantErr)
			}
			cmds := cb.Commands()
			if tt.wantErr != nil {
				if len(cmds) != 0 {
					t.Errorf("recorded %d commands after error, want 0", len(cmds))
				}
				return
			}
			if len(cmds) != 1 {
				t.Fatalf("recorded %d commands, want 1", len(cmds))
			}
			cc, ok := cmds[0].(*ClearResourceViewCommand)
			if !ok {
				t.Fatalf("command = %v, want ClearResourceView", cmds[0].Type())
			}
			if cc.View != tt.view || cc.Value.Kind != ClearKindUint || cc.Value.Uint != [4]uint32{9, 8, 7, 6} {
				t.Errorf("recorded %+v, want uint clear of %q", cc.Value, tt.view.Label())
			}
		})
	}

	cb, _ := q.CreateCommandBuffer("float")
	if err := cb.ClearResourceViewFloat(view(ids, ViewTypeUnorderedAccess), [4]float32{1}); !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("ClearResourceViewFloat(ids) error = %v, want ErrFormatMismatch", err)
	}
}
