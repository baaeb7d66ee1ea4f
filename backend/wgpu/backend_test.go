// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpucmd"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

const triangleWGSL = `
@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(i) - 1);
    let y = f32(i32(i & 1u) * 2 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}
`

// recorder collects the hal calls made by the executor.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

type recordingDevice struct {
	hal.Device
	rec *recorder
}

func (d *recordingDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &recordingEncoder{CommandEncoder: enc, rec: d.rec}, nil
}

type recordingEncoder struct {
	hal.CommandEncoder
	rec *recorder
}

func (e *recordingEncoder) TransitionBuffers(barriers []hal.BufferBarrier) {
	for _, b := range barriers {
		e.rec.add("buffer %v->%v", b.Usage.OldUsage, b.Usage.NewUsage)
	}
	e.CommandEncoder.TransitionBuffers(barriers)
}

func (e *recordingEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	for _, b := range barriers {
		e.rec.add("texture %v->%v", b.Usage.OldUsage, b.Usage.NewUsage)
	}
	e.CommandEncoder.TransitionTextures(barriers)
}

func (e *recordingEncoder) ClearBuffer(buffer hal.Buffer, offset, size uint64) {
	e.rec.add("clear-buffer %d+%d", offset, size)
	e.CommandEncoder.ClearBuffer(buffer, offset, size)
}

func (e *recordingEncoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	for _, r := range regions {
		e.rec.add("copy-buffer %d->%d %d", r.SrcOffset, r.DstOffset, r.Size)
	}
	e.CommandEncoder.CopyBufferToBuffer(src, dst, regions)
}

func (e *recordingEncoder) CopyTextureToTexture(src, dst hal.Texture, regions []hal.TextureCopy) {
	e.rec.add("copy-texture %d", len(regions))
	e.CommandEncoder.CopyTextureToTexture(src, dst, regions)
}

func (e *recordingEncoder) ResolveQuerySet(qs hal.QuerySet, first, count uint32, dst hal.Buffer, offset uint64) {
	e.rec.add("resolve %d+%d", first, count)
	e.CommandEncoder.ResolveQuerySet(qs, first, count, dst, offset)
}

func (e *recordingEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	if tw := desc.TimestampWrites; tw != nil && tw.BeginningOfPassWriteIndex != nil {
		e.rec.add("timestamp %d", *tw.BeginningOfPassWriteIndex)
	} else {
		e.rec.add("compute-pass")
	}
	return &recordingComputePass{ComputePassEncoder: e.CommandEncoder.BeginComputePass(desc), rec: e.rec}
}

func (e *recordingEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	ops := make([]string, 0, len(desc.ColorAttachments))
	for _, a := range desc.ColorAttachments {
		ops = append(ops, fmt.Sprint(a.LoadOp))
	}
	if ds := desc.DepthStencilAttachment; ds != nil {
		ops = append(ops, fmt.Sprintf("depth:%v stencil:%v", ds.DepthLoadOp, ds.StencilLoadOp))
	}
	e.rec.add("render-pass %s", strings.Join(ops, ","))
	return &recordingRenderPass{RenderPassEncoder: e.CommandEncoder.BeginRenderPass(desc), rec: e.rec}
}

type recordingComputePass struct {
	hal.ComputePassEncoder
	rec *recorder
}

func (p *recordingComputePass) SetPipeline(pipeline hal.ComputePipeline) {
	p.rec.add("set-pipeline")
	p.ComputePassEncoder.SetPipeline(pipeline)
}

func (p *recordingComputePass) Dispatch(x, y, z uint32) {
	p.rec.add("dispatch %d,%d,%d", x, y, z)
	p.ComputePassEncoder.Dispatch(x, y, z)
}

func (p *recordingComputePass) End() {
	p.rec.add("end")
	p.ComputePassEncoder.End()
}

type recordingRenderPass struct {
	hal.RenderPassEncoder
	rec *recorder
}

func (p *recordingRenderPass) SetPipeline(pipeline hal.RenderPipeline) {
	p.rec.add("set-pipeline")
	p.RenderPassEncoder.SetPipeline(pipeline)
}

func (p *recordingRenderPass) SetViewport(x, y, w, h, minDepth, maxDepth float32) {
	p.rec.add("viewport %gx%g", w, h)
	p.RenderPassEncoder.SetViewport(x, y, w, h, minDepth, maxDepth)
}

func (p *recordingRenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	p.rec.add("draw %d", vertexCount)
	p.RenderPassEncoder.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

func (p *recordingRenderPass) DrawIndirect(buffer hal.Buffer, offset uint64) {
	p.rec.add("draw-indirect %d", offset)
	p.RenderPassEncoder.DrawIndirect(buffer, offset)
}

func (p *recordingRenderPass) End() {
	p.rec.add("end")
	p.RenderPassEncoder.End()
}

// openNoop opens a device on the noop hal backend.
func openNoop(t *testing.T) hal.OpenDevice {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("noop instance has no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return open
}

// newTestDevice runs a gpucmd device on a recording noop hal device.
func newTestDevice(t *testing.T) (*gpucmd.Device, *Backend, *gpucmd.CommandQueue, *recorder) {
	t.Helper()
	open := openNoop(t)
	rec := &recorder{}
	b := New(WithHALDevice(&recordingDevice{Device: open.Device, rec: rec}, open.Queue))
	dev := gpucmd.NewDevice(b)
	t.Cleanup(func() { _ = dev.Close() })

	q, err := dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeGraphics, Label: "test"})
	if err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	return dev, b, q, rec
}

func newBuffer(t *testing.T, dev *gpucmd.Device, label string, size uint64, usage gputypes.BufferUsage) *gpucmd.Buffer {
	t.Helper()
	buf, err := dev.CreateBuffer(gpucmd.BufferDesc{Label: label, Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer(%q) failed: %v", label, err)
	}
	return buf
}

func newTexture(t *testing.T, dev *gpucmd.Device, label string, mips uint32, usage gputypes.TextureUsage) *gpucmd.Texture {
	t.Helper()
	tex, err := dev.CreateTexture(gpucmd.TextureDesc{
		Label:         label,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Size:          gputypes.Extent3D{Width: 8, Height: 8, DepthOrArrayLayers: 1},
		MipLevelCount: mips,
		SampleCount:   1,
		Usage:         usage,
	})
	if err != nil {
		t.Fatalf("CreateTexture(%q) failed: %v", label, err)
	}
	return tex
}

func run(q *gpucmd.CommandQueue, record func(cb *gpucmd.CommandBuffer) error) error {
	cb, err := q.CreateCommandBuffer("test")
	if err != nil {
		return err
	}
	if err := record(cb); err != nil {
		return err
	}
	if err := cb.Close(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.SubmitAndWait(ctx, cb)
}

// skipWithoutNaga skips tests whose WGSL naga cannot compile yet.
func skipWithoutNaga(t *testing.T, wgsl string) {
	t.Helper()
	if _, err := compileShaderToSPIRV(wgsl); err != nil {
		t.Skipf("Skipping: naga feature not yet implemented: %v", err)
	}
}

func wantCalls(t *testing.T, got, want []string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Errorf("hal calls:\n got %q\nwant %q", got, want)
	}
}

func TestRegistered(t *testing.T) {
	if !gpucmd.IsRegistered(Name) {
		t.Fatalf("backend %q is not registered", Name)
	}
}

func TestOpenNoopAPI(t *testing.T) {
	b := New(WithAPI(noop.API{}))
	dev := gpucmd.NewDevice(b)
	defer dev.Close()

	if _, err := dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeCompute, Label: "q"}); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	info := b.Info()
	if info.Name != "Noop Adapter" {
		t.Errorf("Info().Name = %q, want %q", info.Name, "Noop Adapter")
	}
	if info.Backend != gputypes.BackendEmpty {
		t.Errorf("Info().Backend = %v, want %v", info.Backend, gputypes.BackendEmpty)
	}
	if !strings.Contains(info.String(), "Noop Adapter") {
		t.Errorf("Info().String() = %q", info.String())
	}
}

func TestConfigure(t *testing.T) {
	b := New()
	if err := b.Configure(WithSubmitTimeout(time.Second)); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if b.cfg.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", b.cfg.timeout)
	}
	if err := b.Configure("bogus"); !errors.Is(err, gpucmd.ErrInvalidArgument) {
		t.Errorf("Configure(string) = %v, want ErrInvalidArgument", err)
	}
}

func TestHALDeviceWithoutQueue(t *testing.T) {
	open := openNoop(t)
	b := New(WithHALDevice(open.Device, nil))
	if _, _, err := b.open(); !errors.Is(err, gpucmd.ErrInvalidArgument) {
		t.Errorf("open() = %v, want ErrInvalidArgument", err)
	}
}

func TestDeviceError(t *testing.T) {
	other := errors.New("other")
	tests := []struct {
		in   error
		want error
	}{
		{hal.ErrDeviceLost, gpucmd.ErrDeviceLost},
		{fmt.Errorf("submit: %w", hal.ErrDeviceLost), gpucmd.ErrDeviceLost},
		{hal.ErrDeviceOutOfMemory, gpucmd.ErrOutOfMemory},
		{other, other},
	}
	for _, tt := range tests {
		got := deviceError(tt.in)
		if !errors.Is(got, tt.want) {
			t.Errorf("deviceError(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if !errors.Is(got, tt.in) {
			t.Errorf("deviceError(%v) = %v, lost the hal error", tt.in, got)
		}
	}
	if deviceError(nil) != nil {
		t.Error("deviceError(nil) != nil")
	}
}

func TestSelectAdapterPrefersDiscrete(t *testing.T) {
	adapters := []hal.ExposedAdapter{
		{Info: gputypes.AdapterInfo{Name: "igpu", DeviceType: gputypes.DeviceTypeIntegratedGPU}},
		{Info: gputypes.AdapterInfo{Name: "dgpu", DeviceType: gputypes.DeviceTypeDiscreteGPU}},
	}
	got, ok := selectAdapter(adapters)
	if !ok || got.Info.Name != "dgpu" {
		t.Errorf("selectAdapter = %q, %v; want dgpu", got.Info.Name, ok)
	}
	got, ok = selectAdapter(adapters[:1])
	if !ok || got.Info.Name != "igpu" {
		t.Errorf("selectAdapter = %q, %v; want igpu", got.Info.Name, ok)
	}
	if _, ok := selectAdapter(nil); ok {
		t.Error("selectAdapter(nil) reported an adapter")
	}
}

func TestBufferRoundTrip(t *testing.T) {
	dev, _, _, _ := newTestDevice(t)
	buf := newBuffer(t, dev, "readback", 64, gputypes.BufferUsageMapRead)

	want := []byte("gpucmd wgpu backend")
	if err := dev.WriteBuffer(buf, 8, want); err != nil {
		t.Fatalf("WriteBuffer failed: %v", err)
	}
	got := make([]byte, len(want))
	if err := dev.ReadBuffer(buf, 8, got); err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadBuffer = %q, want %q", got, want)
	}
}

func TestReadBufferThroughStaging(t *testing.T) {
	dev, b, _, rec := newTestDevice(t)
	buf := newBuffer(t, dev, "storage", 64, gputypes.BufferUsageStorage)

	dst := make([]byte, 10)
	if err := dev.ReadBuffer(buf, 6, dst); err != nil {
		t.Fatalf("ReadBuffer failed: %v", err)
	}
	// The copy starts at the aligned offset and covers the padded range.
	wantCalls(t, rec.snapshot(), []string{"copy-buffer 4->0 12"})
	if got := b.Stats().Submissions; got != 1 {
		t.Errorf("Submissions = %d, want 1", got)
	}
}

func TestTransitionsTrackUsage(t *testing.T) {
	dev, b, q, rec := newTestDevice(t)
	src := newBuffer(t, dev, "src", 64, gputypes.BufferUsageCopySrc)
	dst := newBuffer(t, dev, "dst", 64, gputypes.BufferUsageCopyDst|gputypes.BufferUsageVertex)

	err := run(q, func(cb *gpucmd.CommandBuffer) error {
		if err := cb.SetBufferState(src, gpucmd.ResourceStateCopySource); err != nil {
			return err
		}
		if err := cb.SetBufferState(dst, gpucmd.ResourceStateCopyDestination); err != nil {
			return err
		}
		return cb.CopyBufferRegion(dst, 16, src, 0, 32)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsage(0), gputypes.BufferUsageCopySrc),
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsage(0), gputypes.BufferUsageCopyDst),
		"copy-buffer 0->16 32",
	})

	// The next transition starts from the committed usage.
	rec.reset()
	err = run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.SetBufferState(dst, gpucmd.ResourceStateVertexBuffer)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsageCopyDst, gputypes.BufferUsageVertex),
	})
	if got := b.Stats(); got.Batches != 2 || got.Commands != 4 {
		t.Errorf("Stats = %+v, want 2 batches and 4 commands", got)
	}
}

func TestBarrierChainsUsages(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	buf := newBuffer(t, dev, "buf", 64, gputypes.BufferUsageCopyDst|gputypes.BufferUsageVertex)

	err := run(q, func(cb *gpucmd.CommandBuffer) error {
		if err := cb.SetBufferState(buf, gpucmd.ResourceStateVertexBuffer); err != nil {
			return err
		}
		return cb.BufferBarrier(buf, gpucmd.ResourceStateVertexBuffer, gpucmd.ResourceStateCopyDestination)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsage(0), gputypes.BufferUsageVertex),
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsageVertex, gputypes.BufferUsageCopyDst),
	})
}

func TestUAVBarrier(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	buf := newBuffer(t, dev, "uav", 64, gputypes.BufferUsageStorage)

	if err := run(q, func(cb *gpucmd.CommandBuffer) error { return cb.UAVBarrier(buf) }); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{
		fmt.Sprintf("buffer %v->%v", gputypes.BufferUsageStorage, gputypes.BufferUsageStorage),
	})
}

func TestClearTexturePerSubresource(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	tex := newTexture(t, dev, "target", 2, gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc)

	err := run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.ClearTextureFloat(tex, [4]float32{1, 0, 0, 1})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	clear := fmt.Sprintf("render-pass %v", gputypes.LoadOpClear)
	wantCalls(t, rec.snapshot(), []string{clear, "end", clear, "end"})
}

func TestClearTextureNeedsRenderAttachment(t *testing.T) {
	dev, _, q, _ := newTestDevice(t)
	tex := newTexture(t, dev, "copy-only", 1, gputypes.TextureUsageCopyDst)

	err := run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.ClearTextureFloat(tex, [4]float32{})
	})
	if !errors.Is(err, gpucmd.ErrUnsupported) {
		t.Errorf("run = %v, want ErrUnsupported", err)
	}
}

func TestCopyTextureResource(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	src := newTexture(t, dev, "src", 3, gputypes.TextureUsageCopySrc)
	dst := newTexture(t, dev, "dst", 3, gputypes.TextureUsageCopyDst)

	if err := run(q, func(cb *gpucmd.CommandBuffer) error { return cb.CopyResource(dst, src) }); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{"copy-texture 3"})
}

func TestWriteTimestampAndResolve(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	pool, err := dev.CreateQueryPool(gpucmd.QueryPoolDesc{Label: "ts", Type: gpucmd.QueryTypeTimestamp, Count: 4})
	if err != nil {
		t.Fatalf("CreateQueryPool failed: %v", err)
	}
	out := newBuffer(t, dev, "ts out", 32, gputypes.BufferUsageQueryResolve|gputypes.BufferUsageCopyDst)

	err = run(q, func(cb *gpucmd.CommandBuffer) error {
		if err := cb.WriteTimestamp(pool, 2); err != nil {
			return err
		}
		return cb.ResolveQuery(pool, 0, 4, out, 0)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{"timestamp 2", "end", "resolve 0+4"})
}

func TestComputeSuspendsForBarrier(t *testing.T) {
	skipWithoutNaga(t, doubleWGSL)
	dev, b, q, rec := newTestDevice(t)
	data := newBuffer(t, dev, "data", 256, gputypes.BufferUsageStorage)

	p, err := dev.CreateComputePipeline(gpucmd.ComputePipelineDesc{
		Label:           "double",
		ThreadGroupSize: gpucmd.Size3{X: 64, Y: 1, Z: 1},
		Shader:          gpucmd.ShaderSource{WGSL: doubleWGSL},
		Bindings:        []gpucmd.BindingLayout{{Binding: 0, Type: gpucmd.BindingTypeStorageBuffer}},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline failed: %v", err)
	}
	so := gpucmd.NewShaderObject("double")
	if err := so.SetBuffer(0, gpucmd.BindingTypeStorageBuffer, data, 0, 256); err != nil {
		t.Fatalf("SetBuffer failed: %v", err)
	}

	err = run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.Compute(func(e *gpucmd.ComputeCommandEncoder) error {
			if err := e.BindPipelineWithShaderObject(p, so); err != nil {
				return err
			}
			if err := e.DispatchThreadGroups(gpucmd.Size3{X: 1, Y: 1, Z: 1}); err != nil {
				return err
			}
			if err := cb.UAVBarrier(data); err != nil {
				return err
			}
			return e.DispatchThreadGroups(gpucmd.Size3{X: 1, Y: 1, Z: 1})
		})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	uav := fmt.Sprintf("buffer %v->%v", gputypes.BufferUsageStorage, gputypes.BufferUsageStorage)
	wantCalls(t, rec.snapshot(), []string{
		"compute-pass", "set-pipeline", "dispatch 1,1,1", "end",
		uav,
		"compute-pass", "set-pipeline", "dispatch 1,1,1", "end",
	})
	if b.shaders.size() != 1 {
		t.Errorf("shader cache holds %d modules, want 1", b.shaders.size())
	}
}

func TestComputeMissingBinding(t *testing.T) {
	skipWithoutNaga(t, doubleWGSL)
	dev, _, q, _ := newTestDevice(t)

	p, err := dev.CreateComputePipeline(gpucmd.ComputePipelineDesc{
		Label:           "double",
		ThreadGroupSize: gpucmd.Size3{X: 64, Y: 1, Z: 1},
		Shader:          gpucmd.ShaderSource{WGSL: doubleWGSL},
		Bindings:        []gpucmd.BindingLayout{{Binding: 0, Type: gpucmd.BindingTypeStorageBuffer}},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline failed: %v", err)
	}
	err = run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.Compute(func(e *gpucmd.ComputeCommandEncoder) error {
			if err := e.BindPipelineWithShaderObject(p, gpucmd.NewShaderObject("empty")); err != nil {
				return err
			}
			return e.DispatchThreadGroups(gpucmd.Size3{X: 1, Y: 1, Z: 1})
		})
	})
	if err == nil {
		t.Fatal("dispatch with an unbound slot succeeded")
	}
}

func TestShaderCompileError(t *testing.T) {
	dev, _, _, _ := newTestDevice(t)
	_, err := dev.CreateComputePipeline(gpucmd.ComputePipelineDesc{
		Label:           "broken",
		ThreadGroupSize: gpucmd.Size3{X: 1, Y: 1, Z: 1},
		Shader:          gpucmd.ShaderSource{WGSL: "fn main( {"},
	})
	if !errors.Is(err, gpucmd.ErrInvalidArgument) {
		t.Errorf("CreateComputePipeline = %v, want ErrInvalidArgument", err)
	}
}

// renderSetup creates a render target, its framebuffer and a triangle
// pipeline.
func renderSetup(t *testing.T, dev *gpucmd.Device) (*gpucmd.Framebuffer, *gpucmd.GraphicsPipeline) {
	t.Helper()
	skipWithoutNaga(t, triangleWGSL)
	target := newTexture(t, dev, "rt", 1, gputypes.TextureUsageRenderAttachment)
	view, err := dev.CreateResourceView(target, gpucmd.ResourceViewDesc{
		Label:  "rt view",
		Type:   gpucmd.ViewTypeRenderTarget,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateResourceView failed: %v", err)
	}
	fb, err := dev.CreateFramebuffer(gpucmd.FramebufferDesc{
		Label: "fb",
		ColorAttachments: []gpucmd.ColorAttachment{{
			View:    view,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
		}},
	})
	if err != nil {
		t.Fatalf("CreateFramebuffer failed: %v", err)
	}
	p, err := dev.CreateGraphicsPipeline(gpucmd.GraphicsPipelineDesc{
		Label:        "triangle",
		Vertex:       gpucmd.ShaderSource{WGSL: triangleWGSL, EntryPoint: "vs_main"},
		Fragment:     gpucmd.ShaderSource{EntryPoint: "fs_main"},
		Topology:     gputypes.PrimitiveTopologyTriangleList,
		ColorFormats: []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	})
	if err != nil {
		t.Fatalf("CreateGraphicsPipeline failed: %v", err)
	}
	return fb, p
}

func TestRenderPassResumesWithLoad(t *testing.T) {
	dev, _, q, rec := newTestDevice(t)
	fb, p := renderSetup(t, dev)
	args := newBuffer(t, dev, "args", 64, gputypes.BufferUsageIndirect)
	pool, err := dev.CreateQueryPool(gpucmd.QueryPoolDesc{Label: "ts", Type: gpucmd.QueryTypeTimestamp, Count: 1})
	if err != nil {
		t.Fatalf("CreateQueryPool failed: %v", err)
	}

	err = run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.Render(fb, func(e *gpucmd.RenderCommandEncoder) error {
			if err := e.BindPipeline(p); err != nil {
				return err
			}
			if err := e.SetViewportAndScissorRect(gpucmd.Viewport{Width: 8, Height: 8, MaxDepth: 1}); err != nil {
				return err
			}
			if err := e.Draw(3, 0); err != nil {
				return err
			}
			// A timestamp ends the hal render pass.
			if err := cb.WriteTimestamp(pool, 0); err != nil {
				return err
			}
			return e.DrawIndirect(2, args, 0, nil)
		})
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	wantCalls(t, rec.snapshot(), []string{
		fmt.Sprintf("render-pass %v", gputypes.LoadOpClear),
		"viewport 8x8", "set-pipeline", "draw 3", "end",
		"timestamp 0", "end",
		fmt.Sprintf("render-pass %v", gputypes.LoadOpLoad),
		"viewport 8x8", "set-pipeline",
		"draw-indirect 0", fmt.Sprintf("draw-indirect %d", gpucmd.DrawIndirectStride), "end",
	})
}

func TestDrawIndirectCountUnsupported(t *testing.T) {
	dev, _, q, _ := newTestDevice(t)
	fb, p := renderSetup(t, dev)
	args := newBuffer(t, dev, "args", 64, gputypes.BufferUsageIndirect)
	count := newBuffer(t, dev, "count", 4, gputypes.BufferUsageIndirect)

	err := run(q, func(cb *gpucmd.CommandBuffer) error {
		return cb.Render(fb, func(e *gpucmd.RenderCommandEncoder) error {
			if err := e.BindPipeline(p); err != nil {
				return err
			}
			return e.DrawIndirect(4, args, 0, &gpucmd.IndirectCount{Buffer: count})
		})
	})
	if !errors.Is(err, gpucmd.ErrUnsupported) {
		t.Errorf("run = %v, want ErrUnsupported", err)
	}
}

func TestRayTracingUnsupported(t *testing.T) {
	dev, _, _, _ := newTestDevice(t)
	_, err := dev.CreateAccelerationStructure(gpucmd.AccelerationStructureDesc{Label: "blas", Size: 1024})
	if !errors.Is(err, gpucmd.ErrUnsupported) {
		t.Errorf("CreateAccelerationStructure = %v, want ErrUnsupported", err)
	}
	_, err = dev.CreateRayTracingPipeline(gpucmd.RayTracingPipelineDesc{Label: "rt"})
	if !errors.Is(err, gpucmd.ErrUnsupported) {
		t.Errorf("CreateRayTracingPipeline = %v, want ErrUnsupported", err)
	}
}

func TestExecuteAfterClose(t *testing.T) {
	open := openNoop(t)
	b := New(WithHALDevice(open.Device, open.Queue))
	if _, _, err := b.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := b.Execute(context.Background(), nil, &gpucmd.Batch{Label: "late"})
	if !errors.Is(err, gpucmd.ErrDeviceLost) {
		t.Errorf("Execute after Close = %v, want ErrDeviceLost", err)
	}
}
