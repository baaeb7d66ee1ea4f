// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"
	"golang.org/x/image/bmp"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gpucmd"
	"github.com/gogpu/gpucmd/backend/soft"
)

// env is what a scenario runs against.
type env struct {
	dev  *gpucmd.Device
	out  io.Writer
	p    *message.Printer
	dump string // BMP path for scenarios that read back an image
}

func (e *env) printf(format string, args ...any) {
	e.p.Fprintf(e.out, format, args...)
}

type scenario struct {
	about string
	run   func(ctx context.Context, e *env) error
}

var scenarios = map[string]scenario{
	"dispatch":   {"double 256 integers with a compute dispatch", runDispatch},
	"clear-copy": {"clear a texture and copy it to another", runClearCopy},
	"fence":      {"hand a buffer between two queues with a fence", runFence},
	"accel":      {"build a bottom- and top-level acceleration structure", runAccel},
}

func scenarioNames() []string {
	return slices.Sorted(maps.Keys(scenarios))
}

func newRunCmd(opts *options) *cobra.Command {
	var long strings.Builder
	long.WriteString("Run a scenario on the selected backend. Scenarios:\n\n")
	for _, name := range scenarioNames() {
		fmt.Fprintf(&long, "  %-11s %s\n", name, scenarios[name].about)
	}

	var dump string
	cmd := &cobra.Command{
		Use:       "run <scenario>",
		Short:     "Run a sample command buffer",
		Long:      long.String(),
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: scenarioNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := scenarios[args[0]]
			dev, err := opts.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			e := &env{
				dev:  dev,
				out:  cmd.OutOrStdout(),
				p:    message.NewPrinter(language.English),
				dump: dump,
			}
			start := time.Now()
			if err := sc.run(ctx, e); err != nil {
				if errors.Is(err, gpucmd.ErrUnsupported) {
					return fmt.Errorf("%s on %s: %w", args[0], opts.backend, err)
				}
				return fmt.Errorf("%s: %w", args[0], err)
			}
			e.printf("%s: ok on %s in %v\n", args[0], opts.backend, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&dump, "dump", "", "write the read-back image as BMP (clear-copy)")
	return cmd
}

// submit closes cb and waits for it on q.
func submit(ctx context.Context, q *gpucmd.CommandQueue, cb *gpucmd.CommandBuffer) error {
	if err := cb.Close(); err != nil {
		return err
	}
	return q.SubmitAndWait(ctx, cb)
}

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

// doubleKernel is the soft counterpart of doubleWGSL.
func doubleKernel(inv *soft.ComputeInvocation) error {
	mem := inv.Bindings.Buffer(0)
	inv.ForEachThread(func(id gpucmd.Size3) {
		v := binary.LittleEndian.Uint32(mem[id.X*4:])
		binary.LittleEndian.PutUint32(mem[id.X*4:], v*2)
	})
	return nil
}

func runDispatch(ctx context.Context, e *env) error {
	const n = 256
	q, err := e.dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeCompute, Label: "compute"})
	if err != nil {
		return err
	}
	data, err := e.dev.CreateBuffer(gpucmd.BufferDesc{
		Label: "data",
		Size:  n * 4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	in := make([]byte, n*4)
	for i := range uint32(n) {
		binary.LittleEndian.PutUint32(in[i*4:], i)
	}
	if err := e.dev.WriteBuffer(data, 0, in); err != nil {
		return err
	}

	p, err := e.dev.CreateComputePipeline(gpucmd.ComputePipelineDesc{
		Label:           "double",
		ThreadGroupSize: gpucmd.Size3{X: 64, Y: 1, Z: 1},
		Shader:          gpucmd.ShaderSource{WGSL: doubleWGSL, Host: soft.ComputeKernel(doubleKernel)},
		Bindings:        []gpucmd.BindingLayout{{Binding: 0, Type: gpucmd.BindingTypeStorageBuffer}},
	})
	if err != nil {
		return err
	}
	so := gpucmd.NewShaderObject("double")
	if err := so.SetBuffer(0, gpucmd.BindingTypeStorageBuffer, data, 0, 0); err != nil {
		return err
	}

	cb, err := q.CreateCommandBuffer("dispatch")
	if err != nil {
		return err
	}
	if err := cb.SetBufferState(data, gpucmd.ResourceStateUnorderedAccess); err != nil {
		return err
	}
	err = cb.Compute(func(enc *gpucmd.ComputeCommandEncoder) error {
		if err := enc.BindPipelineWithShaderObject(p, so); err != nil {
			return err
		}
		return enc.Dispatch(gpucmd.Size3{X: n, Y: 1, Z: 1})
	})
	if err != nil {
		return err
	}
	if err := cb.SetBufferState(data, gpucmd.ResourceStateCopySource); err != nil {
		return err
	}
	if err := submit(ctx, q, cb); err != nil {
		return err
	}

	got := make([]byte, n*4)
	if err := e.dev.ReadBuffer(data, 0, got); err != nil {
		return err
	}
	for i := range uint32(n) {
		if v := binary.LittleEndian.Uint32(got[i*4:]); v != i*2 {
			return fmt.Errorf("data[%d] = %d, want %d", i, v, i*2)
		}
	}
	e.printf("dispatch: %d values doubled\n", n)
	return nil
}

func runClearCopy(ctx context.Context, e *env) error {
	q, err := e.dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeGraphics, Label: "graphics"})
	if err != nil {
		return err
	}
	newTexture := func(label string, usage gputypes.TextureUsage) (*gpucmd.Texture, error) {
		return e.dev.CreateTexture(gpucmd.TextureDesc{
			Label:         label,
			Dimension:     gputypes.TextureDimension2D,
			Format:        gputypes.TextureFormatRGBA8Unorm,
			Size:          gputypes.Extent3D{Width: 16, Height: 16, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Usage:         usage,
		})
	}
	src, err := newTexture("src", gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc)
	if err != nil {
		return err
	}
	dst, err := newTexture("dst", gputypes.TextureUsageCopyDst|gputypes.TextureUsageCopySrc)
	if err != nil {
		return err
	}

	cb, err := q.CreateCommandBuffer("clear-copy")
	if err != nil {
		return err
	}
	steps := []func() error{
		func() error { return cb.SetTextureState(src, gpucmd.ResourceStateRenderTarget) },
		func() error { return cb.ClearTextureFloat(src, [4]float32{0, 0.5, 1, 1}) },
		func() error { return cb.SetTextureState(src, gpucmd.ResourceStateCopySource) },
		func() error { return cb.SetTextureState(dst, gpucmd.ResourceStateCopyDestination) },
		func() error { return cb.CopyResource(dst, src) },
		func() error { return cb.SetTextureState(dst, gpucmd.ResourceStateCopySource) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if err := submit(ctx, q, cb); err != nil {
		return err
	}

	pixels, err := e.dev.ReadTexture(dst, gpucmd.Subresource{})
	if err != nil {
		return err
	}
	want := []byte{0, 128, 255, 255}
	for i := 0; i < len(pixels); i += 4 {
		if !slices.Equal(pixels[i:i+4], want) {
			return fmt.Errorf("texel %d = %v, want %v", i/4, pixels[i:i+4], want)
		}
	}
	e.printf("clear-copy: %d texels match\n", len(pixels)/4)
	if e.dump == "" {
		return nil
	}
	return writeBMP(e.dump, &image.NRGBA{Pix: pixels, Stride: 16 * 4, Rect: image.Rect(0, 0, 16, 16)})
}

func writeBMP(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := bmp.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func runFence(ctx context.Context, e *env) error {
	const size = 64
	producer, err := e.dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeCompute, Label: "producer"})
	if err != nil {
		return err
	}
	consumer, err := e.dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeCompute, Label: "consumer"})
	if err != nil {
		return err
	}
	newBuffer := func(label string) (*gpucmd.Buffer, error) {
		return e.dev.CreateBuffer(gpucmd.BufferDesc{
			Label: label,
			Size:  size,
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
	}
	upload, err := newBuffer("upload")
	if err != nil {
		return err
	}
	shared, err := newBuffer("shared")
	if err != nil {
		return err
	}
	readback, err := newBuffer("readback")
	if err != nil {
		return err
	}
	payload := []byte(strings.Repeat("fenced!!", size/8))
	if err := e.dev.WriteBuffer(upload, 0, payload); err != nil {
		return err
	}

	fence := e.dev.CreateFence(gpucmd.FenceDesc{Label: "handoff"})

	// The consumer is queued first and blocks on the fence.
	if err := consumer.WaitFenceValue(fence, 1); err != nil {
		return err
	}
	read, err := consumer.CreateCommandBuffer("read")
	if err != nil {
		return err
	}
	if err := copyBuffer(read, readback, shared, size); err != nil {
		return err
	}
	if err := read.Close(); err != nil {
		return err
	}
	if err := consumer.Submit(read); err != nil {
		return err
	}

	write, err := producer.CreateCommandBuffer("write")
	if err != nil {
		return err
	}
	if err := copyBuffer(write, shared, upload, size); err != nil {
		return err
	}
	if err := submit(ctx, producer, write); err != nil {
		return err
	}
	if err := producer.SignalValue(fence, 1); err != nil {
		return err
	}
	if err := consumer.Wait(ctx); err != nil {
		return err
	}

	got := make([]byte, size)
	if err := e.dev.ReadBuffer(readback, 0, got); err != nil {
		return err
	}
	if string(got) != string(payload) {
		return fmt.Errorf("readback = %q, want %q", got, payload)
	}
	e.printf("fence: %d bytes handed over at value %d\n", size, fence.Value())
	return nil
}

// copyBuffer records src and dst transitions followed by the copy.
func copyBuffer(cb *gpucmd.CommandBuffer, dst, src *gpucmd.Buffer, size uint64) error {
	if err := cb.SetBufferState(src, gpucmd.ResourceStateCopySource); err != nil {
		return err
	}
	if err := cb.SetBufferState(dst, gpucmd.ResourceStateCopyDestination); err != nil {
		return err
	}
	return cb.CopyBufferRegion(dst, 0, src, 0, size)
}

func runAccel(ctx context.Context, e *env) error {
	q, err := e.dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeCompute, Label: "builds"})
	if err != nil {
		return err
	}
	upload := func(label string, data []byte) (*gpucmd.Buffer, error) {
		buf, err := e.dev.CreateBuffer(gpucmd.BufferDesc{
			Label: label,
			Size:  uint64(len(data)),
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, err
		}
		return buf, e.dev.WriteBuffer(buf, 0, data)
	}

	verts := []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}
	raw := make([]byte, 4*len(verts))
	for i, f := range verts {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	vb, err := upload("vertices", raw)
	if err != nil {
		return err
	}
	bottom := gpucmd.AccelerationStructureBuildInputs{
		Kind: gpucmd.AccelerationStructureKindBottomLevel,
		Geometry: []gpucmd.AccelerationStructureGeometry{{
			Type:      gpucmd.GeometryTypeTriangles,
			Flags:     gpucmd.GeometryFlagOpaque,
			Triangles: gpucmd.TriangleGeometry{VertexBuffer: vb, VertexStride: 12, VertexCount: 3},
		}},
	}
	blas, blasScratch, err := allocAccel(e.dev, "blas", bottom)
	if err != nil {
		return err
	}

	inst := make([]byte, gpucmd.InstanceStride)
	gpucmd.EncodeInstance(inst, gpucmd.AccelerationStructureInstance{
		Transform:   gpucmd.IdentityTransform,
		Mask:        0xFF,
		BottomLevel: blas.DeviceAddress(),
	})
	instances, err := upload("instances", inst)
	if err != nil {
		return err
	}
	top := gpucmd.AccelerationStructureBuildInputs{
		Kind:           gpucmd.AccelerationStructureKindTopLevel,
		InstanceBuffer: instances,
		InstanceCount:  1,
	}
	tlas, tlasScratch, err := allocAccel(e.dev, "tlas", top)
	if err != nil {
		return err
	}

	cb, err := q.CreateCommandBuffer("build")
	if err != nil {
		return err
	}
	for _, r := range []gpucmd.Resource{vb, instances} {
		if err := cb.SetResourceState(r, gpucmd.ResourceStateAccelerationStructureBuildInput); err != nil {
			return err
		}
	}
	for _, s := range []gpucmd.BufferOffset{blasScratch, tlasScratch} {
		if err := cb.SetBufferState(s.Buffer, gpucmd.ResourceStateUnorderedAccess); err != nil {
			return err
		}
	}
	err = cb.RayTracing(func(enc *gpucmd.RayTracingCommandEncoder) error {
		if err := enc.BuildAccelerationStructure(bottom, blas, blasScratch, nil); err != nil {
			return err
		}
		return enc.BuildAccelerationStructure(top, tlas, tlasScratch, nil)
	})
	if err != nil {
		return err
	}
	if err := submit(ctx, q, cb); err != nil {
		return err
	}
	if !blas.Built() || !tlas.Built() {
		return errors.New("acceleration structures not built after completion")
	}
	e.printf("accel: blas %d bytes, tlas %d bytes\n", blas.Size(), tlas.Size())
	return nil
}

// allocAccel sizes and allocates an acceleration structure and its scratch
// buffer.
func allocAccel(dev *gpucmd.Device, label string, in gpucmd.AccelerationStructureBuildInputs) (*gpucmd.AccelerationStructure, gpucmd.BufferOffset, error) {
	sizes, err := dev.AccelerationStructureSizes(in)
	if err != nil {
		return nil, gpucmd.BufferOffset{}, err
	}
	as, err := dev.CreateAccelerationStructure(gpucmd.AccelerationStructureDesc{
		Label: label,
		Kind:  in.Kind,
		Size:  sizes.AccelerationStructureSize,
	})
	if err != nil {
		return nil, gpucmd.BufferOffset{}, err
	}
	scratch, err := dev.CreateBuffer(gpucmd.BufferDesc{
		Label: label + " scratch",
		Size:  max(sizes.ScratchSize, 4),
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, gpucmd.BufferOffset{}, err
	}
	return as, gpucmd.BufferOffset{Buffer: scratch}, nil
}
