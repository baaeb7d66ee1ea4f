// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucmd"
)

// executor replays one batch. Pipeline and render state live for the
// duration of an encoder, as they do on hardware.
type executor struct {
	b   *Backend
	ctx context.Context

	executed int

	framebuffer  *gpucmd.Framebuffer
	targets      []*Image
	depthStencil *Image

	compute          *computePipeline
	computeBindings  *Bindings
	graphics         *graphicsPipeline
	graphicsBindings *Bindings
	rayTracing       *rayTracingPipeline
	rayBindings      *Bindings

	topology    gputypes.PrimitiveTopology
	viewports   []gpucmd.Viewport
	scissors    []gpucmd.ScissorRect
	stencilRef  uint32
	vertex      map[uint32][]byte
	indexBuffer *gpucmd.Buffer
	indexFormat gputypes.IndexFormat
	indexOffset uint64
}

func (x *executor) run(batch *gpucmd.Batch) error {
	for i, c := range batch.Commands {
		if err := x.ctx.Err(); err != nil {
			return err
		}
		if err := x.exec(c); err != nil {
			return fmt.Errorf("command %d (%v): %w", i, c.Type(), err)
		}
		x.executed++
	}
	return nil
}

func (x *executor) exec(c gpucmd.Command) error {
	switch c := c.(type) {
	case *gpucmd.SetResourceStateCommand, *gpucmd.SetResourceViewStateCommand,
		*gpucmd.SetBufferStateCommand, *gpucmd.SetTextureStateCommand,
		*gpucmd.BufferBarrierCommand, *gpucmd.TextureBarrierCommand,
		*gpucmd.UAVBarrierCommand:
		// Host memory is coherent; transitions only matter to tracking.
		return nil

	case *gpucmd.ClearResourceViewCommand:
		return x.clearView(c.View, c.Value)
	case *gpucmd.ClearTextureCommand:
		return x.clearTexture(c.Texture, c.Value)
	case *gpucmd.CopyResourceCommand:
		return x.copyResource(c.Dst, c.Src)
	case *gpucmd.CopyBufferRegionCommand:
		dst, err := bufferRange(c.Dst, c.DstOffset, c.Size)
		if err != nil {
			return err
		}
		src, err := bufferRange(c.Src, c.SrcOffset, c.Size)
		if err != nil {
			return err
		}
		copy(dst, src)
		return nil
	case *gpucmd.CopyTextureRegionCommand:
		dst, err := textureMemory(c.Dst)
		if err != nil {
			return err
		}
		src, err := textureMemory(c.Src)
		if err != nil {
			return err
		}
		return copyRegion(dst, c.DstSubresource, c.DstOffset, src, c.SrcSubresource, c.SrcOffset, c.Extent)

	case *gpucmd.WriteTimestampCommand:
		qp, err := queryMemory(c.Pool)
		if err != nil {
			return err
		}
		qp.values[c.Index] = x.b.now()
		return nil
	case *gpucmd.ResolveQueryCommand:
		qp, err := queryMemory(c.Pool)
		if err != nil {
			return err
		}
		dst, err := bufferRange(c.Buffer, c.Offset, uint64(c.Count)*gpucmd.QueryResultSize)
		if err != nil {
			return err
		}
		for i := range c.Count {
			binary.LittleEndian.PutUint64(dst[i*gpucmd.QueryResultSize:], qp.values[c.Index+i])
		}
		return nil

	case *gpucmd.BeginEncoderCommand:
		x.resetEncoderState()
		if c.Kind == gpucmd.EncoderKindRender {
			return x.beginRender(c.Framebuffer)
		}
		return nil
	case *gpucmd.EndEncoderCommand:
		var err error
		if c.Kind == gpucmd.EncoderKindRender {
			err = x.endRender()
		}
		x.resetEncoderState()
		return err

	case *gpucmd.BindComputePipelineCommand:
		p, ok := c.Pipeline.Native().(*computePipeline)
		if !ok {
			return fmt.Errorf("%w: compute pipeline %q", gpucmd.ErrForeignObject, c.Pipeline.Label())
		}
		bs, err := newBindings(c.ShaderObject)
		if err != nil {
			return err
		}
		x.compute, x.computeBindings = p, bs
		return nil
	case *gpucmd.DispatchCommand:
		return x.dispatch(c)

	case *gpucmd.BindGraphicsPipelineCommand:
		p, ok := c.Pipeline.Native().(*graphicsPipeline)
		if !ok {
			return fmt.Errorf("%w: graphics pipeline %q", gpucmd.ErrForeignObject, c.Pipeline.Label())
		}
		bs, err := newBindings(c.ShaderObject)
		if err != nil {
			return err
		}
		x.graphics, x.graphicsBindings, x.topology = p, bs, p.topology
		return nil
	case *gpucmd.SetViewportsCommand:
		x.viewports = c.Viewports
		return nil
	case *gpucmd.SetScissorRectsCommand:
		x.scissors = c.Rects
		return nil
	case *gpucmd.SetPrimitiveTopologyCommand:
		x.topology = c.Topology
		return nil
	case *gpucmd.SetStencilReferenceCommand:
		x.stencilRef = c.Reference
		return nil
	case *gpucmd.SetVertexBufferCommand:
		mem, err := bufferMemory(c.Buffer)
		if err != nil {
			return err
		}
		x.vertex[c.Slot] = mem[c.Offset:]
		return nil
	case *gpucmd.SetIndexBufferCommand:
		x.indexBuffer, x.indexFormat, x.indexOffset = c.Buffer, c.Format, c.Offset
		return nil
	case *gpucmd.DrawCommand:
		return x.draw(&DrawCall{
			VertexCount:   c.VertexCount,
			InstanceCount: c.InstanceCount,
			StartVertex:   c.StartVertex,
			StartInstance: c.StartInstance,
		})
	case *gpucmd.DrawIndexedCommand:
		return x.draw(&DrawCall{
			Indexed:       true,
			IndexCount:    c.IndexCount,
			InstanceCount: c.InstanceCount,
			StartIndex:    c.StartIndex,
			BaseVertex:    c.BaseVertex,
			StartInstance: c.StartInstance,
		})
	case *gpucmd.DrawIndirectCommand:
		return x.drawIndirect(c)

	case *gpucmd.BindRayTracingPipelineCommand:
		p, ok := c.Pipeline.Native().(*rayTracingPipeline)
		if !ok {
			return fmt.Errorf("%w: ray-tracing pipeline %q", gpucmd.ErrForeignObject, c.Pipeline.Label())
		}
		bs, err := newBindings(c.ShaderObject)
		if err != nil {
			return err
		}
		x.rayTracing, x.rayBindings = p, bs
		return nil
	case *gpucmd.DispatchRaysCommand:
		return x.dispatchRays(c)
	case *gpucmd.BuildAccelerationStructureCommand:
		return x.b.build(&c.Desc)
	case *gpucmd.CopyAccelerationStructureCommand:
		return x.b.copyAccel(c)

	default:
		return fmt.Errorf("%w: command %v", gpucmd.ErrUnsupported, c.Type())
	}
}

func (x *executor) resetEncoderState() {
	x.framebuffer, x.targets, x.depthStencil = nil, nil, nil
	x.compute, x.computeBindings = nil, nil
	x.graphics, x.graphicsBindings = nil, nil
	x.rayTracing, x.rayBindings = nil, nil
	x.topology = gputypes.PrimitiveTopologyTriangleList
	x.viewports, x.scissors, x.stencilRef = nil, nil, 0
	x.vertex = make(map[uint32][]byte)
	x.indexBuffer, x.indexFormat, x.indexOffset = nil, gputypes.IndexFormatUndefined, 0
}

func (x *executor) clearView(v *gpucmd.ResourceView, val gpucmd.ClearValue) error {
	if buf := v.Buffer(); buf != nil {
		d := v.Desc()
		mem, err := bufferRange(buf, d.Offset, d.Size)
		if err != nil {
			return err
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], val.Uint[0])
		fill(mem, word[:])
		return nil
	}
	tex, err := textureMemory(v.Texture())
	if err != nil {
		return err
	}
	if gpucmd.TexelSize(v.Format()) != tex.texel {
		return fmt.Errorf("%w: view %q format %v on %v texture", gpucmd.ErrFormatMismatch, v.Label(), v.Format(), tex.format)
	}
	return clearSubresources(tex, v.Format(), v.Subresources(), val)
}

func (x *executor) clearTexture(t *gpucmd.Texture, val gpucmd.ClearValue) error {
	tex, err := textureMemory(t)
	if err != nil {
		return err
	}
	subs := make([]gpucmd.Subresource, 0, len(tex.subs))
	for l := range t.ArrayLayerCount() {
		for m := range t.MipLevelCount() {
			subs = append(subs, gpucmd.Subresource{MipLevel: m, ArrayLayer: l})
		}
	}
	return clearSubresources(tex, t.Format(), subs, val)
}

func clearSubresources(tex *texture, f gputypes.TextureFormat, subs []gpucmd.Subresource, val gpucmd.ClearValue) error {
	if val.Kind == gpucmd.ClearKindDepthStencil {
		for _, s := range subs {
			if err := clearDepthStencil(tex.sub(s), f, val); err != nil {
				return err
			}
		}
		return nil
	}
	texel, err := encodeTexel(f, val)
	if err != nil {
		return err
	}
	for _, s := range subs {
		fill(tex.sub(s), texel)
	}
	return nil
}

func (x *executor) copyResource(dst, src gpucmd.Resource) error {
	switch s := src.(type) {
	case *gpucmd.Buffer:
		smem, err := bufferMemory(s)
		if err != nil {
			return err
		}
		dmem, err := bufferMemory(dst.(*gpucmd.Buffer))
		if err != nil {
			return err
		}
		if len(dmem) != len(smem) {
			return fmt.Errorf("%w: copy of %d-byte %q into %d-byte %q",
				gpucmd.ErrInvalidArgument, len(smem), s.Label(), len(dmem), dst.Label())
		}
		copy(dmem, smem)
		return nil
	case *gpucmd.Texture:
		stex, err := textureMemory(s)
		if err != nil {
			return err
		}
		dtex, err := textureMemory(dst.(*gpucmd.Texture))
		if err != nil {
			return err
		}
		if stex.texel != dtex.texel || len(stex.subs) != len(dtex.subs) {
			return fmt.Errorf("%w: copy of %q into %q", gpucmd.ErrFormatMismatch, s.Label(), dst.Label())
		}
		for i := range stex.subs {
			if len(stex.subs[i]) != len(dtex.subs[i]) {
				return fmt.Errorf("%w: copy of %q into %q: extents differ", gpucmd.ErrInvalidArgument, s.Label(), dst.Label())
			}
		}
		for i := range stex.subs {
			copy(dtex.subs[i], stex.subs[i])
		}
		return nil
	default:
		return fmt.Errorf("%w: copy of %T", gpucmd.ErrInvalidArgument, src)
	}
}

func (x *executor) dispatch(c *gpucmd.DispatchCommand) error {
	p := x.compute
	if p == nil {
		return gpucmd.ErrNoPipeline
	}
	g := c.Groups
	n := uint64(g.X) * uint64(g.Y) * uint64(g.Z)
	x.b.dispatches.Add(1)
	x.b.threadGroups.Add(n)
	if p.kernel == nil {
		return nil
	}
	bindings := x.computeBindings
	return x.b.parallel(n, func(i uint64) error {
		id := gpucmd.Size3{
			X: uint32(i % uint64(g.X)),
			Y: uint32(i / uint64(g.X) % uint64(g.Y)),
			Z: uint32(i / (uint64(g.X) * uint64(g.Y))),
		}
		return p.kernel(&ComputeInvocation{
			Group:     id,
			GroupSize: p.groupSize,
			Groups:    g,
			Threads:   c.Threads,
			Bindings:  bindings,
		})
	})
}

func (x *executor) beginRender(fb *gpucmd.Framebuffer) error {
	x.framebuffer = fb
	desc := fb.Desc()
	for i, a := range desc.ColorAttachments {
		tex, err := textureMemory(a.View.Texture())
		if err != nil {
			return fmt.Errorf("color attachment %d: %w", i, err)
		}
		subs := a.View.Subresources()
		if a.LoadOp == gputypes.LoadOpClear {
			texel, err := encodeColor(a.View.Format(), a.ClearValue)
			if err != nil {
				return fmt.Errorf("color attachment %d: %w", i, err)
			}
			for _, s := range subs {
				fill(tex.sub(s), texel)
			}
		}
		x.targets = append(x.targets, tex.image(subs[0], a.View.Format()))
	}

	ds := desc.DepthStencil
	if ds == nil {
		return nil
	}
	tex, err := textureMemory(ds.View.Texture())
	if err != nil {
		return fmt.Errorf("depth-stencil attachment: %w", err)
	}
	subs := ds.View.Subresources()
	f := ds.View.Format()
	val := gpucmd.ClearValue{
		Kind:         gpucmd.ClearKindDepthStencil,
		Depth:        ds.DepthClearValue,
		Stencil:      ds.StencilClearValue,
		ClearDepth:   !ds.ReadOnly && ds.DepthLoadOp == gputypes.LoadOpClear && f.HasDepth(),
		ClearStencil: !ds.ReadOnly && ds.StencilLoadOp == gputypes.LoadOpClear && f.HasStencil(),
	}
	if val.ClearDepth || val.ClearStencil {
		if err := clearSubresources(tex, f, subs, val); err != nil {
			return fmt.Errorf("depth-stencil attachment: %w", err)
		}
	}
	x.depthStencil = tex.image(subs[0], f)
	return nil
}

// endRender copies color attachments into their resolve targets.
func (x *executor) endRender() error {
	if x.framebuffer == nil {
		return nil
	}
	for i, a := range x.framebuffer.Desc().ColorAttachments {
		if a.ResolveTarget == nil {
			continue
		}
		dst, err := textureMemory(a.ResolveTarget.Texture())
		if err != nil {
			return fmt.Errorf("resolve target %d: %w", i, err)
		}
		src := x.targets[i]
		sub := a.ResolveTarget.Subresources()[0]
		if len(dst.sub(sub)) != len(src.Data) {
			return fmt.Errorf("%w: resolve target %d size", gpucmd.ErrInvalidArgument, i)
		}
		copy(dst.sub(sub), src.Data)
	}
	return nil
}

func (x *executor) draw(call *DrawCall) error {
	if x.graphics == nil {
		return gpucmd.ErrNoPipeline
	}
	x.b.draws.Add(1)
	if x.graphics.program == nil {
		return nil
	}
	if call.Indexed {
		idx, err := x.indices(call.StartIndex, call.IndexCount)
		if err != nil {
			return err
		}
		call.Indices = idx
	}
	call.Topology = x.topology
	call.Viewports = x.viewports
	call.Scissors = x.scissors
	call.StencilReference = x.stencilRef
	call.Targets = x.targets
	call.DepthStencil = x.depthStencil
	call.Bindings = x.graphicsBindings
	call.vertex = x.vertex
	return x.graphics.program(call)
}

func (x *executor) indices(start, count uint32) ([]uint32, error) {
	if x.indexBuffer == nil {
		return nil, gpucmd.ErrNoIndexBuffer
	}
	size := uint64(x.indexFormat.Size())
	raw, err := bufferRange(x.indexBuffer, x.indexOffset+uint64(start)*size, uint64(count)*size)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		if size == 2 {
			out[i] = uint32(binary.LittleEndian.Uint16(raw[i*2:]))
		} else {
			out[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
	}
	return out, nil
}

func (x *executor) drawIndirect(c *gpucmd.DrawIndirectCommand) error {
	stride := c.Stride()
	args, err := bufferRange(c.ArgBuffer, c.ArgOffset, uint64(c.MaxDrawCount)*stride)
	if err != nil {
		return err
	}
	count := c.MaxDrawCount
	if c.Count != nil {
		raw, err := bufferRange(c.Count.Buffer, c.Count.Offset, 4)
		if err != nil {
			return fmt.Errorf("draw count: %w", err)
		}
		count = min(binary.LittleEndian.Uint32(raw), c.MaxDrawCount)
	}
	for i := range count {
		rec := args[uint64(i)*stride:]
		var call DrawCall
		if c.Indexed {
			a := gpucmd.DecodeDrawIndexedIndirectArgs(rec)
			call = DrawCall{
				Indexed:       true,
				IndexCount:    a.IndexCount,
				InstanceCount: a.InstanceCount,
				StartIndex:    a.StartIndex,
				BaseVertex:    a.BaseVertex,
				StartInstance: a.StartInstance,
			}
		} else {
			a := gpucmd.DecodeDrawIndirectArgs(rec)
			call = DrawCall{
				VertexCount:   a.VertexCount,
				InstanceCount: a.InstanceCount,
				StartVertex:   a.StartVertex,
				StartInstance: a.StartInstance,
			}
		}
		call.DrawIndex = i
		if err := x.draw(&call); err != nil {
			return fmt.Errorf("indirect draw %d: %w", i, err)
		}
	}
	return nil
}

func (x *executor) dispatchRays(c *gpucmd.DispatchRaysCommand) error {
	p := x.rayTracing
	if p == nil {
		return gpucmd.ErrNoPipeline
	}
	table := c.ShaderTable.Desc()
	if int(c.RayGenIndex) >= len(table.RayGen) {
		return fmt.Errorf("%w: ray-gen record %d", gpucmd.ErrOutOfBounds, c.RayGenIndex)
	}
	prog := p.rayGen[table.RayGen[c.RayGenIndex]]
	if prog == nil {
		return nil
	}
	rd := &rayDispatch{b: x.b, pipeline: p, table: table}
	dims := c.Dimensions
	bindings := x.rayBindings
	n := uint64(dims.X) * uint64(dims.Y) * uint64(dims.Z)
	return x.b.parallel(n, func(i uint64) error {
		id := gpucmd.Size3{
			X: uint32(i % uint64(dims.X)),
			Y: uint32(i / uint64(dims.X) % uint64(dims.Y)),
			Z: uint32(i / (uint64(dims.X) * uint64(dims.Y))),
		}
		return prog(&RayInvocation{LaunchID: id, LaunchSize: dims, Bindings: bindings, rt: rd})
	})
}
