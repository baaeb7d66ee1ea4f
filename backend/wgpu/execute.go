// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucmd"
)

type vertexBinding struct {
	buf    hal.Buffer
	offset uint64
}

type indexBinding struct {
	buf    hal.Buffer
	format gputypes.IndexFormat
	offset uint64
}

// executor translates one batch into a hal command encoder.
//
// hal passes cannot contain transitions or copies, so a pass is suspended
// whenever such a command appears inside an encoder and reopened, with its
// bound state restored, by the next command that needs it. A resumed render
// pass loads its attachments instead of clearing them again.
type executor struct {
	b       *Backend
	device  hal.Device
	encoder hal.CommandEncoder
	encoded int

	// Usages of this batch's transitions, committed after a successful
	// submission.
	bufUsage map[*buffer]gputypes.BufferUsage
	texUsage map[*texture]gputypes.TextureUsage

	// Transient objects released after the submission completes.
	groups []hal.BindGroup
	views  []hal.TextureView

	label string

	computePass  hal.ComputePassEncoder
	computePipe  *computePipeline
	computeGroup hal.BindGroup

	renderPass    hal.RenderPassEncoder
	framebuffer   *gpucmd.Framebuffer
	resumed       bool
	graphics      *graphicsPipeline
	graphicsGroup hal.BindGroup
	bound         hal.RenderPipeline
	topology      gputypes.PrimitiveTopology
	viewport      *gpucmd.Viewport
	scissor       *gpucmd.ScissorRect
	stencilRef    uint32
	vertex        map[uint32]vertexBinding
	index         *indexBinding
}

func (x *executor) encode(batch *gpucmd.Batch) error {
	enc, err := x.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: batch.Label})
	if err != nil {
		return deviceError(err)
	}
	x.encoder = enc
	x.bufUsage = make(map[*buffer]gputypes.BufferUsage)
	x.texUsage = make(map[*texture]gputypes.TextureUsage)
	x.resetEncoderState()
	if err := enc.BeginEncoding(batch.Label); err != nil {
		return deviceError(err)
	}

	for i, c := range batch.Commands {
		if err := x.exec(c); err != nil {
			x.suspend()
			enc.DiscardEncoding()
			return fmt.Errorf("command %d (%v): %w", i, c.Type(), err)
		}
		x.encoded++
	}
	x.suspend()
	return nil
}

func (x *executor) commitUsage() {
	for n, u := range x.bufUsage {
		n.usage = u
	}
	for n, u := range x.texUsage {
		n.usage = u
	}
}

func (x *executor) release() {
	for _, g := range x.groups {
		x.device.DestroyBindGroup(g)
	}
	for _, v := range x.views {
		x.device.DestroyTextureView(v)
	}
	if x.encoder != nil {
		x.encoder.Destroy()
	}
}

func (x *executor) exec(c gpucmd.Command) error {
	switch c := c.(type) {
	case *gpucmd.SetResourceStateCommand:
		switch r := c.Resource.(type) {
		case *gpucmd.Buffer:
			return x.transitionBuffer(r, nil, c.State)
		case *gpucmd.Texture:
			return x.transitionTexture(r, nil, c.State)
		}
		return fmt.Errorf("%w: resource %T", gpucmd.ErrInvalidArgument, c.Resource)
	case *gpucmd.SetResourceViewStateCommand:
		return x.transitionView(c.View, c.State)
	case *gpucmd.SetBufferStateCommand:
		return x.transitionBuffer(c.Buffer, nil, c.State)
	case *gpucmd.SetTextureStateCommand:
		return x.transitionTexture(c.Texture, nil, c.State)
	case *gpucmd.BufferBarrierCommand:
		return x.transitionBuffer(c.Buffer, &c.Old, c.New)
	case *gpucmd.TextureBarrierCommand:
		return x.transitionTexture(c.Texture, &c.Old, c.New)
	case *gpucmd.UAVBarrierCommand:
		return x.uavBarrier(c.Resource)

	case *gpucmd.ClearResourceViewCommand:
		if buf := c.View.Buffer(); buf != nil {
			return x.clearBufferView(c.View, buf, c.Value)
		}
		return x.clearTexture(c.View.Texture(), c.View.Format(), c.View.Subresources(), c.Value)
	case *gpucmd.ClearTextureCommand:
		return x.clearTexture(c.Texture, c.Texture.Format(), allSubresources(c.Texture), c.Value)
	case *gpucmd.CopyResourceCommand:
		return x.copyResource(c.Dst, c.Src)
	case *gpucmd.CopyBufferRegionCommand:
		dst, err := nativeBuffer(c.Dst)
		if err != nil {
			return err
		}
		src, err := nativeBuffer(c.Src)
		if err != nil {
			return err
		}
		x.encoder.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{{
			SrcOffset: c.SrcOffset,
			DstOffset: c.DstOffset,
			Size:      c.Size,
		}})
		return nil
	case *gpucmd.CopyTextureRegionCommand:
		return x.copyTextureRegion(c)

	case *gpucmd.WriteTimestampCommand:
		qs, err := nativeQuerySet(c.Pool)
		if err != nil {
			return err
		}
		// hal writes timestamps only at pass boundaries: an empty compute
		// pass stands in for a standalone timestamp.
		x.suspend()
		index := c.Index
		x.encoder.BeginComputePass(&hal.ComputePassDescriptor{
			Label: "timestamp",
			TimestampWrites: &hal.ComputePassTimestampWrites{
				QuerySet:                  qs.raw,
				BeginningOfPassWriteIndex: &index,
			},
		}).End()
		return nil
	case *gpucmd.ResolveQueryCommand:
		qs, err := nativeQuerySet(c.Pool)
		if err != nil {
			return err
		}
		dst, err := nativeBuffer(c.Buffer)
		if err != nil {
			return err
		}
		x.encoder.ResolveQuerySet(qs.raw, c.Index, c.Count, dst.raw, c.Offset)
		return nil

	case *gpucmd.BeginEncoderCommand:
		x.resetEncoderState()
		x.label = c.Label
		if c.Kind == gpucmd.EncoderKindRender {
			x.framebuffer = c.Framebuffer
			return x.ensureRenderPass()
		}
		return nil
	case *gpucmd.EndEncoderCommand:
		x.suspend()
		x.resetEncoderState()
		return nil

	case *gpucmd.BindComputePipelineCommand:
		return x.bindComputePipeline(c)
	case *gpucmd.DispatchCommand:
		x.ensureComputePass()
		x.computePass.Dispatch(c.Groups.X, c.Groups.Y, c.Groups.Z)
		return nil

	case *gpucmd.BindGraphicsPipelineCommand:
		return x.bindGraphicsPipeline(c)
	case *gpucmd.SetViewportsCommand:
		x.viewport = nil
		if len(c.Viewports) > 0 {
			vp := c.Viewports[0]
			x.viewport = &vp
		}
		x.applyViewport()
		return nil
	case *gpucmd.SetScissorRectsCommand:
		x.scissor = nil
		if len(c.Rects) > 0 {
			r := c.Rects[0]
			x.scissor = &r
		}
		x.applyScissor()
		return nil
	case *gpucmd.SetPrimitiveTopologyCommand:
		x.topology = c.Topology
		return nil
	case *gpucmd.SetStencilReferenceCommand:
		x.stencilRef = c.Reference
		if x.renderPass != nil {
			x.renderPass.SetStencilReference(c.Reference)
		}
		return nil
	case *gpucmd.SetVertexBufferCommand:
		n, err := nativeBuffer(c.Buffer)
		if err != nil {
			return err
		}
		x.vertex[c.Slot] = vertexBinding{buf: n.raw, offset: c.Offset}
		if x.renderPass != nil {
			x.renderPass.SetVertexBuffer(c.Slot, n.raw, c.Offset)
		}
		return nil
	case *gpucmd.SetIndexBufferCommand:
		n, err := nativeBuffer(c.Buffer)
		if err != nil {
			return err
		}
		x.index = &indexBinding{buf: n.raw, format: c.Format, offset: c.Offset}
		if x.renderPass != nil {
			x.renderPass.SetIndexBuffer(n.raw, c.Format, c.Offset)
		}
		return nil
	case *gpucmd.DrawCommand:
		if err := x.prepareDraw(); err != nil {
			return err
		}
		x.renderPass.Draw(c.VertexCount, c.InstanceCount, c.StartVertex, c.StartInstance)
		return nil
	case *gpucmd.DrawIndexedCommand:
		if err := x.prepareDraw(); err != nil {
			return err
		}
		x.renderPass.DrawIndexed(c.IndexCount, c.InstanceCount, c.StartIndex, c.BaseVertex, c.StartInstance)
		return nil
	case *gpucmd.DrawIndirectCommand:
		return x.drawIndirect(c)

	case *gpucmd.BindRayTracingPipelineCommand, *gpucmd.DispatchRaysCommand,
		*gpucmd.BuildAccelerationStructureCommand, *gpucmd.CopyAccelerationStructureCommand:
		return fmt.Errorf("%w: %v", gpucmd.ErrUnsupported, c.Type())
	}
	return fmt.Errorf("%w: command %v", gpucmd.ErrUnsupported, c.Type())
}

// suspend ends the open pass, if any.
func (x *executor) suspend() {
	if x.computePass != nil {
		x.computePass.End()
		x.computePass = nil
	}
	if x.renderPass != nil {
		x.renderPass.End()
		x.renderPass = nil
		x.resumed = true
	}
}

func (x *executor) resetEncoderState() {
	x.label = ""
	x.computePipe, x.computeGroup = nil, nil
	x.framebuffer, x.resumed = nil, false
	x.graphics, x.graphicsGroup, x.bound = nil, nil, nil
	x.topology = gputypes.PrimitiveTopologyTriangleList
	x.viewport, x.scissor = nil, nil
	x.stencilRef = 0
	x.vertex = make(map[uint32]vertexBinding)
	x.index = nil
}

func (x *executor) bufferUsage(n *buffer) gputypes.BufferUsage {
	if u, ok := x.bufUsage[n]; ok {
		return u
	}
	return n.usage
}

func (x *executor) textureUsage(n *texture) gputypes.TextureUsage {
	if u, ok := x.texUsage[n]; ok {
		return u
	}
	return n.usage
}

// transitionBuffer emits a buffer barrier. A nil old state uses the tracked
// usage of the buffer.
func (x *executor) transitionBuffer(buf *gpucmd.Buffer, old *gpucmd.ResourceState, to gpucmd.ResourceState) error {
	n, err := nativeBuffer(buf)
	if err != nil {
		return err
	}
	from := x.bufferUsage(n)
	if old != nil {
		from = gpucmd.BufferUsageFor(*old)
	}
	next := gpucmd.BufferUsageFor(to)
	x.suspend()
	x.encoder.TransitionBuffers([]hal.BufferBarrier{{
		Buffer: n.raw,
		Usage:  hal.BufferUsageTransition{OldUsage: from, NewUsage: next},
	}})
	x.bufUsage[n] = next
	return nil
}

func wholeTexture(t *gpucmd.Texture) hal.TextureRange {
	return hal.TextureRange{
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   t.MipLevelCount(),
		ArrayLayerCount: t.ArrayLayerCount(),
	}
}

func (x *executor) transitionTexture(t *gpucmd.Texture, old *gpucmd.ResourceState, to gpucmd.ResourceState) error {
	n, err := nativeTexture(t)
	if err != nil {
		return err
	}
	from := x.textureUsage(n)
	if old != nil {
		from = gpucmd.TextureUsageFor(*old)
	}
	next := gpucmd.TextureUsageFor(to)
	x.suspend()
	x.encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: n.raw,
		Range:   wholeTexture(t),
		Usage:   hal.TextureUsageTransition{OldUsage: from, NewUsage: next},
	}})
	x.texUsage[n] = next
	return nil
}

// transitionView transitions the sub-resources of a view. Usage is tracked
// per texture, so a view transition does not change the tracked usage.
func (x *executor) transitionView(v *gpucmd.ResourceView, to gpucmd.ResourceState) error {
	if buf := v.Buffer(); buf != nil {
		return x.transitionBuffer(buf, nil, to)
	}
	t := v.Texture()
	n, err := nativeTexture(t)
	if err != nil {
		return err
	}
	r := v.Desc().Range
	x.suspend()
	x.encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: n.raw,
		Range: hal.TextureRange{
			Aspect:          gputypes.TextureAspectAll,
			BaseMipLevel:    r.BaseMipLevel,
			MipLevelCount:   r.MipLevelCount,
			BaseArrayLayer:  r.BaseArrayLayer,
			ArrayLayerCount: r.ArrayLayerCount,
		},
		Usage: hal.TextureUsageTransition{OldUsage: x.textureUsage(n), NewUsage: gpucmd.TextureUsageFor(to)},
	}})
	return nil
}

// uavBarrier orders storage writes with a storage-to-storage transition.
func (x *executor) uavBarrier(r gpucmd.Resource) error {
	switch r := r.(type) {
	case *gpucmd.Buffer:
		n, err := nativeBuffer(r)
		if err != nil {
			return err
		}
		x.suspend()
		x.encoder.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: n.raw,
			Usage: hal.BufferUsageTransition{
				OldUsage: gputypes.BufferUsageStorage,
				NewUsage: gputypes.BufferUsageStorage,
			},
		}})
	case *gpucmd.Texture:
		n, err := nativeTexture(r)
		if err != nil {
			return err
		}
		x.suspend()
		x.encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: n.raw,
			Range:   wholeTexture(r),
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageStorageBinding,
				NewUsage: gputypes.TextureUsageStorageBinding,
			},
		}})
	}
	return nil
}

func allSubresources(t *gpucmd.Texture) []gpucmd.Subresource {
	out := make([]gpucmd.Subresource, 0, t.SubresourceCount())
	for l := range t.ArrayLayerCount() {
		for m := range t.MipLevelCount() {
			out = append(out, gpucmd.Subresource{MipLevel: m, ArrayLayer: l})
		}
	}
	return out
}

func clearColor(v gpucmd.ClearValue) gputypes.Color {
	if v.Kind == gpucmd.ClearKindUint {
		return gputypes.Color{R: float64(v.Uint[0]), G: float64(v.Uint[1]), B: float64(v.Uint[2]), A: float64(v.Uint[3])}
	}
	return gputypes.Color{R: float64(v.Float[0]), G: float64(v.Float[1]), B: float64(v.Float[2]), A: float64(v.Float[3])}
}

// clearTexture clears sub-resources with one clearing render pass each.
func (x *executor) clearTexture(t *gpucmd.Texture, format gputypes.TextureFormat, subs []gpucmd.Subresource, v gpucmd.ClearValue) error {
	desc := t.Desc()
	if desc.Usage&gputypes.TextureUsageRenderAttachment == 0 || desc.Dimension == gputypes.TextureDimension3D {
		return fmt.Errorf("%w: clearing texture %q needs a 2D render attachment", gpucmd.ErrUnsupported, t.Label())
	}
	n, err := nativeTexture(t)
	if err != nil {
		return err
	}
	for _, s := range subs {
		view, err := x.device.CreateTextureView(n.raw, &hal.TextureViewDescriptor{
			Label:           t.Label() + " clear",
			Format:          format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			BaseMipLevel:    s.MipLevel,
			MipLevelCount:   1,
			BaseArrayLayer:  s.ArrayLayer,
			ArrayLayerCount: 1,
		})
		if err != nil {
			return deviceError(err)
		}
		x.views = append(x.views, view)

		pass := &hal.RenderPassDescriptor{Label: "clear " + t.Label()}
		if format.IsDepthStencil() {
			ds := &hal.RenderPassDepthStencilAttachment{
				View:           view,
				DepthLoadOp:    gputypes.LoadOpLoad,
				DepthStoreOp:   gputypes.StoreOpStore,
				StencilLoadOp:  gputypes.LoadOpLoad,
				StencilStoreOp: gputypes.StoreOpStore,
			}
			if v.ClearDepth {
				ds.DepthLoadOp, ds.DepthClearValue = gputypes.LoadOpClear, v.Depth
			}
			if v.ClearStencil {
				ds.StencilLoadOp, ds.StencilClearValue = gputypes.LoadOpClear, v.Stencil
			}
			pass.DepthStencilAttachment = ds
		} else {
			pass.ColorAttachments = []hal.RenderPassColorAttachment{{
				View:       view,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: clearColor(v),
			}}
		}
		x.encoder.BeginRenderPass(pass).End()
	}
	return nil
}

// clearBufferView supports the zero clears hal can express.
func (x *executor) clearBufferView(v *gpucmd.ResourceView, buf *gpucmd.Buffer, val gpucmd.ClearValue) error {
	if val.Uint != [4]uint32{} || val.Float != [4]float32{} {
		return fmt.Errorf("%w: non-zero clear of buffer view %q", gpucmd.ErrUnsupported, v.Label())
	}
	n, err := nativeBuffer(buf)
	if err != nil {
		return err
	}
	d := v.Desc()
	x.encoder.ClearBuffer(n.raw, d.Offset, d.Size)
	return nil
}

func (x *executor) copyResource(dst, src gpucmd.Resource) error {
	switch s := src.(type) {
	case *gpucmd.Buffer:
		d, ok := dst.(*gpucmd.Buffer)
		if !ok {
			return fmt.Errorf("%w: copy from buffer to %T", gpucmd.ErrInvalidArgument, dst)
		}
		sn, err := nativeBuffer(s)
		if err != nil {
			return err
		}
		dn, err := nativeBuffer(d)
		if err != nil {
			return err
		}
		size := alignCopy(min(s.Size(), d.Size()))
		x.encoder.CopyBufferToBuffer(sn.raw, dn.raw, []hal.BufferCopy{{Size: size}})
		return nil
	case *gpucmd.Texture:
		d, ok := dst.(*gpucmd.Texture)
		if !ok {
			return fmt.Errorf("%w: copy from texture to %T", gpucmd.ErrInvalidArgument, dst)
		}
		sn, err := nativeTexture(s)
		if err != nil {
			return err
		}
		dn, err := nativeTexture(d)
		if err != nil {
			return err
		}
		subs := allSubresources(s)
		regions := make([]hal.TextureCopy, 0, len(subs))
		for _, sub := range subs {
			srcBase, size := subresourceCopy(s, sn.raw, sub)
			dstBase, _ := subresourceCopy(d, dn.raw, sub)
			regions = append(regions, hal.TextureCopy{SrcBase: srcBase, DstBase: dstBase, Size: size})
		}
		x.encoder.CopyTextureToTexture(sn.raw, dn.raw, regions)
		return nil
	}
	return fmt.Errorf("%w: resource %T", gpucmd.ErrInvalidArgument, src)
}

func (x *executor) copyTextureRegion(c *gpucmd.CopyTextureRegionCommand) error {
	sn, err := nativeTexture(c.Src)
	if err != nil {
		return err
	}
	dn, err := nativeTexture(c.Dst)
	if err != nil {
		return err
	}
	srcBase, _ := subresourceCopy(c.Src, sn.raw, c.SrcSubresource)
	srcBase.Origin.X, srcBase.Origin.Y = c.SrcOffset.X, c.SrcOffset.Y
	srcBase.Origin.Z += c.SrcOffset.Z
	dstBase, _ := subresourceCopy(c.Dst, dn.raw, c.DstSubresource)
	dstBase.Origin.X, dstBase.Origin.Y = c.DstOffset.X, c.DstOffset.Y
	dstBase.Origin.Z += c.DstOffset.Z
	x.encoder.CopyTextureToTexture(sn.raw, dn.raw, []hal.TextureCopy{{
		SrcBase: srcBase,
		DstBase: dstBase,
		Size:    halExtent(c.Extent),
	}})
	return nil
}

func (x *executor) bindComputePipeline(c *gpucmd.BindComputePipelineCommand) error {
	p, ok := c.Pipeline.Native().(*computePipeline)
	if !ok {
		return fmt.Errorf("%w: compute pipeline %q has no wgpu pipeline", gpucmd.ErrInvalidState, c.Pipeline.Label())
	}
	group, err := p.bindGroup(x.device, c.ShaderObject)
	if err != nil {
		return fmt.Errorf("bind %q: %w", c.Pipeline.Label(), err)
	}
	if group != nil {
		x.groups = append(x.groups, group)
	}
	x.computePipe, x.computeGroup = p, group
	if x.computePass != nil {
		x.applyCompute()
	}
	return nil
}

func (x *executor) ensureComputePass() {
	if x.computePass != nil {
		return
	}
	x.computePass = x.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: x.label})
	x.applyCompute()
}

func (x *executor) applyCompute() {
	if x.computePipe != nil {
		x.computePass.SetPipeline(x.computePipe.raw)
	}
	if x.computeGroup != nil {
		x.computePass.SetBindGroup(0, x.computeGroup, nil)
	}
}

func (x *executor) bindGraphicsPipeline(c *gpucmd.BindGraphicsPipelineCommand) error {
	p, ok := c.Pipeline.Native().(*graphicsPipeline)
	if !ok {
		return fmt.Errorf("%w: graphics pipeline %q has no wgpu pipeline", gpucmd.ErrInvalidState, c.Pipeline.Label())
	}
	group, err := p.bindGroup(x.device, c.ShaderObject)
	if err != nil {
		return fmt.Errorf("bind %q: %w", c.Pipeline.Label(), err)
	}
	if group != nil {
		x.groups = append(x.groups, group)
	}
	x.graphics, x.graphicsGroup, x.bound = p, group, nil
	x.topology = p.desc.Topology
	if x.renderPass != nil && group != nil {
		x.renderPass.SetBindGroup(0, group, nil)
	}
	return nil
}

func loadOp(op gputypes.LoadOp, resumed bool) gputypes.LoadOp {
	if resumed || op == gputypes.LoadOpUndefined {
		return gputypes.LoadOpLoad
	}
	return op
}

func storeOp(op gputypes.StoreOp) gputypes.StoreOp {
	if op == gputypes.StoreOpUndefined {
		return gputypes.StoreOpStore
	}
	return op
}

// ensureRenderPass opens the render pass of the active framebuffer and
// restores the bound state.
func (x *executor) ensureRenderPass() error {
	if x.renderPass != nil {
		return nil
	}
	if x.framebuffer == nil {
		return fmt.Errorf("%w: no framebuffer", gpucmd.ErrInvalidState)
	}
	fb := x.framebuffer.Desc()
	desc := &hal.RenderPassDescriptor{Label: x.label}
	for _, a := range fb.ColorAttachments {
		v, err := nativeView(a.View)
		if err != nil {
			return err
		}
		att := hal.RenderPassColorAttachment{
			View:       v.raw,
			LoadOp:     loadOp(a.LoadOp, x.resumed),
			StoreOp:    storeOp(a.StoreOp),
			ClearValue: a.ClearValue,
		}
		if a.ResolveTarget != nil {
			rv, err := nativeView(a.ResolveTarget)
			if err != nil {
				return err
			}
			att.ResolveTarget = rv.raw
		}
		desc.ColorAttachments = append(desc.ColorAttachments, att)
	}
	if ds := fb.DepthStencil; ds != nil {
		v, err := nativeView(ds.View)
		if err != nil {
			return err
		}
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              v.raw,
			DepthLoadOp:       loadOp(ds.DepthLoadOp, x.resumed),
			DepthStoreOp:      storeOp(ds.DepthStoreOp),
			DepthClearValue:   ds.DepthClearValue,
			DepthReadOnly:     ds.ReadOnly,
			StencilLoadOp:     loadOp(ds.StencilLoadOp, x.resumed),
			StencilStoreOp:    storeOp(ds.StencilStoreOp),
			StencilClearValue: ds.StencilClearValue,
			StencilReadOnly:   ds.ReadOnly,
		}
	}

	x.renderPass = x.encoder.BeginRenderPass(desc)
	x.bound = nil
	x.applyViewport()
	x.applyScissor()
	x.renderPass.SetStencilReference(x.stencilRef)
	for slot, vb := range x.vertex {
		x.renderPass.SetVertexBuffer(slot, vb.buf, vb.offset)
	}
	if x.index != nil {
		x.renderPass.SetIndexBuffer(x.index.buf, x.index.format, x.index.offset)
	}
	if x.graphicsGroup != nil {
		x.renderPass.SetBindGroup(0, x.graphicsGroup, nil)
	}
	return nil
}

func (x *executor) applyViewport() {
	if x.renderPass == nil || x.viewport == nil {
		return
	}
	vp := x.viewport
	x.renderPass.SetViewport(vp.X, vp.Y, vp.Width, vp.Height, vp.MinDepth, vp.MaxDepth)
}

func (x *executor) applyScissor() {
	if x.renderPass == nil || x.scissor == nil {
		return
	}
	r := x.scissor
	x.renderPass.SetScissorRect(r.X, r.Y, r.Width, r.Height)
}

// prepareDraw opens the render pass and binds the pipeline variant for the
// current topology.
func (x *executor) prepareDraw() error {
	if err := x.ensureRenderPass(); err != nil {
		return err
	}
	if x.graphics == nil {
		return gpucmd.ErrNoPipeline
	}
	rp, err := x.graphics.variant(x.device, x.topology)
	if err != nil {
		return err
	}
	if rp != x.bound {
		x.renderPass.SetPipeline(rp)
		x.bound = rp
	}
	return nil
}

// drawIndirect issues MaxDrawCount indirect draws. hal has no count-buffer
// variant, so GPU-written counts are unsupported.
func (x *executor) drawIndirect(c *gpucmd.DrawIndirectCommand) error {
	if c.Count != nil {
		return fmt.Errorf("%w: indirect draw with a count buffer", gpucmd.ErrUnsupported)
	}
	n, err := nativeBuffer(c.ArgBuffer)
	if err != nil {
		return err
	}
	if err := x.prepareDraw(); err != nil {
		return err
	}
	for i := range uint64(c.MaxDrawCount) {
		offset := c.ArgOffset + i*c.Stride()
		if c.Indexed {
			x.renderPass.DrawIndexedIndirect(n.raw, offset)
		} else {
			x.renderPass.DrawIndirect(n.raw, offset)
		}
	}
	return nil
}

func nativeQuerySet(p *gpucmd.QueryPool) (*querySet, error) {
	n, ok := p.Native().(*querySet)
	if !ok {
		return nil, fmt.Errorf("%w: query pool %q has no wgpu query set", gpucmd.ErrInvalidState, p.Label())
	}
	return n, nil
}
