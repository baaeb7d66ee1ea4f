// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
)

// RenderCommandEncoder records draw commands into a framebuffer.
//
// A pipeline must be bound before the first draw. Viewport, scissor,
// vertex and index state persist across draws until overwritten.
//
// State Machine:
//
//	Active -> End() -> Ended
type RenderCommandEncoder struct {
	encoderBase

	framebuffer *Framebuffer
	pipeline    *GraphicsPipeline
	indexBuffer *Buffer
	indexFormat gputypes.IndexFormat
}

// Framebuffer returns the render targets of the encoder.
func (e *RenderCommandEncoder) Framebuffer() *Framebuffer { return e.framebuffer }

// slots returns how many viewports and scissor rectangles may be set.
func (e *RenderCommandEncoder) slots() int {
	return max(len(e.framebuffer.desc.ColorAttachments), 1)
}

// BindPipeline binds a graphics pipeline.
func (e *RenderCommandEncoder) BindPipeline(p *GraphicsPipeline) error {
	return e.BindPipelineWithShaderObject(p, nil)
}

// BindPipelineWithShaderObject binds a graphics pipeline with the shader
// object supplying its resources.
func (e *RenderCommandEncoder) BindPipelineWithShaderObject(p *GraphicsPipeline, so *ShaderObject) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("bind graphics pipeline: %w", err)
	}
	if p == nil {
		return fmt.Errorf("bind graphics pipeline: %w", ErrNilResource)
	}
	so, err := e.bindShaderObject(so)
	if err != nil {
		return fmt.Errorf("bind graphics pipeline: %w", err)
	}
	if err := e.recordLocked(&BindGraphicsPipelineCommand{Pipeline: p, ShaderObject: so}); err != nil {
		return err
	}
	e.pipeline = p
	return nil
}

// SetViewports sets one viewport per render-target slot, in slot order.
func (e *RenderCommandEncoder) SetViewports(viewports []Viewport) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("set viewports: %w", err)
	}
	if len(viewports) == 0 || len(viewports) > e.slots() {
		return fmt.Errorf("set viewports: %w: %d viewports for %d slots", ErrInvalidArgument, len(viewports), e.slots())
	}
	for i, v := range viewports {
		if v.Width <= 0 || v.Height <= 0 || v.MinDepth > v.MaxDepth {
			return fmt.Errorf("set viewports: %w: viewport %d %+v", ErrInvalidArgument, i, v)
		}
	}
	return e.recordLocked(&SetViewportsCommand{Viewports: append([]Viewport(nil), viewports...)})
}

// SetScissorRects sets one scissor rectangle per render-target slot.
func (e *RenderCommandEncoder) SetScissorRects(rects []ScissorRect) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("set scissor rects: %w", err)
	}
	if len(rects) == 0 || len(rects) > e.slots() {
		return fmt.Errorf("set scissor rects: %w: %d rects for %d slots", ErrInvalidArgument, len(rects), e.slots())
	}
	return e.recordLocked(&SetScissorRectsCommand{Rects: append([]ScissorRect(nil), rects...)})
}

// SetViewportAndScissorRect sets a single viewport and a scissor rectangle
// covering the same region.
func (e *RenderCommandEncoder) SetViewportAndScissorRect(v Viewport) error {
	if err := e.SetViewports([]Viewport{v}); err != nil {
		return err
	}
	x0, y0 := math.Floor(float64(max(v.X, 0))), math.Floor(float64(max(v.Y, 0)))
	x1, y1 := math.Ceil(float64(v.X+v.Width)), math.Ceil(float64(v.Y+v.Height))
	return e.SetScissorRects([]ScissorRect{{
		X:      uint32(x0),
		Y:      uint32(y0),
		Width:  uint32(max(x1-x0, 0)),
		Height: uint32(max(y1-y0, 0)),
	}})
}

// SetPrimitiveTopology overrides the topology of the bound pipeline.
func (e *RenderCommandEncoder) SetPrimitiveTopology(t gputypes.PrimitiveTopology) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordLocked(&SetPrimitiveTopologyCommand{Topology: t})
}

// SetStencilReference sets the stencil reference value.
func (e *RenderCommandEncoder) SetStencilReference(ref uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordLocked(&SetStencilReferenceCommand{Reference: ref})
}

// SetVertexBuffer binds buf to a vertex buffer slot.
func (e *RenderCommandEncoder) SetVertexBuffer(slot uint32, buf *Buffer, offset uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("set vertex buffer: %w", err)
	}
	if err := e.cb.checkResource(buf); err != nil {
		return fmt.Errorf("set vertex buffer: %w", err)
	}
	if offset > buf.Size() {
		return fmt.Errorf("set vertex buffer: %w: offset %d of %q", ErrOutOfBounds, offset, buf.Label())
	}
	if err := checkStateUsage(buf, ResourceStateVertexBuffer); err != nil {
		return fmt.Errorf("set vertex buffer: %w", err)
	}
	return e.recordLocked(&SetVertexBufferCommand{Slot: slot, Buffer: buf, Offset: offset})
}

// SetIndexBuffer binds the index buffer.
func (e *RenderCommandEncoder) SetIndexBuffer(buf *Buffer, format gputypes.IndexFormat, offset uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("set index buffer: %w", err)
	}
	if err := e.cb.checkResource(buf); err != nil {
		return fmt.Errorf("set index buffer: %w", err)
	}
	if format != gputypes.IndexFormatUint16 && format != gputypes.IndexFormatUint32 {
		return fmt.Errorf("set index buffer: %w: index format %v", ErrInvalidArgument, format)
	}
	if offset > buf.Size() || offset%uint64(format.Size()) != 0 {
		return fmt.Errorf("set index buffer: %w: offset %d of %q", ErrOutOfBounds, offset, buf.Label())
	}
	if err := checkStateUsage(buf, ResourceStateIndexBuffer); err != nil {
		return fmt.Errorf("set index buffer: %w", err)
	}
	if err := e.recordLocked(&SetIndexBufferCommand{Buffer: buf, Format: format, Offset: offset}); err != nil {
		return err
	}
	e.indexBuffer, e.indexFormat = buf, format
	return nil
}

// checkDraw returns an error if a draw cannot be recorded.
// The caller must hold e.mu.
func (e *RenderCommandEncoder) checkDraw(indexed bool) error {
	if err := e.checkActive(); err != nil {
		return err
	}
	if e.pipeline == nil {
		return ErrNoPipeline
	}
	if indexed && e.indexBuffer == nil {
		return ErrNoIndexBuffer
	}
	return nil
}

// Draw draws vertexCount vertices of a single instance.
func (e *RenderCommandEncoder) Draw(vertexCount, startVertex uint32) error {
	return e.DrawInstanced(vertexCount, 1, startVertex, 0)
}

// DrawIndexed draws indexCount indices of a single instance.
func (e *RenderCommandEncoder) DrawIndexed(indexCount, startIndex uint32, baseVertex int32) error {
	return e.DrawIndexedInstanced(indexCount, 1, startIndex, baseVertex, 0)
}

// DrawInstanced draws instanceCount instances of vertexCount vertices.
func (e *RenderCommandEncoder) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkDraw(false); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	return e.recordLocked(&DrawCommand{
		VertexCount:   vertexCount,
		InstanceCount: instanceCount,
		StartVertex:   startVertex,
		StartInstance: startInstance,
	})
}

// DrawIndexedInstanced draws instanceCount instances of indexCount indices.
func (e *RenderCommandEncoder) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkDraw(true); err != nil {
		return fmt.Errorf("draw indexed: %w", err)
	}
	return e.recordLocked(&DrawIndexedCommand{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		StartIndex:    startIndex,
		BaseVertex:    baseVertex,
		StartInstance: startInstance,
	})
}

// DrawIndirect issues non-indexed draws with arguments read from argBuf.
// With a nil count exactly maxDrawCount draws run; otherwise the count is
// read from GPU memory when the buffer executes and clamped to
// maxDrawCount.
func (e *RenderCommandEncoder) DrawIndirect(maxDrawCount uint32, argBuf *Buffer, argOffset uint64, count *IndirectCount) error {
	return e.drawIndirect(false, maxDrawCount, argBuf, argOffset, count)
}

// DrawIndexedIndirect is the indexed form of DrawIndirect.
func (e *RenderCommandEncoder) DrawIndexedIndirect(maxDrawCount uint32, argBuf *Buffer, argOffset uint64, count *IndirectCount) error {
	return e.drawIndirect(true, maxDrawCount, argBuf, argOffset, count)
}

func (e *RenderCommandEncoder) drawIndirect(indexed bool, maxDrawCount uint32, argBuf *Buffer, argOffset uint64, count *IndirectCount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	op := "draw indirect"
	if indexed {
		op = "draw indexed indirect"
	}
	if err := e.checkDraw(indexed); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := e.cb.checkResource(argBuf); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	cmd := &DrawIndirectCommand{
		Indexed:      indexed,
		MaxDrawCount: maxDrawCount,
		ArgBuffer:    argBuf,
		ArgOffset:    argOffset,
	}
	if argOffset%4 != 0 || argOffset+uint64(maxDrawCount)*cmd.Stride() > argBuf.Size() {
		return fmt.Errorf("%s: %w: %d records at %d in %q", op, ErrOutOfBounds, maxDrawCount, argOffset, argBuf.Label())
	}
	if err := checkStateUsage(argBuf, ResourceStateIndirectArgument); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count != nil {
		if err := e.cb.checkResource(count.Buffer); err != nil {
			return fmt.Errorf("%s: count: %w", op, err)
		}
		if count.Offset%4 != 0 || count.Offset+4 > count.Buffer.Size() {
			return fmt.Errorf("%s: %w: count at %d in %q", op, ErrOutOfBounds, count.Offset, count.Buffer.Label())
		}
		if err := checkStateUsage(count.Buffer, ResourceStateIndirectArgument); err != nil {
			return fmt.Errorf("%s: count: %w", op, err)
		}
		c := *count
		cmd.Count = &c
	}
	return e.recordLocked(cmd)
}
