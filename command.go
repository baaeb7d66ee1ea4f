// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
)

// CommandType identifies a recorded command.
type CommandType uint8

const (
	// State and barrier commands
	CmdSetResourceState CommandType = iota
	CmdSetResourceViewState
	CmdSetBufferState
	CmdSetTextureState
	CmdBufferBarrier
	CmdTextureBarrier
	CmdUAVBarrier

	// Transfer commands
	CmdClearResourceView
	CmdClearTexture
	CmdCopyResource
	CmdCopyBufferRegion
	CmdCopyTextureRegion

	// Query commands
	CmdWriteTimestamp
	CmdResolveQuery

	// Encoder scope markers
	CmdBeginEncoder
	CmdEndEncoder

	// Compute commands
	CmdBindComputePipeline
	CmdDispatch

	// Render commands
	CmdBindGraphicsPipeline
	CmdSetViewports
	CmdSetScissorRects
	CmdSetPrimitiveTopology
	CmdSetStencilReference
	CmdSetVertexBuffer
	CmdSetIndexBuffer
	CmdDraw
	CmdDrawIndexed
	CmdDrawIndirect

	// Ray tracing commands
	CmdBindRayTracingPipeline
	CmdDispatchRays
	CmdBuildAccelerationStructure
	CmdCopyAccelerationStructure
)

var commandTypeNames = [...]string{
	CmdSetResourceState:           "SetResourceState",
	CmdSetResourceViewState:       "SetResourceViewState",
	CmdSetBufferState:             "SetBufferState",
	CmdSetTextureState:            "SetTextureState",
	CmdBufferBarrier:              "BufferBarrier",
	CmdTextureBarrier:             "TextureBarrier",
	CmdUAVBarrier:                 "UAVBarrier",
	CmdClearResourceView:          "ClearResourceView",
	CmdClearTexture:               "ClearTexture",
	CmdCopyResource:               "CopyResource",
	CmdCopyBufferRegion:           "CopyBufferRegion",
	CmdCopyTextureRegion:          "CopyTextureRegion",
	CmdWriteTimestamp:             "WriteTimestamp",
	CmdResolveQuery:               "ResolveQuery",
	CmdBeginEncoder:               "BeginEncoder",
	CmdEndEncoder:                 "EndEncoder",
	CmdBindComputePipeline:        "BindComputePipeline",
	CmdDispatch:                   "Dispatch",
	CmdBindGraphicsPipeline:       "BindGraphicsPipeline",
	CmdSetViewports:               "SetViewports",
	CmdSetScissorRects:            "SetScissorRects",
	CmdSetPrimitiveTopology:       "SetPrimitiveTopology",
	CmdSetStencilReference:        "SetStencilReference",
	CmdSetVertexBuffer:            "SetVertexBuffer",
	CmdSetIndexBuffer:             "SetIndexBuffer",
	CmdDraw:                       "Draw",
	CmdDrawIndexed:                "DrawIndexed",
	CmdDrawIndirect:               "DrawIndirect",
	CmdBindRayTracingPipeline:     "BindRayTracingPipeline",
	CmdDispatchRays:               "DispatchRays",
	CmdBuildAccelerationStructure: "BuildAccelerationStructure",
	CmdCopyAccelerationStructure:  "CopyAccelerationStructure",
}

// String returns the command name.
func (c CommandType) String() string {
	if int(c) < len(commandTypeNames) {
		return commandTypeNames[c]
	}
	return "Unknown"
}

// Command is implemented by every recorded command. Backends switch on the
// concrete type.
type Command interface {
	Type() CommandType
}

// SetResourceStateCommand transitions a whole resource, including all of
// its views.
type SetResourceStateCommand struct {
	Resource Resource
	State    ResourceState
}

// SetResourceViewStateCommand transitions only the sub-resources of a view.
type SetResourceViewStateCommand struct {
	View  *ResourceView
	State ResourceState
}

// SetBufferStateCommand transitions a buffer. Views keep their own state.
type SetBufferStateCommand struct {
	Buffer *Buffer
	State  ResourceState
}

// SetTextureStateCommand transitions a texture. Views keep their own state.
type SetTextureStateCommand struct {
	Texture *Texture
	State   ResourceState
}

// BufferBarrierCommand is a transition with an explicit expected old state.
type BufferBarrierCommand struct {
	Buffer   *Buffer
	Old, New ResourceState
}

// TextureBarrierCommand is a transition with an explicit expected old state.
type TextureBarrierCommand struct {
	Texture  *Texture
	Old, New ResourceState
}

// UAVBarrierCommand orders unordered-access writes without changing state.
type UAVBarrierCommand struct {
	Resource Resource
}

// ClearKind selects which ClearValue fields apply.
type ClearKind uint8

const (
	ClearKindFloat ClearKind = iota
	ClearKindUint
	ClearKindDepthStencil
)

// ClearValue is the value written by a clear command.
type ClearValue struct {
	Kind         ClearKind
	Float        [4]float32
	Uint         [4]uint32
	Depth        float32
	Stencil      uint32
	ClearDepth   bool
	ClearStencil bool
}

// ClearResourceViewCommand clears the sub-resources covered by a view.
type ClearResourceViewCommand struct {
	View  *ResourceView
	Value ClearValue
}

// ClearTextureCommand clears every sub-resource of a texture.
type ClearTextureCommand struct {
	Texture *Texture
	Value   ClearValue
}

// CopyResourceCommand copies an entire resource.
type CopyResourceCommand struct {
	Dst, Src Resource
}

// CopyBufferRegionCommand copies a byte range between buffers.
type CopyBufferRegionCommand struct {
	Dst       *Buffer
	DstOffset uint64
	Src       *Buffer
	SrcOffset uint64
	Size      uint64
}

// CopyTextureRegionCommand copies a box between texture sub-resources.
// Extent is always resolved; Remainder records that the caller asked for
// the rest of the source region.
type CopyTextureRegionCommand struct {
	Dst            *Texture
	DstSubresource Subresource
	DstOffset      gputypes.Origin3D
	Src            *Texture
	SrcSubresource Subresource
	SrcOffset      gputypes.Origin3D
	Extent         gputypes.Extent3D
	Remainder      bool
}

// WriteTimestampCommand writes a GPU timestamp into a query slot.
type WriteTimestampCommand struct {
	Pool  *QueryPool
	Index uint32
}

// QueryResultSize is the size of one resolved query result.
const QueryResultSize = 8

// ResolveQueryCommand copies Count little-endian uint64 results starting
// at Index into Buffer at Offset.
type ResolveQueryCommand struct {
	Pool   *QueryPool
	Index  uint32
	Count  uint32
	Buffer *Buffer
	Offset uint64
}

// EncoderKind identifies the pipeline domain of an encoder.
type EncoderKind uint8

const (
	EncoderKindCompute EncoderKind = iota
	EncoderKindRender
	EncoderKindRayTracing
)

// String returns the encoder kind name.
func (k EncoderKind) String() string {
	switch k {
	case EncoderKindCompute:
		return "Compute"
	case EncoderKindRender:
		return "Render"
	case EncoderKindRayTracing:
		return "RayTracing"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// BeginEncoderCommand opens an encoder sub-stream. Framebuffer is set for
// render encoders.
type BeginEncoderCommand struct {
	Kind        EncoderKind
	Label       string
	Framebuffer *Framebuffer
}

// EndEncoderCommand closes the sub-stream opened by BeginEncoderCommand.
type EndEncoderCommand struct {
	Kind EncoderKind
}

// BindComputePipelineCommand binds a compute pipeline. ShaderObject may be nil.
type BindComputePipelineCommand struct {
	Pipeline     *ComputePipeline
	ShaderObject *ShaderObject
}

// DispatchCommand launches thread groups. Threads is the logical thread
// count the groups were derived from, or zero for direct group dispatches.
type DispatchCommand struct {
	Groups  Size3
	Threads Size3
}

// BindGraphicsPipelineCommand binds a graphics pipeline. ShaderObject may be nil.
type BindGraphicsPipelineCommand struct {
	Pipeline     *GraphicsPipeline
	ShaderObject *ShaderObject
}

// Viewport maps normalized device coordinates to a render-target region.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// ScissorRect clips rasterization to a render-target region.
type ScissorRect struct {
	X, Y, Width, Height uint32
}

// SetViewportsCommand sets one viewport per render-target slot.
type SetViewportsCommand struct {
	Viewports []Viewport
}

// SetScissorRectsCommand sets one scissor rectangle per render-target slot.
type SetScissorRectsCommand struct {
	Rects []ScissorRect
}

// SetPrimitiveTopologyCommand overrides the pipeline topology.
type SetPrimitiveTopologyCommand struct {
	Topology gputypes.PrimitiveTopology
}

// SetStencilReferenceCommand sets the stencil reference value.
type SetStencilReferenceCommand struct {
	Reference uint32
}

// SetVertexBufferCommand binds a vertex buffer slot.
type SetVertexBufferCommand struct {
	Slot   uint32
	Buffer *Buffer
	Offset uint64
}

// SetIndexBufferCommand binds the index buffer.
type SetIndexBufferCommand struct {
	Buffer *Buffer
	Format gputypes.IndexFormat
	Offset uint64
}

// DrawCommand draws non-indexed primitives.
type DrawCommand struct {
	VertexCount   uint32
	InstanceCount uint32
	StartVertex   uint32
	StartInstance uint32
}

// DrawIndexedCommand draws indexed primitives.
type DrawIndexedCommand struct {
	IndexCount    uint32
	InstanceCount uint32
	StartIndex    uint32
	BaseVertex    int32
	StartInstance uint32
}

// IndirectCount locates a GPU-written uint32 draw count.
type IndirectCount struct {
	Buffer *Buffer
	Offset uint64
}

// DrawIndirectCommand issues up to MaxDrawCount draws whose arguments are
// read from ArgBuffer. With a nil Count exactly MaxDrawCount draws run;
// otherwise the count is read at execution and clamped to MaxDrawCount.
type DrawIndirectCommand struct {
	Indexed      bool
	MaxDrawCount uint32
	ArgBuffer    *Buffer
	ArgOffset    uint64
	Count        *IndirectCount
}

// Stride returns the size of one argument record.
func (c *DrawIndirectCommand) Stride() uint64 {
	if c.Indexed {
		return DrawIndexedIndirectStride
	}
	return DrawIndirectStride
}

// BindRayTracingPipelineCommand binds a ray-tracing pipeline. ShaderObject may be nil.
type BindRayTracingPipelineCommand struct {
	Pipeline     *RayTracingPipeline
	ShaderObject *ShaderObject
}

// DispatchRaysCommand launches a ray grid using a ray-generation entry of
// the shader table.
type DispatchRaysCommand struct {
	RayGenIndex uint32
	ShaderTable *ShaderTable
	Dimensions  Size3
}

// BuildAccelerationStructureCommand builds or updates an acceleration structure.
type BuildAccelerationStructureCommand struct {
	Desc AccelerationStructureBuildDesc
}

// CopyAccelerationStructureCommand clones or compacts an acceleration structure.
type CopyAccelerationStructureCommand struct {
	Dst, Src *AccelerationStructure
	Mode     CopyMode
}

func (*SetResourceStateCommand) Type() CommandType           { return CmdSetResourceState }
func (*SetResourceViewStateCommand) Type() CommandType       { return CmdSetResourceViewState }
func (*SetBufferStateCommand) Type() CommandType             { return CmdSetBufferState }
func (*SetTextureStateCommand) Type() CommandType            { return CmdSetTextureState }
func (*BufferBarrierCommand) Type() CommandType              { return CmdBufferBarrier }
func (*TextureBarrierCommand) Type() CommandType             { return CmdTextureBarrier }
func (*UAVBarrierCommand) Type() CommandType                 { return CmdUAVBarrier }
func (*ClearResourceViewCommand) Type() CommandType          { return CmdClearResourceView }
func (*ClearTextureCommand) Type() CommandType               { return CmdClearTexture }
func (*CopyResourceCommand) Type() CommandType               { return CmdCopyResource }
func (*CopyBufferRegionCommand) Type() CommandType           { return CmdCopyBufferRegion }
func (*CopyTextureRegionCommand) Type() CommandType          { return CmdCopyTextureRegion }
func (*WriteTimestampCommand) Type() CommandType             { return CmdWriteTimestamp }
func (*ResolveQueryCommand) Type() CommandType               { return CmdResolveQuery }
func (*BeginEncoderCommand) Type() CommandType               { return CmdBeginEncoder }
func (*EndEncoderCommand) Type() CommandType                 { return CmdEndEncoder }
func (*BindComputePipelineCommand) Type() CommandType        { return CmdBindComputePipeline }
func (*DispatchCommand) Type() CommandType                   { return CmdDispatch }
func (*BindGraphicsPipelineCommand) Type() CommandType       { return CmdBindGraphicsPipeline }
func (*SetViewportsCommand) Type() CommandType               { return CmdSetViewports }
func (*SetScissorRectsCommand) Type() CommandType            { return CmdSetScissorRects }
func (*SetPrimitiveTopologyCommand) Type() CommandType       { return CmdSetPrimitiveTopology }
func (*SetStencilReferenceCommand) Type() CommandType        { return CmdSetStencilReference }
func (*SetVertexBufferCommand) Type() CommandType            { return CmdSetVertexBuffer }
func (*SetIndexBufferCommand) Type() CommandType             { return CmdSetIndexBuffer }
func (*DrawCommand) Type() CommandType                       { return CmdDraw }
func (*DrawIndexedCommand) Type() CommandType                { return CmdDrawIndexed }
func (*DrawIndirectCommand) Type() CommandType               { return CmdDrawIndirect }
func (*BindRayTracingPipelineCommand) Type() CommandType     { return CmdBindRayTracingPipeline }
func (*DispatchRaysCommand) Type() CommandType               { return CmdDispatchRays }
func (*BuildAccelerationStructureCommand) Type() CommandType { return CmdBuildAccelerationStructure }
func (*CopyAccelerationStructureCommand) Type() CommandType  { return CmdCopyAccelerationStructure }

// Indirect argument record sizes.
const (
	DrawIndirectStride        = 16
	DrawIndexedIndirectStride = 20
)

// DrawIndirectArgs is the record read by non-indexed indirect draws.
type DrawIndirectArgs struct {
	VertexCount   uint32
	InstanceCount uint32
	StartVertex   uint32
	StartInstance uint32
}

// Encode writes the record in its device layout.
func (a DrawIndirectArgs) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], a.VertexCount)
	binary.LittleEndian.PutUint32(dst[4:], a.InstanceCount)
	binary.LittleEndian.PutUint32(dst[8:], a.StartVertex)
	binary.LittleEndian.PutUint32(dst[12:], a.StartInstance)
}

// DecodeDrawIndirectArgs reads a record written by Encode.
func DecodeDrawIndirectArgs(src []byte) DrawIndirectArgs {
	return DrawIndirectArgs{
		VertexCount:   binary.LittleEndian.Uint32(src[0:]),
		InstanceCount: binary.LittleEndian.Uint32(src[4:]),
		StartVertex:   binary.LittleEndian.Uint32(src[8:]),
		StartInstance: binary.LittleEndian.Uint32(src[12:]),
	}
}

// DrawIndexedIndirectArgs is the record read by indexed indirect draws.
type DrawIndexedIndirectArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	StartIndex    uint32
	BaseVertex    int32
	StartInstance uint32
}

// Encode writes the record in its device layout.
func (a DrawIndexedIndirectArgs) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], a.IndexCount)
	binary.LittleEndian.PutUint32(dst[4:], a.InstanceCount)
	binary.LittleEndian.PutUint32(dst[8:], a.StartIndex)
	binary.LittleEndian.PutUint32(dst[12:], uint32(a.BaseVertex))
	binary.LittleEndian.PutUint32(dst[16:], a.StartInstance)
}

// DecodeDrawIndexedIndirectArgs reads a record written by Encode.
func DecodeDrawIndexedIndirectArgs(src []byte) DrawIndexedIndirectArgs {
	return DrawIndexedIndirectArgs{
		IndexCount:    binary.LittleEndian.Uint32(src[0:]),
		InstanceCount: binary.LittleEndian.Uint32(src[4:]),
		StartIndex:    binary.LittleEndian.Uint32(src[8:]),
		BaseVertex:    int32(binary.LittleEndian.Uint32(src[12:])),
		StartInstance: binary.LittleEndian.Uint32(src[16:]),
	}
}
