// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"
)

// Size3 is a three-component count of threads, groups or rays.
type Size3 struct {
	X, Y, Z uint32
}

// String formats the size as (x,y,z).
func (s Size3) String() string { return fmt.Sprintf("(%d,%d,%d)", s.X, s.Y, s.Z) }

// Empty reports whether any component is zero.
func (s Size3) Empty() bool { return s.X == 0 || s.Y == 0 || s.Z == 0 }

// ShaderSource carries a program in the forms backends understand. Native
// backends compile WGSL; the soft backend runs Host, a Go function whose
// type the backend defines.
type ShaderSource struct {
	WGSL       string
	EntryPoint string
	Host       any
}

// BindingType describes one shader binding slot.
type BindingType uint8

const (
	BindingTypeUniformBuffer BindingType = iota
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
	BindingTypeSampledTexture
	BindingTypeStorageTexture
	BindingTypeAccelerationStructure
)

// Writable reports whether shaders may write through the binding.
func (t BindingType) Writable() bool {
	return t == BindingTypeStorageBuffer || t == BindingTypeStorageTexture
}

// BindingLayout declares a binding slot of a pipeline. Format applies to
// storage textures and defaults to RGBA8Unorm on native backends.
type BindingLayout struct {
	Binding uint32
	Type    BindingType
	Format  gputypes.TextureFormat
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label string

	// ThreadGroupSize is the size of one thread group. Dispatch divides
	// thread counts by it. Zero components are treated as 1.
	ThreadGroupSize Size3

	Shader   ShaderSource
	Bindings []BindingLayout
}

// ComputePipeline is an opaque compute pipeline.
type ComputePipeline struct {
	id     uint64
	desc   ComputePipelineDesc
	native any
}

// Label returns the debug name.
func (p *ComputePipeline) Label() string { return p.desc.Label }

// Desc returns the descriptor with defaults applied.
func (p *ComputePipeline) Desc() ComputePipelineDesc { return p.desc }

// ThreadGroupSize returns the thread-group size used by Dispatch.
func (p *ComputePipeline) ThreadGroupSize() Size3 { return p.desc.ThreadGroupSize }

// Native returns the backend object.
func (p *ComputePipeline) Native() any { return p.native }

// SetNative attaches the backend object.
func (p *ComputePipeline) SetNative(n any) { p.native = n }

// GraphicsPipelineDesc describes a graphics pipeline.
type GraphicsPipelineDesc struct {
	Label              string
	Vertex             ShaderSource
	Fragment           ShaderSource
	Topology           gputypes.PrimitiveTopology
	VertexBuffers      []gputypes.VertexBufferLayout
	ColorFormats       []gputypes.TextureFormat
	DepthStencilFormat gputypes.TextureFormat
	Bindings           []BindingLayout
}

// GraphicsPipeline is an opaque rasterization pipeline.
type GraphicsPipeline struct {
	id     uint64
	desc   GraphicsPipelineDesc
	native any
}

// Label returns the debug name.
func (p *GraphicsPipeline) Label() string { return p.desc.Label }

// Desc returns the descriptor.
func (p *GraphicsPipeline) Desc() GraphicsPipelineDesc { return p.desc }

// Native returns the backend object.
func (p *GraphicsPipeline) Native() any { return p.native }

// SetNative attaches the backend object.
func (p *GraphicsPipeline) SetNative(n any) { p.native = n }

// RayTracingPipelineDesc describes a ray-tracing pipeline. Each entry of
// RayGen, Miss and HitGroups is a program addressable from a ShaderTable.
type RayTracingPipelineDesc struct {
	Label           string
	RayGen          []ShaderSource
	Miss            []ShaderSource
	HitGroups       []ShaderSource
	MaxRecursion    uint32
	MaxPayloadBytes uint32
	Bindings        []BindingLayout
}

// RayTracingPipeline is an opaque ray-tracing pipeline.
type RayTracingPipeline struct {
	id     uint64
	desc   RayTracingPipelineDesc
	native any
}

// Label returns the debug name.
func (p *RayTracingPipeline) Label() string { return p.desc.Label }

// Desc returns the descriptor.
func (p *RayTracingPipeline) Desc() RayTracingPipelineDesc { return p.desc }

// Native returns the backend object.
func (p *RayTracingPipeline) Native() any { return p.native }

// SetNative attaches the backend object.
func (p *RayTracingPipeline) SetNative(n any) { p.native = n }

// ShaderTableDesc selects the pipeline programs reachable from a ray dispatch.
// Entries index into the pipeline's RayGen, Miss and HitGroups lists.
type ShaderTableDesc struct {
	Label     string
	Pipeline  *RayTracingPipeline
	RayGen    []uint32
	Miss      []uint32
	HitGroups []uint32
}

// ShaderTable maps dispatch indices to pipeline programs.
type ShaderTable struct {
	id     uint64
	desc   ShaderTableDesc
	native any
}

// Label returns the debug name.
func (t *ShaderTable) Label() string { return t.desc.Label }

// Desc returns the descriptor.
func (t *ShaderTable) Desc() ShaderTableDesc { return t.desc }

// Native returns the backend object.
func (t *ShaderTable) Native() any { return t.native }

// SetNative attaches the backend object.
func (t *ShaderTable) SetNative(n any) { t.native = n }

// Binding is one resource bound in a ShaderObject. Exactly one of Buffer,
// View and AccelerationStructure is set.
type Binding struct {
	Slot                  uint32
	Type                  BindingType
	Buffer                *Buffer
	Offset                uint64
	Size                  uint64
	View                  *ResourceView
	AccelerationStructure *AccelerationStructure
}

// ShaderObject supplies the resources a pipeline reads and writes.
// It is safe for concurrent use. Binding a pipeline records a copy of the
// object, so later changes affect only pipelines bound afterwards.
type ShaderObject struct {
	label string

	mu       sync.Mutex
	bindings map[uint32]Binding
	data     []byte
}

// NewShaderObject creates an empty shader object.
func NewShaderObject(label string) *ShaderObject {
	return &ShaderObject{label: label, bindings: make(map[uint32]Binding)}
}

// Label returns the debug name.
func (o *ShaderObject) Label() string { return o.label }

// SetBuffer binds a buffer range. Zero size binds the rest of the buffer.
func (o *ShaderObject) SetBuffer(slot uint32, t BindingType, b *Buffer, offset, size uint64) error {
	if b == nil {
		return ErrNilResource
	}
	switch t {
	case BindingTypeUniformBuffer, BindingTypeStorageBuffer, BindingTypeReadOnlyStorageBuffer:
	default:
		return fmt.Errorf("%w: binding type %d is not a buffer binding", ErrInvalidArgument, t)
	}
	if offset > b.Size() || (size != 0 && offset+size > b.Size()) {
		return fmt.Errorf("%w: binding %d of buffer %q", ErrOutOfBounds, slot, b.Label())
	}
	if size == 0 {
		size = b.Size() - offset
	}
	o.set(Binding{Slot: slot, Type: t, Buffer: b, Offset: offset, Size: size})
	return nil
}

// SetView binds a texture view.
func (o *ShaderObject) SetView(slot uint32, t BindingType, v *ResourceView) error {
	if v == nil {
		return ErrNilResource
	}
	if t != BindingTypeSampledTexture && t != BindingTypeStorageTexture {
		return fmt.Errorf("%w: binding type %d is not a texture binding", ErrInvalidArgument, t)
	}
	o.set(Binding{Slot: slot, Type: t, View: v})
	return nil
}

// SetAccelerationStructure binds an acceleration structure for ray queries.
func (o *ShaderObject) SetAccelerationStructure(slot uint32, as *AccelerationStructure) error {
	if as == nil {
		return ErrNilResource
	}
	o.set(Binding{Slot: slot, Type: BindingTypeAccelerationStructure, AccelerationStructure: as})
	return nil
}

// SetData sets the uniform block passed by value to host programs.
func (o *ShaderObject) SetData(data []byte) {
	o.mu.Lock()
	o.data = append(o.data[:0], data...)
	o.mu.Unlock()
}

// Data returns a copy of the uniform block.
func (o *ShaderObject) Data() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.data...)
}

func (o *ShaderObject) set(b Binding) {
	o.mu.Lock()
	o.bindings[b.Slot] = b
	o.mu.Unlock()
}

// Bindings returns the bindings sorted by slot.
func (o *ShaderObject) Bindings() []Binding {
	o.mu.Lock()
	out := make([]Binding, 0, len(o.bindings))
	for _, b := range o.bindings {
		out = append(out, b)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// snapshot returns a copy that later Set calls do not reach.
func (o *ShaderObject) snapshot() *ShaderObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := &ShaderObject{label: o.label, bindings: make(map[uint32]Binding, len(o.bindings))}
	maps.Copy(c.bindings, o.bindings)
	c.data = append([]byte(nil), o.data...)
	return c
}

// Lookup returns the binding at slot.
func (o *ShaderObject) Lookup(slot uint32) (Binding, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.bindings[slot]
	return b, ok
}
