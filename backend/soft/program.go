// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucmd"
)

// ComputeKernel is the host program of a compute pipeline. It is called once
// per thread group; groups of one dispatch may run concurrently.
type ComputeKernel func(inv *ComputeInvocation) error

// ComputeInvocation describes one thread group of a dispatch.
type ComputeInvocation struct {
	Group     gpucmd.Size3 // group index within the dispatch
	GroupSize gpucmd.Size3
	Groups    gpucmd.Size3 // group count of the dispatch

	// Threads is the logical thread count of a Dispatch, or zero for
	// DispatchThreadGroups.
	Threads gpucmd.Size3

	Bindings *Bindings
}

// ForEachThread calls fn with the global index of every thread in the
// group. Threads past a logical thread count are skipped.
func (inv *ComputeInvocation) ForEachThread(fn func(id gpucmd.Size3)) {
	limit := inv.Threads
	if limit.Empty() {
		limit = gpucmd.Size3{
			X: inv.Groups.X * inv.GroupSize.X,
			Y: inv.Groups.Y * inv.GroupSize.Y,
			Z: inv.Groups.Z * inv.GroupSize.Z,
		}
	}
	base := gpucmd.Size3{
		X: inv.Group.X * inv.GroupSize.X,
		Y: inv.Group.Y * inv.GroupSize.Y,
		Z: inv.Group.Z * inv.GroupSize.Z,
	}
	for z := base.Z; z < base.Z+inv.GroupSize.Z && z < limit.Z; z++ {
		for y := base.Y; y < base.Y+inv.GroupSize.Y && y < limit.Y; y++ {
			for x := base.X; x < base.X+inv.GroupSize.X && x < limit.X; x++ {
				fn(gpucmd.Size3{X: x, Y: y, Z: z})
			}
		}
	}
}

// DrawProgram is the host program of a graphics pipeline. It is called once
// per draw, in submission order, and renders into the call's targets.
type DrawProgram func(call *DrawCall) error

// DrawCall carries the parameters and bound state of one draw.
type DrawCall struct {
	// DrawIndex counts draws within one indirect command; it is zero for
	// direct draws.
	DrawIndex uint32

	Indexed       bool
	VertexCount   uint32
	IndexCount    uint32
	InstanceCount uint32
	StartVertex   uint32
	StartIndex    uint32
	BaseVertex    int32
	StartInstance uint32

	Topology         gputypes.PrimitiveTopology
	Viewports        []gpucmd.Viewport
	Scissors         []gpucmd.ScissorRect
	StencilReference uint32

	// Indices holds the IndexCount indices of an indexed draw, widened to
	// 32 bits.
	Indices []uint32

	// Targets are the color attachments, DepthStencil the depth attachment
	// (nil without one).
	Targets      []*Image
	DepthStencil *Image

	Bindings *Bindings

	vertex map[uint32][]byte
}

// VertexBuffer returns the memory bound to a vertex slot, starting at the
// bound offset.
func (c *DrawCall) VertexBuffer(slot uint32) []byte { return c.vertex[slot] }

// Ray is a ray in world space. Hits are reported for t in [TMin, TMax].
type Ray struct {
	Origin    [3]float32
	Direction [3]float32
	TMin      float32
	TMax      float32

	// Mask is ANDed with instance masks; zero is treated as 0xFF.
	Mask uint8
}

// RayGenProgram is a ray-generation program, called once per launch index.
type RayGenProgram func(inv *RayInvocation) error

// MissProgram runs when TraceRay finds no hit.
type MissProgram func(inv *MissInvocation) error

// HitProgram is the closest-hit program of a hit group.
type HitProgram func(inv *HitInvocation) error

// RayInvocation is one launch index of DispatchRays.
type RayInvocation struct {
	LaunchID   gpucmd.Size3
	LaunchSize gpucmd.Size3
	Bindings   *Bindings

	rt *rayDispatch
}

// TraceRay traces r against the acceleration structure bound at slot and
// runs the closest-hit program of the hit instance, or the miss program at
// missIndex of the shader table. payload is handed to that program.
// It reports whether anything was hit.
func (inv *RayInvocation) TraceRay(slot uint32, r Ray, missIndex uint32, payload any) (bool, error) {
	scene := inv.Bindings.Scene(slot)
	if scene == nil {
		return false, fmt.Errorf("%w: no acceleration structure at slot %d", gpucmd.ErrInvalidArgument, slot)
	}
	inv.rt.b.rays.Add(1)
	hit, ok := scene.Trace(r)
	if !ok {
		prog, err := inv.rt.miss(missIndex)
		if err != nil || prog == nil {
			return false, err
		}
		return false, prog(&MissInvocation{Ray: r, Payload: payload, Bindings: inv.Bindings})
	}
	prog, err := inv.rt.hitGroup(hit.HitGroup + hit.GeometryIndex)
	if err != nil || prog == nil {
		return true, err
	}
	return true, prog(&HitInvocation{Ray: r, Hit: hit, Payload: payload, Bindings: inv.Bindings})
}

// MissInvocation is passed to miss programs.
type MissInvocation struct {
	Ray      Ray
	Payload  any
	Bindings *Bindings
}

// HitInvocation is passed to closest-hit programs.
type HitInvocation struct {
	Ray      Ray
	Hit      Hit
	Payload  any
	Bindings *Bindings
}

// Bindings resolves the resources of a ShaderObject to host memory. It is
// captured when the pipeline is bound.
type Bindings struct {
	data    []byte
	buffers map[uint32][]byte
	images  map[uint32]*Image
	scenes  map[uint32]*Scene
}

func newBindings(obj *gpucmd.ShaderObject) (*Bindings, error) {
	bs := &Bindings{
		buffers: make(map[uint32][]byte),
		images:  make(map[uint32]*Image),
		scenes:  make(map[uint32]*Scene),
	}
	if obj == nil {
		return bs, nil
	}
	bs.data = obj.Data()
	for _, bind := range obj.Bindings() {
		switch {
		case bind.Buffer != nil:
			mem, err := bufferRange(bind.Buffer, bind.Offset, bind.Size)
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", bind.Slot, err)
			}
			bs.buffers[bind.Slot] = mem
		case bind.View != nil:
			if buf := bind.View.Buffer(); buf != nil {
				d := bind.View.Desc()
				mem, err := bufferRange(buf, d.Offset, d.Size)
				if err != nil {
					return nil, fmt.Errorf("binding %d: %w", bind.Slot, err)
				}
				bs.buffers[bind.Slot] = mem
				continue
			}
			tex, err := textureMemory(bind.View.Texture())
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", bind.Slot, err)
			}
			r := bind.View.Desc().Range
			sub := gpucmd.Subresource{MipLevel: r.BaseMipLevel, ArrayLayer: r.BaseArrayLayer}
			bs.images[bind.Slot] = tex.image(sub, bind.View.Format())
		case bind.AccelerationStructure != nil:
			a, err := accelMemory(bind.AccelerationStructure)
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", bind.Slot, err)
			}
			bs.scenes[bind.Slot] = &Scene{root: a}
		}
	}
	return bs, nil
}

// Data returns the uniform block of the shader object.
func (b *Bindings) Data() []byte { return b.data }

// Buffer returns the memory bound at slot, or nil.
func (b *Bindings) Buffer(slot uint32) []byte { return b.buffers[slot] }

// Image returns the base sub-resource of the texture view bound at slot,
// or nil.
func (b *Bindings) Image(slot uint32) *Image { return b.images[slot] }

// Scene returns the acceleration structure bound at slot, or nil.
func (b *Bindings) Scene(slot uint32) *Scene { return b.scenes[slot] }

type computePipeline struct {
	kernel    ComputeKernel
	groupSize gpucmd.Size3
}

type graphicsPipeline struct {
	program  DrawProgram
	topology gputypes.PrimitiveTopology
}

type rayTracingPipeline struct {
	rayGen []RayGenProgram
	miss   []MissProgram
	hit    []HitProgram
}

func kernelOf(src gpucmd.ShaderSource) (ComputeKernel, error) {
	switch h := src.Host.(type) {
	case nil:
		return nil, nil
	case ComputeKernel:
		return h, nil
	case func(*ComputeInvocation) error:
		return h, nil
	default:
		return nil, fmt.Errorf("%w: host program %T is not a ComputeKernel", gpucmd.ErrUnsupported, src.Host)
	}
}

func drawProgramOf(src gpucmd.ShaderSource) (DrawProgram, error) {
	switch h := src.Host.(type) {
	case nil:
		return nil, nil
	case DrawProgram:
		return h, nil
	case func(*DrawCall) error:
		return h, nil
	default:
		return nil, fmt.Errorf("%w: host program %T is not a DrawProgram", gpucmd.ErrUnsupported, src.Host)
	}
}

func newRayTracingPipeline(desc gpucmd.RayTracingPipelineDesc) (*rayTracingPipeline, error) {
	p := &rayTracingPipeline{}
	for i, src := range desc.RayGen {
		switch h := src.Host.(type) {
		case nil:
			p.rayGen = append(p.rayGen, nil)
		case RayGenProgram:
			p.rayGen = append(p.rayGen, h)
		case func(*RayInvocation) error:
			p.rayGen = append(p.rayGen, h)
		default:
			return nil, fmt.Errorf("%w: ray-gen %d host program %T", gpucmd.ErrUnsupported, i, src.Host)
		}
	}
	for i, src := range desc.Miss {
		switch h := src.Host.(type) {
		case nil:
			p.miss = append(p.miss, nil)
		case MissProgram:
			p.miss = append(p.miss, h)
		case func(*MissInvocation) error:
			p.miss = append(p.miss, h)
		default:
			return nil, fmt.Errorf("%w: miss %d host program %T", gpucmd.ErrUnsupported, i, src.Host)
		}
	}
	for i, src := range desc.HitGroups {
		switch h := src.Host.(type) {
		case nil:
			p.hit = append(p.hit, nil)
		case HitProgram:
			p.hit = append(p.hit, h)
		case func(*HitInvocation) error:
			p.hit = append(p.hit, h)
		default:
			return nil, fmt.Errorf("%w: hit group %d host program %T", gpucmd.ErrUnsupported, i, src.Host)
		}
	}
	return p, nil
}

// rayDispatch resolves shader-table records during one DispatchRays.
type rayDispatch struct {
	b        *Backend
	pipeline *rayTracingPipeline
	table    gpucmd.ShaderTableDesc
}

// Tables without miss or hit-group records run no program.
func (d *rayDispatch) miss(i uint32) (MissProgram, error) {
	if len(d.table.Miss) == 0 {
		return nil, nil
	}
	if int(i) >= len(d.table.Miss) {
		return nil, fmt.Errorf("%w: miss record %d of %d", gpucmd.ErrOutOfBounds, i, len(d.table.Miss))
	}
	return d.pipeline.miss[d.table.Miss[i]], nil
}

func (d *rayDispatch) hitGroup(i uint32) (HitProgram, error) {
	if len(d.table.HitGroups) == 0 {
		return nil, nil
	}
	if int(i) >= len(d.table.HitGroups) {
		return nil, fmt.Errorf("%w: hit-group record %d of %d", gpucmd.ErrOutOfBounds, i, len(d.table.HitGroups))
	}
	return d.pipeline.hit[d.table.HitGroups[i]], nil
}
