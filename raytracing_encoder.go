// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import "fmt"

// RayTracingCommandEncoder records ray dispatches and acceleration
// structure builds.
//
// State Machine:
//
//	Active -> End() -> Ended
type RayTracingCommandEncoder struct {
	encoderBase

	pipeline *RayTracingPipeline
}

// BindPipeline binds a ray-tracing pipeline.
func (e *RayTracingCommandEncoder) BindPipeline(p *RayTracingPipeline) error {
	return e.BindPipelineWithShaderObject(p, nil)
}

// BindPipelineWithShaderObject binds a ray-tracing pipeline with the shader
// object supplying its resources.
func (e *RayTracingCommandEncoder) BindPipelineWithShaderObject(p *RayTracingPipeline, so *ShaderObject) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("bind ray-tracing pipeline: %w", err)
	}
	if p == nil {
		return fmt.Errorf("bind ray-tracing pipeline: %w", ErrNilResource)
	}
	so, err := e.bindShaderObject(so)
	if err != nil {
		return fmt.Errorf("bind ray-tracing pipeline: %w", err)
	}
	if err := e.recordLocked(&BindRayTracingPipelineCommand{Pipeline: p, ShaderObject: so}); err != nil {
		return err
	}
	e.pipeline = p
	return nil
}

// DispatchRays launches a grid of rays using entry rayGenIndex of the
// shader table's ray-generation records.
func (e *RayTracingCommandEncoder) DispatchRays(rayGenIndex uint32, table *ShaderTable, dims Size3) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("dispatch rays: %w", err)
	}
	if e.pipeline == nil {
		return fmt.Errorf("dispatch rays: %w", ErrNoPipeline)
	}
	if table == nil {
		return fmt.Errorf("dispatch rays: %w: shader table", ErrNilResource)
	}
	if table.Desc().Pipeline != e.pipeline {
		return fmt.Errorf("dispatch rays: %w: shader table %q was built for another pipeline", ErrInvalidArgument, table.Label())
	}
	if int(rayGenIndex) >= len(table.Desc().RayGen) {
		return fmt.Errorf("dispatch rays: %w: ray-gen record %d of %q", ErrOutOfBounds, rayGenIndex, table.Label())
	}
	if dims.Empty() {
		return fmt.Errorf("dispatch rays: %w: dimensions %v", ErrInvalidArgument, dims)
	}
	return e.recordLocked(&DispatchRaysCommand{RayGenIndex: rayGenIndex, ShaderTable: table, Dimensions: dims})
}

// BuildAccelerationStructure records a build of inputs into dst using
// scratch memory. A nil src builds from scratch; a non-nil src records an
// update (refit) of src written to dst, which requires
// BuildFlagAllowUpdate in inputs and in the build that produced src.
func (e *RayTracingCommandEncoder) BuildAccelerationStructure(
	inputs AccelerationStructureBuildInputs,
	dst *AccelerationStructure,
	scratch BufferOffset,
	src *AccelerationStructure,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("build acceleration structure: %w", err)
	}
	if dst == nil {
		return fmt.Errorf("build acceleration structure: %w: dst", ErrNilResource)
	}
	if scratch.Buffer == nil {
		return fmt.Errorf("build acceleration structure: %w: scratch", ErrNilResource)
	}
	if err := e.cb.checkResource(scratch.Buffer); err != nil {
		return fmt.Errorf("build acceleration structure: scratch: %w", err)
	}
	if scratch.Offset >= scratch.Buffer.Size() {
		return fmt.Errorf("build acceleration structure: %w: scratch offset %d", ErrOutOfBounds, scratch.Offset)
	}
	if err := checkStateUsage(scratch.Buffer, ResourceStateUnorderedAccess); err != nil {
		return fmt.Errorf("build acceleration structure: scratch: %w", err)
	}
	if err := inputs.validate(); err != nil {
		return fmt.Errorf("build acceleration structure %q: %w", dst.Label(), err)
	}
	for _, b := range inputs.inputBuffers() {
		if err := e.cb.checkResource(b); err != nil {
			return fmt.Errorf("build acceleration structure: input: %w", err)
		}
	}
	if dst.Kind() != inputs.Kind {
		return fmt.Errorf("build acceleration structure: %w: %v inputs into %v structure %q",
			ErrInvalidArgument, inputs.Kind, dst.Kind(), dst.Label())
	}
	if src != nil {
		if src.Kind() != inputs.Kind {
			return fmt.Errorf("build acceleration structure: %w: update source %q is %v",
				ErrInvalidArgument, src.Label(), src.Kind())
		}
		if inputs.Flags&BuildFlagAllowUpdate == 0 {
			return fmt.Errorf("build acceleration structure: %w: update without BuildFlagAllowUpdate", ErrInvalidArgument)
		}
	}

	in := inputs
	in.Geometry = append([]AccelerationStructureGeometry(nil), inputs.Geometry...)
	return e.recordLocked(&BuildAccelerationStructureCommand{Desc: AccelerationStructureBuildDesc{
		Inputs:      in,
		Src:         src,
		Dst:         dst,
		ScratchData: scratch,
	}})
}

// CopyAccelerationStructure records a clone or compaction of src into dst.
func (e *RayTracingCommandEncoder) CopyAccelerationStructure(src, dst *AccelerationStructure, mode CopyMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("copy acceleration structure: %w", err)
	}
	if dst == nil || src == nil {
		return fmt.Errorf("copy acceleration structure: %w", ErrNilResource)
	}
	if dst.Kind() != src.Kind() {
		return fmt.Errorf("copy acceleration structure: %w: %v to %v", ErrInvalidArgument, src.Kind(), dst.Kind())
	}
	if mode != CopyModeClone && mode != CopyModeCompact {
		return fmt.Errorf("copy acceleration structure: %w: mode %v", ErrInvalidArgument, mode)
	}
	return e.recordLocked(&CopyAccelerationStructureCommand{Dst: dst, Src: src, Mode: mode})
}
