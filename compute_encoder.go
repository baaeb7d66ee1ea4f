// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import "fmt"

// ComputeCommandEncoder records compute commands.
//
// Commands recorded include:
//   - BindPipeline: Set the compute pipeline for subsequent dispatches
//   - Dispatch: Launch enough thread groups to cover a thread count
//   - DispatchThreadGroups: Launch an explicit number of groups
//
// Resource transitions and UAV barriers may be recorded on the command
// buffer between dispatches while the encoder is active.
//
// State Machine:
//
//	Active -> End() -> Ended
type ComputeCommandEncoder struct {
	encoderBase

	pipeline *ComputePipeline
}

// BindPipeline binds a compute pipeline. Bindings made through an earlier
// shader object stay in effect.
func (e *ComputeCommandEncoder) BindPipeline(p *ComputePipeline) error {
	return e.BindPipelineWithShaderObject(p, nil)
}

// BindPipelineWithShaderObject binds a compute pipeline together with the
// shader object supplying its resources.
func (e *ComputeCommandEncoder) BindPipelineWithShaderObject(p *ComputePipeline, so *ShaderObject) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("bind compute pipeline: %w", err)
	}
	if p == nil {
		return fmt.Errorf("bind compute pipeline: %w", ErrNilResource)
	}
	so, err := e.bindShaderObject(so)
	if err != nil {
		return fmt.Errorf("bind compute pipeline: %w", err)
	}
	if err := e.recordLocked(&BindComputePipelineCommand{Pipeline: p, ShaderObject: so}); err != nil {
		return err
	}
	e.pipeline = p
	return nil
}

// ThreadGroupCount returns the number of groups of size group needed to
// cover threads, rounding up in each dimension.
func ThreadGroupCount(threads, group Size3) Size3 {
	ceil := func(n, d uint32) uint32 {
		if d == 0 {
			d = 1
		}
		return uint32((uint64(n) + uint64(d) - 1) / uint64(d))
	}
	return Size3{
		X: ceil(threads.X, group.X),
		Y: ceil(threads.Y, group.Y),
		Z: ceil(threads.Z, group.Z),
	}
}

// Dispatch launches the thread groups covering threads, using the group
// size of the bound pipeline.
func (e *ComputeCommandEncoder) Dispatch(threads Size3) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if e.pipeline == nil {
		return fmt.Errorf("dispatch: %w", ErrNoPipeline)
	}
	if threads.Empty() {
		return fmt.Errorf("dispatch: %w: thread count %v", ErrInvalidArgument, threads)
	}
	groups := ThreadGroupCount(threads, e.pipeline.ThreadGroupSize())
	return e.recordLocked(&DispatchCommand{Groups: groups, Threads: threads})
}

// DispatchThreadGroups launches an explicit number of thread groups.
func (e *ComputeCommandEncoder) DispatchThreadGroups(groups Size3) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return fmt.Errorf("dispatch thread groups: %w", err)
	}
	if e.pipeline == nil {
		return fmt.Errorf("dispatch thread groups: %w", ErrNoPipeline)
	}
	if groups.Empty() {
		return fmt.Errorf("dispatch thread groups: %w: group count %v", ErrInvalidArgument, groups)
	}
	return e.recordLocked(&DispatchCommand{Groups: groups})
}
