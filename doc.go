// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucmd records, validates and submits GPU command streams.
//
// # Overview
//
// gpucmd is a thin command layer over explicit graphics and compute APIs.
// Work is recorded into a CommandBuffer, optionally through one of three
// scoped encoders (compute, render, ray tracing), closed, and submitted to a
// CommandQueue. Queues execute their submissions in order on a timeline of
// their own and synchronize with each other and with the host through
// fences.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpucmd"
//	    _ "github.com/gogpu/gpucmd/backend/soft"
//	)
//
//	dev, err := gpucmd.Open("soft")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	q, _ := dev.CreateQueue(gpucmd.QueueDesc{Type: gpucmd.QueueTypeGraphics})
//	cb, _ := q.CreateCommandBuffer("frame")
//	_ = cb.ClearTextureFloat(tex, [4]float32{0, 0, 0, 1})
//	_ = cb.SetTextureState(tex, gpucmd.ResourceStateCopySource)
//	_ = cb.CopyResource(dst, tex)
//	_ = cb.Close()
//	_ = q.SubmitAndWait(ctx, cb)
//
// # Resource States
//
// Every buffer, texture and view carries a ResourceState. States change only
// through recorded transition commands (SetResourceState, SetBufferState,
// SetTextureState, SetResourceViewState, BufferBarrier, TextureBarrier);
// nothing is inferred. Transitions are checked against a per-kind table
// (see ValidateTransition) and take effect when the buffer executes, so
// State always reports the state after the last completed submission.
//
// With WithValidation the queue additionally replays each batch against the
// tracked states and rejects operations on resources in incompatible states
// with a *HazardError.
//
// # Encoders
//
// At most one encoder is active on a command buffer. The scoped helpers
// Compute, Render and RayTracing end the encoder on every exit path:
//
//	err := cb.Compute(func(e *gpucmd.ComputeCommandEncoder) error {
//	    if err := e.BindPipelineWithShaderObject(pipe, so); err != nil {
//	        return err
//	    }
//	    return e.Dispatch(gpucmd.Size3{X: 64, Y: 64, Z: 1})
//	})
//
// # Backends
//
// Backends register themselves by name, in the style of database/sql
// drivers. The soft backend executes on the CPU and is always available;
// the wgpu backend translates commands onto github.com/gogpu/wgpu/hal.
//
// # Errors
//
// Sequencing errors wrap ErrInvalidState and argument errors wrap
// ErrInvalidArgument; both are reported when the command is recorded.
// Hazards wrap ErrResourceHazard. ErrDeviceLost and ErrOutOfMemory are
// fatal: buffers affected by a lost device are discarded.
package gpucmd
