// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// CommandBufferState is the lifecycle state of a command buffer.
type CommandBufferState int

const (
	// CommandBufferStateOpen accepts commands and encoders.
	CommandBufferStateOpen CommandBufferState = iota

	// CommandBufferStateClosed is ready for submission.
	CommandBufferStateClosed

	// CommandBufferStateSubmitted is queued or executing.
	CommandBufferStateSubmitted

	// CommandBufferStateRetired has finished executing. Err reports how.
	CommandBufferStateRetired

	// CommandBufferStateDiscarded was invalidated by a device error and
	// must not be resubmitted.
	CommandBufferStateDiscarded
)

// String returns the string representation of CommandBufferState.
func (s CommandBufferState) String() string {
	switch s {
	case CommandBufferStateOpen:
		return "Open"
	case CommandBufferStateClosed:
		return "Closed"
	case CommandBufferStateSubmitted:
		return "Submitted"
	case CommandBufferStateRetired:
		return "Retired"
	case CommandBufferStateDiscarded:
		return "Discarded"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// CommandBuffer is a single-use, append-only recording of GPU work.
//
// Thread Safety:
// A command buffer must be recorded from one goroutine at a time. Distinct
// buffers may be recorded concurrently.
//
// Lifecycle:
//  1. Created by CommandQueue.CreateCommandBuffer
//  2. Record commands directly or through one encoder at a time
//  3. Close
//  4. Submit, then Wait for completion
//
// State Machine:
//
//	Open -> Close() -> Closed -> Submit() -> Submitted -> Retired
//	                                                   -> Discarded
type CommandBuffer struct {
	queue *CommandQueue
	label string

	mu       sync.Mutex
	state    CommandBufferState
	commands []Command
	active   *encoderBase
	serial   uint64
	err      error
	done     chan struct{}
}

// recordScope says where a command may appear relative to encoders.
type recordScope uint8

const (
	// scopeTopLevel commands are rejected while an encoder is active.
	scopeTopLevel recordScope = iota

	// scopeBarrier commands may also interleave with compute and
	// ray-tracing work, but not with a render encoder's draws.
	scopeBarrier

	// scopeAnywhere commands may be recorded inside every encoder.
	scopeAnywhere
)

func newCommandBuffer(q *CommandQueue, label string, storage []Command) *CommandBuffer {
	return &CommandBuffer{
		queue:    q,
		label:    label,
		commands: storage[:0],
		done:     make(chan struct{}),
	}
}

// Label returns the debug name.
func (cb *CommandBuffer) Label() string { return cb.label }

// Queue returns the queue the buffer was created from.
func (cb *CommandBuffer) Queue() *CommandQueue { return cb.queue }

// State returns the lifecycle state.
func (cb *CommandBuffer) State() CommandBufferState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Serial returns the queue serial assigned at submission, or 0.
func (cb *CommandBuffer) Serial() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.serial
}

// Commands returns a copy of the recorded commands. Retired buffers return
// nil because their storage has been recycled.
func (cb *CommandBuffer) Commands() []Command {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.commands == nil {
		return nil
	}
	return append([]Command(nil), cb.commands...)
}

// Len returns the number of recorded commands.
func (cb *CommandBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.commands)
}

// Err returns the execution error of a retired or discarded buffer.
func (cb *CommandBuffer) Err() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.err
}

// Done returns a channel closed when the buffer retires or is discarded.
func (cb *CommandBuffer) Done() <-chan struct{} { return cb.done }

// Wait blocks until the submitted buffer completes and returns its
// execution error.
func (cb *CommandBuffer) Wait(ctx context.Context) error {
	cb.mu.Lock()
	state := cb.state
	cb.mu.Unlock()
	if state == CommandBufferStateOpen || state == CommandBufferStateClosed {
		return fmt.Errorf("%w: command buffer %q was not submitted", ErrInvalidState, cb.label)
	}
	select {
	case <-cb.done:
		return cb.Err()
	case <-ctx.Done():
		return fmt.Errorf("wait for command buffer %q: %w", cb.label, ctx.Err())
	}
}

// checkOpen returns an error if commands may not be recorded.
// The caller must hold cb.mu.
func (cb *CommandBuffer) checkOpen() error {
	switch cb.state {
	case CommandBufferStateOpen:
		return nil
	case CommandBufferStateDiscarded:
		return ErrBufferDiscarded
	default:
		return ErrBufferClosed
	}
}

func (cb *CommandBuffer) record(scope recordScope, c Command) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.checkOpen(); err != nil {
		return fmt.Errorf("%v: %w", c.Type(), err)
	}
	if cb.active != nil {
		allowed := scope == scopeAnywhere ||
			(scope == scopeBarrier && cb.active.kind != EncoderKindRender)
		if !allowed {
			return fmt.Errorf("%v inside %v encoder: %w", c.Type(), cb.active.kind, ErrEncoderActive)
		}
	}
	cb.commands = append(cb.commands, c)
	return nil
}

func (cb *CommandBuffer) device() *Device { return cb.queue.device }

// checkResource rejects nil handles and resources of another device.
func (cb *CommandBuffer) checkResource(r Resource) error {
	switch v := r.(type) {
	case nil:
		return ErrNilResource
	case *Buffer:
		if v == nil {
			return ErrNilResource
		}
	case *Texture:
		if v == nil {
			return ErrNilResource
		}
	}
	if r.base().device != cb.device() {
		return fmt.Errorf("%w: %q", ErrForeignObject, r.Label())
	}
	return nil
}

// checkTarget validates a transition target independent of the current
// state, which is only known when the buffer executes.
func checkTarget(r Resource, s ResourceState) error {
	k := r.Kind()
	if s == ResourceStateUndefined || s >= resourceStateCount || !kindStates[k].has(s) {
		return fmt.Errorf("%w: %v %q cannot enter %v", ErrInvalidTransition, k, r.Label(), s)
	}
	return checkStateUsage(r, s)
}

// SetResourceState records a transition of a whole resource. Every view
// onto the resource takes the new state as well.
func (cb *CommandBuffer) SetResourceState(r Resource, s ResourceState) error {
	if err := cb.checkResource(r); err != nil {
		return fmt.Errorf("set resource state: %w", err)
	}
	if err := checkTarget(r, s); err != nil {
		return fmt.Errorf("set resource state: %w", err)
	}
	return cb.record(scopeBarrier, &SetResourceStateCommand{Resource: r, State: s})
}

// SetResourceViewState records a transition of the sub-resources covered by
// a view. The resource and its other views are unaffected.
func (cb *CommandBuffer) SetResourceViewState(v *ResourceView, s ResourceState) error {
	if v == nil {
		return fmt.Errorf("set view state: %w", ErrNilResource)
	}
	if err := cb.checkResource(v.Resource()); err != nil {
		return fmt.Errorf("set view state: %w", err)
	}
	if err := checkTarget(v.Resource(), s); err != nil {
		return fmt.Errorf("set view state %q: %w", v.Label(), err)
	}
	return cb.record(scopeBarrier, &SetResourceViewStateCommand{View: v, State: s})
}

// SetBufferState records a buffer transition. Views keep their own state.
func (cb *CommandBuffer) SetBufferState(b *Buffer, s ResourceState) error {
	if err := cb.checkResource(b); err != nil {
		return fmt.Errorf("set buffer state: %w", err)
	}
	if err := checkTarget(b, s); err != nil {
		return fmt.Errorf("set buffer state: %w", err)
	}
	return cb.record(scopeBarrier, &SetBufferStateCommand{Buffer: b, State: s})
}

// SetTextureState records a texture transition. Views keep their own state.
func (cb *CommandBuffer) SetTextureState(t *Texture, s ResourceState) error {
	if err := cb.checkResource(t); err != nil {
		return fmt.Errorf("set texture state: %w", err)
	}
	if err := checkTarget(t, s); err != nil {
		return fmt.Errorf("set texture state: %w", err)
	}
	return cb.record(scopeBarrier, &SetTextureStateCommand{Texture: t, State: s})
}

// BufferBarrier records a transition from a known state. The pair is
// checked against the transition table immediately.
func (cb *CommandBuffer) BufferBarrier(b *Buffer, from, to ResourceState) error {
	if err := cb.checkResource(b); err != nil {
		return fmt.Errorf("buffer barrier: %w", err)
	}
	if err := ValidateTransition(ResourceKindBuffer, from, to); err != nil {
		return fmt.Errorf("buffer barrier %q: %w", b.Label(), err)
	}
	if err := checkStateUsage(b, to); err != nil {
		return fmt.Errorf("buffer barrier: %w", err)
	}
	return cb.record(scopeBarrier, &BufferBarrierCommand{Buffer: b, Old: from, New: to})
}

// TextureBarrier records a transition from a known state.
func (cb *CommandBuffer) TextureBarrier(t *Texture, from, to ResourceState) error {
	if err := cb.checkResource(t); err != nil {
		return fmt.Errorf("texture barrier: %w", err)
	}
	if err := ValidateTransition(ResourceKindTexture, from, to); err != nil {
		return fmt.Errorf("texture barrier %q: %w", t.Label(), err)
	}
	if err := checkStateUsage(t, to); err != nil {
		return fmt.Errorf("texture barrier: %w", err)
	}
	return cb.record(scopeBarrier, &TextureBarrierCommand{Texture: t, Old: from, New: to})
}

// UAVBarrier orders unordered-access writes to r before later accesses. It
// does not change the state of r.
func (cb *CommandBuffer) UAVBarrier(r Resource) error {
	if err := cb.checkResource(r); err != nil {
		return fmt.Errorf("uav barrier: %w", err)
	}
	if err := checkStateUsage(r, ResourceStateUnorderedAccess); err != nil {
		return fmt.Errorf("uav barrier: %w", err)
	}
	return cb.record(scopeBarrier, &UAVBarrierCommand{Resource: r})
}

// ClearResourceViewFloat clears a color view with a float4 value.
func (cb *CommandBuffer) ClearResourceViewFloat(v *ResourceView, color [4]float32) error {
	if err := cb.checkClearView(v, FormatClassFloat); err != nil {
		return fmt.Errorf("clear view: %w", err)
	}
	return cb.record(scopeTopLevel, &ClearResourceViewCommand{View: v, Value: ClearValue{Kind: ClearKindFloat, Float: color}})
}

// ClearResourceViewUint clears a color view with an integer4 value. Buffer
// views are filled with color[0] repeated as 32-bit words.
func (cb *CommandBuffer) ClearResourceViewUint(v *ResourceView, color [4]uint32) error {
	if err := cb.checkClearView(v, FormatClassUint); err != nil {
		return fmt.Errorf("clear view: %w", err)
	}
	return cb.record(scopeTopLevel, &ClearResourceViewCommand{View: v, Value: ClearValue{Kind: ClearKindUint, Uint: color}})
}

// ClearResourceViewDepthStencil clears the depth and/or stencil aspects of
// a depth-stencil view.
func (cb *CommandBuffer) ClearResourceViewDepthStencil(v *ResourceView, depth float32, stencil uint32, clearDepth, clearStencil bool) error {
	if err := cb.checkClearView(v, FormatClassDepthStencil); err != nil {
		return fmt.Errorf("clear view: %w", err)
	}
	if clearDepth && !v.Format().HasDepth() {
		return fmt.Errorf("clear view %q: %w: no depth aspect", v.Label(), ErrFormatMismatch)
	}
	if clearStencil && !v.Format().HasStencil() {
		return fmt.Errorf("clear view %q: %w: no stencil aspect", v.Label(), ErrFormatMismatch)
	}
	val := ClearValue{
		Kind:         ClearKindDepthStencil,
		Depth:        depth,
		Stencil:      stencil,
		ClearDepth:   clearDepth,
		ClearStencil: clearStencil,
	}
	return cb.record(scopeTopLevel, &ClearResourceViewCommand{View: v, Value: val})
}

func (cb *CommandBuffer) checkClearView(v *ResourceView, class FormatClass) error {
	if v == nil {
		return ErrNilResource
	}
	if err := cb.checkResource(v.Resource()); err != nil {
		return err
	}
	if v.Buffer() != nil {
		if class != FormatClassUint || v.Type() != ViewTypeUnorderedAccess {
			return fmt.Errorf("%w: buffer view %q supports only integer clears", ErrFormatMismatch, v.Label())
		}
		return nil
	}
	if !clearClassMatches(ClassOf(v.Format()), class) {
		return fmt.Errorf("%w: view %q format %v", ErrFormatMismatch, v.Label(), v.Format())
	}
	switch v.Type() {
	case ViewTypeRenderTarget, ViewTypeUnorderedAccess:
		if class == FormatClassDepthStencil {
			return fmt.Errorf("%w: %v view %q", ErrFormatMismatch, v.Type(), v.Label())
		}
	case ViewTypeDepthStencil:
		if class != FormatClassDepthStencil {
			return fmt.Errorf("%w: depth-stencil view %q", ErrFormatMismatch, v.Label())
		}
	default:
		return fmt.Errorf("%w: cannot clear %v view %q", ErrInvalidArgument, v.Type(), v.Label())
	}
	return nil
}

// clearClassMatches reports whether a clear of class want may target a
// format of class got. Integer clears serve both signed and unsigned formats.
func clearClassMatches(got, want FormatClass) bool {
	if want == FormatClassUint {
		return got == FormatClassUint || got == FormatClassSint
	}
	return got == want
}

// ClearTextureFloat clears every sub-resource of a color texture.
func (cb *CommandBuffer) ClearTextureFloat(t *Texture, color [4]float32) error {
	if err := cb.checkClearTexture(t, FormatClassFloat); err != nil {
		return fmt.Errorf("clear texture: %w", err)
	}
	return cb.record(scopeTopLevel, &ClearTextureCommand{Texture: t, Value: ClearValue{Kind: ClearKindFloat, Float: color}})
}

// ClearTextureUint clears every sub-resource of an integer texture.
func (cb *CommandBuffer) ClearTextureUint(t *Texture, color [4]uint32) error {
	if err := cb.checkClearTexture(t, FormatClassUint); err != nil {
		return fmt.Errorf("clear texture: %w", err)
	}
	return cb.record(scopeTopLevel, &ClearTextureCommand{Texture: t, Value: ClearValue{Kind: ClearKindUint, Uint: color}})
}

func (cb *CommandBuffer) checkClearTexture(t *Texture, class FormatClass) error {
	if err := cb.checkResource(t); err != nil {
		return err
	}
	if !clearClassMatches(ClassOf(t.Format()), class) {
		return fmt.Errorf("%w: texture %q format %v", ErrFormatMismatch, t.Label(), t.Format())
	}
	const clearable = gputypes.TextureUsageCopyDst | gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageStorageBinding
	if t.Desc().Usage&clearable == 0 {
		return fmt.Errorf("%w: texture %q is not clearable", ErrInvalidUsage, t.Label())
	}
	return nil
}

// CopyResource copies all of src into dst. Both must be the same kind;
// size and format compatibility are checked by the backend.
func (cb *CommandBuffer) CopyResource(dst, src Resource) error {
	if err := cb.checkResource(dst); err != nil {
		return fmt.Errorf("copy resource: dst: %w", err)
	}
	if err := cb.checkResource(src); err != nil {
		return fmt.Errorf("copy resource: src: %w", err)
	}
	if dst.Kind() != src.Kind() {
		return fmt.Errorf("copy resource: %w: %v to %v", ErrInvalidArgument, src.Kind(), dst.Kind())
	}
	if err := checkStateUsage(src, ResourceStateCopySource); err != nil {
		return fmt.Errorf("copy resource: %w", err)
	}
	if err := checkStateUsage(dst, ResourceStateCopyDestination); err != nil {
		return fmt.Errorf("copy resource: %w", err)
	}
	return cb.record(scopeTopLevel, &CopyResourceCommand{Dst: dst, Src: src})
}

// CopyBufferRegion copies size bytes between buffers.
func (cb *CommandBuffer) CopyBufferRegion(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64) error {
	if err := cb.checkResource(dst); err != nil {
		return fmt.Errorf("copy buffer region: dst: %w", err)
	}
	if err := cb.checkResource(src); err != nil {
		return fmt.Errorf("copy buffer region: src: %w", err)
	}
	if srcOffset+size > src.Size() || dstOffset+size > dst.Size() {
		return fmt.Errorf("copy buffer region: %w: %d bytes from %q@%d to %q@%d",
			ErrOutOfBounds, size, src.Label(), srcOffset, dst.Label(), dstOffset)
	}
	if err := checkStateUsage(src, ResourceStateCopySource); err != nil {
		return fmt.Errorf("copy buffer region: %w", err)
	}
	if err := checkStateUsage(dst, ResourceStateCopyDestination); err != nil {
		return fmt.Errorf("copy buffer region: %w", err)
	}
	return cb.record(scopeTopLevel, &CopyBufferRegionCommand{
		Dst: dst, DstOffset: dstOffset, Src: src, SrcOffset: srcOffset, Size: size,
	})
}

// CopyTextureRegion copies a box between texture sub-resources. A nil
// extent copies the remainder of the source sub-resource past srcOffset.
func (cb *CommandBuffer) CopyTextureRegion(
	dst *Texture, dstSub Subresource, dstOffset gputypes.Origin3D,
	src *Texture, srcSub Subresource, srcOffset gputypes.Origin3D,
	extent *gputypes.Extent3D,
) error {
	if err := cb.checkResource(dst); err != nil {
		return fmt.Errorf("copy texture region: dst: %w", err)
	}
	if err := cb.checkResource(src); err != nil {
		return fmt.Errorf("copy texture region: src: %w", err)
	}
	if err := src.checkSubresource(srcSub); err != nil {
		return fmt.Errorf("copy texture region: %w", err)
	}
	if err := dst.checkSubresource(dstSub); err != nil {
		return fmt.Errorf("copy texture region: %w", err)
	}
	if TexelSize(src.Format()) != TexelSize(dst.Format()) {
		return fmt.Errorf("copy texture region: %w: %v to %v", ErrFormatMismatch, src.Format(), dst.Format())
	}

	srcSize := src.MipSize(srcSub.MipLevel)
	if srcOffset.X > srcSize.Width || srcOffset.Y > srcSize.Height || srcOffset.Z > srcSize.DepthOrArrayLayers {
		return fmt.Errorf("copy texture region: %w: source offset %+v", ErrOutOfBounds, srcOffset)
	}
	cmd := &CopyTextureRegionCommand{
		Dst: dst, DstSubresource: dstSub, DstOffset: dstOffset,
		Src: src, SrcSubresource: srcSub, SrcOffset: srcOffset,
	}
	if extent == nil {
		cmd.Extent = RemainingExtent(srcSize, srcOffset)
		cmd.Remainder = true
	} else {
		cmd.Extent = *extent
	}
	if !boxFits(srcSize, srcOffset, cmd.Extent) || !boxFits(dst.MipSize(dstSub.MipLevel), dstOffset, cmd.Extent) {
		return fmt.Errorf("copy texture region: %w: extent %+v", ErrOutOfBounds, cmd.Extent)
	}
	if err := checkStateUsage(src, ResourceStateCopySource); err != nil {
		return fmt.Errorf("copy texture region: %w", err)
	}
	if err := checkStateUsage(dst, ResourceStateCopyDestination); err != nil {
		return fmt.Errorf("copy texture region: %w", err)
	}
	return cb.record(scopeTopLevel, cmd)
}

// RemainingExtent returns the part of size that lies past offset.
func RemainingExtent(size gputypes.Extent3D, offset gputypes.Origin3D) gputypes.Extent3D {
	return gputypes.Extent3D{
		Width:              size.Width - min(offset.X, size.Width),
		Height:             size.Height - min(offset.Y, size.Height),
		DepthOrArrayLayers: size.DepthOrArrayLayers - min(offset.Z, size.DepthOrArrayLayers),
	}
}

func boxFits(size gputypes.Extent3D, off gputypes.Origin3D, e gputypes.Extent3D) bool {
	return uint64(off.X)+uint64(e.Width) <= uint64(size.Width) &&
		uint64(off.Y)+uint64(e.Height) <= uint64(size.Height) &&
		uint64(off.Z)+uint64(e.DepthOrArrayLayers) <= uint64(size.DepthOrArrayLayers)
}

// WriteTimestamp records a timestamp write into slot index of pool. It may
// be recorded inside any encoder.
func (cb *CommandBuffer) WriteTimestamp(pool *QueryPool, index uint32) error {
	if pool == nil {
		return fmt.Errorf("write timestamp: %w", ErrNilResource)
	}
	if index >= pool.Count() {
		return fmt.Errorf("write timestamp: %w: slot %d of %q (%d slots)", ErrOutOfBounds, index, pool.Label(), pool.Count())
	}
	return cb.record(scopeAnywhere, &WriteTimestampCommand{Pool: pool, Index: index})
}

// ResolveQuery copies count results starting at index into buf at offset,
// one little-endian uint64 per query.
func (cb *CommandBuffer) ResolveQuery(pool *QueryPool, index, count uint32, buf *Buffer, offset uint64) error {
	if pool == nil {
		return fmt.Errorf("resolve query: %w", ErrNilResource)
	}
	if err := cb.checkResource(buf); err != nil {
		return fmt.Errorf("resolve query: %w", err)
	}
	if uint64(index)+uint64(count) > uint64(pool.Count()) {
		return fmt.Errorf("resolve query: %w: slots [%d,%d) of %q", ErrOutOfBounds, index, index+count, pool.Label())
	}
	if offset+uint64(count)*QueryResultSize > buf.Size() {
		return fmt.Errorf("resolve query: %w: %d results into %q@%d", ErrOutOfBounds, count, buf.Label(), offset)
	}
	if err := checkStateUsage(buf, ResourceStateCopyDestination); err != nil {
		return fmt.Errorf("resolve query: %w", err)
	}
	return cb.record(scopeTopLevel, &ResolveQueryCommand{Pool: pool, Index: index, Count: count, Buffer: buf, Offset: offset})
}

// beginEncoder makes e the active encoder.
func (cb *CommandBuffer) beginEncoder(e *encoderBase, begin *BeginEncoderCommand) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.checkOpen(); err != nil {
		return fmt.Errorf("encode %v commands: %w", begin.Kind, err)
	}
	if cb.active != nil {
		return fmt.Errorf("encode %v commands while %v encoder is active: %w", begin.Kind, cb.active.kind, ErrEncoderActive)
	}
	cb.active = e
	cb.commands = append(cb.commands, begin)
	return nil
}

// appendEncoded records an encoder command. e must be the active encoder.
func (cb *CommandBuffer) appendEncoded(e *encoderBase, c Command) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.active != e {
		return fmt.Errorf("%v: %w", c.Type(), ErrEncoderEnded)
	}
	cb.commands = append(cb.commands, c)
	return nil
}

func (cb *CommandBuffer) endEncoder(e *encoderBase) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.active == e {
		cb.commands = append(cb.commands, &EndEncoderCommand{Kind: e.kind})
		cb.active = nil
	}
}

// EncodeComputeCommands opens a compute encoder. Call End before opening
// another encoder or closing the buffer.
func (cb *CommandBuffer) EncodeComputeCommands() (*ComputeCommandEncoder, error) {
	e := &ComputeCommandEncoder{}
	e.encoderBase.init(cb, EncoderKindCompute)
	if err := cb.beginEncoder(&e.encoderBase, &BeginEncoderCommand{Kind: EncoderKindCompute}); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeRenderCommands opens a render encoder drawing into fb.
func (cb *CommandBuffer) EncodeRenderCommands(fb *Framebuffer) (*RenderCommandEncoder, error) {
	if fb == nil {
		return nil, fmt.Errorf("encode render commands: %w: framebuffer", ErrNilResource)
	}
	for _, a := range fb.desc.ColorAttachments {
		if err := cb.checkResource(a.View.Resource()); err != nil {
			return nil, fmt.Errorf("encode render commands: %w", err)
		}
	}
	e := &RenderCommandEncoder{framebuffer: fb}
	e.encoderBase.init(cb, EncoderKindRender)
	if err := cb.beginEncoder(&e.encoderBase, &BeginEncoderCommand{Kind: EncoderKindRender, Label: fb.desc.Label, Framebuffer: fb}); err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeRayTracingCommands opens a ray-tracing encoder.
func (cb *CommandBuffer) EncodeRayTracingCommands() (*RayTracingCommandEncoder, error) {
	e := &RayTracingCommandEncoder{}
	e.encoderBase.init(cb, EncoderKindRayTracing)
	if err := cb.beginEncoder(&e.encoderBase, &BeginEncoderCommand{Kind: EncoderKindRayTracing}); err != nil {
		return nil, err
	}
	return e, nil
}

// Compute opens a compute encoder, runs fn and ends the encoder on every
// exit path, including a panic in fn.
func (cb *CommandBuffer) Compute(fn func(e *ComputeCommandEncoder) error) (err error) {
	e, err := cb.EncodeComputeCommands()
	if err != nil {
		return err
	}
	defer func() {
		if endErr := e.End(); err == nil {
			err = endErr
		}
	}()
	return fn(e)
}

// Render is the scoped form of EncodeRenderCommands.
func (cb *CommandBuffer) Render(fb *Framebuffer, fn func(e *RenderCommandEncoder) error) (err error) {
	e, err := cb.EncodeRenderCommands(fb)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := e.End(); err == nil {
			err = endErr
		}
	}()
	return fn(e)
}

// RayTracing is the scoped form of EncodeRayTracingCommands.
func (cb *CommandBuffer) RayTracing(fn func(e *RayTracingCommandEncoder) error) (err error) {
	e, err := cb.EncodeRayTracingCommands()
	if err != nil {
		return err
	}
	defer func() {
		if endErr := e.End(); err == nil {
			err = endErr
		}
	}()
	return fn(e)
}

// Close finalizes recording. Closing twice, or with an active encoder, is
// an error.
func (cb *CommandBuffer) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.checkOpen(); err != nil {
		return fmt.Errorf("close command buffer %q: %w", cb.label, err)
	}
	if cb.active != nil {
		return fmt.Errorf("close command buffer %q with %v encoder active: %w", cb.label, cb.active.kind, ErrEncoderActive)
	}
	cb.state = CommandBufferStateClosed
	return nil
}

// Submit submits the buffer on its originating queue.
func (cb *CommandBuffer) Submit() error {
	return cb.queue.Submit(cb)
}

// markSubmitted moves a closed buffer to Submitted.
func (cb *CommandBuffer) markSubmitted(serial uint64) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CommandBufferStateClosed:
		cb.state = CommandBufferStateSubmitted
		cb.serial = serial
		return nil
	case CommandBufferStateOpen:
		return fmt.Errorf("submit %q: %w", cb.label, ErrBufferNotClosed)
	case CommandBufferStateDiscarded:
		return fmt.Errorf("submit %q: %w", cb.label, ErrBufferDiscarded)
	default:
		return fmt.Errorf("submit %q: %w", cb.label, ErrBufferSubmitted)
	}
}

// batch returns the executable form of a submitted buffer.
func (cb *CommandBuffer) batch() *Batch {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &Batch{Label: cb.label, Serial: cb.serial, Commands: cb.commands}
}

// finish retires or discards the buffer and hands its storage back.
func (cb *CommandBuffer) finish(err error, discard bool) []Command {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.err = err
	cb.state = CommandBufferStateRetired
	if discard {
		cb.state = CommandBufferStateDiscarded
	}
	storage := cb.commands
	cb.commands = nil
	close(cb.done)
	return storage
}
