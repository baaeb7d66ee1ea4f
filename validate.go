// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"
	"slices"
)

// Accept-lists for debug validation. General is accepted everywhere.
var (
	acceptCopySrc       = []ResourceState{ResourceStateCopySource, ResourceStateGeneral}
	acceptCopyDst       = []ResourceState{ResourceStateCopyDestination, ResourceStateGeneral}
	acceptClearColor    = []ResourceState{ResourceStateRenderTarget, ResourceStateUnorderedAccess, ResourceStateCopyDestination, ResourceStateGeneral}
	acceptClearDepth    = []ResourceState{ResourceStateDepthWrite, ResourceStateCopyDestination, ResourceStateGeneral}
	acceptRenderTarget  = []ResourceState{ResourceStateRenderTarget, ResourceStateGeneral}
	acceptDepthWrite    = []ResourceState{ResourceStateDepthWrite, ResourceStateGeneral}
	acceptDepthReadOnly = []ResourceState{ResourceStateDepthRead, ResourceStateDepthWrite, ResourceStateGeneral}
	acceptVertex        = []ResourceState{ResourceStateVertexBuffer, ResourceStateGeneral}
	acceptIndex         = []ResourceState{ResourceStateIndexBuffer, ResourceStateGeneral}
	acceptIndirect      = []ResourceState{ResourceStateIndirectArgument, ResourceStateGeneral}
	acceptUnordered     = []ResourceState{ResourceStateUnorderedAccess, ResourceStateGeneral}
	acceptBuildInput    = []ResourceState{ResourceStateAccelerationStructureBuildInput, ResourceStateShaderResource, ResourceStateGeneral}
	acceptUniform       = []ResourceState{ResourceStateConstantBuffer, ResourceStateShaderResource, ResourceStateGeneral}
	acceptShaderRead    = []ResourceState{ResourceStateShaderResource, ResourceStateUnorderedAccess, ResourceStateGeneral}
	acceptSampled       = []ResourceState{ResourceStateShaderResource, ResourceStateDepthRead, ResourceStateGeneral}
)

type trackedState struct {
	state ResourceState
	dirty bool
}

type trackedBuild struct {
	built bool
	flags BuildFlags
	dirty bool
}

// stateTracker replays a batch over a shadow copy of the committed states.
// Transitions and acceleration structure build rules are always checked;
// usage hazards only when full is set.
type stateTracker struct {
	full bool

	resources map[*resourceBase]*trackedState
	views     map[*ResourceView]*trackedState
	builds    map[*AccelerationStructure]*trackedBuild

	index int
	cmd   Command

	// bound shader object of the open encoder
	shaderObject *ShaderObject
}

func newStateTracker(full bool) *stateTracker {
	return &stateTracker{
		full:      full,
		resources: make(map[*resourceBase]*trackedState),
		views:     make(map[*ResourceView]*trackedState),
		builds:    make(map[*AccelerationStructure]*trackedBuild),
	}
}

func (t *stateTracker) resource(r Resource) *trackedState {
	b := r.base()
	s, ok := t.resources[b]
	if !ok {
		s = &trackedState{state: b.State()}
		t.resources[b] = s
	}
	return s
}

func (t *stateTracker) view(v *ResourceView) *trackedState {
	s, ok := t.views[v]
	if !ok {
		s = &trackedState{state: v.State()}
		t.views[v] = s
	}
	return s
}

func (t *stateTracker) build(as *AccelerationStructure) *trackedBuild {
	s, ok := t.builds[as]
	if !ok {
		as.mu.Lock()
		s = &trackedBuild{built: as.built, flags: as.flags}
		as.mu.Unlock()
		t.builds[as] = s
	}
	return s
}

func (t *stateTracker) errorf(format string, args ...any) error {
	return fmt.Errorf("command %d %v: %w", t.index, t.cmd.Type(), fmt.Errorf(format, args...))
}

// transition moves a resource to s, resetting its views when asked.
func (t *stateTracker) transition(r Resource, s ResourceState, resetViews bool) error {
	cur := t.resource(r)
	if err := ValidateTransition(r.Kind(), cur.state, s); err != nil {
		return t.errorf("%q: %w", r.Label(), err)
	}
	cur.state, cur.dirty = s, true
	if resetViews {
		for _, v := range r.base().viewList() {
			vs := t.view(v)
			vs.state, vs.dirty = s, true
		}
	}
	return nil
}

// use checks that a resource is in one of the accepted states.
func (t *stateTracker) use(r Resource, op string, accept []ResourceState) error {
	if !t.full {
		return nil
	}
	got := t.resource(r).state
	if slices.Contains(accept, got) {
		return nil
	}
	return &HazardError{Resource: r.Label(), Command: t.index, Op: op, Want: accept, Got: got}
}

// useView checks the state of a view.
func (t *stateTracker) useView(v *ResourceView, op string, accept []ResourceState) error {
	if !t.full {
		return nil
	}
	got := t.view(v).state
	if slices.Contains(accept, got) {
		return nil
	}
	return &HazardError{Resource: v.Label(), Command: t.index, Op: op, Want: accept, Got: got}
}

func (t *stateTracker) useShaderObject(op string) error {
	if !t.full || t.shaderObject == nil {
		return nil
	}
	for _, b := range t.shaderObject.Bindings() {
		var err error
		name := fmt.Sprintf("%s(binding %d)", op, b.Slot)
		switch b.Type {
		case BindingTypeUniformBuffer:
			err = t.use(b.Buffer, name, acceptUniform)
		case BindingTypeReadOnlyStorageBuffer:
			err = t.use(b.Buffer, name, acceptShaderRead)
		case BindingTypeStorageBuffer:
			err = t.use(b.Buffer, name, acceptUnordered)
		case BindingTypeSampledTexture:
			err = t.useView(b.View, name, acceptSampled)
		case BindingTypeStorageTexture:
			err = t.useView(b.View, name, acceptUnordered)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// trackBatch replays b, returning the tracker whose final states are
// committed once the batch has executed.
func trackBatch(b *Batch, qt QueueType, full bool) (*stateTracker, error) {
	t := newStateTracker(full)
	for i, c := range b.Commands {
		t.index, t.cmd = i, c
		if err := t.step(c, qt); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *stateTracker) step(c Command, qt QueueType) error {
	switch c := c.(type) {
	case *SetResourceStateCommand:
		return t.transition(c.Resource, c.State, true)
	case *SetBufferStateCommand:
		return t.transition(c.Buffer, c.State, false)
	case *SetTextureStateCommand:
		return t.transition(c.Texture, c.State, false)
	case *SetResourceViewStateCommand:
		cur := t.view(c.View)
		if err := ValidateTransition(c.View.Resource().Kind(), cur.state, c.State); err != nil {
			return t.errorf("view %q: %w", c.View.Label(), err)
		}
		cur.state, cur.dirty = c.State, true
	case *BufferBarrierCommand:
		if err := t.use(c.Buffer, "BufferBarrier(old)", []ResourceState{c.Old}); err != nil {
			return err
		}
		return t.transition(c.Buffer, c.New, false)
	case *TextureBarrierCommand:
		if err := t.use(c.Texture, "TextureBarrier(old)", []ResourceState{c.Old}); err != nil {
			return err
		}
		return t.transition(c.Texture, c.New, false)

	case *ClearResourceViewCommand:
		accept := acceptClearColor
		if c.Value.Kind == ClearKindDepthStencil {
			accept = acceptClearDepth
		}
		return t.useView(c.View, "ClearResourceView", accept)
	case *ClearTextureCommand:
		return t.use(c.Texture, "ClearTexture", acceptClearColor)
	case *CopyResourceCommand:
		if err := t.use(c.Src, "CopyResource(src)", acceptCopySrc); err != nil {
			return err
		}
		return t.use(c.Dst, "CopyResource(dst)", acceptCopyDst)
	case *CopyBufferRegionCommand:
		if err := t.use(c.Src, "CopyBufferRegion(src)", acceptCopySrc); err != nil {
			return err
		}
		return t.use(c.Dst, "CopyBufferRegion(dst)", acceptCopyDst)
	case *CopyTextureRegionCommand:
		if err := t.use(c.Src, "CopyTextureRegion(src)", acceptCopySrc); err != nil {
			return err
		}
		return t.use(c.Dst, "CopyTextureRegion(dst)", acceptCopyDst)
	case *ResolveQueryCommand:
		return t.use(c.Buffer, "ResolveQuery", acceptCopyDst)

	case *BeginEncoderCommand:
		t.shaderObject = nil
		if c.Kind == EncoderKindRender {
			if qt != QueueTypeGraphics {
				return t.errorf("%w: render encoder on %v queue", ErrUnsupported, qt)
			}
			return t.useFramebuffer(c.Framebuffer)
		}
	case *EndEncoderCommand:
		t.shaderObject = nil

	case *BindComputePipelineCommand:
		if c.ShaderObject != nil {
			t.shaderObject = c.ShaderObject
		}
	case *BindGraphicsPipelineCommand:
		if c.ShaderObject != nil {
			t.shaderObject = c.ShaderObject
		}
	case *BindRayTracingPipelineCommand:
		if c.ShaderObject != nil {
			t.shaderObject = c.ShaderObject
		}
	case *DispatchCommand:
		return t.useShaderObject("Dispatch")
	case *DispatchRaysCommand:
		return t.useShaderObject("DispatchRays")

	case *SetVertexBufferCommand:
		return t.use(c.Buffer, "SetVertexBuffer", acceptVertex)
	case *SetIndexBufferCommand:
		return t.use(c.Buffer, "SetIndexBuffer", acceptIndex)
	case *DrawCommand:
		return t.useShaderObject("Draw")
	case *DrawIndexedCommand:
		return t.useShaderObject("DrawIndexed")
	case *DrawIndirectCommand:
		if err := t.use(c.ArgBuffer, "DrawIndirect(args)", acceptIndirect); err != nil {
			return err
		}
		if c.Count != nil {
			if err := t.use(c.Count.Buffer, "DrawIndirect(count)", acceptIndirect); err != nil {
				return err
			}
		}
		return t.useShaderObject("DrawIndirect")

	case *BuildAccelerationStructureCommand:
		return t.stepBuild(&c.Desc)
	case *CopyAccelerationStructureCommand:
		src := t.build(c.Src)
		if !src.built {
			return t.errorf("%w: source %q has not been built", ErrInvalidState, c.Src.Label())
		}
		if c.Mode == CopyModeCompact && src.flags&BuildFlagAllowCompaction == 0 {
			return t.errorf("%w: source %q was not built with BuildFlagAllowCompaction", ErrInvalidArgument, c.Src.Label())
		}
		dst := t.build(c.Dst)
		dst.built, dst.flags, dst.dirty = true, src.flags, true
	}
	return nil
}

func (t *stateTracker) useFramebuffer(fb *Framebuffer) error {
	for i, a := range fb.desc.ColorAttachments {
		if err := t.useView(a.View, fmt.Sprintf("Render(color %d)", i), acceptRenderTarget); err != nil {
			return err
		}
	}
	if ds := fb.desc.DepthStencil; ds != nil {
		accept := acceptDepthWrite
		if ds.ReadOnly {
			accept = acceptDepthReadOnly
		}
		return t.useView(ds.View, "Render(depth)", accept)
	}
	return nil
}

func (t *stateTracker) stepBuild(d *AccelerationStructureBuildDesc) error {
	if d.Src != nil {
		src := t.build(d.Src)
		if !src.built {
			return t.errorf("%w: update source %q has not been built", ErrInvalidState, d.Src.Label())
		}
		if src.flags&BuildFlagAllowUpdate == 0 {
			return t.errorf("%w: update source %q was not built with BuildFlagAllowUpdate", ErrInvalidArgument, d.Src.Label())
		}
	}
	if err := t.use(d.ScratchData.Buffer, "BuildAccelerationStructure(scratch)", acceptUnordered); err != nil {
		return err
	}
	for _, b := range d.Inputs.inputBuffers() {
		if err := t.use(b, "BuildAccelerationStructure(input)", acceptBuildInput); err != nil {
			return err
		}
	}
	dst := t.build(d.Dst)
	dst.built, dst.flags, dst.dirty = true, d.Inputs.Flags, true
	return nil
}

// commit publishes the final tracked states as the committed states.
func (t *stateTracker) commit() {
	for r, s := range t.resources {
		if s.dirty {
			r.commit(s.state)
		}
	}
	for v, s := range t.views {
		if s.dirty {
			v.commit(s.state)
		}
	}
	for as, s := range t.builds {
		if s.dirty {
			as.commitBuild(s.flags)
		}
	}
}
