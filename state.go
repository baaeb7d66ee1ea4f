// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// ResourceState is the logical GPU-visible state of a resource or view.
// The set is closed; every backend maps it onto its own barrier model.
type ResourceState uint8

const (
	// ResourceStateUndefined means the contents are undefined. It is the
	// initial state of a resource created without an explicit state and is
	// never a valid transition target.
	ResourceStateUndefined ResourceState = iota

	// ResourceStateGeneral is the catch-all state accepted by every operation.
	ResourceStateGeneral

	ResourceStateVertexBuffer
	ResourceStateIndexBuffer
	ResourceStateConstantBuffer
	ResourceStateStreamOutput
	ResourceStateShaderResource
	ResourceStateUnorderedAccess
	ResourceStateRenderTarget
	ResourceStateDepthRead
	ResourceStateDepthWrite
	ResourceStatePresent
	ResourceStateIndirectArgument
	ResourceStateCopySource
	ResourceStateCopyDestination
	ResourceStateResolveSource
	ResourceStateResolveDestination
	ResourceStateAccelerationStructure
	ResourceStateAccelerationStructureBuildInput

	resourceStateCount
)

var resourceStateNames = [...]string{
	ResourceStateUndefined:                       "Undefined",
	ResourceStateGeneral:                         "General",
	ResourceStateVertexBuffer:                    "VertexBuffer",
	ResourceStateIndexBuffer:                     "IndexBuffer",
	ResourceStateConstantBuffer:                  "ConstantBuffer",
	ResourceStateStreamOutput:                    "StreamOutput",
	ResourceStateShaderResource:                  "ShaderResource",
	ResourceStateUnorderedAccess:                 "UnorderedAccess",
	ResourceStateRenderTarget:                    "RenderTarget",
	ResourceStateDepthRead:                       "DepthRead",
	ResourceStateDepthWrite:                      "DepthWrite",
	ResourceStatePresent:                         "Present",
	ResourceStateIndirectArgument:                "IndirectArgument",
	ResourceStateCopySource:                      "CopySource",
	ResourceStateCopyDestination:                 "CopyDestination",
	ResourceStateResolveSource:                   "ResolveSource",
	ResourceStateResolveDestination:              "ResolveDestination",
	ResourceStateAccelerationStructure:           "AccelerationStructure",
	ResourceStateAccelerationStructureBuildInput: "AccelerationStructureBuildInput",
}

// String returns the state name.
func (s ResourceState) String() string {
	if s < resourceStateCount {
		return resourceStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// ResourceKind distinguishes the two stateful resource kinds.
type ResourceKind uint8

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindTexture

	resourceKindCount
)

// String returns the kind name.
func (k ResourceKind) String() string {
	switch k {
	case ResourceKindBuffer:
		return "Buffer"
	case ResourceKindTexture:
		return "Texture"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// stateMask is a set of ResourceState values.
type stateMask uint32

func maskOf(states ...ResourceState) stateMask {
	var m stateMask
	for _, s := range states {
		m |= 1 << s
	}
	return m
}

func (m stateMask) has(s ResourceState) bool { return s < resourceStateCount && m&(1<<s) != 0 }

func (m stateMask) states() []ResourceState {
	var out []ResourceState
	for s := ResourceState(0); s < resourceStateCount; s++ {
		if m.has(s) {
			out = append(out, s)
		}
	}
	return out
}

// kindStates lists the states each resource kind may occupy.
var kindStates = [resourceKindCount]stateMask{
	ResourceKindBuffer: maskOf(
		ResourceStateUndefined,
		ResourceStateGeneral,
		ResourceStateVertexBuffer,
		ResourceStateIndexBuffer,
		ResourceStateConstantBuffer,
		ResourceStateStreamOutput,
		ResourceStateShaderResource,
		ResourceStateUnorderedAccess,
		ResourceStateIndirectArgument,
		ResourceStateCopySource,
		ResourceStateCopyDestination,
		ResourceStateAccelerationStructure,
		ResourceStateAccelerationStructureBuildInput,
	),
	ResourceKindTexture: maskOf(
		ResourceStateUndefined,
		ResourceStateGeneral,
		ResourceStateShaderResource,
		ResourceStateUnorderedAccess,
		ResourceStateRenderTarget,
		ResourceStateDepthRead,
		ResourceStateDepthWrite,
		ResourceStatePresent,
		ResourceStateCopySource,
		ResourceStateCopyDestination,
		ResourceStateResolveSource,
		ResourceStateResolveDestination,
	),
}

// transitionTable[kind][from] is the set of legal targets.
var transitionTable [resourceKindCount][resourceStateCount]stateMask

func init() {
	for k := ResourceKind(0); k < resourceKindCount; k++ {
		for from := ResourceState(0); from < resourceStateCount; from++ {
			transitionTable[k][from] = legalTargets(k, from)
		}
	}
}

// legalTargets derives one row of the transition table.
//
// Undefined is never a target. Buffers holding acceleration structures stay
// in ResourceStateAccelerationStructure for their whole life, so that state
// is only entered from Undefined and never left.
func legalTargets(k ResourceKind, from ResourceState) stateMask {
	valid := kindStates[k]
	if !valid.has(from) {
		return 0
	}
	targets := valid &^ maskOf(ResourceStateUndefined)
	switch {
	case from == ResourceStateAccelerationStructure:
		return maskOf(ResourceStateAccelerationStructure)
	case from != ResourceStateUndefined:
		targets &^= maskOf(ResourceStateAccelerationStructure)
	}
	return targets
}

// ValidateTransition reports whether a resource of kind k may move from one
// state to another. A transition to the current state is legal whenever the
// state itself is legal for the kind, except for Undefined.
func ValidateTransition(k ResourceKind, from, to ResourceState) error {
	if k >= resourceKindCount || from >= resourceStateCount || to >= resourceStateCount {
		return fmt.Errorf("%w: %v %v -> %v", ErrInvalidTransition, k, from, to)
	}
	if !transitionTable[k][from].has(to) {
		return fmt.Errorf("%w: %v %v -> %v", ErrInvalidTransition, k, from, to)
	}
	return nil
}

// bufferStateUsage returns the usages of which a buffer needs at least one
// to enter state s. Zero means no requirement.
func bufferStateUsage(s ResourceState) gputypes.BufferUsage {
	switch s {
	case ResourceStateVertexBuffer:
		return gputypes.BufferUsageVertex
	case ResourceStateIndexBuffer:
		return gputypes.BufferUsageIndex
	case ResourceStateConstantBuffer:
		return gputypes.BufferUsageUniform
	case ResourceStateShaderResource:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageUniform
	case ResourceStateStreamOutput, ResourceStateUnorderedAccess, ResourceStateAccelerationStructure:
		return gputypes.BufferUsageStorage
	case ResourceStateIndirectArgument:
		return gputypes.BufferUsageIndirect
	case ResourceStateCopySource:
		return gputypes.BufferUsageCopySrc
	case ResourceStateCopyDestination:
		return gputypes.BufferUsageCopyDst | gputypes.BufferUsageQueryResolve
	case ResourceStateAccelerationStructureBuildInput:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageVertex | gputypes.BufferUsageIndex
	default:
		return 0
	}
}

// textureStateUsage is the texture counterpart of bufferStateUsage.
func textureStateUsage(s ResourceState) gputypes.TextureUsage {
	switch s {
	case ResourceStateShaderResource:
		return gputypes.TextureUsageTextureBinding
	case ResourceStateUnorderedAccess:
		return gputypes.TextureUsageStorageBinding
	case ResourceStateRenderTarget, ResourceStatePresent, ResourceStateDepthWrite:
		return gputypes.TextureUsageRenderAttachment
	case ResourceStateDepthRead:
		return gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding
	case ResourceStateCopySource, ResourceStateResolveSource:
		return gputypes.TextureUsageCopySrc
	case ResourceStateCopyDestination, ResourceStateResolveDestination:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}

// checkStateUsage verifies that r was created with a usage that permits s.
func checkStateUsage(r Resource, s ResourceState) error {
	switch res := r.(type) {
	case *Buffer:
		if need := bufferStateUsage(s); need != 0 && res.desc.Usage&need == 0 {
			return fmt.Errorf("%w: buffer %q cannot enter %v", ErrInvalidUsage, res.label, s)
		}
	case *Texture:
		if need := textureStateUsage(s); need != 0 && res.desc.Usage&need == 0 {
			return fmt.Errorf("%w: texture %q cannot enter %v", ErrInvalidUsage, res.label, s)
		}
		if (s == ResourceStateDepthRead || s == ResourceStateDepthWrite) && !res.desc.Format.HasDepth() {
			return fmt.Errorf("%w: texture %q has no depth aspect", ErrFormatMismatch, res.label)
		}
		if s == ResourceStateRenderTarget && res.desc.Format.IsDepthStencil() {
			return fmt.Errorf("%w: texture %q is depth-stencil", ErrFormatMismatch, res.label)
		}
	}
	return nil
}

// BufferUsageFor maps a state to the buffer usage a native backend should
// declare in its barriers.
func BufferUsageFor(s ResourceState) gputypes.BufferUsage {
	switch s {
	case ResourceStateCopyDestination:
		return gputypes.BufferUsageCopyDst
	case ResourceStateShaderResource, ResourceStateAccelerationStructureBuildInput:
		return gputypes.BufferUsageStorage
	default:
		return bufferStateUsage(s)
	}
}

// TextureUsageFor maps a state to the texture usage a native backend should
// declare in its barriers.
func TextureUsageFor(s ResourceState) gputypes.TextureUsage {
	if s == ResourceStateDepthRead {
		return gputypes.TextureUsageTextureBinding
	}
	return textureStateUsage(s)
}
