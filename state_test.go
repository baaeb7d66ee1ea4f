// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name string
		kind ResourceKind
		from ResourceState
		to   ResourceState
		ok   bool
	}{
		{"buffer undefined to copy dst", ResourceKindBuffer, ResourceStateUndefined, ResourceStateCopyDestination, true},
		{"buffer copy dst to vertex", ResourceKindBuffer, ResourceStateCopyDestination, ResourceStateVertexBuffer, true},
		{"same state", ResourceKindBuffer, ResourceStateUnorderedAccess, ResourceStateUnorderedAccess, true},
		{"undefined is never a target", ResourceKindBuffer, ResourceStateGeneral, ResourceStateUndefined, false},
		{"undefined to undefined", ResourceKindTexture, ResourceStateUndefined, ResourceStateUndefined, false},
		{"buffer cannot be render target", ResourceKindBuffer, ResourceStateGeneral, ResourceStateRenderTarget, false},
		{"texture cannot be vertex buffer", ResourceKindTexture, ResourceStateGeneral, ResourceStateVertexBuffer, false},
		{"texture render target to shader resource", ResourceKindTexture, ResourceStateRenderTarget, ResourceStateShaderResource, true},
		{"texture present to copy src", ResourceKindTexture, ResourceStatePresent, ResourceStateCopySource, true},
		{"acceleration structure from undefined", ResourceKindBuffer, ResourceStateUndefined, ResourceStateAccelerationStructure, true},
		{"acceleration structure is kept", ResourceKindBuffer, ResourceStateAccelerationStructure, ResourceStateAccelerationStructure, true},
		{"acceleration structure is never left", ResourceKindBuffer, ResourceStateAccelerationStructure, ResourceStateGeneral, false},
		{"acceleration structure entered late", ResourceKindBuffer, ResourceStateGeneral, ResourceStateAccelerationStructure, false},
		{"texture acceleration structure", ResourceKindTexture, ResourceStateUndefined, ResourceStateAccelerationStructure, false},
		{"state out of range", ResourceKindBuffer, ResourceStateGeneral, resourceStateCount, false},
		{"kind out of range", resourceKindCount, ResourceStateGeneral, ResourceStateGeneral, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.kind, tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("ValidateTransition(%v, %v, %v) = %v, want nil", tt.kind, tt.from, tt.to, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("ValidateTransition(%v, %v, %v) = %v, want ErrInvalidTransition", tt.kind, tt.from, tt.to, err)
			}
		})
	}
}

// Every legal target of a kind is reachable from Undefined, and Undefined
// is reachable from nothing.
func TestTransitionTableShape(t *testing.T) {
	for k := ResourceKind(0); k < resourceKindCount; k++ {
		for s := ResourceState(0); s < resourceStateCount; s++ {
			if ValidateTransition(k, s, ResourceStateUndefined) == nil {
				t.Errorf("%v: %v -> Undefined is legal", k, s)
			}
			if s != ResourceStateUndefined && kindStates[k].has(s) {
				if err := ValidateTransition(k, ResourceStateUndefined, s); err != nil {
					t.Errorf("%v: Undefined -> %v: %v", k, s, err)
				}
			}
		}
	}
}

func TestResourceStateString(t *testing.T) {
	tests := []struct {
		s    ResourceState
		want string
	}{
		{ResourceStateUndefined, "Undefined"},
		{ResourceStateCopyDestination, "CopyDestination"},
		{ResourceStateAccelerationStructureBuildInput, "AccelerationStructureBuildInput"},
		{ResourceState(200), "Unknown(200)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("ResourceState(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
	if got := ResourceKind(9).String(); got != "Unknown(9)" {
		t.Errorf("ResourceKind(9).String() = %q, want %q", got, "Unknown(9)")
	}
}

func TestInitialStateNeedsUsage(t *testing.T) {
	d, _, _ := newMockDevice(t)

	_, err := d.CreateBuffer(BufferDesc{
		Label:        "vb",
		Size:         64,
		Usage:        gputypes.BufferUsageCopyDst,
		InitialState: ResourceStateVertexBuffer,
	})
	if !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("CreateBuffer error = %v, want ErrInvalidUsage", err)
	}

	b, err := d.CreateBuffer(BufferDesc{
		Label:        "vb",
		Size:         64,
		Usage:        gputypes.BufferUsageVertex,
		InitialState: ResourceStateVertexBuffer,
	})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if got := b.State(); got != ResourceStateVertexBuffer {
		t.Errorf("State() = %v, want %v", got, ResourceStateVertexBuffer)
	}

	_, err = d.CreateTexture(TextureDesc{
		Label:        "depth",
		Format:       gputypes.TextureFormatDepth32Float,
		Size:         gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Usage:        gputypes.TextureUsageRenderAttachment,
		InitialState: ResourceStateRenderTarget,
	})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("CreateTexture(depth as render target) error = %v, want ErrFormatMismatch", err)
	}
}

func TestUsageFor(t *testing.T) {
	if got := BufferUsageFor(ResourceStateCopyDestination); got != gputypes.BufferUsageCopyDst {
		t.Errorf("BufferUsageFor(CopyDestination) = %v, want CopyDst", got)
	}
	if got := BufferUsageFor(ResourceStateIndirectArgument); got != gputypes.BufferUsageIndirect {
		t.Errorf("BufferUsageFor(IndirectArgument) = %v, want Indirect", got)
	}
	if got := TextureUsageFor(ResourceStateDepthRead); got != gputypes.TextureUsageTextureBinding {
		t.Errorf("TextureUsageFor(DepthRead) = %v, want TextureBinding", got)
	}
	if got := TextureUsageFor(ResourceStateGeneral); got != 0 {
		t.Errorf("TextureUsageFor(General) = %v, want 0", got)
	}
}
