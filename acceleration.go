// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/gputypes"
)

// AccelerationStructureKind selects between instance and geometry levels.
type AccelerationStructureKind uint8

const (
	AccelerationStructureKindTopLevel AccelerationStructureKind = iota
	AccelerationStructureKindBottomLevel
)

// String returns the kind name.
func (k AccelerationStructureKind) String() string {
	switch k {
	case AccelerationStructureKindTopLevel:
		return "TopLevel"
	case AccelerationStructureKindBottomLevel:
		return "BottomLevel"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// BuildFlags tune an acceleration structure build.
type BuildFlags uint8

const (
	BuildFlagAllowUpdate BuildFlags = 1 << iota
	BuildFlagAllowCompaction
	BuildFlagPreferFastTrace
	BuildFlagPreferFastBuild
	BuildFlagMinimizeMemory
)

// GeometryType selects the primitive type of a geometry input.
type GeometryType uint8

const (
	GeometryTypeTriangles GeometryType = iota
	GeometryTypeAABBs
)

// GeometryFlags are per-geometry traversal hints.
type GeometryFlags uint8

const (
	GeometryFlagOpaque GeometryFlags = 1 << iota
	GeometryFlagNoDuplicateAnyHit
)

// TriangleGeometry reads float32x3 positions and optional indices from
// device buffers.
type TriangleGeometry struct {
	VertexBuffer *Buffer
	VertexOffset uint64
	VertexStride uint64
	VertexCount  uint32

	// IndexBuffer is optional; nil means non-indexed triangles.
	IndexBuffer *Buffer
	IndexOffset uint64
	IndexFormat gputypes.IndexFormat
	IndexCount  uint32
}

// AABBGeometry reads min/max float32x3 pairs from a device buffer.
type AABBGeometry struct {
	Buffer *Buffer
	Offset uint64
	Stride uint64
	Count  uint32
}

// AccelerationStructureGeometry is one geometry input of a bottom-level build.
type AccelerationStructureGeometry struct {
	Type      GeometryType
	Flags     GeometryFlags
	Triangles TriangleGeometry
	AABBs     AABBGeometry
}

// InstanceStride is the size of one encoded instance record.
const InstanceStride = 64

// AccelerationStructureInstance places a bottom-level structure in a
// top-level build. Records are stored in a device buffer with
// EncodeInstance.
type AccelerationStructureInstance struct {
	// Transform is a row-major 3x4 object-to-world matrix.
	Transform   [12]float32
	InstanceID  uint32 // low 24 bits
	Mask        uint8
	HitGroup    uint32 // low 24 bits
	Flags       uint8
	BottomLevel DeviceAddress
}

// IdentityTransform is the 3x4 identity matrix.
var IdentityTransform = [12]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}

// EncodeInstance writes an instance record into dst, which must hold at
// least InstanceStride bytes.
func EncodeInstance(dst []byte, inst AccelerationStructureInstance) {
	for i, f := range inst.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.InstanceID&0xFFFFFF|uint32(inst.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], inst.HitGroup&0xFFFFFF|uint32(inst.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(inst.BottomLevel))
}

// DecodeInstance reads a record written by EncodeInstance.
func DecodeInstance(src []byte) AccelerationStructureInstance {
	var inst AccelerationStructureInstance
	for i := range inst.Transform {
		inst.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	inst.InstanceID, inst.Mask = w&0xFFFFFF, uint8(w>>24)
	w = binary.LittleEndian.Uint32(src[52:])
	inst.HitGroup, inst.Flags = w&0xFFFFFF, uint8(w>>24)
	inst.BottomLevel = DeviceAddress(binary.LittleEndian.Uint64(src[56:]))
	return inst
}

// AccelerationStructureBuildInputs describe what to build.
// Top-level builds read InstanceCount records from InstanceBuffer;
// bottom-level builds read Geometry.
type AccelerationStructureBuildInputs struct {
	Kind  AccelerationStructureKind
	Flags BuildFlags

	Geometry []AccelerationStructureGeometry

	InstanceBuffer *Buffer
	InstanceOffset uint64
	InstanceCount  uint32
}

func (in *AccelerationStructureBuildInputs) validate() error {
	switch in.Kind {
	case AccelerationStructureKindTopLevel:
		if in.InstanceCount > 0 && in.InstanceBuffer == nil {
			return fmt.Errorf("%w: top-level build without instance buffer", ErrNilResource)
		}
		if in.InstanceBuffer != nil &&
			in.InstanceOffset+uint64(in.InstanceCount)*InstanceStride > in.InstanceBuffer.Size() {
			return fmt.Errorf("%w: instance records exceed buffer %q", ErrOutOfBounds, in.InstanceBuffer.Label())
		}
	case AccelerationStructureKindBottomLevel:
		for i, g := range in.Geometry {
			switch g.Type {
			case GeometryTypeTriangles:
				if g.Triangles.VertexBuffer == nil {
					return fmt.Errorf("%w: geometry %d has no vertex buffer", ErrNilResource, i)
				}
				if g.Triangles.VertexStride < 12 {
					return fmt.Errorf("%w: geometry %d vertex stride %d", ErrInvalidArgument, i, g.Triangles.VertexStride)
				}
			case GeometryTypeAABBs:
				if g.AABBs.Buffer == nil {
					return fmt.Errorf("%w: geometry %d has no AABB buffer", ErrNilResource, i)
				}
				if g.AABBs.Stride < 24 {
					return fmt.Errorf("%w: geometry %d AABB stride %d", ErrInvalidArgument, i, g.AABBs.Stride)
				}
			default:
				return fmt.Errorf("%w: geometry %d type %d", ErrInvalidArgument, i, g.Type)
			}
		}
	default:
		return fmt.Errorf("%w: acceleration structure kind %d", ErrInvalidArgument, in.Kind)
	}
	return nil
}

// inputBuffers lists every buffer a build reads.
func (in *AccelerationStructureBuildInputs) inputBuffers() []*Buffer {
	var out []*Buffer
	if in.InstanceBuffer != nil {
		out = append(out, in.InstanceBuffer)
	}
	for _, g := range in.Geometry {
		switch g.Type {
		case GeometryTypeTriangles:
			out = append(out, g.Triangles.VertexBuffer)
			if g.Triangles.IndexBuffer != nil {
				out = append(out, g.Triangles.IndexBuffer)
			}
		case GeometryTypeAABBs:
			out = append(out, g.AABBs.Buffer)
		}
	}
	return out
}

// PrimitiveCount returns the number of instances, triangles or boxes.
func (in *AccelerationStructureBuildInputs) PrimitiveCount() uint32 {
	if in.Kind == AccelerationStructureKindTopLevel {
		return in.InstanceCount
	}
	var n uint32
	for _, g := range in.Geometry {
		switch {
		case g.Type == GeometryTypeAABBs:
			n += g.AABBs.Count
		case g.Triangles.IndexBuffer != nil:
			n += g.Triangles.IndexCount / 3
		default:
			n += g.Triangles.VertexCount / 3
		}
	}
	return n
}

// BufferOffset addresses a byte offset within a buffer.
type BufferOffset struct {
	Buffer *Buffer
	Offset uint64
}

// AccelerationStructureBuildDesc is the recorded form of a build.
// Src is optional: nil requests a build from scratch, non-nil an update
// (refit) of Src written to Dst. Dst and ScratchData are mandatory.
type AccelerationStructureBuildDesc struct {
	Inputs      AccelerationStructureBuildInputs
	Src         *AccelerationStructure
	Dst         *AccelerationStructure
	ScratchData BufferOffset
}

// IsUpdate reports whether the build refits Src.
func (d *AccelerationStructureBuildDesc) IsUpdate() bool { return d.Src != nil }

// AccelerationStructureSizes are the memory requirements of a build.
type AccelerationStructureSizes struct {
	AccelerationStructureSize uint64
	ScratchSize               uint64
	UpdateScratchSize         uint64
}

// CopyMode selects the semantics of CopyAccelerationStructure.
type CopyMode uint8

const (
	// CopyModeClone duplicates the structure, keeping its size.
	CopyModeClone CopyMode = iota

	// CopyModeCompact writes a compacted copy. The source must have been
	// built with BuildFlagAllowCompaction.
	CopyModeCompact
)

// String returns the mode name.
func (m CopyMode) String() string {
	switch m {
	case CopyModeClone:
		return "Clone"
	case CopyModeCompact:
		return "Compact"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// DeviceAddress is an opaque GPU virtual address.
type DeviceAddress uint64

// AccelerationStructureDesc describes an acceleration structure allocation.
type AccelerationStructureDesc struct {
	Label string
	Kind  AccelerationStructureKind
	Size  uint64
}

// AccelerationStructure is an opaque spatial index over geometry or instances.
type AccelerationStructure struct {
	id      uint64
	address DeviceAddress
	desc    AccelerationStructureDesc

	mu     sync.Mutex
	flags  BuildFlags
	built  bool
	native any
}

// Label returns the debug name.
func (as *AccelerationStructure) Label() string { return as.desc.Label }

// Kind returns the structure level.
func (as *AccelerationStructure) Kind() AccelerationStructureKind { return as.desc.Kind }

// Size returns the allocation size in bytes.
func (as *AccelerationStructure) Size() uint64 { return as.desc.Size }

// DeviceAddress returns the address used to reference the structure from
// instance records.
func (as *AccelerationStructure) DeviceAddress() DeviceAddress { return as.address }

// Built reports whether a build into the structure has completed.
func (as *AccelerationStructure) Built() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.built
}

// BuildFlags returns the flags of the last completed build.
func (as *AccelerationStructure) BuildFlags() BuildFlags {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.flags
}

func (as *AccelerationStructure) commitBuild(flags BuildFlags) {
	as.mu.Lock()
	as.built, as.flags = true, flags
	as.mu.Unlock()
}

// Native returns the backend object.
func (as *AccelerationStructure) Native() any {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.native
}

// SetNative attaches the backend object.
func (as *AccelerationStructure) SetNative(n any) {
	as.mu.Lock()
	as.native = n
	as.mu.Unlock()
}
