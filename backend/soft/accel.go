// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpucmd"
)

// Memory model of soft acceleration structures. Sizes grow linearly with
// the primitive count; compaction saves a quarter.
const (
	accelHeaderSize       = 256
	blasPrimitiveSize     = 64
	tlasInstanceSize      = 128
	scratchPrimitiveSize  = 32
	updateScratchPerPrim  = 8
	triangleVertexSize    = 12
	aabbRecordSize        = 24
	compactedNumerator    = 3
	compactedDenominator  = 4
	degenerateDeterminant = 1e-12
)

func sizesFor(kind gpucmd.AccelerationStructureKind, n uint32) gpucmd.AccelerationStructureSizes {
	per := uint64(blasPrimitiveSize)
	if kind == gpucmd.AccelerationStructureKindTopLevel {
		per = tlasInstanceSize
	}
	return gpucmd.AccelerationStructureSizes{
		AccelerationStructureSize: accelHeaderSize + uint64(n)*per,
		ScratchSize:               accelHeaderSize + uint64(n)*scratchPrimitiveSize,
		UpdateScratchSize:         accelHeaderSize + uint64(n)*updateScratchPerPrim,
	}
}

type aabb struct {
	min, max [3]float32
}

func emptyBox() aabb {
	inf := float32(math.Inf(1))
	return aabb{min: [3]float32{inf, inf, inf}, max: [3]float32{-inf, -inf, -inf}}
}

func (b *aabb) extend(p [3]float32) {
	for i := range 3 {
		b.min[i] = min(b.min[i], p[i])
		b.max[i] = max(b.max[i], p[i])
	}
}

func (b *aabb) union(o aabb) {
	b.extend(o.min)
	b.extend(o.max)
}

func (b aabb) valid() bool {
	return b.min[0] <= b.max[0] && b.min[1] <= b.max[1] && b.min[2] <= b.max[2]
}

type primitive struct {
	geometry uint32
	index    uint32
	triangle bool
	verts    [3][3]float32
	box      aabb
}

type instance struct {
	desc     gpucmd.AccelerationStructureInstance
	blas     *accel
	toObject [12]float32
	bounds   aabb
}

// accel is the native object of an acceleration structure.
type accel struct {
	kind    gpucmd.AccelerationStructureKind
	size    uint64
	address gpucmd.DeviceAddress

	built     bool
	flags     gpucmd.BuildFlags
	compacted bool
	updates   int

	prims     []primitive
	instances []instance
	bounds    aabb
}

func accelMemory(as *gpucmd.AccelerationStructure) (*accel, error) {
	if as == nil {
		return nil, gpucmd.ErrNilResource
	}
	a, ok := as.Native().(*accel)
	if !ok {
		return nil, fmt.Errorf("%w: acceleration structure %q has no soft memory", gpucmd.ErrForeignObject, as.Label())
	}
	return a, nil
}

func (a *accel) count() uint32 {
	if a.kind == gpucmd.AccelerationStructureKindTopLevel {
		return uint32(len(a.instances))
	}
	return uint32(len(a.prims))
}

func (a *accel) compactedSize() uint64 {
	full := sizesFor(a.kind, a.count()).AccelerationStructureSize
	return accelHeaderSize + (full-accelHeaderSize)*compactedNumerator/compactedDenominator
}

// build executes a build or update described by d.
func (b *Backend) build(d *gpucmd.AccelerationStructureBuildDesc) error {
	dst, err := accelMemory(d.Dst)
	if err != nil {
		return err
	}
	in := &d.Inputs
	if dst.kind != in.Kind {
		return fmt.Errorf("%w: %v inputs into %v structure %q", gpucmd.ErrInvalidArgument, in.Kind, dst.kind, d.Dst.Label())
	}
	sizes := sizesFor(in.Kind, in.PrimitiveCount())
	if dst.size < sizes.AccelerationStructureSize {
		return fmt.Errorf("%w: %q holds %d bytes, build needs %d",
			gpucmd.ErrOutOfBounds, d.Dst.Label(), dst.size, sizes.AccelerationStructureSize)
	}
	scratch := sizes.ScratchSize
	if d.IsUpdate() {
		scratch = sizes.UpdateScratchSize
	}
	if _, err := bufferRange(d.ScratchData.Buffer, d.ScratchData.Offset, scratch); err != nil {
		return fmt.Errorf("scratch: %w", err)
	}

	updates := 0
	if d.IsUpdate() {
		src, err := accelMemory(d.Src)
		if err != nil {
			return err
		}
		if !src.built {
			return fmt.Errorf("%w: update source %q is not built", gpucmd.ErrInvalidState, d.Src.Label())
		}
		if src.flags&gpucmd.BuildFlagAllowUpdate == 0 {
			return fmt.Errorf("%w: update source %q was built without AllowUpdate", gpucmd.ErrInvalidArgument, d.Src.Label())
		}
		if src.kind != in.Kind || src.count() != in.PrimitiveCount() {
			return fmt.Errorf("%w: update of %q changes its primitive count from %d to %d",
				gpucmd.ErrInvalidArgument, d.Src.Label(), src.count(), in.PrimitiveCount())
		}
		updates = src.updates + 1
	}

	var (
		prims     []primitive
		instances []instance
	)
	bounds := emptyBox()
	if in.Kind == gpucmd.AccelerationStructureKindTopLevel {
		instances, err = b.readInstances(in)
		for _, inst := range instances {
			bounds.union(inst.bounds)
		}
	} else {
		prims, err = readGeometry(in)
		for _, p := range prims {
			bounds.union(p.box)
		}
	}
	if err != nil {
		return err
	}

	dst.prims, dst.instances, dst.bounds = prims, instances, bounds
	dst.built, dst.flags, dst.compacted, dst.updates = true, in.Flags, false, updates
	b.builds.Add(1)
	return nil
}

func readGeometry(in *gpucmd.AccelerationStructureBuildInputs) ([]primitive, error) {
	var prims []primitive
	for gi, g := range in.Geometry {
		switch g.Type {
		case gpucmd.GeometryTypeTriangles:
			tri := g.Triangles
			count := tri.VertexCount / 3
			if tri.IndexBuffer != nil {
				count = tri.IndexCount / 3
			}
			for i := range count {
				p := primitive{geometry: uint32(gi), index: i, triangle: true, box: emptyBox()}
				for k := range uint32(3) {
					idx := i*3 + k
					if tri.IndexBuffer != nil {
						var err error
						if idx, err = readIndex(tri.IndexBuffer, tri.IndexOffset, tri.IndexFormat, idx); err != nil {
							return nil, fmt.Errorf("geometry %d: %w", gi, err)
						}
						if idx >= tri.VertexCount {
							return nil, fmt.Errorf("geometry %d: %w: index %d of %d vertices", gi, gpucmd.ErrOutOfBounds, idx, tri.VertexCount)
						}
					}
					raw, err := bufferRange(tri.VertexBuffer, tri.VertexOffset+uint64(idx)*tri.VertexStride, triangleVertexSize)
					if err != nil {
						return nil, fmt.Errorf("geometry %d: %w", gi, err)
					}
					p.verts[k] = readVec3(raw)
					p.box.extend(p.verts[k])
				}
				prims = append(prims, p)
			}
		case gpucmd.GeometryTypeAABBs:
			boxes := g.AABBs
			for i := range boxes.Count {
				raw, err := bufferRange(boxes.Buffer, boxes.Offset+uint64(i)*boxes.Stride, aabbRecordSize)
				if err != nil {
					return nil, fmt.Errorf("geometry %d: %w", gi, err)
				}
				prims = append(prims, primitive{
					geometry: uint32(gi),
					index:    i,
					box:      aabb{min: readVec3(raw), max: readVec3(raw[12:])},
				})
			}
		}
	}
	return prims, nil
}

func readIndex(buf *gpucmd.Buffer, offset uint64, f gputypes.IndexFormat, i uint32) (uint32, error) {
	size := uint64(f.Size())
	if size == 0 {
		return 0, fmt.Errorf("%w: index format %v", gpucmd.ErrInvalidArgument, f)
	}
	raw, err := bufferRange(buf, offset+uint64(i)*size, size)
	if err != nil {
		return 0, err
	}
	if f == gputypes.IndexFormatUint16 {
		return uint32(binary.LittleEndian.Uint16(raw)), nil
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func readVec3(raw []byte) [3]float32 {
	return [3]float32{
		math.Float32frombits(binary.LittleEndian.Uint32(raw[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(raw[8:])),
	}
}

func (b *Backend) readInstances(in *gpucmd.AccelerationStructureBuildInputs) ([]instance, error) {
	if in.InstanceCount == 0 {
		return nil, nil
	}
	raw, err := bufferRange(in.InstanceBuffer, in.InstanceOffset, uint64(in.InstanceCount)*gpucmd.InstanceStride)
	if err != nil {
		return nil, fmt.Errorf("instances: %w", err)
	}
	out := make([]instance, 0, in.InstanceCount)
	for i := range in.InstanceCount {
		desc := gpucmd.DecodeInstance(raw[i*gpucmd.InstanceStride:])
		blas := b.lookup(desc.BottomLevel)
		switch {
		case blas == nil:
			return nil, fmt.Errorf("%w: instance %d references unknown address %#x", gpucmd.ErrInvalidArgument, i, uint64(desc.BottomLevel))
		case blas.kind != gpucmd.AccelerationStructureKindBottomLevel:
			return nil, fmt.Errorf("%w: instance %d references a top-level structure", gpucmd.ErrInvalidArgument, i)
		case !blas.built:
			return nil, fmt.Errorf("%w: instance %d references an unbuilt structure", gpucmd.ErrInvalidState, i)
		}
		inv, ok := invertAffine(desc.Transform)
		if !ok {
			return nil, fmt.Errorf("%w: instance %d transform is singular", gpucmd.ErrInvalidArgument, i)
		}
		out = append(out, instance{
			desc:     desc,
			blas:     blas,
			toObject: inv,
			bounds:   transformBox(desc.Transform, blas.bounds),
		})
	}
	return out, nil
}

// copyAccel clones or compacts src into dst.
func (b *Backend) copyAccel(c *gpucmd.CopyAccelerationStructureCommand) error {
	dst, err := accelMemory(c.Dst)
	if err != nil {
		return err
	}
	src, err := accelMemory(c.Src)
	if err != nil {
		return err
	}
	if !src.built {
		return fmt.Errorf("%w: copy source %q is not built", gpucmd.ErrInvalidState, c.Src.Label())
	}
	if dst.kind != src.kind {
		return fmt.Errorf("%w: copy %v into %v", gpucmd.ErrInvalidArgument, src.kind, dst.kind)
	}
	need := sizesFor(src.kind, src.count()).AccelerationStructureSize
	if c.Mode == gpucmd.CopyModeCompact {
		if src.flags&gpucmd.BuildFlagAllowCompaction == 0 {
			return fmt.Errorf("%w: %q was built without AllowCompaction", gpucmd.ErrInvalidArgument, c.Src.Label())
		}
		need = src.compactedSize()
	}
	if dst.size < need {
		return fmt.Errorf("%w: %q holds %d bytes, copy needs %d", gpucmd.ErrOutOfBounds, c.Dst.Label(), dst.size, need)
	}
	if dst == src {
		return nil
	}
	dst.prims = append([]primitive(nil), src.prims...)
	dst.instances = append([]instance(nil), src.instances...)
	dst.bounds = src.bounds
	dst.built, dst.flags, dst.updates = true, src.flags, src.updates
	dst.compacted = c.Mode == gpucmd.CopyModeCompact || src.compacted
	return nil
}

// AccelerationStructureInfo describes the contents of a soft acceleration
// structure.
type AccelerationStructureInfo struct {
	Kind  gpucmd.AccelerationStructureKind
	Built bool
	Flags gpucmd.BuildFlags

	// Primitives counts instances for top-level structures and triangles
	// or boxes for bottom-level ones.
	Primitives int

	// Updates counts refits since the last build from scratch.
	Updates   int
	Compacted bool

	// CompactedSize is the size a compacting copy needs.
	CompactedSize uint64

	BoundsMin [3]float32
	BoundsMax [3]float32
}

// Inspect reports what the soft backend holds for as.
func Inspect(as *gpucmd.AccelerationStructure) (AccelerationStructureInfo, error) {
	a, err := accelMemory(as)
	if err != nil {
		return AccelerationStructureInfo{}, err
	}
	return AccelerationStructureInfo{
		Kind:          a.kind,
		Built:         a.built,
		Flags:         a.flags,
		Primitives:    int(a.count()),
		Updates:       a.updates,
		Compacted:     a.compacted,
		CompactedSize: a.compactedSize(),
		BoundsMin:     a.bounds.min,
		BoundsMax:     a.bounds.max,
	}, nil
}

// Hit is the closest intersection found by Scene.Trace.
type Hit struct {
	T float32

	// U and V are barycentrics of the hit on triangle geometry.
	U, V float32

	InstanceIndex  uint32
	InstanceID     uint32
	HitGroup       uint32
	GeometryIndex  uint32
	PrimitiveIndex uint32
	Triangle       bool
}

// Scene is an acceleration structure bound to a ray-tracing program.
type Scene struct {
	root *accel
}

// NewScene wraps a built soft acceleration structure for tracing from host
// code.
func NewScene(as *gpucmd.AccelerationStructure) (*Scene, error) {
	a, err := accelMemory(as)
	if err != nil {
		return nil, err
	}
	return &Scene{root: a}, nil
}

// Trace returns the closest hit of r, if any.
func (s *Scene) Trace(r Ray) (Hit, bool) {
	if !s.root.built || !s.root.bounds.valid() {
		return Hit{}, false
	}
	if _, ok := slab(s.root.bounds, r.Origin, r.Direction, r.TMin, r.TMax); !ok {
		return Hit{}, false
	}
	mask := r.Mask
	if mask == 0 {
		mask = 0xFF
	}

	if s.root.kind == gpucmd.AccelerationStructureKindBottomLevel {
		return intersectPrimitives(s.root.prims, r.Origin, r.Direction, r.TMin, r.TMax)
	}

	best, found := Hit{T: r.TMax}, false
	for i := range s.root.instances {
		inst := &s.root.instances[i]
		if inst.desc.Mask&mask == 0 {
			continue
		}
		if _, ok := slab(inst.bounds, r.Origin, r.Direction, r.TMin, best.T); !ok {
			continue
		}
		o := transformPoint(inst.toObject, r.Origin)
		d := transformDir(inst.toObject, r.Direction)
		h, ok := intersectPrimitives(inst.blas.prims, o, d, r.TMin, best.T)
		if !ok {
			continue
		}
		h.InstanceIndex = uint32(i)
		h.InstanceID = inst.desc.InstanceID
		h.HitGroup = inst.desc.HitGroup
		best, found = h, true
	}
	return best, found
}

func intersectPrimitives(prims []primitive, o, d [3]float32, tmin, tmax float32) (Hit, bool) {
	best, found := Hit{T: tmax}, false
	for i := range prims {
		p := &prims[i]
		if p.triangle {
			t, u, v, ok := intersectTriangle(o, d, p.verts)
			if !ok || t < tmin || t > best.T {
				continue
			}
			best = Hit{T: t, U: u, V: v, GeometryIndex: p.geometry, PrimitiveIndex: p.index, Triangle: true}
			found = true
			continue
		}
		if !p.box.valid() {
			continue
		}
		t, ok := slab(p.box, o, d, tmin, best.T)
		if !ok {
			continue
		}
		best = Hit{T: t, GeometryIndex: p.geometry, PrimitiveIndex: p.index}
		found = true
	}
	return best, found
}

// intersectTriangle is the Möller-Trumbore test, accepting both faces.
func intersectTriangle(o, d [3]float32, v [3][3]float32) (t, u, w float32, ok bool) {
	e1 := sub3(v[1], v[0])
	e2 := sub3(v[2], v[0])
	p := cross3(d, e2)
	det := dot3(e1, p)
	if det > -1e-8 && det < 1e-8 {
		return 0, 0, 0, false
	}
	inv := 1 / det
	s := sub3(o, v[0])
	u = dot3(s, p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := cross3(s, e1)
	w = dot3(d, q) * inv
	if w < 0 || u+w > 1 {
		return 0, 0, 0, false
	}
	return dot3(e2, q) * inv, u, w, true
}

// slab returns the entry distance of a ray into b within [tmin, tmax].
func slab(b aabb, o, d [3]float32, tmin, tmax float32) (float32, bool) {
	for a := range 3 {
		if d[a] == 0 {
			if o[a] < b.min[a] || o[a] > b.max[a] {
				return 0, false
			}
			continue
		}
		inv := 1 / d[a]
		t0 := (b.min[a] - o[a]) * inv
		t1 := (b.max[a] - o[a]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tmin = max(tmin, t0)
		tmax = min(tmax, t1)
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

func sub3(a, b [3]float32) [3]float32 { return [3]float32{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func dot3(a, b [3]float32) float32    { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross3(a, b [3]float32) [3]float32 {
	return [3]float32{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func transformPoint(m [12]float32, p [3]float32) [3]float32 {
	return [3]float32{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

func transformDir(m [12]float32, d [3]float32) [3]float32 {
	return [3]float32{
		m[0]*d[0] + m[1]*d[1] + m[2]*d[2],
		m[4]*d[0] + m[5]*d[1] + m[6]*d[2],
		m[8]*d[0] + m[9]*d[1] + m[10]*d[2],
	}
}

func transformBox(m [12]float32, b aabb) aabb {
	out := emptyBox()
	if !b.valid() {
		return out
	}
	for i := range 8 {
		c := b.min
		if i&1 != 0 {
			c[0] = b.max[0]
		}
		if i&2 != 0 {
			c[1] = b.max[1]
		}
		if i&4 != 0 {
			c[2] = b.max[2]
		}
		out.extend(transformPoint(m, c))
	}
	return out
}

// invertAffine inverts a row-major 3x4 affine transform.
func invertAffine(m [12]float32) ([12]float32, bool) {
	a00, a01, a02 := m[0], m[1], m[2]
	a10, a11, a12 := m[4], m[5], m[6]
	a20, a21, a22 := m[8], m[9], m[10]

	c00 := a11*a22 - a12*a21
	c01 := a12*a20 - a10*a22
	c02 := a10*a21 - a11*a20
	det := a00*c00 + a01*c01 + a02*c02
	if math.Abs(float64(det)) < degenerateDeterminant {
		return [12]float32{}, false
	}
	id := 1 / det

	i00, i01, i02 := c00*id, (a02*a21-a01*a22)*id, (a01*a12-a02*a11)*id
	i10, i11, i12 := c01*id, (a00*a22-a02*a20)*id, (a02*a10-a00*a12)*id
	i20, i21, i22 := c02*id, (a01*a20-a00*a21)*id, (a00*a11-a01*a10)*id
	tx, ty, tz := m[3], m[7], m[11]

	return [12]float32{
		i00, i01, i02, -(i00*tx + i01*ty + i02*tz),
		i10, i11, i12, -(i10*tx + i11*ty + i12*tz),
		i20, i21, i22, -(i20*tx + i21*ty + i22*tz),
	}, true
}
