// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// Device owns a backend and creates every object the command layer uses.
// All methods are safe for concurrent use.
type Device struct {
	backend Backend
	opts    deviceOptions
	log     *slog.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	queues []*CommandQueue
	lost   error
	closed bool
}

// Open creates a device on a registered backend.
func Open(name string, opts ...DeviceOption) (*Device, error) {
	b, err := NewBackend(name)
	if err != nil {
		return nil, err
	}
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.backendOptions) > 0 {
		c, ok := b.(Configurable)
		if !ok {
			_ = b.Close()
			return nil, fmt.Errorf("gpucmd: backend %q takes no options", name)
		}
		if err := c.Configure(o.backendOptions...); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("gpucmd: configure backend %q: %w", name, err)
		}
	}
	return NewDevice(b, opts...), nil
}

// NewDevice wraps an already configured backend.
func NewDevice(b Backend, opts ...DeviceOption) *Device {
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}
	log = log.With("backend", b.Name())
	if o.label != "" {
		log = log.With("device", o.label)
	}
	d := &Device{backend: b, opts: o, log: log}
	log.Info("gpucmd: device opened", "validation", o.validate)
	return d
}

// Backend returns the backend executing this device's commands.
func (d *Device) Backend() Backend { return d.backend }

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.log }

// Validation reports whether submission-time state tracking is enabled.
func (d *Device) Validation() bool { return d.opts.validate }

func (d *Device) newID() uint64 { return d.nextID.Add(1) }

// Err returns the device-lost error, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) markLost(err error) {
	d.mu.Lock()
	if d.lost == nil {
		d.lost = err
		d.log.Warn("gpucmd: device lost", "err", err)
	}
	d.mu.Unlock()
}

func (d *Device) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: device is closed", ErrInvalidState)
	}
	return d.lost
}

// create runs a backend creation hook and maps its failure.
func (d *Device) create(what, label string, hook func() error) error {
	if err := d.check(); err != nil {
		return err
	}
	if err := hook(); err != nil {
		if errors.Is(err, ErrDeviceLost) {
			d.markLost(err)
		}
		return fmt.Errorf("create %s %q: %w", what, label, err)
	}
	return nil
}

// CreateQueue creates a command queue with its own timeline.
func (d *Device) CreateQueue(desc QueueDesc) (*CommandQueue, error) {
	if desc.Type != QueueTypeGraphics && desc.Type != QueueTypeCompute {
		return nil, fmt.Errorf("%w: queue type %d", ErrInvalidArgument, desc.Type)
	}
	q := newCommandQueue(d, d.newID(), desc)
	if err := d.create("queue", desc.Label, func() error { return d.backend.CreateQueue(q) }); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	q.start()
	d.log.Info("gpucmd: queue created", "queue", desc.Label, "type", desc.Type)
	return q, nil
}

// CreateBuffer allocates a buffer.
func (d *Device) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidArgument, desc.Label)
	}
	b := &Buffer{desc: desc}
	b.resourceBase = resourceBase{id: d.newID(), label: desc.Label, kind: ResourceKindBuffer, device: d, state: desc.InitialState}
	if err := d.checkInitialState(b, desc.InitialState); err != nil {
		return nil, err
	}
	if err := d.create("buffer", desc.Label, func() error { return d.backend.CreateBuffer(b) }); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateTexture allocates a texture.
func (d *Device) CreateTexture(desc TextureDesc) (*Texture, error) {
	if desc.Dimension == gputypes.TextureDimensionUndefined {
		desc.Dimension = gputypes.TextureDimension2D
	}
	if desc.MipLevelCount == 0 {
		desc.MipLevelCount = 1
	}
	if desc.SampleCount == 0 {
		desc.SampleCount = 1
	}
	if desc.Size.DepthOrArrayLayers == 0 {
		desc.Size.DepthOrArrayLayers = 1
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q has zero extent", ErrInvalidArgument, desc.Label)
	}
	if TexelSize(desc.Format) == 0 {
		return nil, fmt.Errorf("%w: texture %q format %v", ErrUnsupported, desc.Label, desc.Format)
	}
	t := &Texture{desc: desc}
	t.resourceBase = resourceBase{id: d.newID(), label: desc.Label, kind: ResourceKindTexture, device: d, state: desc.InitialState}
	if err := d.checkInitialState(t, desc.InitialState); err != nil {
		return nil, err
	}
	if err := d.create("texture", desc.Label, func() error { return d.backend.CreateTexture(t) }); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Device) checkInitialState(r Resource, s ResourceState) error {
	if s == ResourceStateUndefined {
		return nil
	}
	if err := ValidateTransition(r.Kind(), ResourceStateUndefined, s); err != nil {
		return fmt.Errorf("initial state of %q: %w", r.Label(), err)
	}
	return checkStateUsage(r, s)
}

// CreateResourceView creates a view onto a buffer or texture. The view
// starts in the committed state of its resource.
func (d *Device) CreateResourceView(r Resource, desc ResourceViewDesc) (*ResourceView, error) {
	if r == nil {
		return nil, ErrNilResource
	}
	if r.base().device != d {
		return nil, ErrForeignObject
	}
	switch res := r.(type) {
	case *Texture:
		if err := normalizeTextureView(res, &desc); err != nil {
			return nil, err
		}
	case *Buffer:
		if desc.Type != ViewTypeShaderResource && desc.Type != ViewTypeUnorderedAccess {
			return nil, fmt.Errorf("%w: %v view of buffer %q", ErrInvalidArgument, desc.Type, res.Label())
		}
		if desc.Offset > res.Size() || desc.Offset+desc.Size > res.Size() {
			return nil, fmt.Errorf("%w: view of buffer %q", ErrOutOfBounds, res.Label())
		}
		if desc.Size == 0 {
			desc.Size = res.Size() - desc.Offset
		}
		need := gputypes.BufferUsageStorage
		if desc.Type == ViewTypeShaderResource {
			need |= gputypes.BufferUsageUniform
		}
		if res.Usage()&need == 0 {
			return nil, fmt.Errorf("%w: %v view of buffer %q", ErrInvalidUsage, desc.Type, res.Label())
		}
	}
	if desc.Label == "" {
		desc.Label = r.Label() + "/" + desc.Type.String()
	}
	v := &ResourceView{id: d.newID(), desc: desc, resource: r, state: r.State()}
	if err := d.create("view", desc.Label, func() error { return d.backend.CreateResourceView(v) }); err != nil {
		return nil, err
	}
	r.base().addView(v)
	return v, nil
}

func normalizeTextureView(t *Texture, desc *ResourceViewDesc) error {
	if desc.Format == gputypes.TextureFormatUndefined {
		desc.Format = t.Format()
	}
	r := &desc.Range
	if r.BaseMipLevel >= t.MipLevelCount() || r.BaseArrayLayer >= t.ArrayLayerCount() {
		return fmt.Errorf("%w: view range of texture %q", ErrOutOfBounds, t.Label())
	}
	if r.MipLevelCount == 0 {
		r.MipLevelCount = t.MipLevelCount() - r.BaseMipLevel
	}
	if r.ArrayLayerCount == 0 {
		r.ArrayLayerCount = t.ArrayLayerCount() - r.BaseArrayLayer
	}
	if r.BaseMipLevel+r.MipLevelCount > t.MipLevelCount() || r.BaseArrayLayer+r.ArrayLayerCount > t.ArrayLayerCount() {
		return fmt.Errorf("%w: view range of texture %q", ErrOutOfBounds, t.Label())
	}
	usage := t.Desc().Usage
	switch desc.Type {
	case ViewTypeShaderResource:
		if usage&gputypes.TextureUsageTextureBinding == 0 {
			return fmt.Errorf("%w: shader-resource view of %q", ErrInvalidUsage, t.Label())
		}
	case ViewTypeUnorderedAccess:
		if usage&gputypes.TextureUsageStorageBinding == 0 {
			return fmt.Errorf("%w: unordered-access view of %q", ErrInvalidUsage, t.Label())
		}
	case ViewTypeRenderTarget:
		if usage&gputypes.TextureUsageRenderAttachment == 0 {
			return fmt.Errorf("%w: render-target view of %q", ErrInvalidUsage, t.Label())
		}
		if desc.Format.IsDepthStencil() {
			return fmt.Errorf("%w: render-target view of depth texture %q", ErrFormatMismatch, t.Label())
		}
	case ViewTypeDepthStencil:
		if usage&gputypes.TextureUsageRenderAttachment == 0 {
			return fmt.Errorf("%w: depth-stencil view of %q", ErrInvalidUsage, t.Label())
		}
		if !desc.Format.IsDepthStencil() {
			return fmt.Errorf("%w: depth-stencil view of color texture %q", ErrFormatMismatch, t.Label())
		}
	default:
		return fmt.Errorf("%w: view type %d", ErrInvalidArgument, desc.Type)
	}
	return nil
}

// CreateFramebuffer groups render-target and depth-stencil views. All
// attachments must have the same size.
func (d *Device) CreateFramebuffer(desc FramebufferDesc) (*Framebuffer, error) {
	fb := &Framebuffer{desc: desc}
	sized := false
	check := func(v *ResourceView, want ViewType) error {
		if v == nil {
			return ErrNilResource
		}
		if v.Type() != want {
			return fmt.Errorf("%w: framebuffer %q attachment %q is a %v view", ErrInvalidArgument, desc.Label, v.Label(), v.Type())
		}
		t := v.Texture()
		e := t.MipSize(v.Desc().Range.BaseMipLevel)
		if !sized {
			fb.width, fb.height, sized = e.Width, e.Height, true
		} else if e.Width != fb.width || e.Height != fb.height {
			return fmt.Errorf("%w: framebuffer %q attachment sizes differ", ErrInvalidArgument, desc.Label)
		}
		return nil
	}
	for _, a := range desc.ColorAttachments {
		if err := check(a.View, ViewTypeRenderTarget); err != nil {
			return nil, err
		}
	}
	if desc.DepthStencil != nil {
		if err := check(desc.DepthStencil.View, ViewTypeDepthStencil); err != nil {
			return nil, err
		}
	}
	if !sized {
		return nil, fmt.Errorf("%w: framebuffer %q has no attachments", ErrInvalidArgument, desc.Label)
	}
	return fb, nil
}

// CreateAccelerationStructure allocates storage for an acceleration
// structure. Use AccelerationStructureSizes to pick Size.
func (d *Device) CreateAccelerationStructure(desc AccelerationStructureDesc) (*AccelerationStructure, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: acceleration structure %q has zero size", ErrInvalidArgument, desc.Label)
	}
	id := d.newID()
	as := &AccelerationStructure{id: id, address: DeviceAddress(id << 16), desc: desc}
	if err := d.create("acceleration structure", desc.Label, func() error { return d.backend.CreateAccelerationStructure(as) }); err != nil {
		return nil, err
	}
	return as, nil
}

// AccelerationStructureSizes reports the storage and scratch sizes a build
// of the given inputs requires.
func (d *Device) AccelerationStructureSizes(in AccelerationStructureBuildInputs) (AccelerationStructureSizes, error) {
	if err := in.validate(); err != nil {
		return AccelerationStructureSizes{}, err
	}
	return d.backend.AccelerationStructureSizes(&in)
}

// CreateQueryPool creates a pool of query slots.
func (d *Device) CreateQueryPool(desc QueryPoolDesc) (*QueryPool, error) {
	if desc.Count == 0 {
		return nil, fmt.Errorf("%w: query pool %q has no slots", ErrInvalidArgument, desc.Label)
	}
	p := &QueryPool{id: d.newID(), desc: desc}
	if err := d.create("query pool", desc.Label, func() error { return d.backend.CreateQueryPool(p) }); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateFence creates a fence.
func (d *Device) CreateFence(desc FenceDesc) *Fence {
	f := NewFence(desc)
	f.id = d.newID()
	return f
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (*ComputePipeline, error) {
	g := &desc.ThreadGroupSize
	g.X, g.Y, g.Z = max(g.X, 1), max(g.Y, 1), max(g.Z, 1)
	p := &ComputePipeline{id: d.newID(), desc: desc}
	if err := d.create("compute pipeline", desc.Label, func() error { return d.backend.CreateComputePipeline(p) }); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateGraphicsPipeline creates a rasterization pipeline.
func (d *Device) CreateGraphicsPipeline(desc GraphicsPipelineDesc) (*GraphicsPipeline, error) {
	p := &GraphicsPipeline{id: d.newID(), desc: desc}
	if err := d.create("graphics pipeline", desc.Label, func() error { return d.backend.CreateGraphicsPipeline(p) }); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateRayTracingPipeline creates a ray-tracing pipeline.
func (d *Device) CreateRayTracingPipeline(desc RayTracingPipelineDesc) (*RayTracingPipeline, error) {
	if len(desc.RayGen) == 0 {
		return nil, fmt.Errorf("%w: ray-tracing pipeline %q has no ray-generation program", ErrInvalidArgument, desc.Label)
	}
	p := &RayTracingPipeline{id: d.newID(), desc: desc}
	if err := d.create("ray-tracing pipeline", desc.Label, func() error { return d.backend.CreateRayTracingPipeline(p) }); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateShaderTable creates a shader table over a ray-tracing pipeline.
func (d *Device) CreateShaderTable(desc ShaderTableDesc) (*ShaderTable, error) {
	p := desc.Pipeline
	if p == nil {
		return nil, ErrNilResource
	}
	pd := p.Desc()
	checkIdx := func(what string, idx []uint32, n int) error {
		for _, i := range idx {
			if int(i) >= n {
				return fmt.Errorf("%w: shader table %q %s entry %d (pipeline has %d)", ErrOutOfBounds, desc.Label, what, i, n)
			}
		}
		return nil
	}
	if err := checkIdx("ray-gen", desc.RayGen, len(pd.RayGen)); err != nil {
		return nil, err
	}
	if err := checkIdx("miss", desc.Miss, len(pd.Miss)); err != nil {
		return nil, err
	}
	if err := checkIdx("hit-group", desc.HitGroups, len(pd.HitGroups)); err != nil {
		return nil, err
	}
	t := &ShaderTable{id: d.newID(), desc: desc}
	if err := d.create("shader table", desc.Label, func() error { return d.backend.CreateShaderTable(t) }); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteBuffer uploads data from the host. The caller must ensure no
// submitted work uses the range.
func (d *Device) WriteBuffer(b *Buffer, offset uint64, data []byte) error {
	if b == nil {
		return ErrNilResource
	}
	if offset+uint64(len(data)) > b.Size() {
		return fmt.Errorf("%w: write of %d bytes at %d into %q", ErrOutOfBounds, len(data), offset, b.Label())
	}
	if err := d.check(); err != nil {
		return err
	}
	return d.backend.WriteBuffer(b, offset, data)
}

// ReadBuffer downloads len(dst) bytes. Wait on the queues that wrote the
// buffer first.
func (d *Device) ReadBuffer(b *Buffer, offset uint64, dst []byte) error {
	if b == nil {
		return ErrNilResource
	}
	if offset+uint64(len(dst)) > b.Size() {
		return fmt.Errorf("%w: read of %d bytes at %d from %q", ErrOutOfBounds, len(dst), offset, b.Label())
	}
	if err := d.check(); err != nil {
		return err
	}
	return d.backend.ReadBuffer(b, offset, dst)
}

// WriteTexture uploads one tightly packed sub-resource.
func (d *Device) WriteTexture(t *Texture, sub Subresource, data []byte) error {
	if t == nil {
		return ErrNilResource
	}
	if err := t.checkSubresource(sub); err != nil {
		return err
	}
	e := t.MipSize(sub.MipLevel)
	want := uint64(e.Width) * uint64(e.Height) * uint64(e.DepthOrArrayLayers) * uint64(TexelSize(t.Format()))
	if uint64(len(data)) != want {
		return fmt.Errorf("%w: texture %q subresource needs %d bytes, got %d", ErrInvalidArgument, t.Label(), want, len(data))
	}
	if err := d.check(); err != nil {
		return err
	}
	return d.backend.WriteTexture(t, sub, data)
}

// ReadTexture downloads one tightly packed sub-resource.
func (d *Device) ReadTexture(t *Texture, sub Subresource) ([]byte, error) {
	if t == nil {
		return nil, ErrNilResource
	}
	if err := t.checkSubresource(sub); err != nil {
		return nil, err
	}
	if err := d.check(); err != nil {
		return nil, err
	}
	return d.backend.ReadTexture(t, sub)
}

// Destroy releases the native object behind a handle. The handle must not
// be referenced by pending work.
func (d *Device) Destroy(obj any) {
	if obj != nil {
		d.backend.Destroy(obj)
	}
}

// WaitIdle blocks until every queue of the device has drained.
func (d *Device) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	queues := append([]*CommandQueue(nil), d.queues...)
	d.mu.Unlock()
	var errs []error
	for _, q := range queues {
		if err := q.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drains and stops every queue, then closes the backend.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queues := d.queues
	d.queues = nil
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	err := d.backend.Close()
	d.log.Info("gpucmd: device closed")
	return err
}
