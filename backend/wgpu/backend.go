// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucmd"
)

// Name is the registry name of the wgpu backend.
const Name = "wgpu"

// DefaultSubmitTimeout bounds how long Execute waits for one submission.
const DefaultSubmitTimeout = 5 * time.Second

// pollInterval is the delay between completion polls of a submission.
const pollInterval = 100 * time.Microsecond

func init() {
	gpucmd.Register(Name, func() gpucmd.Backend { return New() })
}

// Option configures a wgpu backend.
type Option func(*config)

type config struct {
	device   hal.Device
	queue    hal.Queue
	provider gpucontext.DeviceProvider
	api      hal.Backend
	timeout  time.Duration
}

// WithHALDevice runs the backend on a device the caller opened. The caller
// keeps ownership: Close does not destroy it.
func WithHALDevice(device hal.Device, queue hal.Queue) Option {
	return func(c *config) {
		c.device = device
		c.queue = queue
	}
}

// WithDeviceProvider shares the device of a gpucontext provider. The
// provider must implement HalDevice() any and HalQueue() any.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(c *config) {
		c.provider = p
	}
}

// WithAPI selects the hal backend the device is opened on, e.g. noop.API{}.
func WithAPI(api hal.Backend) Option {
	return func(c *config) {
		c.api = api
	}
}

// WithSubmitTimeout bounds how long Execute waits for the GPU. A submission
// that does not complete in time reports gpucmd.ErrDeviceLost.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// buffer and texture record the usage of their last committed transition,
// which becomes the old usage of the next hal barrier. They are only
// accessed under submitMu.
type buffer struct {
	raw   hal.Buffer
	usage gputypes.BufferUsage
}

type texture struct {
	raw   hal.Texture
	usage gputypes.TextureUsage
}

type textureView struct {
	raw hal.TextureView
}

type querySet struct {
	raw hal.QuerySet
}

// Backend executes gpucmd batches through a hal device.
//
// Thread Safety:
// Creation hooks may be called concurrently. Submissions from different
// gpucmd queues share the single hal queue and are serialized.
type Backend struct {
	cfg config

	mu     sync.Mutex
	device hal.Device
	queue  hal.Queue
	owned  *ownedDevice
	info   GPUInfo
	closed bool

	shaders *shaderCache

	// submitMu serializes encoding and submission on the hal queue.
	submitMu sync.Mutex

	batches     atomic.Uint64
	commands    atomic.Uint64
	submissions atomic.Uint64
}

var (
	_ gpucmd.Backend      = (*Backend)(nil)
	_ gpucmd.Configurable = (*Backend)(nil)
)

// New creates a wgpu backend. The hal device is opened on first use.
func New(opts ...Option) *Backend {
	b := &Backend{cfg: config{timeout: DefaultSubmitTimeout}}
	for _, opt := range opts {
		opt(&b.cfg)
	}
	return b
}

// Configure applies options passed through gpucmd.WithBackendOptions.
func (b *Backend) Configure(opts ...any) error {
	for _, o := range opts {
		opt, ok := o.(Option)
		if !ok {
			return fmt.Errorf("%w: wgpu backend option %T", gpucmd.ErrInvalidArgument, o)
		}
		opt(&b.cfg)
	}
	return nil
}

// Name returns "wgpu".
func (b *Backend) Name() string { return Name }

func (b *Backend) logger() *slog.Logger {
	return gpucmd.Logger().With("backend", Name)
}

// open returns the device and queue, opening them on first use.
func (b *Backend) open() (hal.Device, hal.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("%w: wgpu backend is closed", gpucmd.ErrDeviceLost)
	}
	if b.device != nil {
		return b.device, b.queue, nil
	}

	switch {
	case b.cfg.device != nil:
		if b.cfg.queue == nil {
			return nil, nil, fmt.Errorf("%w: hal device without queue", gpucmd.ErrInvalidArgument)
		}
		b.device, b.queue = b.cfg.device, b.cfg.queue
		b.info = GPUInfo{Name: "external"}
	case b.cfg.provider != nil:
		device, queue, err := providerDevice(b.cfg.provider)
		if err != nil {
			return nil, nil, err
		}
		b.device, b.queue = device, queue
		b.info = infoFromProvider(b.cfg.provider.AdapterInfo())
	default:
		api := b.cfg.api
		if api == nil {
			var err error
			if api, err = selectAPI(); err != nil {
				return nil, nil, err
			}
		}
		owned, err := openDevice(api)
		if err != nil {
			return nil, nil, err
		}
		b.owned = owned
		b.device, b.queue = owned.open.Device, owned.open.Queue
		b.info = owned.info
	}
	b.shaders = newShaderCache(b.device)
	b.logger().Info("wgpu: device ready", "gpu", b.info.String(), "driver", b.info.Driver)
	return b.device, b.queue, nil
}

// Info returns the adapter the backend runs on. It is zero until the
// device is first used.
func (b *Backend) Info() GPUInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Stats are cumulative execution counters.
type Stats struct {
	Batches     uint64
	Commands    uint64
	Submissions uint64
}

// Stats returns a snapshot of the execution counters.
func (b *Backend) Stats() Stats {
	return Stats{
		Batches:     b.batches.Load(),
		Commands:    b.commands.Load(),
		Submissions: b.submissions.Load(),
	}
}

// alignCopy rounds n up to the 4-byte copy alignment.
func alignCopy(n uint64) uint64 { return (n + 3) &^ 3 }

// CreateBuffer allocates a hal buffer. Copy usages are always added so the
// host I/O paths work on every buffer.
func (b *Backend) CreateBuffer(buf *gpucmd.Buffer) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	raw, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: buf.Label(),
		Size:  alignCopy(buf.Size()),
		Usage: buf.Usage() | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return deviceError(err)
	}
	buf.SetNative(&buffer{raw: raw, usage: gpucmd.BufferUsageFor(buf.State())})
	return nil
}

// CreateTexture allocates a hal texture.
func (b *Backend) CreateTexture(t *gpucmd.Texture) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	desc := t.Desc()
	raw, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          halExtent(desc.Size),
		MipLevelCount: desc.MipLevelCount,
		SampleCount:   desc.SampleCount,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return deviceError(err)
	}
	t.SetNative(&texture{raw: raw, usage: gpucmd.TextureUsageFor(t.State())})
	return nil
}

// CreateResourceView creates a hal texture view. Buffer views need no
// native object: bindings carry their range.
func (b *Backend) CreateResourceView(v *gpucmd.ResourceView) error {
	t := v.Texture()
	if t == nil {
		return nil
	}
	device, _, err := b.open()
	if err != nil {
		return err
	}
	tex, err := nativeTexture(t)
	if err != nil {
		return err
	}
	desc := v.Desc()
	raw, err := device.CreateTextureView(tex.raw, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		Dimension:       viewDimension(t, desc.Range.ArrayLayerCount),
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    desc.Range.BaseMipLevel,
		MipLevelCount:   desc.Range.MipLevelCount,
		BaseArrayLayer:  desc.Range.BaseArrayLayer,
		ArrayLayerCount: desc.Range.ArrayLayerCount,
	})
	if err != nil {
		return deviceError(err)
	}
	v.SetNative(&textureView{raw: raw})
	return nil
}

func viewDimension(t *gpucmd.Texture, layers uint32) gputypes.TextureViewDimension {
	switch t.Desc().Dimension {
	case gputypes.TextureDimension1D:
		return gputypes.TextureViewDimension1D
	case gputypes.TextureDimension3D:
		return gputypes.TextureViewDimension3D
	}
	if layers > 1 {
		return gputypes.TextureViewDimension2DArray
	}
	return gputypes.TextureViewDimension2D
}

// CreateAccelerationStructure is unsupported: hal has no ray-tracing API.
func (b *Backend) CreateAccelerationStructure(as *gpucmd.AccelerationStructure) error {
	return fmt.Errorf("%w: acceleration structure %q", gpucmd.ErrUnsupported, as.Label())
}

// CreateQueryPool creates a timestamp query set.
func (b *Backend) CreateQueryPool(p *gpucmd.QueryPool) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	raw, err := device.CreateQuerySet(&hal.QuerySetDescriptor{
		Label: p.Label(),
		Type:  hal.QueryTypeTimestamp,
		Count: p.Count(),
	})
	if err != nil {
		return deviceError(err)
	}
	p.SetNative(&querySet{raw: raw})
	return nil
}

// CreateRayTracingPipeline is unsupported: hal has no ray-tracing API.
func (b *Backend) CreateRayTracingPipeline(p *gpucmd.RayTracingPipeline) error {
	return fmt.Errorf("%w: ray-tracing pipeline %q", gpucmd.ErrUnsupported, p.Label())
}

// CreateShaderTable is unsupported: hal has no ray-tracing API.
func (b *Backend) CreateShaderTable(t *gpucmd.ShaderTable) error {
	return fmt.Errorf("%w: shader table %q", gpucmd.ErrUnsupported, t.Label())
}

// CreateQueue opens the device so that configuration errors surface when
// the first queue is created. All queues share the hal queue.
func (b *Backend) CreateQueue(*gpucmd.CommandQueue) error {
	_, _, err := b.open()
	return err
}

// AccelerationStructureSizes is unsupported: hal has no ray-tracing API.
func (b *Backend) AccelerationStructureSizes(*gpucmd.AccelerationStructureBuildInputs) (gpucmd.AccelerationStructureSizes, error) {
	return gpucmd.AccelerationStructureSizes{}, fmt.Errorf("%w: acceleration structures", gpucmd.ErrUnsupported)
}

// Execute encodes a batch into one hal command buffer, submits it and waits
// for completion.
func (b *Backend) Execute(ctx context.Context, q *gpucmd.CommandQueue, batch *gpucmd.Batch) error {
	device, queue, err := b.open()
	if err != nil {
		return err
	}

	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	x := &executor{b: b, device: device}
	defer x.release()

	err = x.encode(batch)
	if err == nil {
		err = b.submit(ctx, device, queue, x.encoder, batch.Label)
	}
	if err == nil {
		x.commitUsage()
	}
	b.batches.Add(1)
	b.commands.Add(uint64(x.encoded))
	b.logger().Debug("wgpu: batch executed",
		"queue", q.Label(), "batch", batch.Label, "serial", batch.Serial,
		"commands", x.encoded, "err", err)
	return err
}

// submit ends encoding, submits the command buffer and polls until the
// submission completes.
func (b *Backend) submit(ctx context.Context, device hal.Device, queue hal.Queue, enc hal.CommandEncoder, label string) error {
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", deviceError(err))
	}
	defer device.FreeCommandBuffer(cmdBuf)

	index, err := queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return fmt.Errorf("submit: %w", deviceError(err))
	}
	b.submissions.Add(1)
	return b.waitSubmission(ctx, queue, index, label)
}

func (b *Backend) waitSubmission(ctx context.Context, queue hal.Queue, index uint64, label string) error {
	if queue.PollCompleted() >= index {
		return nil
	}
	timeout := time.NewTimer(b.cfg.timeout)
	defer timeout.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("%w: %w: submission %d (%q) not complete after %v",
				gpucmd.ErrDeviceLost, hal.ErrTimeout, index, label, b.cfg.timeout)
		case <-tick.C:
			if queue.PollCompleted() >= index {
				return nil
			}
		}
	}
}

// oneShot records work with fn on a fresh encoder and runs it to
// completion. It serves the host I/O paths.
func (b *Backend) oneShot(label string, fn func(enc hal.CommandEncoder)) error {
	device, queue, err := b.open()
	if err != nil {
		return err
	}
	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	enc, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return deviceError(err)
	}
	defer enc.Destroy()
	if err := enc.BeginEncoding(label); err != nil {
		return deviceError(err)
	}
	fn(enc)
	return b.submit(context.Background(), device, queue, enc, label)
}

// Destroy releases the hal objects behind a handle.
func (b *Backend) Destroy(obj any) {
	b.mu.Lock()
	device := b.device
	b.mu.Unlock()
	if device == nil {
		return
	}

	switch o := obj.(type) {
	case *gpucmd.Buffer:
		if n, ok := o.Native().(*buffer); ok {
			device.DestroyBuffer(n.raw)
			o.SetNative(nil)
		}
	case *gpucmd.Texture:
		if n, ok := o.Native().(*texture); ok {
			device.DestroyTexture(n.raw)
			o.SetNative(nil)
		}
	case *gpucmd.ResourceView:
		if n, ok := o.Native().(*textureView); ok {
			device.DestroyTextureView(n.raw)
			o.SetNative(nil)
		}
	case *gpucmd.QueryPool:
		if n, ok := o.Native().(*querySet); ok {
			device.DestroyQuerySet(n.raw)
			o.SetNative(nil)
		}
	case *gpucmd.ComputePipeline:
		if n, ok := o.Native().(*computePipeline); ok {
			n.destroy(device)
			o.SetNative(nil)
		}
	case *gpucmd.GraphicsPipeline:
		if n, ok := o.Native().(*graphicsPipeline); ok {
			n.destroy(device)
			o.SetNative(nil)
		}
	}
}

// Close waits for the device to go idle and releases it if the backend
// opened it. Further use reports a lost device.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.device == nil {
		return nil
	}

	err := deviceError(b.device.WaitIdle())
	if b.shaders != nil {
		b.shaders.destroy()
	}
	if b.owned != nil {
		b.owned.release()
	}
	b.logger().Debug("wgpu: closed", "batches", b.batches.Load(), "submissions", b.submissions.Load())
	return err
}

func halExtent(e gputypes.Extent3D) hal.Extent3D {
	return hal.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: e.DepthOrArrayLayers}
}

func halOrigin(o gputypes.Origin3D) hal.Origin3D {
	return hal.Origin3D{X: o.X, Y: o.Y, Z: o.Z}
}

func nativeBuffer(buf *gpucmd.Buffer) (*buffer, error) {
	n, ok := buf.Native().(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %q has no wgpu memory", gpucmd.ErrInvalidState, buf.Label())
	}
	return n, nil
}

func nativeTexture(t *gpucmd.Texture) (*texture, error) {
	n, ok := t.Native().(*texture)
	if !ok {
		return nil, fmt.Errorf("%w: texture %q has no wgpu memory", gpucmd.ErrInvalidState, t.Label())
	}
	return n, nil
}

func nativeView(v *gpucmd.ResourceView) (*textureView, error) {
	n, ok := v.Native().(*textureView)
	if !ok {
		return nil, fmt.Errorf("%w: view %q has no wgpu texture view", gpucmd.ErrInvalidState, v.Label())
	}
	return n, nil
}
