// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"

	"github.com/gogpu/gpucmd"
)

// Name is the registry name of the soft backend.
const Name = "soft"

func init() {
	gpucmd.Register(Name, func() gpucmd.Backend { return New() })
}

// Option configures a soft backend.
type Option func(*config)

type config struct {
	workers     int
	memoryLimit uint64
	clock       func() uint64
}

// WithWorkers sets the number of goroutines running thread groups and rays.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithMemoryLimit caps the bytes the backend allocates for buffers,
// textures and acceleration structures. Allocations beyond the limit fail
// with gpucmd.ErrOutOfMemory. Zero means unlimited.
func WithMemoryLimit(bytes uint64) Option {
	return func(c *config) {
		c.memoryLimit = bytes
	}
}

// WithClock replaces the timestamp source used by WriteTimestamp.
func WithClock(clock func() uint64) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// Backend executes gpucmd batches on the CPU.
//
// Thread Safety:
// Creation hooks and Execute may be called concurrently. Resource memory is
// not locked: like device memory, concurrent access is ordered by the queues
// and fences of the caller.
type Backend struct {
	cfg   config
	start time.Time

	poolOnce sync.Once
	pool     worker.DynamicWorkerPool
	taskID   atomic.Int64

	mu        sync.Mutex
	addrs     map[gpucmd.DeviceAddress]*accel
	allocated uint64
	closed    bool

	batches      atomic.Uint64
	commands     atomic.Uint64
	dispatches   atomic.Uint64
	threadGroups atomic.Uint64
	draws        atomic.Uint64
	rays         atomic.Uint64
	builds       atomic.Uint64
}

var (
	_ gpucmd.Backend      = (*Backend)(nil)
	_ gpucmd.Configurable = (*Backend)(nil)
)

// New creates a soft backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		start: time.Now(),
		addrs: make(map[gpucmd.DeviceAddress]*accel),
	}
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
			return fmt.Errorf("%w: soft backend option %T", gpucmd.ErrInvalidArgument, o)
		}
		opt(&b.cfg)
	}
	return nil
}

// Name returns "soft".
func (b *Backend) Name() string { return Name }

func (b *Backend) logger() *slog.Logger {
	return gpucmd.Logger().With("backend", Name)
}

func (b *Backend) now() uint64 {
	if b.cfg.clock != nil {
		return b.cfg.clock()
	}
	return uint64(time.Since(b.start).Nanoseconds())
}

// workers returns the worker pool, starting it on first use.
func (b *Backend) workers() worker.DynamicWorkerPool {
	b.poolOnce.Do(func() {
		n := b.cfg.workers
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		b.pool = worker.NewDynamicWorkerPool(n, 256, time.Second)
		b.logger().Debug("soft: worker pool started", "workers", n)
	})
	return b.pool
}

// Stats are cumulative execution counters.
type Stats struct {
	Batches      uint64
	Commands     uint64
	Dispatches   uint64
	ThreadGroups uint64
	Draws        uint64
	Rays         uint64
	Builds       uint64

	// Allocated is the number of bytes currently held by live objects.
	Allocated uint64
}

// Stats returns a snapshot of the execution counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	allocated := b.allocated
	b.mu.Unlock()
	return Stats{
		Batches:      b.batches.Load(),
		Commands:     b.commands.Load(),
		Dispatches:   b.dispatches.Load(),
		ThreadGroups: b.threadGroups.Load(),
		Draws:        b.draws.Load(),
		Rays:         b.rays.Load(),
		Builds:       b.builds.Load(),
		Allocated:    allocated,
	}
}

func (b *Backend) alloc(label string, n uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: soft backend is closed", gpucmd.ErrDeviceLost)
	}
	if b.cfg.memoryLimit != 0 && b.allocated+n > b.cfg.memoryLimit {
		return fmt.Errorf("%w: %q needs %d bytes, %d of %d in use",
			gpucmd.ErrOutOfMemory, label, n, b.allocated, b.cfg.memoryLimit)
	}
	b.allocated += n
	return nil
}

func (b *Backend) release(n uint64) {
	b.mu.Lock()
	b.allocated -= min(n, b.allocated)
	b.mu.Unlock()
}

// CreateBuffer allocates zeroed host memory.
func (b *Backend) CreateBuffer(buf *gpucmd.Buffer) error {
	if err := b.alloc(buf.Label(), buf.Size()); err != nil {
		return err
	}
	buf.SetNative(&buffer{data: make([]byte, buf.Size())})
	return nil
}

// CreateTexture allocates one tightly packed slice per sub-resource.
func (b *Backend) CreateTexture(t *gpucmd.Texture) error {
	tex := newTexture(t)
	if err := b.alloc(t.Label(), tex.bytes()); err != nil {
		return err
	}
	t.SetNative(tex)
	return nil
}

// CreateResourceView needs no native object: views resolve to their
// resource's memory at execution.
func (b *Backend) CreateResourceView(*gpucmd.ResourceView) error { return nil }

// CreateAccelerationStructure reserves the structure and makes its device
// address resolvable from instance records.
func (b *Backend) CreateAccelerationStructure(as *gpucmd.AccelerationStructure) error {
	if err := b.alloc(as.Label(), as.Size()); err != nil {
		return err
	}
	a := &accel{kind: as.Kind(), size: as.Size(), address: as.DeviceAddress()}
	b.mu.Lock()
	b.addrs[as.DeviceAddress()] = a
	b.mu.Unlock()
	as.SetNative(a)
	return nil
}

// CreateQueryPool allocates zeroed query slots.
func (b *Backend) CreateQueryPool(p *gpucmd.QueryPool) error {
	p.SetNative(&queryPool{values: make([]uint64, p.Count())})
	return nil
}

// CreateComputePipeline checks that the host program is a ComputeKernel.
func (b *Backend) CreateComputePipeline(p *gpucmd.ComputePipeline) error {
	k, err := kernelOf(p.Desc().Shader)
	if err != nil {
		return fmt.Errorf("compute pipeline %q: %w", p.Label(), err)
	}
	p.SetNative(&computePipeline{kernel: k, groupSize: p.ThreadGroupSize()})
	return nil
}

// CreateGraphicsPipeline checks that the host program is a DrawProgram.
func (b *Backend) CreateGraphicsPipeline(p *gpucmd.GraphicsPipeline) error {
	desc := p.Desc()
	prog, err := drawProgramOf(desc.Vertex)
	if err == nil && prog == nil {
		prog, err = drawProgramOf(desc.Fragment)
	}
	if err != nil {
		return fmt.Errorf("graphics pipeline %q: %w", p.Label(), err)
	}
	p.SetNative(&graphicsPipeline{program: prog, topology: desc.Topology})
	return nil
}

// CreateRayTracingPipeline resolves every program of the pipeline.
func (b *Backend) CreateRayTracingPipeline(p *gpucmd.RayTracingPipeline) error {
	rp, err := newRayTracingPipeline(p.Desc())
	if err != nil {
		return fmt.Errorf("ray-tracing pipeline %q: %w", p.Label(), err)
	}
	p.SetNative(rp)
	return nil
}

// CreateShaderTable needs no native object.
func (b *Backend) CreateShaderTable(*gpucmd.ShaderTable) error { return nil }

// CreateQueue needs no native object: batches run on the queue goroutine.
func (b *Backend) CreateQueue(*gpucmd.CommandQueue) error { return nil }

// AccelerationStructureSizes reports the memory a build of in needs.
func (b *Backend) AccelerationStructureSizes(in *gpucmd.AccelerationStructureBuildInputs) (gpucmd.AccelerationStructureSizes, error) {
	return sizesFor(in.Kind, in.PrimitiveCount()), nil
}

// Execute runs a batch to completion on the calling goroutine.
func (b *Backend) Execute(ctx context.Context, q *gpucmd.CommandQueue, batch *gpucmd.Batch) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: soft backend is closed", gpucmd.ErrDeviceLost)
	}

	x := &executor{b: b, ctx: ctx}
	x.resetEncoderState()
	err := x.run(batch)
	b.batches.Add(1)
	b.commands.Add(uint64(x.executed))
	b.logger().Debug("soft: batch executed",
		"queue", q.Label(), "batch", batch.Label, "serial", batch.Serial,
		"commands", x.executed, "err", err)
	return err
}

// WriteBuffer copies data into buffer memory.
func (b *Backend) WriteBuffer(buf *gpucmd.Buffer, offset uint64, data []byte) error {
	mem, err := bufferMemory(buf)
	if err != nil {
		return err
	}
	copy(mem[offset:], data)
	return nil
}

// ReadBuffer copies buffer memory into dst.
func (b *Backend) ReadBuffer(buf *gpucmd.Buffer, offset uint64, dst []byte) error {
	mem, err := bufferMemory(buf)
	if err != nil {
		return err
	}
	copy(dst, mem[offset:])
	return nil
}

// WriteTexture replaces one sub-resource.
func (b *Backend) WriteTexture(t *gpucmd.Texture, sub gpucmd.Subresource, data []byte) error {
	tex, err := textureMemory(t)
	if err != nil {
		return err
	}
	copy(tex.sub(sub), data)
	return nil
}

// ReadTexture returns a copy of one sub-resource.
func (b *Backend) ReadTexture(t *gpucmd.Texture, sub gpucmd.Subresource) ([]byte, error) {
	tex, err := textureMemory(t)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), tex.sub(sub)...), nil
}

// Destroy frees the memory of buffers, textures and acceleration structures.
func (b *Backend) Destroy(obj any) {
	switch o := obj.(type) {
	case *gpucmd.Buffer:
		if _, ok := o.Native().(*buffer); ok {
			b.release(o.Size())
			o.SetNative(nil)
		}
	case *gpucmd.Texture:
		if tex, ok := o.Native().(*texture); ok {
			b.release(tex.bytes())
			o.SetNative(nil)
		}
	case *gpucmd.AccelerationStructure:
		if _, ok := o.Native().(*accel); ok {
			b.release(o.Size())
			b.mu.Lock()
			delete(b.addrs, o.DeviceAddress())
			b.mu.Unlock()
			o.SetNative(nil)
		}
	default:
		// Pipelines, views and tables hold no backend memory.
	}
}

// Close stops the worker pool. Further execution reports a lost device.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.pool != nil {
		b.pool.Stop()
	}
	b.logger().Debug("soft: closed", "batches", b.batches.Load())
	return nil
}

// lookup resolves a device address to a live acceleration structure.
func (b *Backend) lookup(addr gpucmd.DeviceAddress) *accel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addrs[addr]
}
