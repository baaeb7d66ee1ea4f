// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Batch is the unit a queue hands to its backend: the commands of one
// closed command buffer, in recording order.
type Batch struct {
	Label    string
	Serial   uint64
	Commands []Command
}

// Backend executes recorded command streams on a device.
//
// Creation hooks receive fully validated handles and attach their native
// objects with SetNative. Execute is called from the queue's timeline
// goroutine, one batch at a time per queue. Host I/O methods are only
// called when the caller has synchronized with the queues.
//
// Backends report device failures by returning errors that wrap
// ErrDeviceLost or ErrOutOfMemory, and unsupported commands with
// ErrUnsupported.
type Backend interface {
	// Name returns the registry name of the backend.
	Name() string

	CreateBuffer(b *Buffer) error
	CreateTexture(t *Texture) error
	CreateResourceView(v *ResourceView) error
	CreateAccelerationStructure(as *AccelerationStructure) error
	CreateQueryPool(p *QueryPool) error
	CreateComputePipeline(p *ComputePipeline) error
	CreateGraphicsPipeline(p *GraphicsPipeline) error
	CreateRayTracingPipeline(p *RayTracingPipeline) error
	CreateShaderTable(t *ShaderTable) error
	CreateQueue(q *CommandQueue) error

	// AccelerationStructureSizes reports the memory a build needs.
	AccelerationStructureSizes(in *AccelerationStructureBuildInputs) (AccelerationStructureSizes, error)

	// Execute runs a batch to completion.
	Execute(ctx context.Context, q *CommandQueue, b *Batch) error

	WriteBuffer(b *Buffer, offset uint64, data []byte) error
	ReadBuffer(b *Buffer, offset uint64, dst []byte) error
	WriteTexture(t *Texture, sub Subresource, data []byte) error
	ReadTexture(t *Texture, sub Subresource) ([]byte, error)

	// Destroy releases the native object of a handle created by this backend.
	Destroy(obj any)

	// Close releases the device.
	Close() error
}

// Configurable is implemented by backends that accept options passed
// through WithBackendOptions.
type Configurable interface {
	Configure(opts ...any) error
}

// BackendFactory creates a backend instance. Factories are registered with
// Register and called by NewBackend.
type BackendFactory func() Backend

var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// Register makes a backend available by name. It is called from init in
// backend packages, following the database/sql driver pattern:
//
//	func init() {
//	    gpucmd.Register("soft", func() gpucmd.Backend { return New() })
//	}
//
// Register panics if factory is nil or the name is already registered.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("gpucmd: Register factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("gpucmd: Register called twice for " + name)
	}
	backends[name] = factory
}

// Unregister removes a backend from the registry. Unknown names are ignored.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// NewBackend creates a backend by name.
//
//	import _ "github.com/gogpu/gpucmd/backend/soft"
//
//	b, err := gpucmd.NewBackend("soft")
func NewBackend(name string) (Backend, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("gpucmd: unknown backend %q (forgotten import?)", name)
	}
	return factory(), nil
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend with the given name exists.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}
