// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
)

// mockBackend records executed batches and keeps buffer memory on the host.
type mockBackend struct {
	name string

	// execute, when set, runs instead of the default no-op execution.
	execute func(ctx context.Context, q *CommandQueue, b *Batch) error

	mu      sync.Mutex
	batches []*Batch
	closed  bool
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) CreateBuffer(b *Buffer) error {
	b.SetNative(make([]byte, b.Size()))
	return nil
}

func (m *mockBackend) CreateTexture(*Texture) error                             { return nil }
func (m *mockBackend) CreateResourceView(*ResourceView) error                   { return nil }
func (m *mockBackend) CreateAccelerationStructure(*AccelerationStructure) error { return nil }
func (m *mockBackend) CreateQueryPool(*QueryPool) error                         { return nil }
func (m *mockBackend) CreateComputePipeline(*ComputePipeline) error             { return nil }
func (m *mockBackend) CreateGraphicsPipeline(*GraphicsPipeline) error           { return nil }
func (m *mockBackend) CreateRayTracingPipeline(*RayTracingPipeline) error       { return nil }
func (m *mockBackend) CreateShaderTable(*ShaderTable) error                     { return nil }
func (m *mockBackend) CreateQueue(*CommandQueue) error                          { return nil }

func (m *mockBackend) AccelerationStructureSizes(in *AccelerationStructureBuildInputs) (AccelerationStructureSizes, error) {
	n := uint64(in.PrimitiveCount())
	return AccelerationStructureSizes{
		AccelerationStructureSize: 256 + 64*n,
		ScratchSize:               256 + 32*n,
		UpdateScratchSize:         256 + 8*n,
	}, nil
}

func (m *mockBackend) Execute(ctx context.Context, q *CommandQueue, b *Batch) error {
	m.mu.Lock()
	cp := &Batch{Label: b.Label, Serial: b.Serial, Commands: append([]Command(nil), b.Commands...)}
	m.batches = append(m.batches, cp)
	exec := m.execute
	m.mu.Unlock()
	if exec != nil {
		return exec(ctx, q, b)
	}
	return nil
}

func (m *mockBackend) WriteBuffer(b *Buffer, offset uint64, data []byte) error {
	copy(b.Native().([]byte)[offset:], data)
	return nil
}

func (m *mockBackend) ReadBuffer(b *Buffer, offset uint64, dst []byte) error {
	copy(dst, b.Native().([]byte)[offset:])
	return nil
}

func (m *mockBackend) WriteTexture(*Texture, Subresource, []byte) error { return nil }

func (m *mockBackend) ReadTexture(t *Texture, _ Subresource) ([]byte, error) {
	return make([]byte, TexelSize(t.Format())), nil
}

func (m *mockBackend) Destroy(any) {}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// executed returns the labels of executed batches in order.
func (m *mockBackend) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.batches))
	for i, b := range m.batches {
		out[i] = b.Label
	}
	return out
}

// newMockDevice returns a device on a mock backend and one graphics queue.
func newMockDevice(t *testing.T, opts ...DeviceOption) (*Device, *mockBackend, *CommandQueue) {
	t.Helper()
	m := &mockBackend{name: "mock"}
	d := NewDevice(m, opts...)
	t.Cleanup(func() { _ = d.Close() })
	q, err := d.CreateQueue(QueueDesc{Type: QueueTypeGraphics, Label: "main"})
	if err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	return d, m, q
}

func mustBuffer(t *testing.T, d *Device, label string, size uint64, usage gputypes.BufferUsage) *Buffer {
	t.Helper()
	b, err := d.CreateBuffer(BufferDesc{Label: label, Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer(%q) failed: %v", label, err)
	}
	return b
}

func mustTexture(t *testing.T, d *Device, label string, format gputypes.TextureFormat, usage gputypes.TextureUsage) *Texture {
	t.Helper()
	tex, err := d.CreateTexture(TextureDesc{
		Label:  label,
		Format: format,
		Size:   gputypes.Extent3D{Width: 8, Height: 8, DepthOrArrayLayers: 1},
		Usage:  usage,
	})
	if err != nil {
		t.Fatalf("CreateTexture(%q) failed: %v", label, err)
	}
	return tex
}

// closeAndRun closes cb, submits it and waits for completion.
func closeAndRun(t *testing.T, q *CommandQueue, cb *CommandBuffer) error {
	t.Helper()
	if err := cb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return q.SubmitAndWait(t.Context(), cb)
}
