// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu executes gpucmd command streams on a GPU through the
// gogpu/wgpu hardware abstraction layer.
//
// The backend registers itself as "wgpu". It needs a hal device, which it
// gets in one of three ways:
//
//   - WithHALDevice: a device and queue the caller already opened
//   - WithDeviceProvider: a gpucontext.DeviceProvider exposing HalDevice
//     and HalQueue, such as a gogpu application
//   - WithAPI, or the first hal backend registered by an imported package
//     (github.com/gogpu/wgpu/hal/allbackends registers all of them)
//
// # Architecture Overview
//
// Resources map one to one onto hal objects. Each batch is translated into
// a single hal command encoder:
//
//	gpucmd.Batch -> executor -> hal.CommandEncoder -> hal.Queue.Submit -> poll
//
// Key components:
//
//   - Backend: creation hooks, host I/O and submission
//   - executor: command translation, one per batch
//   - shaderCache: WGSL to SPIR-V compilation with naga, keyed by source
//   - graphicsPipeline: render pipelines built lazily per topology, since
//     hal bakes the topology into the pipeline object
//
// # State Transitions
//
// Resource states become hal usage transitions through
// gpucmd.BufferUsageFor and gpucmd.TextureUsageFor. UAV barriers are
// storage-to-storage transitions.
//
// # Limitations
//
// The hal layer has no ray-tracing or acceleration-structure API, so those
// pipelines, builds and dispatches report gpucmd.ErrUnsupported, as do
// indirect draws with a GPU-written count. Clears of textures without the
// render-attachment usage are unsupported for the same reason.
//
// # Errors
//
// hal.ErrDeviceLost and hal.ErrDeviceOutOfMemory are reported as
// gpucmd.ErrDeviceLost and gpucmd.ErrOutOfMemory; both remain matchable
// with errors.Is.
package wgpu
