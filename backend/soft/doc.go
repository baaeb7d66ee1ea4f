// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package soft is a CPU backend for gpucmd.
//
// The soft backend keeps every buffer, texture and acceleration structure in
// host memory and executes recorded batches on the queue goroutine. It is the
// reference implementation of the command semantics and the backend used by
// tests: clears, copies, timestamp queries, indirect draws and acceleration
// structure builds produce observable results.
//
// # Registration
//
// Importing the package registers the backend under the name "soft":
//
//	import _ "github.com/gogpu/gpucmd/backend/soft"
//
//	dev, err := gpucmd.Open("soft", gpucmd.WithBackendOptions(soft.WithWorkers(4)))
//
// # Host Programs
//
// Shaders are Go functions carried in gpucmd.ShaderSource.Host:
//
//   - compute pipelines take a ComputeKernel, called once per thread group;
//     groups run in parallel on a worker pool;
//   - graphics pipelines take a DrawProgram (in Vertex.Host or
//     Fragment.Host), called once per draw in submission order;
//   - ray-tracing pipelines take a RayGenProgram for ray generation, and
//     MissProgram and HitProgram entries for miss and hit groups.
//
// A nil Host is a no-op program. WGSL sources are ignored.
//
// # Ray Tracing
//
// Acceleration structures are flat primitive lists with per-instance bounds.
// Scene.Trace intersects rays with triangles (Möller-Trumbore) and boxes
// (slab test) and reports the closest hit.
package soft
