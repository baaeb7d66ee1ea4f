// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucmd"
)

// defaultEntryPoint is used when a shader source names no entry point.
const defaultEntryPoint = "main"

// compileShaderToSPIRV compiles WGSL source to SPIR-V words.
func compileShaderToSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// shaderCache compiles each distinct WGSL source once per device.
type shaderCache struct {
	device hal.Device

	mu      sync.Mutex
	modules map[string]hal.ShaderModule
}

func newShaderCache(device hal.Device) *shaderCache {
	return &shaderCache{device: device, modules: make(map[string]hal.ShaderModule)}
}

func (c *shaderCache) module(label, wgsl string) (hal.ShaderModule, error) {
	if wgsl == "" {
		return nil, fmt.Errorf("%w: %q has no WGSL source", gpucmd.ErrInvalidArgument, label)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.modules[wgsl]; ok {
		return m, nil
	}
	words, err := compileShaderToSPIRV(wgsl)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", gpucmd.ErrInvalidArgument, label, err)
	}
	m, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, deviceError(err)
	}
	c.modules[wgsl] = m
	return m, nil
}

// size returns the number of compiled modules.
func (c *shaderCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modules)
}

func (c *shaderCache) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, m := range c.modules {
		c.device.DestroyShaderModule(m)
		delete(c.modules, k)
	}
}

func entryPoint(s gpucmd.ShaderSource) string {
	if s.EntryPoint == "" {
		return defaultEntryPoint
	}
	return s.EntryPoint
}

// layoutEntries translates binding declarations into a bind group layout.
func layoutEntries(bindings []gpucmd.BindingLayout, visibility gputypes.ShaderStages) ([]gputypes.BindGroupLayoutEntry, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(bindings))
	for _, bl := range bindings {
		e := gputypes.BindGroupLayoutEntry{Binding: bl.Binding, Visibility: visibility}
		switch bl.Type {
		case gpucmd.BindingTypeUniformBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
		case gpucmd.BindingTypeStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		case gpucmd.BindingTypeReadOnlyStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
		case gpucmd.BindingTypeSampledTexture:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case gpucmd.BindingTypeStorageTexture:
			format := bl.Format
			if format == gputypes.TextureFormatUndefined {
				format = gputypes.TextureFormatRGBA8Unorm
			}
			e.StorageTexture = &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessReadWrite,
				Format:        format,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case gpucmd.BindingTypeAccelerationStructure:
			return nil, fmt.Errorf("%w: acceleration structure binding %d", gpucmd.ErrUnsupported, bl.Binding)
		default:
			return nil, fmt.Errorf("%w: binding %d has type %d", gpucmd.ErrInvalidArgument, bl.Binding, bl.Type)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// pipelineLayout is the single bind group layout and pipeline layout shared
// by compute and graphics pipelines.
type pipelineLayout struct {
	bindings []gpucmd.BindingLayout
	group    hal.BindGroupLayout
	layout   hal.PipelineLayout
}

func newPipelineLayout(device hal.Device, label string, bindings []gpucmd.BindingLayout, visibility gputypes.ShaderStages) (*pipelineLayout, error) {
	entries, err := layoutEntries(bindings, visibility)
	if err != nil {
		return nil, err
	}
	group, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: label, Entries: entries})
	if err != nil {
		return nil, deviceError(err)
	}
	layout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: []hal.BindGroupLayout{group},
	})
	if err != nil {
		device.DestroyBindGroupLayout(group)
		return nil, deviceError(err)
	}
	return &pipelineLayout{bindings: bindings, group: group, layout: layout}, nil
}

func (l *pipelineLayout) destroy(device hal.Device) {
	device.DestroyPipelineLayout(l.layout)
	device.DestroyBindGroupLayout(l.group)
}

// bindGroup creates a bind group for the declared bindings from a shader
// object. It returns nil when the pipeline declares no bindings.
func (l *pipelineLayout) bindGroup(device hal.Device, so *gpucmd.ShaderObject) (hal.BindGroup, error) {
	if len(l.bindings) == 0 {
		return nil, nil
	}
	if so == nil {
		return nil, fmt.Errorf("%w: pipeline declares %d bindings but no shader object is bound",
			gpucmd.ErrInvalidArgument, len(l.bindings))
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(l.bindings))
	for _, bl := range l.bindings {
		b, ok := so.Lookup(bl.Binding)
		if !ok {
			return nil, fmt.Errorf("%w: shader object %q has no binding %d", gpucmd.ErrInvalidArgument, so.Label(), bl.Binding)
		}
		res, err := bindingResource(b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, gputypes.BindGroupEntry{Binding: bl.Binding, Resource: res})
	}
	group, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   so.Label(),
		Layout:  l.group,
		Entries: entries,
	})
	if err != nil {
		return nil, deviceError(err)
	}
	return group, nil
}

func bindingResource(b gpucmd.Binding) (gputypes.BindingResource, error) {
	switch {
	case b.Buffer != nil:
		n, err := nativeBuffer(b.Buffer)
		if err != nil {
			return nil, err
		}
		return gputypes.BufferBinding{Buffer: n.raw.NativeHandle(), Offset: b.Offset, Size: b.Size}, nil
	case b.View != nil && b.View.Buffer() != nil:
		n, err := nativeBuffer(b.View.Buffer())
		if err != nil {
			return nil, err
		}
		d := b.View.Desc()
		return gputypes.BufferBinding{Buffer: n.raw.NativeHandle(), Offset: d.Offset, Size: d.Size}, nil
	case b.View != nil:
		n, err := nativeView(b.View)
		if err != nil {
			return nil, err
		}
		return gputypes.TextureViewBinding{TextureView: n.raw.NativeHandle()}, nil
	case b.AccelerationStructure != nil:
		return nil, fmt.Errorf("%w: acceleration structure binding %d", gpucmd.ErrUnsupported, b.Slot)
	default:
		return nil, fmt.Errorf("%w: binding %d is empty", gpucmd.ErrInvalidArgument, b.Slot)
	}
}

type computePipeline struct {
	*pipelineLayout
	raw hal.ComputePipeline
}

func (p *computePipeline) destroy(device hal.Device) {
	device.DestroyComputePipeline(p.raw)
	p.pipelineLayout.destroy(device)
}

// CreateComputePipeline compiles the WGSL shader with naga and creates the
// hal pipeline.
func (b *Backend) CreateComputePipeline(p *gpucmd.ComputePipeline) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	desc := p.Desc()
	module, err := b.shaders.module(desc.Label, desc.Shader.WGSL)
	if err != nil {
		return err
	}
	layout, err := newPipelineLayout(device, desc.Label, desc.Bindings, gputypes.ShaderStageCompute)
	if err != nil {
		return err
	}
	raw, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: layout.layout,
		Compute: hal.ComputeState{
			Module:                        module,
			EntryPoint:                    entryPoint(desc.Shader),
			ZeroInitializeWorkgroupMemory: true,
		},
	})
	if err != nil {
		layout.destroy(device)
		return deviceError(err)
	}
	p.SetNative(&computePipeline{pipelineLayout: layout, raw: raw})
	return nil
}

// graphicsPipeline holds one hal render pipeline per primitive topology.
// hal bakes the topology into the pipeline, so variants for topologies set
// with SetPrimitiveTopology are created on first use.
type graphicsPipeline struct {
	*pipelineLayout
	desc     gpucmd.GraphicsPipelineDesc
	vertex   hal.ShaderModule
	fragment hal.ShaderModule

	mu       sync.Mutex
	variants map[gputypes.PrimitiveTopology]hal.RenderPipeline
}

func (p *graphicsPipeline) variant(device hal.Device, topology gputypes.PrimitiveTopology) (hal.RenderPipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.variants[topology]; ok {
		return rp, nil
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  p.desc.Label,
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     p.vertex,
			EntryPoint: entryPoint(p.desc.Vertex),
			Buffers:    p.desc.VertexBuffers,
		},
		Primitive:   gputypes.PrimitiveState{Topology: topology},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: ^uint64(0)},
	}
	if p.desc.DepthStencilFormat != gputypes.TextureFormatUndefined {
		face := hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways}
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            p.desc.DepthStencilFormat,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilFront:      face,
			StencilBack:       face,
			StencilReadMask:   0xff,
			StencilWriteMask:  0xff,
		}
	}
	if p.fragment != nil {
		targets := make([]gputypes.ColorTargetState, len(p.desc.ColorFormats))
		for i, f := range p.desc.ColorFormats {
			targets[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
		}
		desc.Fragment = &hal.FragmentState{
			Module:     p.fragment,
			EntryPoint: entryPoint(p.desc.Fragment),
			Targets:    targets,
		}
	}
	rp, err := device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, deviceError(err)
	}
	p.variants[topology] = rp
	return rp, nil
}

func (p *graphicsPipeline) destroy(device hal.Device) {
	p.mu.Lock()
	for t, rp := range p.variants {
		device.DestroyRenderPipeline(rp)
		delete(p.variants, t)
	}
	p.mu.Unlock()
	p.pipelineLayout.destroy(device)
}

// CreateGraphicsPipeline compiles the vertex and fragment stages and builds
// the variant for the pipeline's own topology. A fragment stage without
// WGSL but with an entry point uses the vertex module.
func (b *Backend) CreateGraphicsPipeline(p *gpucmd.GraphicsPipeline) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	desc := p.Desc()
	vertex, err := b.shaders.module(desc.Label+" vertex", desc.Vertex.WGSL)
	if err != nil {
		return err
	}
	var fragment hal.ShaderModule
	switch {
	case desc.Fragment.WGSL != "":
		if fragment, err = b.shaders.module(desc.Label+" fragment", desc.Fragment.WGSL); err != nil {
			return err
		}
	case desc.Fragment.EntryPoint != "":
		fragment = vertex
	}

	layout, err := newPipelineLayout(device, desc.Label, desc.Bindings, gputypes.ShaderStagesVertexFragment)
	if err != nil {
		return err
	}
	gp := &graphicsPipeline{
		pipelineLayout: layout,
		desc:           desc,
		vertex:         vertex,
		fragment:       fragment,
		variants:       make(map[gputypes.PrimitiveTopology]hal.RenderPipeline),
	}
	if _, err := gp.variant(device, desc.Topology); err != nil {
		layout.destroy(device)
		return err
	}
	p.SetNative(gp)
	return nil
}
