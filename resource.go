// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// Resource is a stateful GPU resource: a *Buffer or a *Texture.
//
// The committed state returned by State is the state the resource is in
// after all completed submissions. Commands recorded but not yet executed do
// not affect it.
type Resource interface {
	// Kind returns ResourceKindBuffer or ResourceKindTexture.
	Kind() ResourceKind

	// Label returns the debug name.
	Label() string

	// State returns the committed state.
	State() ResourceState

	// Native returns the backend object.
	Native() any

	base() *resourceBase
}

// resourceBase carries the identity and committed state shared by buffers
// and textures.
type resourceBase struct {
	id     uint64
	label  string
	kind   ResourceKind
	device *Device

	mu     sync.Mutex
	state  ResourceState
	views  []*ResourceView
	native any
}

func (r *resourceBase) Kind() ResourceKind { return r.kind }
func (r *resourceBase) Label() string      { return r.label }
func (r *resourceBase) base() *resourceBase {
	return r
}

// ID returns the device-unique identifier of the resource.
func (r *resourceBase) ID() uint64 { return r.id }

// State returns the committed state.
func (r *resourceBase) State() ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Native returns the backend object set by SetNative.
func (r *resourceBase) Native() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.native
}

// SetNative attaches the backend object. Backends call it from their
// creation hooks.
func (r *resourceBase) SetNative(n any) {
	r.mu.Lock()
	r.native = n
	r.mu.Unlock()
}

// commit sets the committed state of the whole resource.
func (r *resourceBase) commit(s ResourceState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *resourceBase) viewList() []*ResourceView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views
}

func (r *resourceBase) addView(v *ResourceView) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label        string
	Size         uint64
	Usage        gputypes.BufferUsage
	InitialState ResourceState
}

// Buffer is a linear GPU allocation.
type Buffer struct {
	resourceBase
	desc BufferDesc
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Usage returns the usage flags the buffer was created with.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.desc.Usage }

// Desc returns the creation descriptor.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// TextureDesc describes a texture. Zero MipLevelCount, SampleCount and
// Dimension default to 1, 1 and 2D.
type TextureDesc struct {
	Label         string
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Usage         gputypes.TextureUsage
	InitialState  ResourceState
}

// Texture is a formatted GPU image.
type Texture struct {
	resourceBase
	desc TextureDesc
}

// Desc returns the creation descriptor with defaults applied.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Size returns the extent of mip level 0.
func (t *Texture) Size() gputypes.Extent3D { return t.desc.Size }

// MipLevelCount returns the number of mip levels.
func (t *Texture) MipLevelCount() uint32 { return t.desc.MipLevelCount }

// ArrayLayerCount returns the number of array layers (1 for 3D textures).
func (t *Texture) ArrayLayerCount() uint32 {
	if t.desc.Dimension == gputypes.TextureDimension3D {
		return 1
	}
	return t.desc.Size.DepthOrArrayLayers
}

// MipSize returns the extent of one layer of a mip level.
func (t *Texture) MipSize(level uint32) gputypes.Extent3D {
	s := t.desc.Size
	e := gputypes.Extent3D{
		Width:              max(s.Width>>level, 1),
		Height:             max(s.Height>>level, 1),
		DepthOrArrayLayers: 1,
	}
	if t.desc.Dimension == gputypes.TextureDimension3D {
		e.DepthOrArrayLayers = max(s.DepthOrArrayLayers>>level, 1)
	}
	if t.desc.Dimension == gputypes.TextureDimension1D {
		e.Height = 1
	}
	return e
}

// SubresourceCount returns mip levels times array layers.
func (t *Texture) SubresourceCount() uint32 {
	return t.desc.MipLevelCount * t.ArrayLayerCount()
}

// Subresource addresses one mip level of one array layer.
type Subresource struct {
	MipLevel   uint32
	ArrayLayer uint32
}

// Index returns the flat subresource index, mip-major within each layer.
func (t *Texture) Index(s Subresource) uint32 {
	return s.ArrayLayer*t.desc.MipLevelCount + s.MipLevel
}

func (t *Texture) checkSubresource(s Subresource) error {
	if s.MipLevel >= t.desc.MipLevelCount || s.ArrayLayer >= t.ArrayLayerCount() {
		return fmt.Errorf("%w: subresource %+v of texture %q", ErrOutOfBounds, s, t.label)
	}
	return nil
}

// ViewType selects how a view exposes its resource.
type ViewType uint8

const (
	ViewTypeShaderResource ViewType = iota
	ViewTypeUnorderedAccess
	ViewTypeRenderTarget
	ViewTypeDepthStencil
)

// String returns the view type name.
func (v ViewType) String() string {
	switch v {
	case ViewTypeShaderResource:
		return "ShaderResource"
	case ViewTypeUnorderedAccess:
		return "UnorderedAccess"
	case ViewTypeRenderTarget:
		return "RenderTarget"
	case ViewTypeDepthStencil:
		return "DepthStencil"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// SubresourceRange selects mip levels and array layers. Zero counts mean
// "all remaining".
type SubresourceRange struct {
	BaseMipLevel    uint32
	MipLevelCount   uint32
	BaseArrayLayer  uint32
	ArrayLayerCount uint32
}

// ResourceViewDesc describes a view. Format defaults to the texture format.
// Offset and Size select a byte range of a buffer; zero Size means the rest
// of the buffer.
type ResourceViewDesc struct {
	Label  string
	Type   ViewType
	Format gputypes.TextureFormat
	Range  SubresourceRange
	Offset uint64
	Size   uint64
}

// ResourceView is a typed window onto a buffer or texture. It tracks its own
// state so that sub-resources can be transitioned independently.
type ResourceView struct {
	id       uint64
	desc     ResourceViewDesc
	resource Resource

	mu     sync.Mutex
	state  ResourceState
	native any
}

// Label returns the debug name.
func (v *ResourceView) Label() string { return v.desc.Label }

// Desc returns the creation descriptor with defaults applied.
func (v *ResourceView) Desc() ResourceViewDesc { return v.desc }

// Type returns the view type.
func (v *ResourceView) Type() ViewType { return v.desc.Type }

// Format returns the view format.
func (v *ResourceView) Format() gputypes.TextureFormat { return v.desc.Format }

// Resource returns the viewed resource.
func (v *ResourceView) Resource() Resource { return v.resource }

// Texture returns the viewed texture, or nil for buffer views.
func (v *ResourceView) Texture() *Texture {
	t, _ := v.resource.(*Texture)
	return t
}

// Buffer returns the viewed buffer, or nil for texture views.
func (v *ResourceView) Buffer() *Buffer {
	b, _ := v.resource.(*Buffer)
	return b
}

// State returns the committed state of the view.
func (v *ResourceView) State() ResourceState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Native returns the backend object.
func (v *ResourceView) Native() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.native
}

// SetNative attaches the backend object.
func (v *ResourceView) SetNative(n any) {
	v.mu.Lock()
	v.native = n
	v.mu.Unlock()
}

func (v *ResourceView) commit(s ResourceState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Subresources expands the view range into the subresources it covers.
func (v *ResourceView) Subresources() []Subresource {
	t := v.Texture()
	if t == nil {
		return nil
	}
	r := v.desc.Range
	var out []Subresource
	for l := r.BaseArrayLayer; l < r.BaseArrayLayer+r.ArrayLayerCount; l++ {
		for m := r.BaseMipLevel; m < r.BaseMipLevel+r.MipLevelCount; m++ {
			out = append(out, Subresource{MipLevel: m, ArrayLayer: l})
		}
	}
	return out
}

// QueryType selects what a query pool records.
type QueryType uint8

const (
	QueryTypeTimestamp QueryType = iota
)

// QueryPoolDesc describes a query pool.
type QueryPoolDesc struct {
	Label string
	Type  QueryType
	Count uint32
}

// QueryPool holds query results written by WriteTimestamp.
type QueryPool struct {
	id     uint64
	desc   QueryPoolDesc
	native any
}

// Label returns the debug name.
func (p *QueryPool) Label() string { return p.desc.Label }

// Count returns the number of query slots.
func (p *QueryPool) Count() uint32 { return p.desc.Count }

// Native returns the backend object.
func (p *QueryPool) Native() any { return p.native }

// SetNative attaches the backend object.
func (p *QueryPool) SetNative(n any) { p.native = n }

// ColorAttachment binds a render-target view to a framebuffer slot.
type ColorAttachment struct {
	View          *ResourceView
	ResolveTarget *ResourceView
	LoadOp        gputypes.LoadOp
	StoreOp       gputypes.StoreOp
	ClearValue    gputypes.Color
}

// DepthStencilAttachment binds a depth-stencil view.
type DepthStencilAttachment struct {
	View              *ResourceView
	DepthLoadOp       gputypes.LoadOp
	DepthStoreOp      gputypes.StoreOp
	DepthClearValue   float32
	StencilLoadOp     gputypes.LoadOp
	StencilStoreOp    gputypes.StoreOp
	StencilClearValue uint32
	ReadOnly          bool
}

// FramebufferDesc describes the render targets of a render encoder.
type FramebufferDesc struct {
	Label            string
	ColorAttachments []ColorAttachment
	DepthStencil     *DepthStencilAttachment
}

// Framebuffer is an immutable set of attachments. Its size is that of the
// first attachment.
type Framebuffer struct {
	desc   FramebufferDesc
	width  uint32
	height uint32
}

// Desc returns the descriptor.
func (f *Framebuffer) Desc() FramebufferDesc { return f.desc }

// Width returns the render area width.
func (f *Framebuffer) Width() uint32 { return f.width }

// Height returns the render area height.
func (f *Framebuffer) Height() uint32 { return f.height }
