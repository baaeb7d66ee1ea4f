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

type buffer struct {
	data []byte
}

func bufferMemory(b *gpucmd.Buffer) ([]byte, error) {
	if b == nil {
		return nil, gpucmd.ErrNilResource
	}
	mem, ok := b.Native().(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %q has no soft memory", gpucmd.ErrForeignObject, b.Label())
	}
	return mem.data, nil
}

// bufferRange returns size bytes of b at offset.
func bufferRange(b *gpucmd.Buffer, offset, size uint64) ([]byte, error) {
	mem, err := bufferMemory(b)
	if err != nil {
		return nil, err
	}
	if offset > uint64(len(mem)) || size > uint64(len(mem))-offset {
		return nil, fmt.Errorf("%w: %d bytes at %d of buffer %q", gpucmd.ErrOutOfBounds, size, offset, b.Label())
	}
	return mem[offset : offset+size], nil
}

// texture stores each sub-resource tightly packed, rows then slices.
type texture struct {
	format  gputypes.TextureFormat
	texel   uint32
	mips    uint32
	extents []gputypes.Extent3D
	subs    [][]byte
}

func newTexture(t *gpucmd.Texture) *texture {
	tex := &texture{
		format: t.Format(),
		texel:  gpucmd.TexelSize(t.Format()),
		mips:   t.MipLevelCount(),
		subs:   make([][]byte, t.SubresourceCount()),
	}
	for m := range tex.mips {
		tex.extents = append(tex.extents, t.MipSize(m))
	}
	for l := range t.ArrayLayerCount() {
		for m := range tex.mips {
			e := tex.extents[m]
			n := e.Width * e.Height * e.DepthOrArrayLayers * tex.texel
			tex.subs[tex.index(gpucmd.Subresource{MipLevel: m, ArrayLayer: l})] = make([]byte, n)
		}
	}
	return tex
}

func textureMemory(t *gpucmd.Texture) (*texture, error) {
	if t == nil {
		return nil, gpucmd.ErrNilResource
	}
	tex, ok := t.Native().(*texture)
	if !ok {
		return nil, fmt.Errorf("%w: texture %q has no soft memory", gpucmd.ErrForeignObject, t.Label())
	}
	return tex, nil
}

func (t *texture) index(s gpucmd.Subresource) uint32 { return s.ArrayLayer*t.mips + s.MipLevel }

func (t *texture) sub(s gpucmd.Subresource) []byte { return t.subs[t.index(s)] }

func (t *texture) bytes() uint64 {
	var n uint64
	for _, s := range t.subs {
		n += uint64(len(s))
	}
	return n
}

// image exposes one sub-resource to host programs.
func (t *texture) image(s gpucmd.Subresource, format gputypes.TextureFormat) *Image {
	e := t.extents[s.MipLevel]
	return &Image{
		Format: format,
		Width:  e.Width,
		Height: e.Height,
		Depth:  e.DepthOrArrayLayers,
		Stride: t.texel,
		Data:   t.sub(s),
	}
}

// Image is a host view of one texture sub-resource. Texels are tightly
// packed in rows of Width, Height rows per slice.
type Image struct {
	Format gputypes.TextureFormat
	Width  uint32
	Height uint32
	Depth  uint32
	Stride uint32 // bytes per texel
	Data   []byte
}

// Texel returns the bytes of the texel at (x, y, z).
func (im *Image) Texel(x, y, z uint32) []byte {
	off := ((z*im.Height+y)*im.Width + x) * im.Stride
	return im.Data[off : off+im.Stride]
}

// copyRegion copies a box of texels row by row.
func copyRegion(
	dst *texture, ds gpucmd.Subresource, do gputypes.Origin3D,
	src *texture, ss gpucmd.Subresource, so gputypes.Origin3D,
	e gputypes.Extent3D,
) error {
	if dst.texel != src.texel {
		return fmt.Errorf("%w: texel size %d to %d", gpucmd.ErrFormatMismatch, src.texel, dst.texel)
	}
	de, se := dst.extents[ds.MipLevel], src.extents[ss.MipLevel]
	dmem, smem := dst.sub(ds), src.sub(ss)
	row := e.Width * src.texel
	for z := range e.DepthOrArrayLayers {
		for y := range e.Height {
			soff := (((so.Z+z)*se.Height+so.Y+y)*se.Width + so.X) * src.texel
			doff := (((do.Z+z)*de.Height+do.Y+y)*de.Width + do.X) * dst.texel
			copy(dmem[doff:doff+row], smem[soff:soff+row])
		}
	}
	return nil
}

// fill repeats pattern over dst.
func fill(dst, pattern []byte) {
	if len(pattern) == 0 || len(dst) == 0 {
		return
	}
	n := copy(dst, pattern)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

// encodeTexel converts a float or integer clear value to the layout of f.
func encodeTexel(f gputypes.TextureFormat, v gpucmd.ClearValue) ([]byte, error) {
	size := gpucmd.TexelSize(f)
	channels := gpucmd.ChannelCount(f)
	if size == 0 || channels == 0 {
		return nil, fmt.Errorf("%w: format %v", gpucmd.ErrUnsupported, f)
	}
	width := size / channels
	out := make([]byte, size)

	order := [4]int{0, 1, 2, 3}
	if f == gputypes.TextureFormatBGRA8Unorm || f == gputypes.TextureFormatBGRA8UnormSrgb {
		order = [4]int{2, 1, 0, 3}
	}
	srgb := f == gputypes.TextureFormatRGBA8UnormSrgb || f == gputypes.TextureFormatBGRA8UnormSrgb

	for i := range channels {
		c := order[i]
		dst := out[i*width : (i+1)*width]
		switch v.Kind {
		case gpucmd.ClearKindFloat:
			x := v.Float[c]
			switch width {
			case 1:
				if srgb && c < 3 {
					x = linearToSRGB(x)
				}
				dst[0] = unorm8(x)
			case 2:
				binary.LittleEndian.PutUint16(dst, float16(x))
			case 4:
				binary.LittleEndian.PutUint32(dst, math.Float32bits(x))
			}
		case gpucmd.ClearKindUint:
			// Integer formats keep the low bits of each component.
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], v.Uint[c])
			copy(dst, word[:width])
		default:
			return nil, fmt.Errorf("%w: clear kind %d for %v", gpucmd.ErrFormatMismatch, v.Kind, f)
		}
	}
	return out, nil
}

// encodeColor converts a render-pass clear color for format f.
func encodeColor(f gputypes.TextureFormat, c gputypes.Color) ([]byte, error) {
	v := gpucmd.ClearValue{Kind: gpucmd.ClearKindFloat}
	comps := [4]float64{c.R, c.G, c.B, c.A}
	if gpucmd.ClassOf(f) == gpucmd.FormatClassFloat {
		for i, x := range comps {
			v.Float[i] = float32(x)
		}
	} else {
		v.Kind = gpucmd.ClearKindUint
		for i, x := range comps {
			if gpucmd.ClassOf(f) == gpucmd.FormatClassSint {
				v.Uint[i] = uint32(int32(x))
			} else {
				v.Uint[i] = uint32(x)
			}
		}
	}
	return encodeTexel(f, v)
}

// clearDepthStencil writes the selected aspects into every texel of dst,
// keeping the other aspect intact.
func clearDepthStencil(dst []byte, f gputypes.TextureFormat, v gpucmd.ClearValue) error {
	size := int(gpucmd.TexelSize(f))
	if size == 0 {
		return fmt.Errorf("%w: format %v", gpucmd.ErrUnsupported, f)
	}
	depth := min(max(v.Depth, 0), 1)
	for off := 0; off+size <= len(dst); off += size {
		t := dst[off : off+size]
		switch f {
		case gputypes.TextureFormatDepth16Unorm:
			if v.ClearDepth {
				binary.LittleEndian.PutUint16(t, uint16(math.Round(float64(depth)*0xFFFF)))
			}
		case gputypes.TextureFormatDepth32Float:
			if v.ClearDepth {
				binary.LittleEndian.PutUint32(t, math.Float32bits(depth))
			}
		case gputypes.TextureFormatDepth24PlusStencil8:
			w := binary.LittleEndian.Uint32(t)
			if v.ClearDepth {
				w = w&0xFF000000 | uint32(math.Round(float64(depth)*0xFFFFFF))
			}
			if v.ClearStencil {
				w = w&0x00FFFFFF | (v.Stencil&0xFF)<<24
			}
			binary.LittleEndian.PutUint32(t, w)
		case gputypes.TextureFormatDepth32FloatStencil8:
			if v.ClearDepth {
				binary.LittleEndian.PutUint32(t, math.Float32bits(depth))
			}
			if v.ClearStencil {
				t[4] = uint8(v.Stencil)
			}
		case gputypes.TextureFormatStencil8:
			if v.ClearStencil {
				t[0] = uint8(v.Stencil)
			}
		default:
			return fmt.Errorf("%w: %v is not a depth-stencil format", gpucmd.ErrFormatMismatch, f)
		}
	}
	return nil
}

func unorm8(x float32) uint8 {
	return uint8(math.Round(float64(min(max(x, 0), 1)) * 255))
}

func linearToSRGB(x float32) float32 {
	if x <= 0.0031308 {
		return 12.92 * x
	}
	return float32(1.055*math.Pow(float64(x), 1/2.4) - 0.055)
}

// float16 converts to IEEE 754 binary16, rounding half up.
func float16(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xFF) - 127 + 15
	mant := b & 0x7FFFFF

	switch {
	case b&0x7FFFFFFF == 0:
		return sign
	case b>>23&0xFF == 0xFF:
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		h := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			h++
		}
		return sign | h
	}
	h := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		h++
	}
	return h
}

type queryPool struct {
	values []uint64
}

func queryMemory(p *gpucmd.QueryPool) (*queryPool, error) {
	qp, ok := p.Native().(*queryPool)
	if !ok {
		return nil, fmt.Errorf("%w: query pool %q has no soft memory", gpucmd.ErrForeignObject, p.Label())
	}
	return qp, nil
}

// BufferData returns the live memory of a soft buffer. It is meant for
// tests and tools that inspect results without a queue round trip.
func BufferData(b *gpucmd.Buffer) []byte {
	mem, _ := bufferMemory(b)
	return mem
}

// TextureData returns the live memory of one sub-resource of a soft texture.
func TextureData(t *gpucmd.Texture, sub gpucmd.Subresource) []byte {
	tex, err := textureMemory(t)
	if err != nil {
		return nil
	}
	return tex.sub(sub)
}
