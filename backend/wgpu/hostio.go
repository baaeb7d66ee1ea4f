// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucmd"
)

// rowPitchAlignment is the bytes-per-row alignment of texture copies into
// buffers.
const rowPitchAlignment = 256

// WriteBuffer uploads data through the hal queue.
func (b *Backend) WriteBuffer(buf *gpucmd.Buffer, offset uint64, data []byte) error {
	_, queue, err := b.open()
	if err != nil {
		return err
	}
	n, err := nativeBuffer(buf)
	if err != nil {
		return err
	}
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	return deviceError(queue.WriteBuffer(n.raw, offset, data))
}

// ReadBuffer maps buffers created with MapRead directly. Other buffers are
// copied into a mappable staging buffer first.
func (b *Backend) ReadBuffer(buf *gpucmd.Buffer, offset uint64, dst []byte) error {
	device, _, err := b.open()
	if err != nil {
		return err
	}
	n, err := nativeBuffer(buf)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	if buf.Usage()&gputypes.BufferUsageMapRead != 0 {
		return mapRead(device, n.raw, offset, dst)
	}

	start := offset &^ 3
	size := alignCopy(offset+uint64(len(dst))) - start
	staging, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: buf.Label() + " readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return deviceError(err)
	}
	defer device.DestroyBuffer(staging)

	err = b.oneShot("readback "+buf.Label(), func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(n.raw, staging, []hal.BufferCopy{{SrcOffset: start, Size: size}})
	})
	if err != nil {
		return err
	}
	tmp := make([]byte, size)
	if err := mapRead(device, staging, 0, tmp); err != nil {
		return err
	}
	copy(dst, tmp[offset-start:])
	return nil
}

func mapRead(device hal.Device, raw hal.Buffer, offset uint64, dst []byte) error {
	m, err := device.MapBuffer(raw, offset, uint64(len(dst)))
	if err != nil {
		return deviceError(err)
	}
	copy(dst, unsafe.Slice((*byte)(m.Ptr), len(dst)))
	return deviceError(device.UnmapBuffer(raw))
}

// subresourceCopy locates one sub-resource for a hal copy.
func subresourceCopy(t *gpucmd.Texture, raw hal.Texture, sub gpucmd.Subresource) (hal.ImageCopyTexture, hal.Extent3D) {
	base := hal.ImageCopyTexture{
		Texture:  raw,
		MipLevel: sub.MipLevel,
		Aspect:   gputypes.TextureAspectAll,
	}
	if t.Desc().Dimension != gputypes.TextureDimension3D {
		base.Origin.Z = sub.ArrayLayer
	}
	return base, halExtent(t.MipSize(sub.MipLevel))
}

// WriteTexture uploads one tightly packed sub-resource through the hal queue.
func (b *Backend) WriteTexture(t *gpucmd.Texture, sub gpucmd.Subresource, data []byte) error {
	_, queue, err := b.open()
	if err != nil {
		return err
	}
	n, err := nativeTexture(t)
	if err != nil {
		return err
	}
	dst, size := subresourceCopy(t, n.raw, sub)
	layout := hal.ImageDataLayout{
		BytesPerRow:  size.Width * gpucmd.TexelSize(t.Format()),
		RowsPerImage: size.Height,
	}
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	return deviceError(queue.WriteTexture(&dst, data, &layout, &size))
}

// ReadTexture copies one sub-resource into a staging buffer with aligned
// rows and strips the row padding.
func (b *Backend) ReadTexture(t *gpucmd.Texture, sub gpucmd.Subresource) ([]byte, error) {
	device, _, err := b.open()
	if err != nil {
		return nil, err
	}
	n, err := nativeTexture(t)
	if err != nil {
		return nil, err
	}
	texel := gpucmd.TexelSize(t.Format())
	if texel == 0 {
		return nil, fmt.Errorf("%w: readback of %v texture %q", gpucmd.ErrUnsupported, t.Format(), t.Label())
	}

	src, size := subresourceCopy(t, n.raw, sub)
	bytesPerRow := size.Width * texel
	alignedBytesPerRow := (bytesPerRow + rowPitchAlignment - 1) &^ (rowPitchAlignment - 1)
	rows := size.Height * size.DepthOrArrayLayers
	stagingSize := uint64(alignedBytesPerRow) * uint64(rows)

	staging, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: t.Label() + " readback",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, deviceError(err)
	}
	defer device.DestroyBuffer(staging)

	err = b.oneShot("readback "+t.Label(), func(enc hal.CommandEncoder) {
		enc.CopyTextureToBuffer(n.raw, staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{BytesPerRow: alignedBytesPerRow, RowsPerImage: size.Height},
			TextureBase:  src,
			Size:         size,
		}})
	})
	if err != nil {
		return nil, err
	}

	readback := make([]byte, stagingSize)
	if err := mapRead(device, staging, 0, readback); err != nil {
		return nil, err
	}
	if alignedBytesPerRow == bytesPerRow {
		return readback, nil
	}
	tight := make([]byte, uint64(bytesPerRow)*uint64(rows))
	for row := range rows {
		srcOff := int(row) * int(alignedBytesPerRow)
		dstOff := int(row) * int(bytesPerRow)
		copy(tight[dstOff:dstOff+int(bytesPerRow)], readback[srcOff:srcOff+int(bytesPerRow)])
	}
	return tight, nil
}
