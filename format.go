// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import "github.com/gogpu/gputypes"

// FormatClass groups texture formats by how clears interpret their values.
type FormatClass uint8

const (
	FormatClassUnsupported FormatClass = iota
	FormatClassFloat                   // unorm, snorm and float formats
	FormatClassUint
	FormatClassSint
	FormatClassDepthStencil
)

type formatInfo struct {
	class      FormatClass
	texelBytes uint32
	channels   uint32
}

// formats covers the uncompressed formats the command layer can address
// byte-wise for copies and clears.
var formats = map[gputypes.TextureFormat]formatInfo{
	gputypes.TextureFormatR8Unorm:              {FormatClassFloat, 1, 1},
	gputypes.TextureFormatR8Uint:               {FormatClassUint, 1, 1},
	gputypes.TextureFormatR8Sint:               {FormatClassSint, 1, 1},
	gputypes.TextureFormatRG8Unorm:             {FormatClassFloat, 2, 2},
	gputypes.TextureFormatR16Float:             {FormatClassFloat, 2, 1},
	gputypes.TextureFormatR16Uint:              {FormatClassUint, 2, 1},
	gputypes.TextureFormatR32Float:             {FormatClassFloat, 4, 1},
	gputypes.TextureFormatR32Uint:              {FormatClassUint, 4, 1},
	gputypes.TextureFormatR32Sint:              {FormatClassSint, 4, 1},
	gputypes.TextureFormatRGBA8Unorm:           {FormatClassFloat, 4, 4},
	gputypes.TextureFormatRGBA8UnormSrgb:       {FormatClassFloat, 4, 4},
	gputypes.TextureFormatRGBA8Uint:            {FormatClassUint, 4, 4},
	gputypes.TextureFormatRGBA8Sint:            {FormatClassSint, 4, 4},
	gputypes.TextureFormatBGRA8Unorm:           {FormatClassFloat, 4, 4},
	gputypes.TextureFormatBGRA8UnormSrgb:       {FormatClassFloat, 4, 4},
	gputypes.TextureFormatRG32Float:            {FormatClassFloat, 8, 2},
	gputypes.TextureFormatRG32Uint:             {FormatClassUint, 8, 2},
	gputypes.TextureFormatRGBA16Float:          {FormatClassFloat, 8, 4},
	gputypes.TextureFormatRGBA16Uint:           {FormatClassUint, 8, 4},
	gputypes.TextureFormatRGBA32Float:          {FormatClassFloat, 16, 4},
	gputypes.TextureFormatRGBA32Uint:           {FormatClassUint, 16, 4},
	gputypes.TextureFormatRGBA32Sint:           {FormatClassSint, 16, 4},
	gputypes.TextureFormatDepth16Unorm:         {FormatClassDepthStencil, 2, 1},
	gputypes.TextureFormatDepth32Float:         {FormatClassDepthStencil, 4, 1},
	gputypes.TextureFormatDepth24PlusStencil8:  {FormatClassDepthStencil, 4, 2},
	gputypes.TextureFormatDepth32FloatStencil8: {FormatClassDepthStencil, 8, 2},
	gputypes.TextureFormatStencil8:             {FormatClassDepthStencil, 1, 1},
}

// ClassOf returns the clear class of a format.
func ClassOf(f gputypes.TextureFormat) FormatClass {
	return formats[f].class
}

// TexelSize returns the size in bytes of one texel, or 0 for formats the
// command layer cannot address.
func TexelSize(f gputypes.TextureFormat) uint32 {
	return formats[f].texelBytes
}

// ChannelCount returns the number of components stored per texel.
func ChannelCount(f gputypes.TextureFormat) uint32 {
	return formats[f].channels
}
