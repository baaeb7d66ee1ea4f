// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command gpucmd records and runs sample command buffers on a gpucmd
// backend.
//
// Usage:
//
//	gpucmd backends
//	gpucmd run dispatch --backend soft --validate
//	gpucmd run clear-copy --backend wgpu -v
package main

import (
	"os"

	_ "github.com/gogpu/wgpu/hal/allbackends"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
