// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import "log/slog"

// DeviceOption configures a Device during creation.
//
// Example:
//
//	dev, err := gpucmd.Open("soft",
//	    gpucmd.WithValidation(true),
//	    gpucmd.WithLogger(slog.Default()),
//	)
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	logger         *slog.Logger
	validate       bool
	poolSize       int
	label          string
	backendOptions []any
}

func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		logger:   nil, // falls back to Logger()
		validate: false,
		poolSize: 8,
	}
}

// WithLogger sets a device-specific logger. Without it the device uses the
// package logger returned by Logger.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithValidation enables submission-time state tracking. Each batch is
// replayed against a shadow copy of the resource states and rejected with a
// *HazardError when an operation finds a resource in an incompatible state.
func WithValidation(enabled bool) DeviceOption {
	return func(o *deviceOptions) {
		o.validate = enabled
	}
}

// WithBufferPoolSize bounds the number of retired command buffers each queue
// keeps for reuse.
func WithBufferPoolSize(n int) DeviceOption {
	return func(o *deviceOptions) {
		if n >= 0 {
			o.poolSize = n
		}
	}
}

// WithLabel sets the device label used in log records.
func WithLabel(label string) DeviceOption {
	return func(o *deviceOptions) {
		o.label = label
	}
}

// WithBackendOptions forwards options to a backend created by name through
// Open. Backends that implement Configurable receive them before first use;
// the option types are defined by each backend package.
func WithBackendOptions(opts ...any) DeviceOption {
	return func(o *deviceOptions) {
		o.backendOptions = append(o.backendOptions, opts...)
	}
}
