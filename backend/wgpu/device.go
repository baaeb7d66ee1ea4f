// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpucmd"
)

// GPUInfo contains information about the selected GPU.
type GPUInfo struct {
	// Name is the GPU name (e.g., "NVIDIA GeForce RTX 3080").
	Name string
	// Vendor is the GPU vendor.
	Vendor string
	// DeviceType is the type of GPU (discrete, integrated, etc.).
	DeviceType gputypes.DeviceType
	// Backend is the graphics API in use (Vulkan, Metal, DX12).
	Backend gputypes.Backend
	// Driver is the driver version string.
	Driver string
}

// String returns a human-readable description of the GPU.
func (g GPUInfo) String() string {
	return fmt.Sprintf("%s (%s, %s)", g.Name, g.DeviceType, g.Backend)
}

func infoFromAdapter(info gputypes.AdapterInfo) GPUInfo {
	return GPUInfo{
		Name:       info.Name,
		Vendor:     info.Vendor,
		DeviceType: info.DeviceType,
		Backend:    info.Backend,
		Driver:     info.Driver,
	}
}

func infoFromProvider(info gpucontext.AdapterInfo) GPUInfo {
	g := GPUInfo{Name: info.Name, DeviceType: gputypes.DeviceTypeOther}
	switch info.Type {
	case gpucontext.AdapterTypeDiscrete:
		g.DeviceType = gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		g.DeviceType = gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		g.DeviceType = gputypes.DeviceTypeCPU
	}
	return g
}

// halProvider is implemented by device providers that share their hal
// objects, such as a gogpu application.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// providerDevice extracts the hal device and queue of a provider.
func providerDevice(p gpucontext.DeviceProvider) (hal.Device, hal.Queue, error) {
	hp, ok := p.(halProvider)
	if !ok {
		return nil, nil, fmt.Errorf("%w: device provider %T does not expose HAL types", gpucmd.ErrUnsupported, p)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", gpucmd.ErrInvalidArgument)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", gpucmd.ErrInvalidArgument)
	}
	return device, queue, nil
}

// selectAPI picks a registered hal backend. Real graphics APIs are
// preferred over the noop backend.
func selectAPI() (hal.Backend, error) {
	variants := hal.AvailableBackends()
	slices.Sort(variants)
	for _, v := range variants {
		if v == gputypes.BackendEmpty && len(variants) > 1 {
			continue
		}
		if api, ok := hal.GetBackend(v); ok {
			return api, nil
		}
	}
	return nil, fmt.Errorf("%w: no hal backend registered (forgotten import of github.com/gogpu/wgpu/hal/allbackends?)",
		gpucmd.ErrUnsupported)
}

// selectAdapter prefers a discrete GPU and falls back to the first adapter.
func selectAdapter(adapters []hal.ExposedAdapter) (hal.ExposedAdapter, bool) {
	if len(adapters) == 0 {
		return hal.ExposedAdapter{}, false
	}
	for _, a := range adapters {
		if a.Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			return a, true
		}
	}
	return adapters[0], true
}

// ownedDevice is a device opened by the backend itself.
type ownedDevice struct {
	instance hal.Instance
	adapter  hal.Adapter
	open     hal.OpenDevice
	info     GPUInfo
}

// openDevice creates an instance on api and opens its preferred adapter.
func openDevice(api hal.Backend) (*ownedDevice, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("create %v instance: %w", api.Variant(), err)
	}
	exposed, ok := selectAdapter(instance.EnumerateAdapters(nil))
	if !ok {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no %v adapter found", gpucmd.ErrUnsupported, api.Variant())
	}
	open, err := exposed.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open %q: %w", exposed.Info.Name, deviceError(err))
	}
	info := infoFromAdapter(exposed.Info)
	if info.Backend == gputypes.BackendEmpty {
		info.Backend = api.Variant()
	}
	return &ownedDevice{instance: instance, adapter: exposed.Adapter, open: open, info: info}, nil
}

func (d *ownedDevice) release() {
	d.open.Device.Destroy()
	d.adapter.Destroy()
	d.instance.Destroy()
}

// deviceError maps hal device failures onto the gpucmd error categories.
func deviceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%w: %w", gpucmd.ErrDeviceLost, err)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", gpucmd.ErrOutOfMemory, err)
	default:
		return err
	}
}
