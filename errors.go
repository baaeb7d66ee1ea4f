// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"errors"
	"fmt"
)

// State-sequencing errors. All of them wrap ErrInvalidState so callers can
// test for the whole category with errors.Is.
var (
	// ErrInvalidState is returned when an operation is issued against an
	// object that is not in a state that permits it.
	ErrInvalidState = errors.New("gpucmd: invalid state")

	// ErrBufferClosed is returned when recording into a closed command buffer.
	ErrBufferClosed = fmt.Errorf("%w: command buffer is closed", ErrInvalidState)

	// ErrBufferNotClosed is returned when submitting a buffer that is still open.
	ErrBufferNotClosed = fmt.Errorf("%w: command buffer is not closed", ErrInvalidState)

	// ErrBufferSubmitted is returned when a buffer is submitted a second time.
	ErrBufferSubmitted = fmt.Errorf("%w: command buffer was already submitted", ErrInvalidState)

	// ErrBufferDiscarded is returned for buffers invalidated by a device error.
	ErrBufferDiscarded = fmt.Errorf("%w: command buffer was discarded", ErrInvalidState)

	// ErrEncoderActive is returned when an encoder is opened, or the buffer
	// closed, while another encoder is still active.
	ErrEncoderActive = fmt.Errorf("%w: an encoder is already active", ErrInvalidState)

	// ErrEncoderEnded is returned when an encoder method is called after End.
	ErrEncoderEnded = fmt.Errorf("%w: encoder has ended", ErrInvalidState)

	// ErrNoPipeline is returned for draws and dispatches issued before a
	// pipeline was bound.
	ErrNoPipeline = fmt.Errorf("%w: no pipeline bound", ErrInvalidState)

	// ErrNoIndexBuffer is returned for indexed draws without an index buffer.
	ErrNoIndexBuffer = fmt.Errorf("%w: no index buffer bound", ErrInvalidState)

	// ErrQueueClosed is returned when submitting to a closed queue.
	ErrQueueClosed = fmt.Errorf("%w: queue is closed", ErrInvalidState)
)

// Argument errors. These are reported immediately at record time.
var (
	// ErrInvalidArgument is returned for malformed parameters.
	ErrInvalidArgument = errors.New("gpucmd: invalid argument")

	// ErrNilResource is returned when a required handle is nil.
	ErrNilResource = fmt.Errorf("%w: resource is nil", ErrInvalidArgument)

	// ErrInvalidTransition is returned when a state transition is not in the
	// transition table for the resource kind.
	ErrInvalidTransition = fmt.Errorf("%w: illegal resource state transition", ErrInvalidArgument)

	// ErrInvalidUsage is returned when a resource was not created with the
	// usage required by the requested state or operation.
	ErrInvalidUsage = fmt.Errorf("%w: resource usage does not permit operation", ErrInvalidArgument)

	// ErrFormatMismatch is returned when a clear overload does not match the
	// aspect of the target (color versus depth-stencil).
	ErrFormatMismatch = fmt.Errorf("%w: format does not match operation", ErrInvalidArgument)

	// ErrOutOfBounds is returned for copy or query ranges outside a resource.
	ErrOutOfBounds = fmt.Errorf("%w: range out of bounds", ErrInvalidArgument)

	// ErrFenceValue is returned when a fence would move backwards.
	ErrFenceValue = fmt.Errorf("%w: fence value is not monotonic", ErrInvalidArgument)

	// ErrForeignObject is returned when an object from another device is used.
	ErrForeignObject = fmt.Errorf("%w: object belongs to another device", ErrInvalidArgument)
)

// Resource hazard and device errors.
var (
	// ErrResourceHazard is returned by submission validation when an
	// operation uses a resource in an incompatible state.
	ErrResourceHazard = errors.New("gpucmd: resource hazard")

	// ErrDeviceLost is the fatal device error. Buffers in flight when it is
	// raised are discarded.
	ErrDeviceLost = errors.New("gpucmd: device lost")

	// ErrOutOfMemory is returned when a backend fails to allocate.
	ErrOutOfMemory = errors.New("gpucmd: out of memory")

	// ErrUnsupported is returned when a backend cannot execute a command.
	ErrUnsupported = errors.New("gpucmd: operation not supported by backend")
)

// HazardError describes a resource used in an incompatible state.
type HazardError struct {
	// Resource is the label of the offending resource or view.
	Resource string

	// Command is the index of the command in its batch.
	Command int

	// Op names the operation, e.g. "CopyResource(src)".
	Op string

	// Want lists the states the operation accepts.
	Want []ResourceState

	// Got is the tracked state at that point in the batch.
	Got ResourceState
}

func (e *HazardError) Error() string {
	return fmt.Sprintf("gpucmd: resource hazard: command %d %s uses %q in state %v, want one of %v",
		e.Command, e.Op, e.Resource, e.Got, e.Want)
}

// Unwrap makes errors.Is(err, ErrResourceHazard) hold.
func (e *HazardError) Unwrap() error { return ErrResourceHazard }

// IsFatal reports whether err belongs to the device error category.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrOutOfMemory)
}
