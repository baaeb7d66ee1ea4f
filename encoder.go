// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"fmt"
	"sync"
)

// EncoderState is the state of a command encoder.
type EncoderState int

const (
	// EncoderStateActive means the encoder is recording.
	EncoderStateActive EncoderState = iota

	// EncoderStateEnded means End has been called.
	EncoderStateEnded
)

// String returns the string representation of EncoderState.
func (s EncoderState) String() string {
	switch s {
	case EncoderStateActive:
		return "Active"
	case EncoderStateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// CommandEncoder is the lifecycle shared by the compute, render and
// ray-tracing encoders. The set of implementations is closed.
type CommandEncoder interface {
	// Kind returns the pipeline domain of the encoder.
	Kind() EncoderKind

	// End finalizes the encoder's commands. It is idempotent: calls after
	// the first return nil and record nothing.
	End() error

	// State returns Active or Ended.
	State() EncoderState

	encoder() *encoderBase
}

var (
	_ CommandEncoder = (*ComputeCommandEncoder)(nil)
	_ CommandEncoder = (*RenderCommandEncoder)(nil)
	_ CommandEncoder = (*RayTracingCommandEncoder)(nil)
)

// encoderBase carries the scope shared by all encoder kinds.
type encoderBase struct {
	// mu protects state and the bound state of the embedding encoder.
	mu sync.Mutex

	cb    *CommandBuffer
	kind  EncoderKind
	state EncoderState
}

func (e *encoderBase) init(cb *CommandBuffer, kind EncoderKind) {
	e.cb, e.kind, e.state = cb, kind, EncoderStateActive
}

func (e *encoderBase) encoder() *encoderBase { return e }

// Kind returns the pipeline domain of the encoder.
func (e *encoderBase) Kind() EncoderKind { return e.kind }

// CommandBuffer returns the buffer the encoder records into.
func (e *encoderBase) CommandBuffer() *CommandBuffer { return e.cb }

// State returns the current encoder state.
func (e *encoderBase) State() EncoderState {
	if e == nil {
		return EncoderStateEnded
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsEnded returns true if the encoder has been ended.
func (e *encoderBase) IsEnded() bool {
	return e.State() == EncoderStateEnded
}

// checkActive returns an error if the encoder has ended.
// The caller must hold e.mu.
func (e *encoderBase) checkActive() error {
	if e.state != EncoderStateActive {
		return ErrEncoderEnded
	}
	return nil
}

// recordLocked appends c to the command buffer. The caller must hold e.mu.
func (e *encoderBase) recordLocked(c Command) error {
	if err := e.checkActive(); err != nil {
		return fmt.Errorf("%v: %w", c.Type(), err)
	}
	return e.cb.appendEncoded(e, c)
}

// End finalizes the encoder and releases the command buffer for the next
// encoder. Calling End more than once is a no-op.
func (e *encoderBase) End() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EncoderStateEnded {
		return nil
	}
	e.state = EncoderStateEnded
	e.cb.endEncoder(e)
	return nil
}

// bindShaderObject snapshots so for recording and rejects bindings that
// reference resources of another device.
func (e *encoderBase) bindShaderObject(so *ShaderObject) (*ShaderObject, error) {
	if so == nil {
		return nil, nil
	}
	so = so.snapshot()
	for _, b := range so.Bindings() {
		var r Resource
		switch {
		case b.Buffer != nil:
			r = b.Buffer
		case b.View != nil:
			r = b.View.Resource()
		default:
			continue
		}
		if err := e.cb.checkResource(r); err != nil {
			return nil, fmt.Errorf("shader object %q slot %d: %w", so.Label(), b.Slot, err)
		}
	}
	return so, nil
}
