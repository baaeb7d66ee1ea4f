// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"context"
	"fmt"
	"sync"
)

// ExternalStream is a timeline owned by another compute runtime sharing the
// physical device. A queue made to wait on a stream starts no later work
// until Wait returns.
type ExternalStream interface {
	// Name identifies the stream in logs and errors.
	Name() string

	// Wait blocks until all work submitted to the stream so far completes.
	Wait(ctx context.Context) error
}

// DefaultStream is the runtime's default stream. It has no pending work of
// its own, so waiting on it completes immediately.
var DefaultStream ExternalStream = defaultStream{}

type defaultStream struct{}

func (defaultStream) Name() string                   { return "default" }
func (defaultStream) Wait(ctx context.Context) error { return ctx.Err() }

// HostStream is an ExternalStream completed from Go code. It stands in for
// foreign runtimes in tests and lets host work gate GPU submissions.
type HostStream struct {
	name string

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// NewHostStream creates an incomplete stream.
func NewHostStream(name string) *HostStream {
	return &HostStream{name: name, done: make(chan struct{})}
}

// Name returns the stream name.
func (s *HostStream) Name() string { return s.name }

// Complete marks the stream's work done. err, if non-nil, is reported to
// every waiter. Calls after the first are ignored.
func (s *HostStream) Complete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

// Wait blocks until Complete is called or ctx is done.
func (s *HostStream) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return fmt.Errorf("stream %q: %w", s.name, s.err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream %q: %w", s.name, ctx.Err())
	}
}
