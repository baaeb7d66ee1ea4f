// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucmd

import (
	"slices"
	"strings"
	"testing"
)

func TestRegistry(t *testing.T) {
	const name = "registry-test"
	Register(name, func() Backend { return &mockBackend{name: name} })
	t.Cleanup(func() { Unregister(name) })

	if !IsRegistered(name) {
		t.Fatalf("IsRegistered(%q) = false", name)
	}
	if !slices.Contains(Backends(), name) {
		t.Errorf("Backends() = %v, missing %q", Backends(), name)
	}
	if !slices.IsSorted(Backends()) {
		t.Errorf("Backends() = %v, not sorted", Backends())
	}

	b, err := NewBackend(name)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	if b.Name() != name {
		t.Errorf("Name() = %q, want %q", b.Name(), name)
	}

	Unregister(name)
	if IsRegistered(name) {
		t.Errorf("IsRegistered(%q) = true after Unregister", name)
	}
	Unregister(name)
}

func TestNewBackendUnknown(t *testing.T) {
	_, err := NewBackend("no-such-backend")
	if err == nil || !strings.Contains(err.Error(), "forgotten import") {
		t.Errorf("NewBackend error = %v, want a hint about a missing import", err)
	}
	if _, err := Open("no-such-backend"); err == nil {
		t.Error("Open succeeded for an unknown backend")
	}
}

func TestRegisterPanics(t *testing.T) {
	const name = "registry-dup"
	Register(name, func() Backend { return &mockBackend{name: name} })
	t.Cleanup(func() { Unregister(name) })

	tests := []struct {
		name    string
		factory BackendFactory
	}{
		{"duplicate", func() Backend { return &mockBackend{} }},
		{"nil factory", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Register did not panic")
				}
			}()
			n := name
			if tt.factory == nil {
				n = "registry-nil"
			}
			Register(n, tt.factory)
		})
	}
}

func TestOpenRejectsOptionsForPlainBackend(t *testing.T) {
	const name = "registry-plain"
	m := &mockBackend{name: name}
	Register(name, func() Backend { return m })
	t.Cleanup(func() { Unregister(name) })

	if _, err := Open(name, WithBackendOptions("x")); err == nil {
		t.Fatal("Open accepted backend options for a backend without Configure")
	}
	if !m.closed {
		t.Error("backend was not closed after Open failed")
	}

	d, err := Open(name, WithLabel("plain"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if d.Backend() != Backend(m) {
		t.Error("Backend() returned a different backend")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
