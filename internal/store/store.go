// Package store defines the Store Manager contract (§4.2): stage,
// write, commit, abort, open, checksum, delete, free_space, enabled.
// Every backend under this package's subdirectories implements
// Manager the same way regardless of where bytes ultimately land.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package store

import (
	"context"
	"io"

	"github.com/simonsobs/librarian/internal/cmn/cos"
)

// Handle is an opaque staging reservation returned by Stage. Backends
// embed whatever bookkeeping they need (fd, remote upload id, ...)
// behind the ID; callers never inspect it beyond passing it back to
// Write/Commit/Abort.
type Handle struct {
	ID   string
	Name string
	Size int64
}

// Manager is the Store Manager contract. commit is atomic with
// respect to readers (§4.2): a reader either sees the full file at
// its final path with the measured checksum, or nothing.
type Manager interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	FreeSpace(ctx context.Context) (int64, error)

	// Stage returns a handle for a write of the declared size; it must
	// be safe to Abort a staged handle without side effects on the
	// Catalog or on any previously committed file. Stage does not
	// reserve capacity: the posix backend only refuses a size larger
	// than the space free at the moment of the call.
	Stage(ctx context.Context, name string, size int64) (Handle, error)
	Write(ctx context.Context, h Handle, p []byte) (int, error)
	// Commit finalizes the staged bytes at a backend-chosen final path
	// and returns the measured checksum computed over what was
	// actually written, so callers can compare against a declared
	// checksum (§4.3 STAGED transition).
	Commit(ctx context.Context, h Handle, kind cos.Kind) (path string, measured cos.Cksum, err error)
	Abort(ctx context.Context, h Handle) error

	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error)
	// Delete is idempotent (§4.2).
	Delete(ctx context.Context, path string) error
}

// Registry looks up a configured Manager by store name, the only way
// tasks and the Transfer Manager reach a backend (§4.2, "addressable
// by name").
type Registry struct {
	managers map[string]Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: map[string]Manager{}}
}

func (r *Registry) Register(m Manager) {
	r.managers[m.Name()] = m
}

func (r *Registry) Get(name string) (Manager, bool) {
	m, ok := r.managers[name]
	return m, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.managers))
	for n := range r.managers {
		out = append(out, n)
	}
	return out
}
