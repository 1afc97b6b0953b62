// Package testutil holds fakes shared by unit tests across packages:
// an in-memory Store Manager and Peer RPC client, so task and
// transfer tests don't each reinvent a filesystem or an HTTP server.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

// FakeStore is an in-memory store.Manager. Staged bytes live in a
// separate map from committed ones so Abort leaves no trace, matching
// the real backends' contract (§4.2).
type FakeStore struct {
	mu       sync.Mutex
	name     string
	capacity int64
	used     int64
	enabled  bool

	staged    map[string]*bytes.Buffer
	declared  map[string]int64
	committed map[string][]byte

	// FailCommit, when non-nil, is returned by the next Commit call
	// instead of succeeding.
	FailCommit error
}

func NewFakeStore(name string, capacity int64) *FakeStore {
	return &FakeStore{
		name: name, capacity: capacity, enabled: true,
		staged: map[string]*bytes.Buffer{}, declared: map[string]int64{},
		committed: map[string][]byte{},
	}
}

func (f *FakeStore) Name() string { return f.name }

func (f *FakeStore) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *FakeStore) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *FakeStore) FreeSpace(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity - f.used, nil
}

func (f *FakeStore) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > f.capacity-f.used {
		return store.Handle{}, cmn.New(cmn.KindCapacityExceeded, "fake store %q: %d requested, %d free", f.name, size, f.capacity-f.used)
	}
	id := fmt.Sprintf("%s-%d", name, len(f.staged)+len(f.committed)+1)
	f.staged[id] = &bytes.Buffer{}
	f.declared[id] = size
	return store.Handle{ID: id, Name: name, Size: size}, nil
}

func (f *FakeStore) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.staged[h.ID]
	if !ok {
		return 0, cmn.New(cmn.KindIO, "fake store %q: unknown handle %q", f.name, h.ID)
	}
	return buf.Write(p)
}

func (f *FakeStore) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCommit != nil {
		err := f.FailCommit
		f.FailCommit = nil
		return "", cos.Cksum{}, err
	}
	buf, ok := f.staged[h.ID]
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "fake store %q: unknown handle %q", f.name, h.ID)
	}
	measured, _, err := cos.Compute(kind, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", cos.Cksum{}, err
	}
	path := f.name + "/" + h.Name
	f.committed[path] = buf.Bytes()
	f.used += int64(buf.Len())
	delete(f.staged, h.ID)
	delete(f.declared, h.ID)
	return path, measured, nil
}

func (f *FakeStore) Abort(ctx context.Context, h store.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staged, h.ID)
	delete(f.declared, h.ID)
	return nil
}

func (f *FakeStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.committed[path]
	if !ok {
		return nil, cmn.New(cmn.KindIO, "fake store %q: no file at %q", f.name, path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Checksum accepts either a committed file's final path or a still-
// staged handle's id, matching how incoming transfers checksum bytes
// before they've been committed (§4.3 STAGED transition).
func (f *FakeStore) Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error) {
	f.mu.Lock()
	data, ok := f.committed[path]
	if !ok {
		if buf, staged := f.staged[path]; staged {
			data, ok = buf.Bytes(), true
		}
	}
	f.mu.Unlock()
	if !ok {
		return cos.Cksum{}, cmn.New(cmn.KindIO, "fake store %q: no file at %q", f.name, path)
	}
	sum, _, err := cos.Compute(kind, bytes.NewReader(data))
	return sum, err
}

func (f *FakeStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.committed, path)
	return nil
}

// Tamper overwrites previously committed bytes in place, simulating
// on-disk bitrot for check_integrity tests.
func (f *FakeStore) Tamper(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[path] = data
}

// Put seeds a committed file directly, bypassing Stage/Write/Commit,
// for tests that only need an existing Instance to already be there.
func (f *FakeStore) Put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[path] = data
	f.used += int64(len(data))
}

var _ store.Manager = (*FakeStore)(nil)
