package tasks_test

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/queue"
	"github.com/simonsobs/librarian/internal/scheduler"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/testutil"
	"github.com/simonsobs/librarian/internal/transfer"
)

func mustChecksum(data []byte) cos.Cksum {
	sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
	if err != nil {
		panic(err)
	}
	return sum
}

// harness bundles the fakes a task test drives directly (catalog,
// stores, peer) plus the RunContext tasks actually receive.
type harness struct {
	ctx context.Context
	cat *memory.Catalog
	reg *store.Registry
	peer *testutil.FakePeer
	rc  *scheduler.RunContext
}

func newHarness() *harness {
	ctx := context.Background()
	cat := memory.New()
	reg := store.NewRegistry()
	peer := testutil.NewFakePeer()
	xfer := transfer.New(cat, reg, peer, zerolog.Nop())
	rc := &scheduler.RunContext{
		Context: ctx, Catalog: cat, Stores: reg, Transfer: xfer,
		Queue: queue.New(cat), Peers: peer, Log: zerolog.Nop(),
	}
	return &harness{ctx: ctx, cat: cat, reg: reg, peer: peer, rc: rc}
}

func (h *harness) addStore(name string, capacity int64) *testutil.FakeStore {
	s := testutil.NewFakeStore(name, capacity)
	h.reg.Register(s)
	if err := h.cat.UpsertStore(h.ctx, catalog.Store{Name: name, Capacity: capacity, Enabled: true, Ingestable: true}); err != nil {
		panic(err)
	}
	return s
}

func (h *harness) seedFile(name, storeName string, data []byte, uploadedAt time.Time) catalog.File {
	sum := mustChecksum(data)
	f := catalog.File{Name: name, Origin: "A", Size: int64(len(data)), Checksum: sum, UploadedAt: uploadedAt}
	path := storeName + "/" + name
	mgr, _ := h.reg.Get(storeName)
	mgr.(*testutil.FakeStore).Put(path, data)
	if err := h.cat.CreateFile(h.ctx, f, &catalog.Instance{
		FileName: name, Origin: "A", Store: storeName, Path: path,
		CreatedAt: uploadedAt, Available: true, Deletion: catalog.DeletionAllowed,
	}); err != nil {
		panic(err)
	}
	return f
}
