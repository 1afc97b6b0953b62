package transfer_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/testutil"
	"github.com/simonsobs/librarian/internal/transfer"
)

func setup(t *testing.T) (context.Context, *memory.Catalog, *store.Registry, *testutil.FakeStore, *testutil.FakePeer, *transfer.Manager) {
	t.Helper()
	ctx := context.Background()
	cat := memory.New()
	src := testutil.NewFakeStore("s1", 1<<20)
	reg := store.NewRegistry()
	reg.Register(src)
	peer := testutil.NewFakePeer()
	mgr := transfer.New(cat, reg, peer, zerolog.Nop())
	return ctx, cat, reg, src, peer, mgr
}

func seedFile(t *testing.T, ctx context.Context, cat *memory.Catalog, src *testutil.FakeStore, name string, data []byte) catalog.File {
	t.Helper()
	sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
	require.NoError(t, err)
	f := catalog.File{Name: name, Origin: "A", Size: int64(len(data)), Checksum: sum, UploadedAt: time.Now()}
	path := "s1/" + name
	src.Put(path, data)
	require.NoError(t, cat.CreateFile(ctx, f, &catalog.Instance{
		FileName: name, Origin: "A", Store: "s1", Path: path,
		CreatedAt: time.Now(), Available: true, Deletion: catalog.DeletionAllowed,
	}))
	return f
}

func TestDriveOutgoing_HappyPath(t *testing.T) {
	ctx, cat, _, src, peer, mgr := setup(t)
	f := seedFile(t, ctx, cat, src, "f1", []byte("payload bytes"))

	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(), Transport: catalog.TransportNetwork,
	})
	require.NoError(t, err)

	status, err := mgr.DriveOutgoing(ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOngoing, status, "prepare+send advances to ONGOING; staged_transfer hasn't been told yet")

	got, err := cat.GetOutgoingTransfer(ctx, outID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteTransferID)
	peer.MarkStaged(*got.RemoteTransferID)

	status, err = mgr.DriveOutgoing(ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, status)

	ris, err := cat.ListRemoteInstances(ctx, catalog.FileKey{Name: f.Name, Origin: f.Origin})
	require.NoError(t, err)
	require.Len(t, ris, 1)
	assert.True(t, ris[0].VerifiedChecksum.Equal(f.Checksum), "checksum round-trip: destination's verified checksum must equal the source file's checksum")
}

func TestDriveOutgoing_PeerUnreachable_LeavesStateForHypervisor(t *testing.T) {
	ctx, cat, _, src, peer, mgr := setup(t)
	f := seedFile(t, ctx, cat, src, "f1", []byte("payload"))
	peer.Unreachable = true

	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	status, err := mgr.DriveOutgoing(ctx, outID)
	require.Error(t, err, "an unreachable peer must surface a retriable error rather than silently failing the transfer")
	assert.Equal(t, catalog.StatusInitiated, status, "state must not advance past the failed RPC")

	got, err := cat.GetOutgoingTransfer(ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusInitiated, got.Status)
}

func TestDriveOutgoing_PeerCommitFails_MarksFailed(t *testing.T) {
	ctx, cat, _, src, peer, mgr := setup(t)
	f := seedFile(t, ctx, cat, src, "f1", []byte("payload"))
	peer.RejectCommit = true

	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = mgr.DriveOutgoing(ctx, outID)
	require.NoError(t, err)
	got, err := cat.GetOutgoingTransfer(ctx, outID)
	require.NoError(t, err)
	require.NotNil(t, got.RemoteTransferID)
	peer.MarkStaged(*got.RemoteTransferID)

	status, err := mgr.DriveOutgoing(ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, status)

	ris, err := cat.ListRemoteInstances(ctx, catalog.FileKey{Name: f.Name, Origin: f.Origin})
	require.NoError(t, err)
	assert.Empty(t, ris, "a rejected commit must never register a RemoteInstance")
}

func TestDriveIncoming_HappyPath(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	dest := testutil.NewFakeStore("s2", 1<<20)
	reg := store.NewRegistry()
	reg.Register(dest)
	peer := testutil.NewFakePeer()
	mgr := transfer.New(cat, reg, peer, zerolog.Nop())

	data := []byte("incoming payload")
	sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
	require.NoError(t, err)

	destName := "s2"
	handle, err := dest.Stage(ctx, "f1", int64(len(data)))
	require.NoError(t, err)
	_, err = dest.Write(ctx, handle, data)
	require.NoError(t, err)

	id, err := cat.CreateIncomingTransfer(ctx, catalog.IncomingTransfer{
		FileName: "f1", Origin: "A", SourceLibrarian: "A", DestStore: &destName,
		StagingPath: handle.ID, Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	declared := peerrpc.FileMeta{Name: "f1", Origin: "A", Size: int64(len(data)), Checksum: sum}
	status, err := mgr.DriveIncoming(ctx, id, int64(len(data)), declared)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCommitted, status)

	f, err := cat.GetFile(ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	assert.True(t, f.Checksum.Equal(sum))

	instances, err := cat.ListInstances(ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.True(t, instances[0].Available)
}

func TestDriveIncoming_ChecksumMismatch_Fails(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	dest := testutil.NewFakeStore("s2", 1<<20)
	reg := store.NewRegistry()
	reg.Register(dest)
	peer := testutil.NewFakePeer()
	mgr := transfer.New(cat, reg, peer, zerolog.Nop())

	data := []byte("tampered in flight")
	destName := "s2"
	handle, err := dest.Stage(ctx, "f1", int64(len(data)))
	require.NoError(t, err)
	_, err = dest.Write(ctx, handle, data)
	require.NoError(t, err)

	id, err := cat.CreateIncomingTransfer(ctx, catalog.IncomingTransfer{
		FileName: "f1", Origin: "A", SourceLibrarian: "A", DestStore: &destName,
		StagingPath: handle.ID, Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	wrongSum := cos.Cksum{Kind: cos.KindMD5, Value: "0000000000000000000000000000000"}
	declared := peerrpc.FileMeta{Name: "f1", Origin: "A", Size: int64(len(data)), Checksum: wrongSum}

	status, err := mgr.DriveIncoming(ctx, id, int64(len(data)), declared)
	require.Error(t, err)
	assert.Equal(t, catalog.StatusFailed, status)

	_, err = cat.GetFile(ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	assert.Error(t, err, "a checksum-mismatched incoming transfer must never promote to a File row")
}
