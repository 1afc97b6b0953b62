package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
)

func newFile(name string) catalog.File {
	return catalog.File{
		Name: name, Origin: "A", Size: 10,
		Checksum:   cos.Cksum{Kind: cos.KindMD5, Value: "abc"},
		UploadedAt: time.Now().Add(-time.Hour),
	}
}

func TestCreateFile_RejectsChecksumMismatch(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	require.NoError(t, c.CreateFile(ctx, newFile("f1"), nil))

	conflicting := newFile("f1")
	conflicting.Checksum = cos.Cksum{Kind: cos.KindMD5, Value: "different"}
	err := c.CreateFile(ctx, conflicting, nil)
	require.Error(t, err)
	assert.True(t, cmn.Is(err, cmn.KindConflict))
}

func TestCreateFile_IdempotentOnMatchingChecksum(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	f := newFile("f1")
	require.NoError(t, c.CreateFile(ctx, f, nil))
	require.NoError(t, c.CreateFile(ctx, f, nil))

	got, err := c.GetFile(ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	assert.Equal(t, f.Checksum, got.Checksum)
}

func TestRegisterRemoteInstance_RefusesChangedChecksum(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	key := catalog.FileKey{Name: "f1", Origin: "A"}

	require.NoError(t, c.RegisterRemoteInstance(ctx, catalog.RemoteInstance{
		FileName: "f1", Origin: "A", Librarian: "B",
		CopyTime: time.Now(), LastVerifiedAt: time.Now(),
		VerifiedChecksum: cos.Cksum{Kind: cos.KindMD5, Value: "abc"},
	}))

	err := c.RegisterRemoteInstance(ctx, catalog.RemoteInstance{
		FileName: "f1", Origin: "A", Librarian: "B",
		CopyTime: time.Now(), LastVerifiedAt: time.Now(),
		VerifiedChecksum: cos.Cksum{Kind: cos.KindMD5, Value: "tampered"},
	})
	require.Error(t, err)
	assert.True(t, cmn.Is(err, cmn.KindRemoteCorrupt))

	ris, err := c.ListRemoteInstances(ctx, key)
	require.NoError(t, err)
	require.Len(t, ris, 1)
	assert.Equal(t, "abc", ris[0].VerifiedChecksum.Value, "the refused write must not have clobbered the existing row")
}

func TestTransitionOutgoing_CompareAndSet(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	id, err := c.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	err = c.TransitionOutgoing(ctx, id, catalog.StatusOngoing, catalog.StatusStaged, catalog.OutgoingUpdates{})
	require.Error(t, err, "transitioning from the wrong `from` state must fail")
	assert.True(t, cmn.Is(err, cmn.KindStaleState))

	require.NoError(t, c.TransitionOutgoing(ctx, id, catalog.StatusInitiated, catalog.StatusOngoing, catalog.OutgoingUpdates{}))

	// A second caller racing on the same compare-and-set loses.
	err = c.TransitionOutgoing(ctx, id, catalog.StatusInitiated, catalog.StatusOngoing, catalog.OutgoingUpdates{})
	require.Error(t, err)
	assert.True(t, cmn.Is(err, cmn.KindStaleState))

	got, err := c.GetOutgoingTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOngoing, got.Status)
}

func TestClaimQueueItems_NoDoubleClaim(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	outID, err := c.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = c.EnqueueSendItem(ctx, outID, 0)
	require.NoError(t, err)

	first, err := c.ClaimQueueItems(ctx, 10, "claimant-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.ClaimQueueItems(ctx, 10, "claimant-2", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "an already-CLAIMED item must not be handed to a second claimant")
}

func TestRevertExpiredClaims(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	outID, err := c.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	itemID, err := c.EnqueueSendItem(ctx, outID, 0)
	require.NoError(t, err)

	_, err = c.ClaimQueueItems(ctx, 10, "claimant-1", -time.Second) // already-expired TTL
	require.NoError(t, err)

	n, err := c.RevertExpiredClaims(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := c.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueuePending, item.Status)
	assert.Nil(t, item.ClaimedBy)

	// The reverted item is claimable again.
	reclaimed, err := c.ClaimQueueItems(ctx, 10, "claimant-2", time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
}

func TestAdjustStoreUsed_RejectsOverCapacity(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	require.NoError(t, c.UpsertStore(ctx, catalog.Store{Name: "s1", Capacity: 100, Enabled: true}))

	require.NoError(t, c.AdjustStoreUsed(ctx, "s1", 60))
	err := c.AdjustStoreUsed(ctx, "s1", 60)
	require.Error(t, err)
	assert.True(t, cmn.Is(err, cmn.KindCapacityExceeded))

	s, err := c.GetStore(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 60, s.Used, "a rejected adjustment must not partially apply")
}

func TestFilesOnlyOnStore_OrderingAndLimit(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	base := time.Now().Add(-48 * time.Hour)
	for i, name := range []string{"c", "a", "b"} {
		f := catalog.File{Name: name, Origin: "A", Size: 1, UploadedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, c.CreateFile(ctx, f, &catalog.Instance{
			FileName: name, Origin: "A", Store: "s1", Path: "/x/" + name,
			CreatedAt: f.UploadedAt, Available: true, Deletion: catalog.DeletionAllowed,
		}))
	}
	// "c" was uploaded first but alphabetically last; ordering must be by UploadedAt, not name.
	files, err := c.FilesOnlyOnStore(ctx, "s1", time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "c", files[0].Name)
	assert.Equal(t, "a", files[1].Name)
}

func TestFilesOnlyOnStore_ExcludesMultiInstanceFiles(t *testing.T) {
	c := memory.New()
	ctx := context.Background()
	f := newFile("f1")
	require.NoError(t, c.CreateFile(ctx, f, &catalog.Instance{
		FileName: "f1", Origin: "A", Store: "s1", Path: "/x", CreatedAt: f.UploadedAt, Available: true,
	}))
	require.NoError(t, c.CreateInstance(ctx, catalog.Instance{
		FileName: "f1", Origin: "A", Store: "s2", Path: "/y", CreatedAt: f.UploadedAt, Available: true,
	}))

	files, err := c.FilesOnlyOnStore(ctx, "s1", time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, files, "a file with instances on two stores is no longer a create_local_clone candidate")
}
