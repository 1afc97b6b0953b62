package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/tasks"
)

// seed scenario 5: an incoming transfer stalled in STAGED is resolved
// once the hypervisor learns the origin already sees it staged too.
func TestIncomingTransferHypervisor_LateCommitsWhenOriginConfirmsStaged(t *testing.T) {
	h := newHarness()
	dest := h.addStore("s1", 1<<20)
	data := []byte("payload bytes")
	sum := mustChecksum(data)
	require.NoError(t, h.cat.CreateFile(h.ctx, catalog.File{
		Name: "f1", Origin: "A", Size: int64(len(data)), Checksum: sum, UploadedAt: time.Now(),
	}, nil))

	handle, err := dest.Stage(h.ctx, "f1", int64(len(data)))
	require.NoError(t, err)
	_, err = dest.Write(h.ctx, handle, data)
	require.NoError(t, err)

	destName := "s1"
	old := time.Now().Add(-48 * time.Hour)
	id, err := h.cat.CreateIncomingTransfer(h.ctx, catalog.IncomingTransfer{
		FileName: "f1", Origin: "A", SourceLibrarian: "A", SourceTransferID: "remote-1",
		DestStore: &destName, StagingPath: handle.ID, Status: catalog.StatusStaged, CreatedAt: old,
	})
	require.NoError(t, err)
	h.peer.Statuses = map[string]peerrpc.RemoteStatus{"remote-1": peerrpc.RemoteStaged}

	task := tasks.IncomingTransferHypervisor{}
	res := task.Run(h.rc, config.TaskOptions{AgeInDays: intPtr(1)})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	got, err := h.cat.GetIncomingTransfer(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCommitted, got.Status)

	instances, err := h.cat.ListInstances(h.ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.True(t, instances[0].Available)
}

func TestIncomingTransferHypervisor_GCsWhenOriginReportsFailed(t *testing.T) {
	h := newHarness()
	dest := h.addStore("s1", 1<<20)
	handle, err := dest.Stage(h.ctx, "f1", 5)
	require.NoError(t, err)
	_, err = dest.Write(h.ctx, handle, []byte("abcde"))
	require.NoError(t, err)

	destName := "s1"
	old := time.Now().Add(-48 * time.Hour)
	id, err := h.cat.CreateIncomingTransfer(h.ctx, catalog.IncomingTransfer{
		FileName: "f1", Origin: "A", SourceLibrarian: "A", SourceTransferID: "remote-2",
		DestStore: &destName, StagingPath: handle.ID, Status: catalog.StatusStaged, CreatedAt: old,
	})
	require.NoError(t, err)
	h.peer.Statuses = map[string]peerrpc.RemoteStatus{"remote-2": peerrpc.RemoteFailed}

	task := tasks.IncomingTransferHypervisor{}
	res := task.Run(h.rc, config.TaskOptions{AgeInDays: intPtr(1)})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	got, err := h.cat.GetIncomingTransfer(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, got.Status)
}

func intPtr(n int) *int { return &n }
