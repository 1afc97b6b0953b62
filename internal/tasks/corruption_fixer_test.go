package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/tasks"
)

func TestCorruptionFixer_RepairsFromHealthyLocalCopy(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	h.addStore("s2", 1<<20)
	f := h.seedFile("f1", "s1", []byte("healthy bytes"), time.Now().Add(-time.Hour))
	require.NoError(t, h.cat.CreateInstance(h.ctx, catalog.Instance{
		FileName: f.Name, Origin: f.Origin, Store: "s2", Path: "s2/f1",
		CreatedAt: time.Now(), Available: false, Deletion: catalog.DeletionAllowed,
	}))
	require.NoError(t, h.cat.RecordCorruptFile(h.ctx, catalog.CorruptFile{
		FileName: f.Name, Origin: f.Origin, DetectedAt: time.Now(),
		Detector: catalog.DetectorIntegrityCheck, Remediation: catalog.RemediationPending,
	}))

	task := tasks.CorruptionFixer{}
	res := task.Run(h.rc, config.TaskOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	instances, err := h.cat.ListInstances(h.ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	for _, inst := range instances {
		assert.True(t, inst.Available, "store %q should be back to available after repair", inst.Store)
	}

	pending, err := h.cat.ListPendingCorruptFiles(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a repaired file must no longer be pending")
}

func TestCorruptionFixer_NotifiesWhenNoHealthyCopyExists(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	f := h.seedFile("f1", "s1", []byte("bytes"), time.Now().Add(-time.Hour))
	require.NoError(t, h.cat.SetInstanceAvailable(h.ctx, catalog.FileKey{Name: f.Name, Origin: f.Origin}, "s1", false))
	require.NoError(t, h.cat.RecordCorruptFile(h.ctx, catalog.CorruptFile{
		FileName: f.Name, Origin: f.Origin, DetectedAt: time.Now(),
		Detector: catalog.DetectorIntegrityCheck, Remediation: catalog.RemediationPending,
	}))

	sink := &recordingSink{}
	task := tasks.CorruptionFixer{Notify: sink}
	res := task.Run(h.rc, config.TaskOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ItemsProcessed)

	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.EventFileCorrupt, sink.events[0].Kind)

	pending, err := h.cat.ListPendingCorruptFiles(h.ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "must remain pending for a future visit, not be dropped")
}
