package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/tasks"
)

func TestCheckIntegrity_HealthyFileStaysAvailable(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	h.seedFile("f1", "s1", []byte("bytes"), time.Now().Add(-time.Hour))

	task := tasks.CheckIntegrity{}
	res := task.Run(h.rc, config.TaskOptions{StoreName: "s1"})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	instances, err := h.cat.ListInstances(h.ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	assert.True(t, instances[0].Available)
}

// seed scenario 4: bitrot on disk is detected, the instance is marked
// unavailable, and a pending CorruptFile row is recorded.
func TestCheckIntegrity_DetectsCorruptionAndRecordsIt(t *testing.T) {
	h := newHarness()
	s1 := h.addStore("s1", 1<<20)
	h.seedFile("f1", "s1", []byte("bytes"), time.Now().Add(-time.Hour))
	s1.Tamper("s1/f1", []byte("bitrot!"))

	task := tasks.CheckIntegrity{}
	res := task.Run(h.rc, config.TaskOptions{StoreName: "s1"})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	instances, err := h.cat.ListInstances(h.ctx, catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	assert.False(t, instances[0].Available)

	pending, err := h.cat.ListPendingCorruptFiles(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "f1", pending[0].FileName)
	assert.Equal(t, catalog.DetectorIntegrityCheck, pending[0].Detector)
}
