package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/tasks"
)

func mustParseDuration(t *testing.T, s string) cmn.Duration {
	t.Helper()
	d, err := cmn.ParseDuration(s)
	require.NoError(t, err)
	return cmn.Duration(d)
}

func TestSendClone_EnqueuesOutgoingTransferForFileLackingRemote(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	h.seedFile("f1", "s1", []byte("bytes"), time.Now().Add(-time.Hour))
	require.NoError(t, h.cat.UpsertLibrarian(h.ctx, catalog.Librarian{Name: "B", BaseURL: "https://b.example"}))

	task := tasks.SendClone{}
	res := task.Run(h.rc, config.TaskOptions{DestinationLibrarian: "B", SendBatchSize: 10})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)
}

func TestSendClone_SkipsFileAlreadyHavingRemoteInstance(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	f := h.seedFile("f1", "s1", []byte("bytes"), time.Now().Add(-time.Hour))
	require.NoError(t, h.cat.UpsertLibrarian(h.ctx, catalog.Librarian{Name: "B", BaseURL: "https://b.example"}))
	require.NoError(t, h.cat.RegisterRemoteInstance(h.ctx, catalog.RemoteInstance{
		FileName: f.Name, Origin: f.Origin, Librarian: "B",
		CopyTime: time.Now(), LastVerifiedAt: time.Now(), VerifiedChecksum: f.Checksum,
	}))

	task := tasks.SendClone{}
	res := task.Run(h.rc, config.TaskOptions{DestinationLibrarian: "B", SendBatchSize: 10})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ItemsProcessed)
}

func TestSendClone_NotifiesWhenDestinationDisabledPastWarnTimer(t *testing.T) {
	h := newHarness()
	disabledAt := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.cat.UpsertLibrarian(h.ctx, catalog.Librarian{Name: "B", BaseURL: "https://b.example", DisabledAt: &disabledAt}))

	sink := &recordingSink{}
	task := tasks.SendClone{Notify: sink}
	res := task.Run(h.rc, config.TaskOptions{DestinationLibrarian: "B", SendBatchSize: 10, WarnDisabledTimer: mustParseDuration(t, "1h")})
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ItemsProcessed)

	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.EventPeerDisabled, sink.events[0].Kind)
}
