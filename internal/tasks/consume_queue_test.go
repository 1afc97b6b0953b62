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

func TestConsumeQueue_LeavesNonTerminalTransferClaimed(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	f := h.seedFile("f1", "s1", []byte("payload bytes"), time.Now())

	outID, err := h.cat.CreateOutgoingTransfer(h.ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(), Transport: catalog.TransportNetwork,
	})
	require.NoError(t, err)
	qid, err := h.rc.Queue.Enqueue(h.ctx, outID, 0)
	require.NoError(t, err)

	task := tasks.ConsumeQueue{}
	res := task.Run(h.rc, config.TaskOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	got, err := h.cat.GetOutgoingTransfer(h.ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOngoing, got.Status, "first drive only reaches ONGOING; the item stays claimed for the next tick")

	items, err := h.rc.Queue.Claim(h.ctx, 16, 0)
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, qid, it.ID, "a non-terminal item must not be re-claimable until its TTL expires")
	}
}

func TestConsumeQueue_CompletesTransferReachingTerminalState(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	f := h.seedFile("f1", "s1", []byte("payload bytes"), time.Now())
	h.peer.AutoStage = true

	outID, err := h.cat.CreateOutgoingTransfer(h.ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(), Transport: catalog.TransportNetwork,
	})
	require.NoError(t, err)
	qid, err := h.rc.Queue.Enqueue(h.ctx, outID, 0)
	require.NoError(t, err)

	task := tasks.ConsumeQueue{}
	res := task.Run(h.rc, config.TaskOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	got, err := h.cat.GetOutgoingTransfer(h.ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, got.Status)

	items, err := h.rc.Queue.Claim(h.ctx, 16, 0)
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, qid, it.ID, "a completed item must not still be claimable")
	}
}

func TestConsumeQueue_FailsTransferOnPeerRejection(t *testing.T) {
	h := newHarness()
	h.addStore("s1", 1<<20)
	f := h.seedFile("f1", "s1", []byte("payload bytes"), time.Now())
	h.peer.AutoStage = true
	h.peer.RejectCommit = true

	outID, err := h.cat.CreateOutgoingTransfer(h.ctx, catalog.OutgoingTransfer{
		FileName: f.Name, Origin: f.Origin, Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(), Transport: catalog.TransportNetwork,
	})
	require.NoError(t, err)
	_, err = h.rc.Queue.Enqueue(h.ctx, outID, 0)
	require.NoError(t, err)

	task := tasks.ConsumeQueue{}
	res := task.Run(h.rc, config.TaskOptions{})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.ItemsProcessed)

	got, err := h.cat.GetOutgoingTransfer(h.ctx, outID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, got.Status)
}
