package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/queue"
)

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	q := queue.New(cat)
	itemID, err := q.Enqueue(ctx, outID, 0)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, itemID, claimed[0].ID)
	assert.Equal(t, q.ClaimID(), *claimed[0].ClaimedBy)

	require.NoError(t, q.Complete(ctx, itemID, catalog.QueueDone))
	item, err := cat.GetQueueItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, catalog.QueueDone, item.Status)
}

func TestQueue_Claim_DefaultsTTLWhenNonPositive(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	q := queue.New(cat)
	itemID, err := q.Enqueue(ctx, outID, 0)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].ClaimDeadline.After(time.Now()), "a non-positive ttl must fall back to DefaultClaimTTL, not an already-expired claim")

	_ = itemID
}

func TestQueue_ReapExpired(t *testing.T) {
	ctx := context.Background()
	cat := memory.New()
	outID, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusInitiated, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	q := queue.New(cat)
	_, err = q.Enqueue(ctx, outID, 0)
	require.NoError(t, err)

	// Queue.Claim replaces a non-positive ttl with DefaultClaimTTL, so
	// the already-expired claim is taken through the catalog directly.
	_, err = cat.ClaimQueueItems(ctx, 10, q.ClaimID(), -time.Second)
	require.NoError(t, err)

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_DistinctClaimantsHaveDistinctIDs(t *testing.T) {
	cat := memory.New()
	q1 := queue.New(cat)
	q2 := queue.New(cat)
	assert.NotEqual(t, q1.ClaimID(), q2.ClaimID())
}
