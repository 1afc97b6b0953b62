// Package queue layers claim/TTL bookkeeping on top of the Catalog's
// queue primitives (§4.5). It owns the claimant identity for the
// running process; the Catalog owns the durable state.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package queue

import (
	"context"
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
)

const DefaultClaimTTL = 5 * time.Minute

type Queue struct {
	cat     catalog.Catalog
	claimID string
}

func New(cat catalog.Catalog) *Queue {
	return &Queue{cat: cat, claimID: cmn.NewClaimID()}
}

func (q *Queue) Enqueue(ctx context.Context, outgoingID int64, priority int) (int64, error) {
	return q.cat.EnqueueSendItem(ctx, outgoingID, priority)
}

// Claim obtains up to limit PENDING items under this process's
// claimant id. Contending claimants never observe the same item
// (§5): the Catalog's claim is atomic.
func (q *Queue) Claim(ctx context.Context, limit int, ttl time.Duration) ([]catalog.SendQueueItem, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return q.cat.ClaimQueueItems(ctx, limit, q.claimID, ttl)
}

func (q *Queue) Complete(ctx context.Context, id int64, status catalog.QueueItemStatus) error {
	return q.cat.CompleteQueueItem(ctx, id, status)
}

// ReapExpired reverts orphaned claims (holder crashed mid-TTL) back to
// PENDING; this is what check_consumed_queue calls (§4.4).
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	return q.cat.RevertExpiredClaims(ctx, time.Now())
}

func (q *Queue) ClaimID() string { return q.claimID }
