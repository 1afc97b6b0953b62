package tasks

import (
	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/scheduler"
)

const consumeQueueBatchSize = 16

// ConsumeQueue claims queue items and drives each outgoing transfer
// to a terminal state, marking the queue item DONE or FAILED (§4.4
// consume_queue).
type ConsumeQueue struct{}

func (ConsumeQueue) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	items, err := rc.Queue.Claim(rc, consumeQueueBatchSize, 0)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, item := range items {
		if rc.PastDeadline() {
			break
		}
		status, err := rc.Transfer.DriveOutgoing(rc, item.OutgoingTransferID)
		processed++
		switch {
		case err != nil:
			rc.Log.Warn().Err(err).Int64("queue_item", item.ID).Msg("consume_queue: drive failed, leaving claimed for retry")
			continue
		case status.Terminal():
			done := catalog.QueueDone
			if status == catalog.StatusFailed || status == catalog.StatusCancelled {
				done = catalog.QueueFailed
			}
			if err := rc.Queue.Complete(rc, item.ID, done); err != nil {
				rc.Log.Error().Err(err).Int64("queue_item", item.ID).Msg("consume_queue: completion write failed")
			}
		default:
			// not yet terminal; the claim TTL gives another consumer (or
			// this one, next tick) a chance to keep driving it.
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}
