package tasks

import (
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// OutgoingTransferHypervisor mirrors IncomingTransferHypervisor on the
// sending side (§4.4: "mirror semantics on outbound"): transfers stuck
// past age_in_days are asked for the destination's view, and either
// nudged forward or failed.
type OutgoingTransferHypervisor struct{}

func (OutgoingTransferHypervisor) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	age := opts.AgeInDaysOr(1)
	cutoff := time.Now().AddDate(0, 0, -age)

	stale, err := rc.Catalog.ListStaleOutgoing(rc, cutoff)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, t := range stale {
		if rc.PastDeadline() {
			break
		}
		reconcileOutgoing(rc, t)
		processed++
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

func reconcileOutgoing(rc *scheduler.RunContext, t catalog.OutgoingTransfer) {
	if t.RemoteTransferID == nil {
		// never got far enough to have a peer-side id; let consume_queue
		// pick it back up rather than guessing at remote state.
		return
	}
	remoteStatus, err := rc.Peers.Status(rc, t.Destination, *t.RemoteTransferID)
	if err != nil {
		// This transfer already aged past the hypervisor threshold; a
		// destination that still can't answer gets the transfer failed
		// rather than parked forever. send_clone will re-offer the file
		// once the peer returns.
		if cmn.Is(err, cmn.KindUnreachable) {
			if terr := rc.Catalog.TransitionOutgoing(rc, t.ID, t.Status, catalog.StatusFailed, catalog.OutgoingUpdates{}); terr != nil {
				rc.Log.Warn().Err(terr).Int64("transfer_id", t.ID).Msg("outgoing_transfer_hypervisor: transition to FAILED lost a race")
			}
			return
		}
		rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("outgoing_transfer_hypervisor: destination status RPC failed")
		return
	}

	if remoteStatus == peerrpc.RemoteFailed {
		if err := rc.Catalog.TransitionOutgoing(rc, t.ID, t.Status, catalog.StatusFailed, catalog.OutgoingUpdates{}); err != nil {
			rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("outgoing_transfer_hypervisor: transition to FAILED lost a race")
		}
		return
	}

	// Peer still sees it staging or staged: give the state machine
	// another chance to make progress now that we know it isn't dead.
	if _, err := rc.Transfer.DriveOutgoing(rc, t.ID); err != nil {
		rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("outgoing_transfer_hypervisor: drive retry failed")
	}
}
