package tasks

import (
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/scheduler"
	"github.com/simonsobs/librarian/internal/store"
)

// IncomingTransferHypervisor reconciles incoming transfers that have
// been stuck past age_in_days by asking the origin for its view of
// the transfer (§4.4 incoming_transfer_hypervisor).
type IncomingTransferHypervisor struct{}

func (IncomingTransferHypervisor) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	age := opts.AgeInDaysOr(1)
	cutoff := time.Now().AddDate(0, 0, -age)

	stale, err := rc.Catalog.ListStaleIncoming(rc, cutoff)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, t := range stale {
		if rc.PastDeadline() {
			break
		}
		reconcileIncoming(rc, t)
		processed++
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

func reconcileIncoming(rc *scheduler.RunContext, t catalog.IncomingTransfer) {
	remoteStatus, err := rc.Peers.Status(rc, t.SourceLibrarian, t.SourceTransferID)
	if err != nil {
		rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("incoming_transfer_hypervisor: origin status RPC failed")
		return
	}

	switch {
	case remoteStatus == peerrpc.RemoteFailed:
		gcIncoming(rc, t)
	case remoteStatus == peerrpc.RemoteStaged && t.Status == catalog.StatusStaged:
		attemptLateCommit(rc, t)
	default:
		gcIncoming(rc, t)
	}
}

func attemptLateCommit(rc *scheduler.RunContext, t catalog.IncomingTransfer) {
	if t.DestStore == nil {
		gcIncoming(rc, t)
		return
	}
	mgr, ok := rc.Stores.Get(*t.DestStore)
	if !ok {
		gcIncoming(rc, t)
		return
	}
	f, err := rc.Catalog.GetFile(rc, catalog.FileKey{Name: t.FileName, Origin: t.Origin})
	if err != nil {
		gcIncoming(rc, t)
		return
	}
	handle := store.Handle{ID: t.StagingPath, Name: t.FileName, Size: f.Size}
	path, measured, err := mgr.Commit(rc, handle, f.Checksum.Kind)
	if err != nil || !measured.Equal(f.Checksum) {
		gcIncoming(rc, t)
		return
	}
	if err := rc.Catalog.CreateInstance(rc, catalog.Instance{
		FileName: t.FileName, Origin: t.Origin, Store: *t.DestStore, Path: path,
		CreatedAt: time.Now(), Available: true, Deletion: catalog.DeletionAllowed,
	}); err != nil {
		rc.Log.Error().Err(err).Int64("transfer_id", t.ID).Msg("incoming_transfer_hypervisor: instance creation failed")
		return
	}
	_ = rc.Catalog.TransitionIncoming(rc, t.ID, t.Status, catalog.StatusCommitted, catalog.IncomingUpdates{})
}

// gcIncoming marks a stuck incoming transfer FAILED and deletes its
// staging bytes (§4.3, "Staged-but-not-committed transfers older than
// the hypervisor age threshold are GC'd").
func gcIncoming(rc *scheduler.RunContext, t catalog.IncomingTransfer) {
	if err := rc.Catalog.TransitionIncoming(rc, t.ID, t.Status, catalog.StatusFailed, catalog.IncomingUpdates{}); err != nil {
		rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("incoming_transfer_hypervisor: transition to FAILED lost a race")
		return
	}
	if t.DestStore != nil {
		if mgr, ok := rc.Stores.Get(*t.DestStore); ok {
			if err := mgr.Delete(rc, t.StagingPath); err != nil {
				rc.Log.Warn().Err(err).Int64("transfer_id", t.ID).Msg("incoming_transfer_hypervisor: staging cleanup failed")
			}
		}
	}
}
