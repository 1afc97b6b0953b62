package tasks

import (
	"fmt"
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// RollingDeletion frees local bytes once a file has enough verified
// remote copies (§4.4 rolling_deletion). It never removes the last
// copy in the federation, policy or force_deletion notwithstanding.
type RollingDeletion struct {
	Notify notify.Sink
}

func (t RollingDeletion) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	age := opts.AgeInDaysOr(0)
	cutoff := time.Now().AddDate(0, 0, -age)

	instances, err := rc.Catalog.ListInstancesByStore(rc, opts.StoreName, cutoff)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, inst := range instances {
		if rc.PastDeadline() {
			break
		}
		if t.deleteOne(rc, inst, opts) {
			processed++
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

func (t RollingDeletion) deleteOne(rc *scheduler.RunContext, inst catalog.Instance, opts config.TaskOptions) bool {
	key := catalog.FileKey{Name: inst.FileName, Origin: inst.Origin}

	if inst.Deletion == catalog.DeletionDisallowed && !opts.ForceDeletion {
		return false
	}

	f, err := rc.Catalog.GetFile(rc, key)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: file lookup failed")
		return false
	}

	remotes, err := rc.Catalog.ListRemoteInstances(rc, key)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: remote instance lookup failed")
		return false
	}
	verified := t.countVerified(rc, f, remotes, opts.VerifyDownstreamChecksums)

	// force_deletion bypasses the per-instance policy gate above, never
	// this one: the verified-copy requirement is a federation safety
	// invariant, not a policy.
	if verified < opts.NumberOfRemoteCopies {
		if t.Notify != nil {
			t.Notify.Notify(rc, notify.Event{
				Kind: notify.EventDeletionBlocked, Subject: inst.FileName,
				Detail: fmt.Sprintf("insufficient verified remote copies: %d of %d required", verified, opts.NumberOfRemoteCopies),
			})
		}
		return false
	}

	others, err := rc.Catalog.ListInstances(rc, key)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: instance lookup failed")
		return false
	}
	if !otherCopyExists(others, inst.Store) && len(remotes) == 0 {
		if t.Notify != nil {
			t.Notify.Notify(rc, notify.Event{
				Kind: notify.EventDeletionBlocked, Subject: inst.FileName,
				Detail: "refusing to delete: this is the last known copy in the federation",
			})
		}
		return false
	}

	if opts.MarkUnavailable {
		if err := rc.Catalog.SetInstanceAvailable(rc, key, inst.Store, false); err != nil {
			rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: mark-unavailable failed")
			return false
		}
		return true
	}

	mgr, ok := rc.Stores.Get(inst.Store)
	if !ok {
		rc.Log.Warn().Str("store", inst.Store).Msg("rolling_deletion: store not registered")
		return false
	}
	if err := mgr.Delete(rc, inst.Path); err != nil {
		rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: byte deletion failed")
		return false
	}
	if err := rc.Catalog.DeleteInstance(rc, key, inst.Store); err != nil {
		rc.Log.Error().Err(err).Str("file", inst.FileName).Msg("rolling_deletion: instance row deletion failed")
		return false
	}
	if err := rc.Catalog.AdjustStoreUsed(rc, inst.Store, -f.Size); err != nil {
		rc.Log.Warn().Err(err).Str("store", inst.Store).Msg("rolling_deletion: usage accounting failed")
	}
	return true
}

// countVerified returns how many RemoteInstance rows can be trusted
// as a real copy: either their last recorded checksum already matches
// (the common case) or, when verify_downstream_checksums is set, a
// fresh verify_checksum RPC confirms it.
func (t RollingDeletion) countVerified(rc *scheduler.RunContext, f catalog.File, remotes []catalog.RemoteInstance, verifyLive bool) int {
	n := 0
	for _, ri := range remotes {
		if !verifyLive {
			if ri.VerifiedChecksum.Equal(f.Checksum) {
				n++
			}
			continue
		}
		measured, err := rc.Peers.VerifyChecksum(rc, ri.Librarian, peerrpc.FileMeta{
			Name: f.Name, Origin: f.Origin, Size: f.Size, Checksum: f.Checksum,
		})
		if err != nil {
			rc.Log.Warn().Err(err).Str("file", f.Name).Str("librarian", ri.Librarian).
				Msg("rolling_deletion: downstream checksum verification failed")
			continue
		}
		if !measured.Equal(f.Checksum) {
			continue
		}
		ri.LastVerifiedAt = time.Now()
		ri.VerifiedChecksum = measured
		if err := rc.Catalog.RegisterRemoteInstance(rc, ri); err != nil {
			rc.Log.Warn().Err(err).Str("file", f.Name).Str("librarian", ri.Librarian).
				Msg("rolling_deletion: recording verification result failed")
		}
		n++
	}
	return n
}

func otherCopyExists(instances []catalog.Instance, excludeStore string) bool {
	for _, inst := range instances {
		if inst.Store != excludeStore && inst.Available {
			return true
		}
	}
	return false
}
