package tasks

import (
	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// CorruptionFixer repairs files flagged by check_integrity or a
// pre-deletion audit (§4.4 corruption_fixer): it prefers copying from
// another healthy local Instance, and falls back to flagging the file
// unrepairable-for-now when no healthy source is reachable.
type CorruptionFixer struct {
	Notify notify.Sink
}

func (t CorruptionFixer) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	pending, err := rc.Catalog.ListPendingCorruptFiles(rc)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, cf := range pending {
		if rc.PastDeadline() {
			break
		}
		if t.fixOne(rc, cf) {
			processed++
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

func (t CorruptionFixer) fixOne(rc *scheduler.RunContext, cf catalog.CorruptFile) bool {
	key := catalog.FileKey{Name: cf.FileName, Origin: cf.Origin}

	f, err := rc.Catalog.GetFile(rc, key)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", cf.FileName).Msg("corruption_fixer: file lookup failed")
		return false
	}
	instances, err := rc.Catalog.ListInstances(rc, key)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", cf.FileName).Msg("corruption_fixer: instance lookup failed")
		return false
	}

	var src, corrupt *catalog.Instance
	for i := range instances {
		inst := &instances[i]
		if inst.Available {
			src = inst
		} else {
			corrupt = inst
		}
	}
	if corrupt == nil || src == nil {
		// No healthy local source to repair from; the only recourse is
		// a peer re-send, which the current protocol surface has no RPC
		// for (a peer can only push to us, never be asked to). Leave
		// pending for a future visit rather than declaring defeat.
		if t.Notify != nil {
			t.Notify.Notify(rc, notify.Event{
				Kind: notify.EventFileCorrupt, Subject: cf.FileName,
				Detail: "no healthy local copy to repair from; awaiting peer re-send",
			})
		}
		return false
	}

	srcMgr, ok := rc.Stores.Get(src.Store)
	if !ok {
		return false
	}
	destMgr, ok := rc.Stores.Get(corrupt.Store)
	if !ok {
		return false
	}
	if !copyFile(rc, srcMgr, destMgr, src.Path, f) {
		return false
	}
	if err := rc.Catalog.SetInstanceAvailable(rc, key, corrupt.Store, true); err != nil {
		rc.Log.Warn().Err(err).Str("file", cf.FileName).Msg("corruption_fixer: re-mark-available failed")
		return false
	}
	if err := rc.Catalog.SetCorruptRemediation(rc, key, catalog.RemediationRepaired); err != nil {
		rc.Log.Warn().Err(err).Str("file", cf.FileName).Msg("corruption_fixer: remediation write failed")
		return false
	}
	rc.Log.Info().Str("file", cf.FileName).Time("detected", cf.DetectedAt).
		Msg("corruption_fixer: repaired from healthy local copy")
	return true
}
