package tasks

import (
	"io"
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/scheduler"
	"github.com/simonsobs/librarian/internal/store"
)

// CreateLocalClone copies files that exist on only one local store to
// another local store (§4.4 create_local_clone). At most one new
// Instance is created per source file across the whole clone_to list.
type CreateLocalClone struct{}

func (CreateLocalClone) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	age := opts.AgeInDaysOr(0)
	cutoff := time.Now().AddDate(0, 0, -age)

	srcMgr, ok := rc.Stores.Get(opts.CloneFrom)
	if !ok {
		return scheduler.TaskResult{Err: errUnregisteredStore(opts.CloneFrom)}
	}

	files, err := rc.Catalog.FilesOnlyOnStore(rc, opts.CloneFrom, cutoff, opts.FilesPerRun)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, f := range files {
		if rc.PastDeadline() {
			break
		}
		if cloneOne(rc, srcMgr, f, opts) {
			processed++
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

// cloneOne tries each destination in order, skipping disabled or full
// ones, and stops at the first success (§4.4: "at most one new
// Instance... per source file").
func cloneOne(rc *scheduler.RunContext, srcMgr store.Manager, f catalog.File, opts config.TaskOptions) bool {
	instances, err := rc.Catalog.ListInstances(rc, catalog.FileKey{Name: f.Name, Origin: f.Origin})
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", f.Name).Msg("create_local_clone: instance lookup failed")
		return false
	}
	var srcPath string
	for _, inst := range instances {
		if inst.Store == opts.CloneFrom && inst.Available {
			srcPath = inst.Path
			break
		}
	}
	if srcPath == "" {
		return false
	}

	for _, dest := range opts.CloneTo {
		destMgr, ok := rc.Stores.Get(dest)
		if !ok || !destMgr.Enabled() {
			continue
		}
		free, err := destMgr.FreeSpace(rc)
		if err != nil || free < f.Size {
			if opts.DisableStoreOnFull {
				destMgr.SetEnabled(false)
			}
			continue
		}
		if copyFile(rc, srcMgr, destMgr, srcPath, f) {
			if err := rc.Catalog.AdjustStoreUsed(rc, dest, f.Size); err != nil {
				rc.Log.Warn().Err(err).Str("store", dest).Msg("create_local_clone: usage accounting failed")
			}
			return true
		}
	}
	return false
}

func copyFile(rc *scheduler.RunContext, srcMgr, destMgr store.Manager, srcPath string, f catalog.File) bool {
	r, err := srcMgr.Open(rc, srcPath)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", f.Name).Msg("create_local_clone: open source failed")
		return false
	}
	defer r.Close()

	handle, err := destMgr.Stage(rc, f.Name, f.Size)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", f.Name).Msg("create_local_clone: stage destination failed")
		return false
	}
	buf := make([]byte, 1<<20)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := destMgr.Write(rc, handle, buf[:n]); werr != nil {
				destMgr.Abort(rc, handle)
				rc.Log.Warn().Err(werr).Str("file", f.Name).Msg("create_local_clone: write failed")
				return false
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			destMgr.Abort(rc, handle)
			rc.Log.Warn().Err(rerr).Str("file", f.Name).Msg("create_local_clone: read failed")
			return false
		}
	}
	path, measured, err := destMgr.Commit(rc, handle, f.Checksum.Kind)
	if err != nil {
		rc.Log.Warn().Err(err).Str("file", f.Name).Msg("create_local_clone: commit failed")
		return false
	}
	if !measured.Equal(f.Checksum) {
		destMgr.Delete(rc, path)
		rc.Log.Error().Str("file", f.Name).Msg("create_local_clone: commit checksum mismatch")
		return false
	}
	if err := rc.Catalog.CreateInstance(rc, catalog.Instance{
		FileName: f.Name, Origin: f.Origin, Store: destMgr.Name(), Path: path,
		CreatedAt: time.Now(), Available: true, Deletion: catalog.DeletionAllowed,
	}); err != nil {
		rc.Log.Error().Err(err).Str("file", f.Name).Msg("create_local_clone: instance creation failed")
		return false
	}
	return true
}
