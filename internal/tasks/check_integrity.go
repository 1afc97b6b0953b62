// Package tasks implements the task catalog from §4.4: one file per
// task kind, each satisfying scheduler.Task.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package tasks

import (
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// CheckIntegrity recomputes checksums for Instances on a store and
// flags mismatches (§4.4 check_integrity).
type CheckIntegrity struct{}

func (CheckIntegrity) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	// age bounds how far back the audit reaches: only instances created
	// within the last age_in_days are rechecked. An unset age means
	// audit everything on the store.
	age := opts.AgeInDaysOr(0)
	cutoff := time.Now().AddDate(0, 0, -age)

	instances, err := rc.Catalog.ListInstancesByStore(rc, opts.StoreName, time.Now())
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}
	mgr, ok := rc.Stores.Get(opts.StoreName)
	if !ok {
		return scheduler.TaskResult{Err: errUnregisteredStore(opts.StoreName)}
	}

	processed := 0
	for _, inst := range instances {
		if rc.PastDeadline() {
			break
		}
		if age > 0 && inst.CreatedAt.Before(cutoff) {
			continue
		}
		f, err := rc.Catalog.GetFile(rc, catalog.FileKey{Name: inst.FileName, Origin: inst.Origin})
		if err != nil {
			rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("check_integrity: file lookup failed")
			continue
		}
		measured, err := mgr.Checksum(rc, inst.Path, f.Checksum.Kind)
		processed++
		if err != nil {
			rc.Log.Warn().Err(err).Str("file", inst.FileName).Msg("check_integrity: checksum failed")
			continue
		}
		if !measured.Equal(f.Checksum) {
			if err := rc.Catalog.SetInstanceAvailable(rc, catalog.FileKey{Name: inst.FileName, Origin: inst.Origin}, opts.StoreName, false); err != nil {
				rc.Log.Error().Err(err).Msg("check_integrity: failed to mark instance unavailable")
			}
			if err := rc.Catalog.RecordCorruptFile(rc, catalog.CorruptFile{
				FileName: inst.FileName, Origin: inst.Origin, DetectedAt: time.Now(),
				Detector: catalog.DetectorIntegrityCheck, Remediation: catalog.RemediationPending,
			}); err != nil {
				rc.Log.Error().Err(err).Msg("check_integrity: failed to record corrupt file")
			}
			rc.Log.Warn().Str("file", inst.FileName).Msg("check_integrity: checksum mismatch")
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}
