package tasks

import (
	"fmt"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// DuplicateRemoteInstanceHypervisor collapses RemoteInstance rows
// down to the most recently verified copy per (file, librarian)
// (§4.4 duplicate_remote_instance_hypervisor).
type DuplicateRemoteInstanceHypervisor struct{}

func (DuplicateRemoteInstanceHypervisor) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	keys, err := rc.Catalog.DuplicateRemoteInstances(rc)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	// DuplicateRemoteInstances returns one row per offending librarian,
	// so the same file key can repeat many times in a federation with
	// several peers. A cuckoo filter gives a cheap probabilistic
	// "already handled this file this pass" check before paying for
	// the exact ListRemoteInstances/CollapseRemoteInstances round trip
	// a second time.
	seenKeys := cuckoo.NewFilter(1024)

	processed := 0
	for _, key := range keys {
		if rc.PastDeadline() {
			break
		}
		fp := []byte(fmt.Sprintf("%s\x00%s", key.Name, key.Origin))
		if seenKeys.Lookup(fp) {
			continue
		}
		seenKeys.InsertUnique(fp)
		instances, err := rc.Catalog.ListRemoteInstances(rc, key)
		if err != nil {
			rc.Log.Warn().Err(err).Str("file", key.Name).Msg("duplicate_remote_instance_hypervisor: lookup failed")
			continue
		}
		seen := map[string]int{}
		for _, ri := range instances {
			seen[ri.Librarian]++
		}
		for librarian, count := range seen {
			if count < 2 {
				continue
			}
			if err := rc.Catalog.CollapseRemoteInstances(rc, key, librarian); err != nil {
				rc.Log.Warn().Err(err).Str("file", key.Name).Str("librarian", librarian).
					Msg("duplicate_remote_instance_hypervisor: collapse failed")
				continue
			}
			processed++
		}
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}
