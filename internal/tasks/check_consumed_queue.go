package tasks

import (
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// CheckConsumedQueue is the garbage collector for orphaned claims
// (§4.4, §4.5): items whose claim deadline expired while still
// CLAIMED are reverted to PENDING.
type CheckConsumedQueue struct{}

func (CheckConsumedQueue) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	n, err := rc.Queue.ReapExpired(rc)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}
	return scheduler.TaskResult{ItemsProcessed: n}
}
