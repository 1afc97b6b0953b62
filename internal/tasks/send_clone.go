package tasks

import (
	"time"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/config"
	"github.com/simonsobs/librarian/internal/notify"
	"github.com/simonsobs/librarian/internal/scheduler"
)

// SendClone picks files lacking a RemoteInstance at a destination
// librarian and kicks off outgoing transfers for them (§4.4
// send_clone).
type SendClone struct {
	Notify notify.Sink
}

func (t SendClone) Run(rc *scheduler.RunContext, opts config.TaskOptions) scheduler.TaskResult {
	age := opts.AgeInDaysOr(0)
	cutoff := time.Now().AddDate(0, 0, -age)

	dest, err := rc.Catalog.GetLibrarian(rc, opts.DestinationLibrarian)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}
	if dest.DisabledAt != nil && t.Notify != nil {
		if time.Since(*dest.DisabledAt) > opts.WarnDisabledTimer.D() {
			t.Notify.Notify(rc, notify.Event{
				Kind: notify.EventPeerDisabled, Subject: dest.Name,
				Detail: "destination librarian has been disabled past warn_disabled_timer",
			})
		}
	}

	files, err := rc.Catalog.FilesLackingRemote(rc, opts.DestinationLibrarian, cutoff, opts.SendBatchSize)
	if err != nil {
		return scheduler.TaskResult{Err: err}
	}

	processed := 0
	for _, f := range files {
		if rc.PastDeadline() {
			break
		}
		sourceStore := t.pickSourceStore(rc, f, opts.StorePreference)
		if sourceStore == "" {
			continue
		}
		outID, err := rc.Catalog.CreateOutgoingTransfer(rc, catalog.OutgoingTransfer{
			FileName: f.Name, Origin: f.Origin, Destination: opts.DestinationLibrarian,
			SourceStore: sourceStore, Status: catalog.StatusInitiated, CreatedAt: time.Now(),
			Transport: catalog.TransportNetwork,
		})
		if err != nil {
			rc.Log.Warn().Err(err).Str("file", f.Name).Msg("send_clone: could not create outgoing transfer")
			continue
		}
		if _, err := rc.Queue.Enqueue(rc, outID, 0); err != nil {
			rc.Log.Warn().Err(err).Int64("transfer_id", outID).Msg("send_clone: could not enqueue")
			continue
		}
		processed++
	}
	return scheduler.TaskResult{ItemsProcessed: processed}
}

func (SendClone) pickSourceStore(rc *scheduler.RunContext, f catalog.File, preference string) string {
	instances, err := rc.Catalog.ListInstances(rc, catalog.FileKey{Name: f.Name, Origin: f.Origin})
	if err != nil {
		return ""
	}
	var fallback string
	for _, inst := range instances {
		if !inst.Available {
			continue
		}
		if inst.Store == preference {
			return inst.Store
		}
		if fallback == "" {
			fallback = inst.Store
		}
	}
	return fallback
}
