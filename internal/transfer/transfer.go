// Package transfer implements the Transfer Manager (§4.3): the
// outgoing and incoming state machines, driven by Catalog
// compare-and-set transitions, Store Manager byte operations, and
// Peer RPC calls. No method here holds a Catalog transaction across a
// network or byte I/O call (§5).
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package transfer

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/rs/zerolog"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
)

const defaultChecksumKind = cos.KindXXHash

// OutgoingWireID is the identifier a sender hands its peer at
// prepare_transfer time so the peer's hypervisor can later ask this
// side for status (§4.6: prepare is idempotent by origin + outgoing
// transfer id). The prefix keeps the sender's outgoing id namespace
// distinct from the incoming ids its own HTTP surface hands out.
func OutgoingWireID(id int64) string {
	return "out-" + strconv.FormatInt(id, 10)
}

// ParseOutgoingWireID is the inverse of OutgoingWireID; ok is false
// for ids minted by the incoming side.
func ParseOutgoingWireID(wire string) (int64, bool) {
	rest, found := strings.CutPrefix(wire, "out-")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type Manager struct {
	cat    catalog.Catalog
	stores *store.Registry
	peers  peerrpc.Client
	log    zerolog.Logger
}

func New(cat catalog.Catalog, stores *store.Registry, peers peerrpc.Client, log zerolog.Logger) *Manager {
	return &Manager{cat: cat, stores: stores, peers: peers, log: log.With().Str("component", "transfer").Logger()}
}

// DriveOutgoing advances one OutgoingTransfer as far as it can go
// within ctx's deadline, per the INITIATED -> ONGOING -> STAGED ->
// COMPLETED machine (§4.3). It returns the transfer's status after
// the attempt; callers (consume_queue) decide what that means for the
// owning queue item.
func (m *Manager) DriveOutgoing(ctx context.Context, id int64) (catalog.TransferStatus, error) {
	t, err := m.cat.GetOutgoingTransfer(ctx, id)
	if err != nil {
		return "", err
	}
	log := cmn.WithTransfer(m.log, id, "outgoing")

	for !t.Status.Terminal() {
		select {
		case <-ctx.Done():
			return t.Status, nil
		default:
		}
		next, err := m.stepOutgoing(ctx, t, log)
		if err != nil {
			if cmn.Retriable(err) {
				log.Warn().Err(err).Str("status", string(t.Status)).Msg("retriable error driving outgoing transfer")
				return t.Status, err
			}
			log.Error().Err(err).Str("status", string(t.Status)).Msg("fatal error driving outgoing transfer")
			_ = m.cat.TransitionOutgoing(ctx, id, t.Status, catalog.StatusFailed, catalog.OutgoingUpdates{})
			t.Status = catalog.StatusFailed
			return t.Status, nil
		}
		if next == t.Status {
			// no forward progress possible yet (e.g. waiting on a peer);
			// let the caller requeue rather than spin.
			return t.Status, nil
		}
		// Re-read the row: the step just taken may have written fields
		// (RemoteTransferID at prepare) that the next step needs.
		if t, err = m.cat.GetOutgoingTransfer(ctx, id); err != nil {
			return next, err
		}
	}
	return t.Status, nil
}

func (m *Manager) stepOutgoing(ctx context.Context, t catalog.OutgoingTransfer, log zerolog.Logger) (catalog.TransferStatus, error) {
	switch t.Status {
	case catalog.StatusInitiated:
		return m.outgoingPrepare(ctx, t, log)
	case catalog.StatusOngoing:
		return m.outgoingSend(ctx, t, log)
	case catalog.StatusStaged:
		return m.outgoingCommit(ctx, t, log)
	default:
		return t.Status, nil
	}
}

func (m *Manager) outgoingPrepare(ctx context.Context, t catalog.OutgoingTransfer, log zerolog.Logger) (catalog.TransferStatus, error) {
	f, err := m.cat.GetFile(ctx, catalog.FileKey{Name: t.FileName, Origin: t.Origin})
	if err != nil {
		return t.Status, err
	}
	desc, err := m.peers.PrepareTransfer(ctx, t.Destination, peerrpc.FileMeta{
		Name: f.Name, Origin: f.Origin, Size: f.Size, Checksum: f.Checksum,
	}, string(t.Transport), OutgoingWireID(t.ID))
	if err != nil {
		return t.Status, err
	}
	remoteID := desc.RemoteID
	if err := m.cat.TransitionOutgoing(ctx, t.ID, catalog.StatusInitiated, catalog.StatusOngoing,
		catalog.OutgoingUpdates{RemoteTransferID: &remoteID, AttemptDelta: 1}); err != nil {
		return t.Status, err
	}
	log.Info().Str("remote_id", remoteID).Msg("outgoing transfer prepared")
	return catalog.StatusOngoing, m.sendBytes(ctx, t, remoteID, f, log)
}

func (m *Manager) sendBytes(ctx context.Context, t catalog.OutgoingTransfer, remoteID string, f catalog.File, log zerolog.Logger) error {
	if t.Transport != catalog.TransportNetwork {
		// sneakernet payloads travel on the drive itself; the peer
		// observes the bytes on its staging path once the drive is
		// mounted on its side, so there is nothing to stream here.
		return nil
	}
	mgr, ok := m.stores.Get(t.SourceStore)
	if !ok {
		return cmn.New(cmn.KindIO, "outgoing transfer %d: source store %q not registered", t.ID, t.SourceStore)
	}
	instances, err := m.cat.ListInstances(ctx, catalog.FileKey{Name: f.Name, Origin: f.Origin})
	if err != nil {
		return err
	}
	var path string
	for _, inst := range instances {
		if inst.Store == t.SourceStore && inst.Available {
			path = inst.Path
			break
		}
	}
	if path == "" {
		return cmn.New(cmn.KindIO, "outgoing transfer %d: no available instance on %q", t.ID, t.SourceStore)
	}
	r, err := mgr.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	// Stream through an lz4 pipe onto the peer's staging path; the
	// destination's /upload/bytes handler reverses the coding before
	// the bytes land, so its staged checksum is computed over the
	// original payload.
	pr, pw := io.Pipe()
	go func() {
		lzw := lz4.NewWriter(pw)
		_, cerr := io.Copy(lzw, r)
		if cerr == nil {
			cerr = lzw.Close()
		}
		pw.CloseWithError(cerr)
	}()
	if err := m.peers.SendBytes(ctx, t.Destination, remoteID, pr, "lz4"); err != nil {
		return err
	}
	log.Debug().Str("path", path).Int64("bytes", f.Size).Msg("payload streamed to destination staging")
	return nil
}

func (m *Manager) outgoingSend(ctx context.Context, t catalog.OutgoingTransfer, log zerolog.Logger) (catalog.TransferStatus, error) {
	if t.RemoteTransferID == nil {
		return t.Status, cmn.New(cmn.KindProtocol, "outgoing transfer %d: ONGOING with no remote id", t.ID)
	}
	status, err := m.peers.StagedTransfer(ctx, t.Destination, *t.RemoteTransferID)
	if err != nil {
		return t.Status, err
	}
	switch status {
	case peerrpc.RemoteStaged:
		if err := m.cat.TransitionOutgoing(ctx, t.ID, catalog.StatusOngoing, catalog.StatusStaged, catalog.OutgoingUpdates{}); err != nil {
			return t.Status, err
		}
		return catalog.StatusStaged, nil
	case peerrpc.RemoteFailed:
		return t.Status, cmn.New(cmn.KindProtocol, "outgoing transfer %d: peer reports failed staging", t.ID)
	default:
		log.Debug().Msg("peer still staging, no forward progress yet")
		return t.Status, nil
	}
}

func (m *Manager) outgoingCommit(ctx context.Context, t catalog.OutgoingTransfer, log zerolog.Logger) (catalog.TransferStatus, error) {
	if t.RemoteTransferID == nil {
		return t.Status, cmn.New(cmn.KindProtocol, "outgoing transfer %d: STAGED with no remote id", t.ID)
	}
	status, info, err := m.peers.CommitTransfer(ctx, t.Destination, *t.RemoteTransferID)
	if err != nil {
		return t.Status, err
	}
	if status == peerrpc.RemoteFailed {
		return t.Status, cmn.New(cmn.KindChecksumMismatch, "outgoing transfer %d: peer commit failed, likely checksum mismatch", t.ID)
	}
	if err := m.cat.RegisterRemoteInstance(ctx, catalog.RemoteInstance{
		FileName: t.FileName, Origin: t.Origin, Librarian: t.Destination,
		CopyTime: info.CopyTime, LastVerifiedAt: info.CopyTime, VerifiedChecksum: info.VerifiedChecksum,
	}); err != nil {
		return t.Status, err
	}
	if err := m.cat.TransitionOutgoing(ctx, t.ID, catalog.StatusStaged, catalog.StatusCompleted, catalog.OutgoingUpdates{}); err != nil {
		return t.Status, err
	}
	log.Info().Msg("outgoing transfer completed")
	return catalog.StatusCompleted, nil
}

// DriveIncoming advances one IncomingTransfer: INITIATED -> ONGOING ->
// STAGED -> COMMITTED (§4.3). ONGOING/STAGED here are observed
// locally (bytes arriving on the staging path) rather than pushed by
// the peer, since incoming is the destination's own side of the wire.
func (m *Manager) DriveIncoming(ctx context.Context, id int64, observedBytes int64, declared peerrpc.FileMeta) (catalog.TransferStatus, error) {
	t, err := m.cat.GetIncomingTransfer(ctx, id)
	if err != nil {
		return "", err
	}
	log := cmn.WithTransfer(m.log, id, "incoming")

	switch t.Status {
	case catalog.StatusInitiated:
		if observedBytes <= 0 {
			return t.Status, nil
		}
		if err := m.cat.TransitionIncoming(ctx, id, catalog.StatusInitiated, catalog.StatusOngoing, catalog.IncomingUpdates{}); err != nil {
			return t.Status, err
		}
		t.Status = catalog.StatusOngoing
		fallthrough
	case catalog.StatusOngoing:
		if observedBytes < declared.Size {
			return t.Status, nil
		}
		mgr, ok := m.stores.Get(*t.DestStore)
		if !ok {
			return t.Status, cmn.New(cmn.KindIO, "incoming transfer %d: dest store %q not registered", id, *t.DestStore)
		}
		measured, err := mgr.Checksum(ctx, t.StagingPath, declared.Checksum.Kind)
		if err != nil {
			return t.Status, err
		}
		if !measured.Equal(declared.Checksum) {
			_ = m.cat.TransitionIncoming(ctx, id, catalog.StatusOngoing, catalog.StatusFailed, catalog.IncomingUpdates{})
			return catalog.StatusFailed, cmn.New(cmn.KindChecksumMismatch, "incoming transfer %d: staged checksum mismatch", id)
		}
		if err := m.cat.TransitionIncoming(ctx, id, catalog.StatusOngoing, catalog.StatusStaged, catalog.IncomingUpdates{}); err != nil {
			return t.Status, err
		}
		t.Status = catalog.StatusStaged
		fallthrough
	case catalog.StatusStaged:
		return m.commitIncoming(ctx, t, declared, log)
	default:
		return t.Status, nil
	}
}

func (m *Manager) commitIncoming(ctx context.Context, t catalog.IncomingTransfer, declared peerrpc.FileMeta, log zerolog.Logger) (catalog.TransferStatus, error) {
	mgr, ok := m.stores.Get(*t.DestStore)
	if !ok {
		return t.Status, cmn.New(cmn.KindIO, "incoming transfer %d: dest store %q not registered", t.ID, *t.DestStore)
	}
	handle := store.Handle{ID: t.StagingPath, Name: t.FileName, Size: declared.Size}
	path, measured, err := mgr.Commit(ctx, handle, declared.Checksum.Kind)
	if err != nil {
		if cmn.Is(err, cmn.KindCapacityExceeded) {
			return t.Status, err
		}
		_ = m.cat.TransitionIncoming(ctx, t.ID, catalog.StatusStaged, catalog.StatusFailed, catalog.IncomingUpdates{})
		return catalog.StatusFailed, err
	}
	if !measured.Equal(declared.Checksum) {
		_ = m.cat.TransitionIncoming(ctx, t.ID, catalog.StatusStaged, catalog.StatusFailed, catalog.IncomingUpdates{})
		return catalog.StatusFailed, cmn.New(cmn.KindChecksumMismatch, "incoming transfer %d: commit checksum mismatch", t.ID)
	}

	if err := m.cat.CreateFile(ctx, catalog.File{
		Name: t.FileName, Origin: t.Origin, Size: declared.Size, Checksum: measured, UploadedAt: time.Now(),
	}, &catalog.Instance{
		FileName: t.FileName, Origin: t.Origin, Store: *t.DestStore, Path: path,
		CreatedAt: time.Now(), Available: true, Deletion: catalog.DeletionAllowed,
	}); err != nil {
		return t.Status, err
	}
	if err := m.cat.AdjustStoreUsed(ctx, *t.DestStore, declared.Size); err != nil {
		log.Warn().Err(err).Msg("store usage accounting failed after commit")
	}
	if err := m.cat.TransitionIncoming(ctx, t.ID, catalog.StatusStaged, catalog.StatusCommitted, catalog.IncomingUpdates{}); err != nil {
		return t.Status, err
	}
	log.Info().Msg("incoming transfer committed")
	return catalog.StatusCommitted, nil
}

// CancelOutgoing moves a non-terminal outgoing transfer to CANCELLED
// and notifies the peer (§4.3 CANCELLED terminal state).
func (m *Manager) CancelOutgoing(ctx context.Context, id int64) error {
	t, err := m.cat.GetOutgoingTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.RemoteTransferID != nil {
		if err := m.peers.CancelTransfer(ctx, t.Destination, *t.RemoteTransferID); err != nil {
			m.log.Warn().Err(err).Int64("transfer_id", id).Msg("cancel RPC to peer failed, proceeding with local cancel")
		}
	}
	return m.cat.TransitionOutgoing(ctx, id, t.Status, catalog.StatusCancelled, catalog.OutgoingUpdates{})
}
