package httpapi

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/transfer"
)

// toRemoteStatus maps our internal TransferStatus onto the three
// values a peer is allowed to see (§4.6): staging, staged, failed.
func toRemoteStatus(s catalog.TransferStatus) peerrpc.RemoteStatus {
	switch s {
	case catalog.StatusStaged, catalog.StatusCommitted, catalog.StatusCompleted:
		return peerrpc.RemoteStaged
	case catalog.StatusFailed, catalog.StatusCancelled:
		return peerrpc.RemoteFailed
	default:
		return peerrpc.RemoteStaging
	}
}

type prepareTransferRequest struct {
	File             peerrpc.FileMeta `json:"file"`
	Transport        string           `json:"transport"`
	SourceTransferID string           `json:"source_transfer_id"`
}

// handleClonePrepare is the destination's side of prepare_transfer
// (§4.6): reserve a staging slot and hand back a remote id the sender
// will refer to for the rest of the transfer's life. Idempotent by
// (origin, source_transfer_id): a sender re-preparing after a lost
// response gets its existing staging slot back, not a second one.
func (s *Server) handleClonePrepare(ctx *fasthttp.RequestCtx, peer string) {
	var req prepareTransferRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding clone/prepare request"))
		return
	}
	if req.SourceTransferID != "" {
		if existing, err := s.cat.GetIncomingBySource(ctx, peer, req.SourceTransferID); err == nil && !existing.Status.Terminal() {
			s.mu.Lock()
			s.declared[existing.ID] = req.File
			s.mu.Unlock()
			s.write(ctx, peerrpc.StageDescriptor{RemoteID: strconv.FormatInt(existing.ID, 10), StagingPath: existing.StagingPath})
			return
		}
	}
	storeName, ok := s.pickIngestStore()
	if !ok {
		s.fail(ctx, fasthttp.StatusServiceUnavailable, cmn.New(cmn.KindIO, "no ingestable store available"))
		return
	}
	mgr, _ := s.stores.Get(storeName)
	handle, err := mgr.Stage(ctx, req.File.Name, req.File.Size)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInsufficientStorage, err)
		return
	}
	sourceID := req.SourceTransferID
	if sourceID == "" {
		sourceID = cmn.NewTransferUUID()
	}
	id, err := s.cat.CreateIncomingTransfer(ctx, catalog.IncomingTransfer{
		FileName: req.File.Name, Origin: req.File.Origin, SourceLibrarian: peer,
		DestStore: &storeName, StagingPath: handle.ID, Status: catalog.StatusInitiated,
		CreatedAt: time.Now(), SourceTransferID: sourceID,
	})
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	s.mu.Lock()
	s.declared[id] = req.File
	s.mu.Unlock()
	s.write(ctx, peerrpc.StageDescriptor{RemoteID: strconv.FormatInt(id, 10), StagingPath: handle.ID})
}

func (s *Server) parseRemoteID(ctx *fasthttp.RequestCtx) (int64, catalog.IncomingTransfer, bool) {
	var req remoteIDOnly
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding remote_id"))
		return 0, catalog.IncomingTransfer{}, false
	}
	id, err := strconv.ParseInt(req.RemoteID, 10, 64)
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.New(cmn.KindProtocol, "invalid remote_id"))
		return 0, catalog.IncomingTransfer{}, false
	}
	t, err := s.cat.GetIncomingTransfer(ctx, id)
	if err != nil {
		s.fail(ctx, fasthttp.StatusNotFound, err)
		return 0, catalog.IncomingTransfer{}, false
	}
	return id, t, true
}

// handleCloneStaged is staged_transfer(remote_id) -> {status} (§4.6):
// recompute the staged checksum in place and report staging/staged/
// failed without going through the Transfer Manager's byte-count
// bookkeeping, since for network transport the bytes are expected to
// already be fully landed by the time a sender polls this.
func (s *Server) handleCloneStaged(ctx *fasthttp.RequestCtx, _ string) {
	id, t, ok := s.parseRemoteID(ctx)
	if !ok {
		return
	}
	if t.Status.Terminal() || t.Status == catalog.StatusStaged {
		s.write(ctx, statusPayload(toRemoteStatus(t.Status)))
		return
	}
	s.mu.Lock()
	declared, known := s.declared[id]
	s.mu.Unlock()
	mgr, regOK := s.stores.Get(*t.DestStore)
	if !known || !regOK {
		s.write(ctx, statusPayload(peerrpc.RemoteStaging))
		return
	}
	measured, err := mgr.Checksum(ctx, t.StagingPath, declared.Checksum.Kind)
	if err != nil {
		// bytes not fully present yet; still in flight.
		s.write(ctx, statusPayload(peerrpc.RemoteStaging))
		return
	}
	if !measured.Equal(declared.Checksum) {
		_ = s.cat.TransitionIncoming(ctx, id, t.Status, catalog.StatusFailed, catalog.IncomingUpdates{})
		s.write(ctx, statusPayload(peerrpc.RemoteFailed))
		return
	}
	next := catalog.StatusOngoing
	if t.Status == catalog.StatusInitiated {
		if err := s.cat.TransitionIncoming(ctx, id, catalog.StatusInitiated, next, catalog.IncomingUpdates{}); err != nil {
			s.write(ctx, statusPayload(peerrpc.RemoteStaging))
			return
		}
	}
	if err := s.cat.TransitionIncoming(ctx, id, next, catalog.StatusStaged, catalog.IncomingUpdates{}); err != nil {
		s.write(ctx, statusPayload(peerrpc.RemoteStaging))
		return
	}
	s.write(ctx, statusPayload(peerrpc.RemoteStaged))
}

// handleCloneCommit is commit_transfer(remote_id) -> {status,
// remote_instance} (§4.6), idempotent: a transfer already COMMITTED
// just reports its existing record back.
func (s *Server) handleCloneCommit(ctx *fasthttp.RequestCtx, _ string) {
	id, t, ok := s.parseRemoteID(ctx)
	if !ok {
		return
	}
	s.mu.Lock()
	declared, known := s.declared[id]
	s.mu.Unlock()
	if !known {
		s.fail(ctx, fasthttp.StatusNotFound, cmn.New(cmn.KindProtocol, "unknown remote_id"))
		return
	}
	if t.Status != catalog.StatusCommitted {
		status, err := s.xfer.DriveIncoming(ctx, id, declared.Size, declared)
		if err != nil {
			s.fail(ctx, fasthttp.StatusInternalServerError, err)
			return
		}
		if status != catalog.StatusCommitted {
			s.write(ctx, commitResponsePayload(status, peerrpc.RemoteInstanceInfo{}))
			return
		}
	}
	s.write(ctx, commitResponsePayload(catalog.StatusCommitted, peerrpc.RemoteInstanceInfo{
		Librarian: t.SourceLibrarian, CopyTime: time.Now(), VerifiedChecksum: declared.Checksum,
	}))
}

// handleCloneStatus answers for both directions: a sender polling the
// incoming transfer it prepared here, or a destination's hypervisor
// asking this side (the origin) what became of its outgoing transfer.
func (s *Server) handleCloneStatus(ctx *fasthttp.RequestCtx, _ string) {
	var req remoteIDOnly
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding clone/status request"))
		return
	}
	if outID, ok := transfer.ParseOutgoingWireID(req.RemoteID); ok {
		t, err := s.cat.GetOutgoingTransfer(ctx, outID)
		if err != nil {
			s.fail(ctx, fasthttp.StatusNotFound, err)
			return
		}
		s.write(ctx, statusPayload(toRemoteStatus(t.Status)))
		return
	}
	id, err := strconv.ParseInt(req.RemoteID, 10, 64)
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.New(cmn.KindProtocol, "invalid remote_id"))
		return
	}
	t, err := s.cat.GetIncomingTransfer(ctx, id)
	if err != nil {
		s.fail(ctx, fasthttp.StatusNotFound, err)
		return
	}
	s.write(ctx, statusPayload(toRemoteStatus(t.Status)))
}

func (s *Server) handleCloneCancel(ctx *fasthttp.RequestCtx, _ string) {
	id, t, ok := s.parseRemoteID(ctx)
	if !ok {
		return
	}
	if !t.Status.Terminal() {
		if err := s.cat.TransitionIncoming(ctx, id, t.Status, catalog.StatusCancelled, catalog.IncomingUpdates{}); err != nil {
			s.log.Warn().Err(err).Int64("transfer_id", id).Msg("httpapi: cancel lost a race, treating as already terminal")
		}
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func statusPayload(status peerrpc.RemoteStatus) any {
	return struct {
		Status peerrpc.RemoteStatus `json:"status"`
	}{Status: status}
}

func (s *Server) handleVerifyChecksum(ctx *fasthttp.RequestCtx) {
	var req peerrpc.FileMeta
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding checksum/verify request"))
		return
	}
	key := catalog.FileKey{Name: req.Name, Origin: req.Origin}
	instances, err := s.cat.ListInstances(ctx, key)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	var mgr store.Manager
	var path string
	for _, inst := range instances {
		if !inst.Available {
			continue
		}
		if m, ok := s.stores.Get(inst.Store); ok {
			mgr, path = m, inst.Path
			break
		}
	}
	if mgr == nil {
		s.fail(ctx, fasthttp.StatusNotFound, cmn.New(cmn.KindIO, "no available local instance of %q", req.Name))
		return
	}
	digest, err := mgr.Checksum(ctx, path, req.Checksum.Kind)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	s.write(ctx, struct {
		Digest cos.Cksum `json:"digest"`
	}{Digest: digest})
}

func (s *Server) handleGetFile(ctx *fasthttp.RequestCtx, name string) {
	origin := string(ctx.QueryArgs().Peek("origin"))
	key := catalog.FileKey{Name: name, Origin: origin}
	f, err := s.cat.GetFile(ctx, key)
	if err != nil {
		s.fail(ctx, fasthttp.StatusNotFound, err)
		return
	}
	instances, err := s.cat.ListInstances(ctx, key)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	remotes, err := s.cat.ListRemoteInstances(ctx, key)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	s.write(ctx, struct {
		File      catalog.File             `json:"file"`
		Instances []catalog.Instance       `json:"instances"`
		Remotes   []catalog.RemoteInstance `json:"remote_instances"`
	}{File: f, Instances: instances, Remotes: remotes})
}
