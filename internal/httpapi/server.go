// Package httpapi implements the §6 HTTP surface: direct-ingest
// upload endpoints and the server side of the §4.6 Peer RPC contract
// whose client lives in package peerrpc. Built on valyala/fasthttp,
// matching the transport the Peer RPC client already uses, with
// json-iterator for wire encoding.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package httpapi

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/transfer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server answers the HTTP surface of §6 against one librarian's
// Catalog, Store Manager registry, and Transfer Manager.
type Server struct {
	cat     catalog.Catalog
	stores  *store.Registry
	xfer    *transfer.Manager
	secrets map[string]string // peer librarian name -> shared auth secret
	ingest  []string          // store names eligible to receive new files

	log zerolog.Logger

	mu       sync.Mutex
	declared map[int64]peerrpc.FileMeta // incoming transfer id -> file metadata declared at prepare/stage time
}

func New(cat catalog.Catalog, stores *store.Registry, xfer *transfer.Manager, secrets map[string]string, ingestableStores []string, log zerolog.Logger) *Server {
	return &Server{
		cat: cat, stores: stores, xfer: xfer, secrets: secrets, ingest: ingestableStores,
		log:      log.With().Str("component", "httpapi").Logger(),
		declared: map[int64]peerrpc.FileMeta{},
	}
}

// Handler returns the fasthttp request handler to pass to
// fasthttp.ListenAndServe.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == "/upload/stage" && ctx.IsPost():
			s.handleUploadStage(ctx)
		case path == "/upload/bytes" && ctx.IsPost():
			s.handleUploadBytes(ctx)
		case path == "/upload/commit" && ctx.IsPost():
			s.handleUploadCommit(ctx)
		case path == "/clone/prepare" && ctx.IsPost():
			s.withPeerAuth(ctx, s.handleClonePrepare)
		case path == "/clone/staged" && ctx.IsPost():
			s.withPeerAuth(ctx, s.handleCloneStaged)
		case path == "/clone/commit" && ctx.IsPost():
			s.withPeerAuth(ctx, s.handleCloneCommit)
		case path == "/clone/status" && ctx.IsPost():
			s.withPeerAuth(ctx, s.handleCloneStatus)
		case path == "/clone/cancel" && ctx.IsPost():
			s.withPeerAuth(ctx, s.handleCloneCancel)
		case path == "/checksum/verify" && ctx.IsPost():
			s.handleVerifyChecksum(ctx)
		case strings.HasPrefix(path, "/file/") && ctx.IsGet():
			s.handleGetFile(ctx, strings.TrimPrefix(path, "/file/"))
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

func (s *Server) withPeerAuth(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx, string)) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		s.fail(ctx, fasthttp.StatusUnauthorized, cmn.New(cmn.KindRejected, "missing bearer token"))
		return
	}
	peer, err := peerrpc.VerifyAnyToken(token, func(name string) (string, bool) {
		secret, ok := s.secrets[name]
		return secret, ok
	})
	if err != nil {
		s.fail(ctx, fasthttp.StatusUnauthorized, err)
		return
	}
	next(ctx, peer)
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, code int, err error) {
	s.log.Warn().Err(err).Int("status", code).Str("path", string(ctx.Path())).Msg("httpapi: request failed")
	ctx.SetStatusCode(code)
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) write(ctx *fasthttp.RequestCtx, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, cmn.Wrap(cmn.KindProtocol, err, "encoding response"))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) pickIngestStore() (string, bool) {
	for _, name := range s.ingest {
		if mgr, ok := s.stores.Get(name); ok && mgr.Enabled() {
			return name, true
		}
	}
	return "", false
}

// --- direct ingest: /upload/stage, /upload/bytes, /upload/commit ---

type uploadStageRequest struct {
	File peerrpc.FileMeta `json:"file"`
}

func (s *Server) handleUploadStage(ctx *fasthttp.RequestCtx) {
	var req uploadStageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding upload/stage request"))
		return
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
	id, err := s.cat.CreateIncomingTransfer(ctx, catalog.IncomingTransfer{
		FileName: req.File.Name, Origin: req.File.Origin, DestStore: &storeName,
		StagingPath: handle.ID, Status: catalog.StatusInitiated, CreatedAt: time.Now(),
		SourceTransferID: cmn.NewTransferUUID(),
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

// handleUploadBytes lands a payload on an incoming transfer's staging
// path. It serves both direct ingest and the sender side of a network
// clone (peerrpc's SendBytes); a "Content-Encoding: lz4" body is
// decoded before staging, so checksums downstream always cover the
// original bytes.
func (s *Server) handleUploadBytes(ctx *fasthttp.RequestCtx) {
	id, err := strconv.ParseInt(string(ctx.QueryArgs().Peek("remote_id")), 10, 64)
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.New(cmn.KindProtocol, "missing or invalid remote_id"))
		return
	}
	t, err := s.cat.GetIncomingTransfer(ctx, id)
	if err != nil {
		s.fail(ctx, fasthttp.StatusNotFound, err)
		return
	}
	mgr, ok := s.stores.Get(*t.DestStore)
	if !ok {
		s.fail(ctx, fasthttp.StatusInternalServerError, cmn.New(cmn.KindIO, "dest store %q not registered", *t.DestStore))
		return
	}

	var src io.Reader = bytes.NewReader(ctx.PostBody())
	switch encoding := string(ctx.Request.Header.Peek("Content-Encoding")); encoding {
	case "":
	case "lz4":
		src = lz4.NewReader(src)
	default:
		s.fail(ctx, fasthttp.StatusUnsupportedMediaType, cmn.New(cmn.KindProtocol, "unsupported content encoding %q", encoding))
		return
	}

	handle := store.Handle{ID: t.StagingPath, Name: t.FileName}
	buf := make([]byte, 1<<20)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := mgr.Write(ctx, handle, buf[:n]); werr != nil {
				s.fail(ctx, fasthttp.StatusInternalServerError, werr)
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, rerr, "decoding upload body for transfer %d", id))
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type remoteIDOnly struct {
	RemoteID string `json:"remote_id"`
}

func (s *Server) handleUploadCommit(ctx *fasthttp.RequestCtx) {
	var req remoteIDOnly
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.Wrap(cmn.KindProtocol, err, "decoding upload/commit request"))
		return
	}
	id, err := strconv.ParseInt(req.RemoteID, 10, 64)
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, cmn.New(cmn.KindProtocol, "invalid remote_id"))
		return
	}
	s.mu.Lock()
	declared, ok := s.declared[id]
	s.mu.Unlock()
	if !ok {
		s.fail(ctx, fasthttp.StatusNotFound, cmn.New(cmn.KindProtocol, "unknown remote_id %q", req.RemoteID))
		return
	}
	status, err := s.xfer.DriveIncoming(ctx, id, declared.Size, declared)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	if status != catalog.StatusCommitted {
		s.fail(ctx, fasthttp.StatusConflict, cmn.New(cmn.KindIO, "upload %q did not reach COMMITTED (status %s)", req.RemoteID, status))
		return
	}
	s.write(ctx, commitResponsePayload(catalog.StatusCommitted, peerrpc.RemoteInstanceInfo{
		Librarian: declared.Origin, CopyTime: time.Now(), VerifiedChecksum: declared.Checksum,
	}))
}

func commitResponsePayload(status catalog.TransferStatus, info peerrpc.RemoteInstanceInfo) any {
	return struct {
		Status         string                     `json:"status"`
		RemoteInstance peerrpc.RemoteInstanceInfo `json:"remote_instance"`
	}{Status: string(toRemoteStatus(status)), RemoteInstance: info}
}
