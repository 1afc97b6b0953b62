package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/httpapi"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/testutil"
	"github.com/simonsobs/librarian/internal/transfer"
)

const peerSecret = "shared-secret"

func newTestServer(t *testing.T) (fasthttp.RequestHandler, *memory.Catalog, *testutil.FakeStore, string) {
	t.Helper()
	cat := memory.New()
	st := testutil.NewFakeStore("s1", 1<<20)
	reg := store.NewRegistry()
	reg.Register(st)
	xfer := transfer.New(cat, reg, testutil.NewFakePeer(), zerolog.Nop())
	srv := httpapi.New(cat, reg, xfer, map[string]string{"A": peerSecret}, []string{"s1"}, zerolog.Nop())
	token, err := peerrpc.MintToken("A", peerSecret, time.Hour)
	require.NoError(t, err)
	return srv.Handler(), cat, st, token
}

func post(t *testing.T, h fasthttp.RequestHandler, path, token string, body any) *fasthttp.RequestCtx {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("http://librarian" + path)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	ctx.Request.SetBody(payload)
	h(&ctx)
	return &ctx
}

func postRaw(t *testing.T, h fasthttp.RequestHandler, path, token string, body []byte, encoding string) *fasthttp.RequestCtx {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("http://librarian" + path)
	ctx.Request.Header.SetContentType("application/octet-stream")
	if encoding != "" {
		ctx.Request.Header.Set("Content-Encoding", encoding)
	}
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	ctx.Request.SetBody(body)
	h(&ctx)
	return &ctx
}

func decodeBody(t *testing.T, ctx *fasthttp.RequestCtx, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), out))
}

func fileMeta(t *testing.T, name string, data []byte) peerrpc.FileMeta {
	t.Helper()
	sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
	require.NoError(t, err)
	return peerrpc.FileMeta{Name: name, Origin: "A", Size: int64(len(data)), Checksum: sum}
}

type prepareBody struct {
	File             peerrpc.FileMeta `json:"file"`
	Transport        string           `json:"transport"`
	SourceTransferID string           `json:"source_transfer_id"`
}

type remoteIDBody struct {
	RemoteID string `json:"remote_id"`
}

func TestClonePrepare_RejectsMissingAndBadTokens(t *testing.T) {
	h, _, _, _ := newTestServer(t)

	ctx := post(t, h, "/clone/prepare", "", prepareBody{File: fileMeta(t, "f1", []byte("x")), Transport: "network"})
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	forged, err := peerrpc.MintToken("A", "wrong-secret", time.Hour)
	require.NoError(t, err)
	ctx = post(t, h, "/clone/prepare", forged, prepareBody{File: fileMeta(t, "f1", []byte("x")), Transport: "network"})
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestClonePrepare_IdempotentBySourceTransferID(t *testing.T) {
	h, _, _, token := newTestServer(t)
	req := prepareBody{File: fileMeta(t, "f1", []byte("payload")), Transport: "network", SourceTransferID: transfer.OutgoingWireID(7)}

	ctx := post(t, h, "/clone/prepare", token, req)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var first peerrpc.StageDescriptor
	decodeBody(t, ctx, &first)

	ctx = post(t, h, "/clone/prepare", token, req)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var second peerrpc.StageDescriptor
	decodeBody(t, ctx, &second)

	assert.Equal(t, first.RemoteID, second.RemoteID, "re-preparing the same outgoing transfer must return the same remote id")
	assert.Equal(t, first.StagingPath, second.StagingPath)
}

// The destination half of seed scenario 1: prepare, land the bytes on
// the staging path, poll staged, commit, and observe the Instance row.
func TestCloneLifecycle_PrepareStagedCommit(t *testing.T) {
	h, cat, _, token := newTestServer(t)
	data := []byte("federated observation bytes")
	meta := fileMeta(t, "f1", data)

	ctx := post(t, h, "/clone/prepare", token, prepareBody{File: meta, Transport: "network", SourceTransferID: transfer.OutgoingWireID(1)})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var desc peerrpc.StageDescriptor
	decodeBody(t, ctx, &desc)

	// the sender lands bytes on the staging path through /upload/bytes,
	// the same endpoint peerrpc's SendBytes drives.
	ctx = postRaw(t, h, "/upload/bytes?remote_id="+desc.RemoteID, token, data, "")
	require.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	ctx = post(t, h, "/clone/staged", token, remoteIDBody{RemoteID: desc.RemoteID})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var staged struct {
		Status peerrpc.RemoteStatus `json:"status"`
	}
	decodeBody(t, ctx, &staged)
	assert.Equal(t, peerrpc.RemoteStaged, staged.Status)

	ctx = post(t, h, "/clone/commit", token, remoteIDBody{RemoteID: desc.RemoteID})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var committed struct {
		Status         peerrpc.RemoteStatus       `json:"status"`
		RemoteInstance peerrpc.RemoteInstanceInfo `json:"remote_instance"`
	}
	decodeBody(t, ctx, &committed)
	assert.Equal(t, peerrpc.RemoteStaged, committed.Status)
	assert.True(t, committed.RemoteInstance.VerifiedChecksum.Equal(meta.Checksum))

	instances, err := cat.ListInstances(context.Background(), catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.True(t, instances[0].Available)

	// commit is idempotent: a second call reports the same record.
	ctx = post(t, h, "/clone/commit", token, remoteIDBody{RemoteID: desc.RemoteID})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	instances, err = cat.ListInstances(context.Background(), catalog.FileKey{Name: "f1", Origin: "A"})
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestCloneStatus_ResolvesOutgoingWireIDs(t *testing.T) {
	h, cat, _, token := newTestServer(t)
	id, err := cat.CreateOutgoingTransfer(context.Background(), catalog.OutgoingTransfer{
		FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
		Status: catalog.StatusCompleted, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	ctx := post(t, h, "/clone/status", token, remoteIDBody{RemoteID: transfer.OutgoingWireID(id)})
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var got struct {
		Status peerrpc.RemoteStatus `json:"status"`
	}
	decodeBody(t, ctx, &got)
	assert.Equal(t, peerrpc.RemoteStaged, got.Status, "a COMPLETED outgoing transfer reads as staged to the asking peer")

	ctx = post(t, h, "/clone/status", token, remoteIDBody{RemoteID: transfer.OutgoingWireID(id + 99)})
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestCloneCancel_NonTerminalOnly(t *testing.T) {
	h, cat, _, token := newTestServer(t)
	destName := "s1"
	id, err := cat.CreateIncomingTransfer(context.Background(), catalog.IncomingTransfer{
		FileName: "f1", Origin: "A", SourceLibrarian: "A", DestStore: &destName,
		StagingPath: "staging/x", Status: catalog.StatusInitiated, CreatedAt: time.Now(),
		SourceTransferID: "src-1",
	})
	require.NoError(t, err)

	ctx := post(t, h, "/clone/cancel", token, remoteIDBody{RemoteID: strconv.FormatInt(id, 10)})
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	got, err := cat.GetIncomingTransfer(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCancelled, got.Status)

	// cancelling again is a no-op on a terminal transfer.
	ctx = post(t, h, "/clone/cancel", token, remoteIDBody{RemoteID: strconv.FormatInt(id, 10)})
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
}
