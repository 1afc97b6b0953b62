package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/peerrpc"
)

// FakePeer is an in-memory peerrpc.Client standing in for a remote
// librarian. Each remote transfer it hosts is tracked by a freshly
// minted transfer UUID so tests can drive it through staging/staged/commit
// exactly as a real peer's HTTP handlers would.
type FakePeer struct {
	mu        sync.Mutex
	next      int
	transfers map[string]*remoteTransfer
	bySource  map[string]string // sender's source transfer id -> remote id, for prepare idempotency

	// Unreachable, when set, makes every call to this peer fail as if
	// the network were down.
	Unreachable bool
	// RejectCommit, when set, makes CommitTransfer report a checksum
	// failure instead of succeeding.
	RejectCommit bool
	// Statuses lets a test pre-seed what Status(id) returns, overriding
	// the transfer's actual internal state (for hypervisor tests that
	// need to simulate a peer's independent view).
	Statuses map[string]peerrpc.RemoteStatus
	// AutoStage, when set, marks a transfer staged the moment it is
	// prepared, for tests that want a single DriveOutgoing call to run
	// all the way to a terminal state without a MarkStaged step in
	// between.
	AutoStage bool

	VerifyChecksumFn func(file peerrpc.FileMeta) (cos.Cksum, error)
}

type remoteTransfer struct {
	status   peerrpc.RemoteStatus
	file     peerrpc.FileMeta
	info     peerrpc.RemoteInstanceInfo
	received []byte
}

func NewFakePeer() *FakePeer {
	return &FakePeer{transfers: map[string]*remoteTransfer{}, bySource: map[string]string{}}
}

func (p *FakePeer) PrepareTransfer(ctx context.Context, peer string, file peerrpc.FileMeta, transport, sourceTransferID string) (peerrpc.StageDescriptor, error) {
	if p.Unreachable {
		return peerrpc.StageDescriptor{}, cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.bySource[sourceTransferID]; ok && sourceTransferID != "" {
		return peerrpc.StageDescriptor{RemoteID: existing, StagingPath: "staging/" + existing}, nil
	}
	p.next++
	id := cmn.NewTransferUUID()
	status := peerrpc.RemoteStaging
	if p.AutoStage {
		status = peerrpc.RemoteStaged
	}
	p.transfers[id] = &remoteTransfer{status: status, file: file}
	if sourceTransferID != "" {
		p.bySource[sourceTransferID] = id
	}
	return peerrpc.StageDescriptor{RemoteID: id, StagingPath: "staging/" + id}, nil
}

// SendBytes lands the payload on the fake peer's side, reversing the
// declared content coding the way the real /upload/bytes handler does.
// It records the bytes but does not flip staging status: that stays
// under the test's control (MarkStaged/AutoStage), mirroring a real
// peer that verifies its staging path on its own schedule.
func (p *FakePeer) SendBytes(ctx context.Context, peer, remoteID string, body io.Reader, encoding string) error {
	if p.Unreachable {
		return cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	var r io.Reader = body
	if encoding == "lz4" {
		r = lz4.NewReader(body)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return cmn.Wrap(cmn.KindIO, err, "fake peer %q: reading payload for %q", peer, remoteID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transfers[remoteID]
	if !ok {
		return cmn.New(cmn.KindProtocol, "fake peer %q: unknown transfer %q", peer, remoteID)
	}
	t.received = append(t.received, data...)
	return nil
}

// MarkStaged flips a remote transfer to staged, simulating bytes
// having fully arrived on the peer's side.
func (p *FakePeer) MarkStaged(remoteID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transfers[remoteID]; ok {
		t.status = peerrpc.RemoteStaged
	}
}

func (p *FakePeer) StagedTransfer(ctx context.Context, peer, remoteID string) (peerrpc.RemoteStatus, error) {
	if p.Unreachable {
		return "", cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transfers[remoteID]
	if !ok {
		return peerrpc.RemoteFailed, nil
	}
	return t.status, nil
}

func (p *FakePeer) CommitTransfer(ctx context.Context, peer, remoteID string) (peerrpc.RemoteStatus, peerrpc.RemoteInstanceInfo, error) {
	if p.Unreachable {
		return "", peerrpc.RemoteInstanceInfo{}, cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transfers[remoteID]
	if !ok {
		return peerrpc.RemoteFailed, peerrpc.RemoteInstanceInfo{}, nil
	}
	if p.RejectCommit {
		t.status = peerrpc.RemoteFailed
		return peerrpc.RemoteFailed, peerrpc.RemoteInstanceInfo{}, nil
	}
	// A real destination only commits what actually landed in staging
	// with the declared size and checksum; a fake that skipped this
	// would hide a sender that never transmitted any bytes.
	if int64(len(t.received)) != t.file.Size {
		t.status = peerrpc.RemoteFailed
		return peerrpc.RemoteFailed, peerrpc.RemoteInstanceInfo{}, nil
	}
	measured, _, err := cos.Compute(t.file.Checksum.Kind, bytes.NewReader(t.received))
	if err != nil || !measured.Equal(t.file.Checksum) {
		t.status = peerrpc.RemoteFailed
		return peerrpc.RemoteFailed, peerrpc.RemoteInstanceInfo{}, nil
	}
	t.info = peerrpc.RemoteInstanceInfo{Librarian: peer, CopyTime: time.Now(), VerifiedChecksum: measured}
	return peerrpc.RemoteStaged, t.info, nil
}

func (p *FakePeer) Status(ctx context.Context, peer, remoteID string) (peerrpc.RemoteStatus, error) {
	if p.Unreachable {
		return "", cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.Statuses[remoteID]; ok {
		return s, nil
	}
	t, ok := p.transfers[remoteID]
	if !ok {
		return peerrpc.RemoteFailed, nil
	}
	return t.status, nil
}

func (p *FakePeer) CancelTransfer(ctx context.Context, peer, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transfers[remoteID]; ok {
		t.status = peerrpc.RemoteFailed
	}
	return nil
}

func (p *FakePeer) VerifyChecksum(ctx context.Context, peer string, file peerrpc.FileMeta) (cos.Cksum, error) {
	if p.Unreachable {
		return cos.Cksum{}, cmn.New(cmn.KindUnreachable, "fake peer %q unreachable", peer)
	}
	if p.VerifyChecksumFn != nil {
		return p.VerifyChecksumFn(file)
	}
	return file.Checksum, nil
}

var _ peerrpc.Client = (*FakePeer)(nil)
