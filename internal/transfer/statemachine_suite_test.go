package transfer_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/simonsobs/librarian/internal/catalog"
	"github.com/simonsobs/librarian/internal/catalog/memory"
	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/peerrpc"
	"github.com/simonsobs/librarian/internal/store"
	"github.com/simonsobs/librarian/internal/testutil"
	"github.com/simonsobs/librarian/internal/transfer"
)

func TestTransferStateMachines(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transfer State Machines Suite")
}

// The spec-style suite below exercises the transition rules themselves
// rather than any one task's use of them: transfers only ever move
// forward, terminal states absorb, and the compare-and-set transition
// is the only write path that succeeds.
var _ = Describe("the outgoing transfer state machine", func() {
	var (
		ctx  context.Context
		cat  *memory.Catalog
		src  *testutil.FakeStore
		peer *testutil.FakePeer
		mgr  *transfer.Manager
		id   int64
	)

	newOutgoing := func(status catalog.TransferStatus) int64 {
		tid, err := cat.CreateOutgoingTransfer(ctx, catalog.OutgoingTransfer{
			FileName: "f1", Origin: "A", Destination: "B", SourceStore: "s1",
			Status: status, CreatedAt: time.Now(), Transport: catalog.TransportNetwork,
		})
		Expect(err).NotTo(HaveOccurred())
		return tid
	}

	BeforeEach(func() {
		ctx = context.Background()
		cat = memory.New()
		src = testutil.NewFakeStore("s1", 1<<20)
		reg := store.NewRegistry()
		reg.Register(src)
		peer = testutil.NewFakePeer()
		mgr = transfer.New(cat, reg, peer, zerolog.Nop())

		data := []byte("state machine payload")
		sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		src.Put("s1/f1", data)
		Expect(cat.CreateFile(ctx, catalog.File{
			Name: "f1", Origin: "A", Size: int64(len(data)), Checksum: sum, UploadedAt: time.Now(),
		}, &catalog.Instance{
			FileName: "f1", Origin: "A", Store: "s1", Path: "s1/f1",
			CreatedAt: time.Now(), Available: true, Deletion: catalog.DeletionAllowed,
		})).To(Succeed())
		id = newOutgoing(catalog.StatusInitiated)
	})

	It("walks INITIATED through ONGOING and STAGED to COMPLETED in order", func() {
		peer.AutoStage = true
		status, err := mgr.DriveOutgoing(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusCompleted))

		got, err := cat.GetOutgoingTransfer(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.AttemptCount).To(Equal(1))
		Expect(got.RemoteTransferID).NotTo(BeNil())
	})

	It("rejects a transition whose from-state is stale", func() {
		Expect(cat.TransitionOutgoing(ctx, id, catalog.StatusInitiated, catalog.StatusOngoing, catalog.OutgoingUpdates{})).To(Succeed())
		err := cat.TransitionOutgoing(ctx, id, catalog.StatusInitiated, catalog.StatusOngoing, catalog.OutgoingUpdates{})
		Expect(err).To(HaveOccurred())
		Expect(cmn.Is(err, cmn.KindStaleState)).To(BeTrue())
	})

	It("never moves backwards out of a terminal state", func() {
		peer.AutoStage = true
		_, err := mgr.DriveOutgoing(ctx, id)
		Expect(err).NotTo(HaveOccurred())

		for _, to := range []catalog.TransferStatus{
			catalog.StatusInitiated, catalog.StatusOngoing, catalog.StatusStaged,
		} {
			err := cat.TransitionOutgoing(ctx, id, catalog.StatusCompleted, to, catalog.OutgoingUpdates{})
			Expect(cmn.Is(err, cmn.KindStaleState)).To(BeTrue(), "terminal states absorb: no transition out of COMPLETED, even with a matching from-state")
		}

		got, err := cat.GetOutgoingTransfer(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(catalog.StatusCompleted))
	})

	It("cancels from a non-terminal state and stays cancelled", func() {
		Expect(mgr.CancelOutgoing(ctx, id)).To(Succeed())
		got, err := cat.GetOutgoingTransfer(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(catalog.StatusCancelled))

		Expect(mgr.CancelOutgoing(ctx, id)).To(Succeed(), "cancel is idempotent on a terminal transfer")
		status, err := mgr.DriveOutgoing(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusCancelled))
	})

	It("stays put when the peer cannot make progress", func() {
		status, err := mgr.DriveOutgoing(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusOngoing), "without the peer staging, the machine parks at ONGOING")

		status, err = mgr.DriveOutgoing(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusOngoing), "re-driving without peer progress is a no-op, not an error")
	})
})

var _ = Describe("the incoming transfer state machine", func() {
	var (
		ctx      context.Context
		cat      *memory.Catalog
		dest     *testutil.FakeStore
		mgr      *transfer.Manager
		declared peerrpc.FileMeta
		id       int64
	)

	BeforeEach(func() {
		ctx = context.Background()
		cat = memory.New()
		dest = testutil.NewFakeStore("s2", 1<<20)
		reg := store.NewRegistry()
		reg.Register(dest)
		mgr = transfer.New(cat, reg, testutil.NewFakePeer(), zerolog.Nop())

		data := []byte("incoming state machine payload")
		sum, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		declared = peerrpc.FileMeta{Name: "f1", Origin: "A", Size: int64(len(data)), Checksum: sum}

		handle, err := dest.Stage(ctx, "f1", declared.Size)
		Expect(err).NotTo(HaveOccurred())
		_, err = dest.Write(ctx, handle, data)
		Expect(err).NotTo(HaveOccurred())

		destName := "s2"
		id, err = cat.CreateIncomingTransfer(ctx, catalog.IncomingTransfer{
			FileName: "f1", Origin: "A", SourceLibrarian: "A", DestStore: &destName,
			StagingPath: handle.ID, Status: catalog.StatusInitiated, CreatedAt: time.Now(),
			SourceTransferID: "remote-1",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("parks at INITIATED until bytes are observed", func() {
		status, err := mgr.DriveIncoming(ctx, id, 0, declared)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusInitiated))
	})

	It("parks at ONGOING until the declared byte count lands", func() {
		status, err := mgr.DriveIncoming(ctx, id, declared.Size/2, declared)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusOngoing))
	})

	It("commits once size and checksum both match, exactly once", func() {
		status, err := mgr.DriveIncoming(ctx, id, declared.Size, declared)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusCommitted))

		status, err = mgr.DriveIncoming(ctx, id, declared.Size, declared)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusCommitted), "re-driving a committed transfer reports the same outcome")

		instances, err := cat.ListInstances(ctx, catalog.FileKey{Name: "f1", Origin: "A"})
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(HaveLen(1))
	})

	It("fails terminally on a checksum mismatch and absorbs there", func() {
		bad := declared
		bad.Checksum = cos.Cksum{Kind: cos.KindMD5, Value: "00000000000000000000000000000000"}

		status, err := mgr.DriveIncoming(ctx, id, bad.Size, bad)
		Expect(err).To(HaveOccurred())
		Expect(cmn.Is(err, cmn.KindChecksumMismatch)).To(BeTrue())
		Expect(status).To(Equal(catalog.StatusFailed))

		status, err = mgr.DriveIncoming(ctx, id, declared.Size, declared)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(catalog.StatusFailed), "a failed transfer stays failed even if correct metadata shows up later")
	})
})
