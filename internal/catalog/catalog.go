package catalog

import (
	"context"
	"time"

	"github.com/simonsobs/librarian/internal/cmn/cos"
)

// FileKey identifies a File by its natural key: name is unique only
// per origin librarian (§3).
type FileKey struct {
	Name   string
	Origin string
}

// Catalog is the sole persistent-state owner (§4.1). All
// implementations must provide the transactional guarantees of §4.1:
// row-level locking with short transactions for the hot-path
// operations, snapshot reads for scheduling decisions.
type Catalog interface {
	// --- Librarians & Stores ---
	UpsertLibrarian(ctx context.Context, l Librarian) error
	GetLibrarian(ctx context.Context, name string) (Librarian, error)
	ListLibrarians(ctx context.Context) ([]Librarian, error)
	MarkLibrarianSeen(ctx context.Context, name string, at time.Time) error
	SetLibrarianDisabled(ctx context.Context, name string, disabledAt *time.Time) error

	UpsertStore(ctx context.Context, s Store) error
	GetStore(ctx context.Context, name string) (Store, error)
	ListStores(ctx context.Context) ([]Store, error)
	SetStoreEnabled(ctx context.Context, name string, enabled bool) error
	AdjustStoreUsed(ctx context.Context, name string, delta int64) error

	// --- Observations ---
	CreateObservation(ctx context.Context, o Observation) error
	GetObservation(ctx context.Context, id string) (Observation, error)

	// --- Files & Instances ---
	// CreateFile is atomic: rejects a duplicate file name if the
	// checksum differs, is idempotent if the checksum matches and
	// there is no conflicting instance (§4.1).
	CreateFile(ctx context.Context, f File, instance *Instance) error
	GetFile(ctx context.Context, key FileKey) (File, error)
	CreateInstance(ctx context.Context, inst Instance) error
	SetInstanceAvailable(ctx context.Context, key FileKey, store string, available bool) error
	DeleteInstance(ctx context.Context, key FileKey, store string) error
	ListInstancesByStore(ctx context.Context, store string, uploadedBefore time.Time) ([]Instance, error)
	ListInstances(ctx context.Context, key FileKey) ([]Instance, error)
	// FilesOnlyOnStore returns, oldest-upload-first, files whose sole
	// local Instance is on `store` and whose upload time is <= age (for
	// create_local_clone).
	FilesOnlyOnStore(ctx context.Context, store string, uploadedBefore time.Time, limit int) ([]File, error)

	// --- RemoteInstances ---
	// RegisterRemoteInstance upserts; refuses (KindRemoteCorrupt) if an
	// existing row for the pair carries a different checksum (§4.1).
	RegisterRemoteInstance(ctx context.Context, ri RemoteInstance) error
	ListRemoteInstances(ctx context.Context, key FileKey) ([]RemoteInstance, error)
	// FilesLackingRemote returns, oldest-first, files with no
	// RemoteInstance at destination (for send_clone).
	FilesLackingRemote(ctx context.Context, destination string, uploadedBefore time.Time, limit int) ([]File, error)
	// DuplicateRemoteInstances returns the key of each file that has more
	// than one RemoteInstance row for the same librarian, once per such
	// librarian; the librarian itself is not part of the result.
	DuplicateRemoteInstances(ctx context.Context) ([]FileKey, error)
	CollapseRemoteInstances(ctx context.Context, key FileKey, librarian string) error

	// --- Transfers ---
	CreateOutgoingTransfer(ctx context.Context, t OutgoingTransfer) (int64, error)
	GetOutgoingTransfer(ctx context.Context, id int64) (OutgoingTransfer, error)
	// TransitionOutgoing fails with ErrStaleState if the current status
	// != from (§4.1 transition_transfer, compare-and-set).
	TransitionOutgoing(ctx context.Context, id int64, from, to TransferStatus, updates OutgoingUpdates) error
	ListStaleOutgoing(ctx context.Context, olderThan time.Time) ([]OutgoingTransfer, error)

	CreateIncomingTransfer(ctx context.Context, t IncomingTransfer) (int64, error)
	GetIncomingTransfer(ctx context.Context, id int64) (IncomingTransfer, error)
	// GetIncomingBySource resolves the transfer a given origin prepared
	// under its own outgoing id, backing prepare_transfer's idempotency
	// (§4.6).
	GetIncomingBySource(ctx context.Context, sourceLibrarian, sourceTransferID string) (IncomingTransfer, error)
	TransitionIncoming(ctx context.Context, id int64, from, to TransferStatus, updates IncomingUpdates) error
	ListStaleIncoming(ctx context.Context, olderThan time.Time) ([]IncomingTransfer, error)

	// --- Queue ---
	EnqueueSendItem(ctx context.Context, outgoingID int64, priority int) (int64, error)
	// ClaimQueueItems atomically selects up to limit PENDING items and
	// marks them CLAIMED with the given claimant and TTL (§4.1/§4.5).
	ClaimQueueItems(ctx context.Context, limit int, claimID string, ttl time.Duration) ([]SendQueueItem, error)
	CompleteQueueItem(ctx context.Context, id int64, status QueueItemStatus) error
	// RevertExpiredClaims reverts CLAIMED items whose claim deadline has
	// passed back to PENDING; returns how many were reverted.
	RevertExpiredClaims(ctx context.Context, now time.Time) (int, error)
	GetQueueItem(ctx context.Context, id int64) (SendQueueItem, error)

	// --- Corruption ---
	RecordCorruptFile(ctx context.Context, cf CorruptFile) error
	ListPendingCorruptFiles(ctx context.Context) ([]CorruptFile, error)
	SetCorruptRemediation(ctx context.Context, key FileKey, status RemediationStatus) error

	Close() error
}

// OutgoingUpdates carries the optional field changes that accompany an
// outgoing transfer's state transition.
type OutgoingUpdates struct {
	RemoteTransferID *string
	AttemptDelta     int
}

// IncomingUpdates carries the optional field changes that accompany an
// incoming transfer's state transition.
type IncomingUpdates struct {
	DestStore *string
	Checksum  *cos.Cksum
}
