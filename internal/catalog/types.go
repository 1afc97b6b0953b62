// Package catalog is the sole owner of persistent state (§4.1). Every
// other component reaches durable state only through the Catalog
// interface defined here.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package catalog

import (
	"time"

	"github.com/simonsobs/librarian/internal/cmn/cos"
)

type Transport string

const (
	TransportNetwork    Transport = "network"
	TransportSneakerNet Transport = "sneakernet"
)

type DeletionPolicy string

const (
	DeletionAllowed    DeletionPolicy = "ALLOWED"
	DeletionDisallowed DeletionPolicy = "DISALLOWED"
)

type TransferStatus string

const (
	StatusInitiated TransferStatus = "INITIATED"
	StatusOngoing   TransferStatus = "ONGOING"
	StatusStaged    TransferStatus = "STAGED"
	StatusCompleted TransferStatus = "COMPLETED"
	StatusCommitted TransferStatus = "COMMITTED" // incoming-only terminal success
	StatusFailed    TransferStatus = "FAILED"
	StatusCancelled TransferStatus = "CANCELLED"
)

func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCommitted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type QueueItemStatus string

const (
	QueuePending QueueItemStatus = "PENDING"
	QueueClaimed QueueItemStatus = "CLAIMED"
	QueueDone    QueueItemStatus = "DONE"
	QueueFailed  QueueItemStatus = "FAILED"
)

type Detector string

const (
	DetectorIntegrityCheck   Detector = "integrity-check"
	DetectorPredeletionAudit Detector = "predeletion-audit"
)

type RemediationStatus string

const (
	RemediationPending      RemediationStatus = "pending"
	RemediationRepaired     RemediationStatus = "repaired"
	RemediationUnrepairable RemediationStatus = "unrepairable"
)

// Librarian — one row per known peer site, including self (§3).
type Librarian struct {
	Name       string
	BaseURL    string
	AuthToken  string
	Network    bool
	SneakerNet bool
	LastSeen   time.Time
	DisabledAt *time.Time // nil when enabled; set by SetLibrarianDisabled ("librarianctl librarian remove")
}

// Store — a local entity describing one physical store (§3).
type Store struct {
	Name       string
	Backend    string // posix | rsync | s3 | azure | gcs | hdfs | globus
	Root       string
	Capacity   int64
	Used       int64
	Enabled    bool
	Ingestable bool
}

func (s Store) Free() int64 {
	if s.Capacity <= s.Used {
		return 0
	}
	return s.Capacity - s.Used
}

// Observation — immutable after creation (§3).
type Observation struct {
	ID           string
	JulianDate   float64
	Polarization string
	LengthSec    float64
}

// File — a logical file, globally addressed by (name, origin librarian).
type File struct {
	Name          string
	Origin        string
	Size          int64
	Checksum      cos.Cksum
	UploadedAt    time.Time
	ObservationID *string
}

// Instance — local bytes materializing a File on a Store.
type Instance struct {
	FileName  string
	Origin    string
	Store     string
	Path      string
	CreatedAt time.Time
	Available bool
	Deletion  DeletionPolicy
}

// RemoteInstance — a local record that a peer claims to hold a File.
type RemoteInstance struct {
	FileName         string
	Origin           string
	Librarian        string
	CopyTime         time.Time
	LastVerifiedAt   time.Time
	VerifiedChecksum cos.Cksum
}

// OutgoingTransfer — state machine, §4.3.
type OutgoingTransfer struct {
	ID               int64
	FileName         string
	Origin           string
	Destination      string
	SourceStore      string
	Status           TransferStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RemoteTransferID *string
	AttemptCount     int
	Transport        Transport
}

// IncomingTransfer — state machine, §4.3.
type IncomingTransfer struct {
	ID               int64
	FileName         string
	Origin           string
	SourceLibrarian  string
	DestStore        *string
	StagingPath      string
	Status           TransferStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SourceTransferID string
}

// SendQueueItem — durable work list entry (§4.5).
type SendQueueItem struct {
	ID                 int64
	OutgoingTransferID int64
	Priority           int
	EnqueuedAt         time.Time
	ClaimedBy          *string
	ClaimDeadline      *time.Time
	Status             QueueItemStatus
}

// CorruptFile — §3.
type CorruptFile struct {
	FileName    string
	Origin      string
	DetectedAt  time.Time
	Detector    Detector
	Remediation RemediationStatus
}
