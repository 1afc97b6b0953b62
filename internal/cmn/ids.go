package cmn

import (
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// NewTransferUUID generates the opaque id a peer uses to refer to a
// transfer it did not create (§4.6 prepare_transfer's remote_id).
func NewTransferUUID() string {
	return uuid.NewString()
}

// NewStagingSuffix returns a unique (UUID) suffix for staging paths so
// concurrent tasks never collide on a shared store filesystem (§5).
func NewStagingSuffix() string {
	return uuid.NewString()
}

// claimGen is process-wide: shortid is safe for concurrent use once
// seeded, and claim ids only need to be unique per claimant, not
// globally unguessable.
var claimGen *shortid.Shortid

func init() {
	gen, err := shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		// shortid.New only fails on a malformed alphabet; the default
		// alphabet never fails, so this is unreachable in practice.
		panic(err)
	}
	claimGen = gen
}

// NewClaimID generates a short id used by consume_queue to tag which
// worker owns a claimed SendQueueItem (§4.5).
func NewClaimID() string {
	id, err := claimGen.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}
