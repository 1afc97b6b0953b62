// Package cos ("common small stuff") holds the checksum primitives
// shared by the Catalog, the Store Manager backends, and the Peer RPC
// verify_checksum handler.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package cos

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/OneOfOne/xxhash"
)

// Kind names a checksum algorithm. §3 calls out "strong, e.g. xxh3 or
// md5" — kept as an open enum rather than a single hardcoded
// algorithm so a deployment can pick the tradeoff it wants.
type Kind string

const (
	KindNone   Kind = "none"
	KindXXHash Kind = "xxhash" // OneOfOne/xxhash 64-bit
	KindMD5    Kind = "md5"
	KindSHA256 Kind = "sha256"
)

// Cksum is a (kind, value) pair, the unit a File/Instance/RemoteInstance
// carries as its checksum (§3).
type Cksum struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

func (c Cksum) Empty() bool { return c.Kind == "" || c.Kind == KindNone }

func (c Cksum) Equal(o Cksum) bool {
	if c.Empty() || o.Empty() {
		return false
	}
	return c.Kind == o.Kind && c.Value == o.Value
}

func (c Cksum) String() string {
	if c.Empty() {
		return "none"
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.Value)
}

// NewHasher returns a streaming hash.Hash for the given kind.
func NewHasher(kind Kind) (hash.Hash, error) {
	switch kind {
	case KindXXHash:
		return xxhash.New64(), nil
	case KindMD5:
		return md5.New(), nil
	case KindSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("cos: unsupported checksum kind %q", kind)
	}
}

// Compute streams r through the given checksum kind and returns the
// resulting Cksum plus the byte count read, so callers can verify
// declared size and checksum in one pass (§4.3 STAGED transition).
func Compute(kind Kind, r io.Reader) (Cksum, int64, error) {
	h, err := NewHasher(kind)
	if err != nil {
		return Cksum{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Cksum{}, n, err
	}
	return Cksum{Kind: kind, Value: hex.EncodeToString(h.Sum(nil))}, n, nil
}
