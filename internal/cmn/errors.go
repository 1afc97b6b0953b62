// Package cmn holds the error taxonomy, id types, duration parsing, and
// logging setup shared by every package in the librarian core.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is an error taxonomy tag (§7). Kinds are compared with errors.Is,
// never with type assertions — callers branch on behavior, not on the
// concrete error.
type Kind string

const (
	// Catalog
	KindStaleState Kind = "stale_state"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"

	// Storage
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindIO               Kind = "io"
	KindChecksumMismatch Kind = "checksum_mismatch"

	// Peer
	KindUnreachable Kind = "unreachable"
	KindProtocol    Kind = "protocol"
	KindRejected    Kind = "rejected"

	// Policy
	KindInsufficientRemoteCopies Kind = "insufficient_remote_copies"
	KindDeletionDisallowed       Kind = "deletion_disallowed"

	// Corruption
	KindLocalCorrupt  Kind = "local_corrupt"
	KindRemoteCorrupt Kind = "remote_corrupt"

	// Configuration
	KindConfiguration Kind = "configuration"
)

// kindError pairs a Kind with a message and an optional cause. It
// implements Unwrap so errors.Is(err, ErrStaleState) works across
// pkg/errors-wrapped chains.
type kindError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kindError) Unwrap() error { return e.cause }

// Is implements the errors.Is target protocol: two kindErrors match
// when their Kind matches, regardless of message or cause.
func (e *kindError) Is(target error) bool {
	var k *kindError
	if errors.As(target, &k) {
		return k.kind == e.kind
	}
	return false
}

// New builds a new error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a kind and a message, preserving the cause
// for errors.Unwrap and recording a stack trace via pkg/errors for
// operator-facing diagnostics.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), cause: pkgerrors.WithStack(cause)}
}

// sentinel returns a zero-value kindError usable as an errors.Is target.
func sentinel(kind Kind) error { return &kindError{kind: kind, msg: string(kind)} }

var (
	ErrStaleState              = sentinel(KindStaleState)
	ErrConflict                = sentinel(KindConflict)
	ErrTransient               = sentinel(KindTransient)
	ErrCapacityExceeded        = sentinel(KindCapacityExceeded)
	ErrIO                      = sentinel(KindIO)
	ErrChecksumMismatch        = sentinel(KindChecksumMismatch)
	ErrUnreachable             = sentinel(KindUnreachable)
	ErrProtocol                = sentinel(KindProtocol)
	ErrRejected                = sentinel(KindRejected)
	ErrInsufficientCopies      = sentinel(KindInsufficientRemoteCopies)
	ErrDeletionDisallowed      = sentinel(KindDeletionDisallowed)
	ErrLocalCorrupt            = sentinel(KindLocalCorrupt)
	ErrRemoteCorrupt           = sentinel(KindRemoteCorrupt)
	ErrConfiguration           = sentinel(KindConfiguration)
)

// Is reports whether err carries the given kind, anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinel(kind))
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var k *kindError
	if errors.As(err, &k) {
		return k.kind, true
	}
	return "", false
}

// Retriable reports whether a task loop should retry the operation that
// produced err with backoff (§7 propagation policy) rather than treat it
// as fatal for the current work unit.
func Retriable(err error) bool {
	return Is(err, KindTransient) || Is(err, KindUnreachable) ||
		Is(err, KindCapacityExceeded) || Is(err, KindIO)
}
