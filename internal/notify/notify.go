// Package notify holds the notification sinks for the operator-facing
// events named in §7: a store disabled, a peer disabled, a file
// flagged corrupt, a rolling deletion blocked. rolling_deletion sends
// the blocked event on every run in which a deletion is blocked; no
// minimum blocked duration is applied.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventStoreDisabled      EventKind = "store_disabled"
	EventPeerDisabled       EventKind = "peer_disabled"
	EventFileCorrupt        EventKind = "file_corrupt"
	EventDeletionBlocked    EventKind = "rolling_deletion_blocked"
)

type Event struct {
	Kind    EventKind
	Subject string // store name, peer name, or file key as a string
	Detail  string
}

// Sink is the notification delivery interface; the log sink below is
// always wired, additional sinks (email, chat webhook) can be layered
// without touching task code.
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// LogSink emits notifications as structured warning-level log lines,
// the fallback every deployment gets even with no external channel
// configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Notify(ctx context.Context, e Event) {
	s.log.Warn().Str("event", string(e.Kind)).Str("subject", e.Subject).Str("detail", e.Detail).Msg("notification")
}

// Multi fans a notification out to every sink, so the scheduler only
// ever holds one Sink reference.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, e Event) {
	for _, s := range m.sinks {
		s.Notify(ctx, e)
	}
}

var _ Sink = (*LogSink)(nil)
var _ Sink = (*Multi)(nil)
