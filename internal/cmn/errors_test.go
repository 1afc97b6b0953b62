package cmn_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simonsobs/librarian/internal/cmn"
)

func TestIs_MatchesAcrossWrap(t *testing.T) {
	base := cmn.New(cmn.KindIO, "disk gone")
	wrapped := cmn.Wrap(cmn.KindChecksumMismatch, base, "committing file")

	assert.True(t, cmn.Is(wrapped, cmn.KindChecksumMismatch))
	assert.True(t, cmn.Is(wrapped, cmn.KindIO), "Is matches a kind anywhere in the chain, including the wrapped cause's")
}

func TestIs_DoesNotMatchUnrelatedKind(t *testing.T) {
	err := cmn.New(cmn.KindStaleState, "transfer 1 not in state INITIATED")
	assert.False(t, cmn.Is(err, cmn.KindConflict))
}

func TestKindOf(t *testing.T) {
	err := cmn.New(cmn.KindCapacityExceeded, "store full")
	kind, ok := cmn.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, cmn.KindCapacityExceeded, kind)

	_, ok = cmn.KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestWrap_NilCauseIsNil(t *testing.T) {
	assert.Nil(t, cmn.Wrap(cmn.KindIO, nil, "no-op"))
}

func TestRetriable(t *testing.T) {
	retriable := []cmn.Kind{cmn.KindTransient, cmn.KindUnreachable, cmn.KindCapacityExceeded, cmn.KindIO}
	for _, k := range retriable {
		assert.True(t, cmn.Retriable(cmn.New(k, "x")), k)
	}
	fatal := []cmn.Kind{cmn.KindChecksumMismatch, cmn.KindRejected, cmn.KindStaleState, cmn.KindConflict}
	for _, k := range fatal {
		assert.False(t, cmn.Retriable(cmn.New(k, "x")), k)
	}
}

func TestSentinels_UsableWithErrorsIs(t *testing.T) {
	err := fmt.Errorf("claiming queue item: %w", cmn.ErrStaleState)
	assert.True(t, errors.Is(err, cmn.ErrStaleState))
	assert.False(t, errors.Is(err, cmn.ErrConflict))
}
