package posix_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store/posix"
)

func TestStage_Write_Commit_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := posix.New("s1", t.TempDir(), 1<<20, true)
	require.NoError(t, err)

	data := []byte("some observation bytes")
	handle, err := s.Stage(ctx, "obs/f1.dat", int64(len(data)))
	require.NoError(t, err)

	n, err := s.Write(ctx, handle, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	path, measured, err := s.Commit(ctx, handle, cos.KindMD5)
	require.NoError(t, err)

	want, _, err := cos.Compute(cos.KindMD5, bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, measured.Equal(want))

	r, err := s.Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAbort_LeavesNoFile(t *testing.T) {
	ctx := context.Background()
	s, err := posix.New("s1", t.TempDir(), 1<<20, true)
	require.NoError(t, err)

	handle, err := s.Stage(ctx, "f1", 4)
	require.NoError(t, err)
	_, err = s.Write(ctx, handle, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, handle))

	// Aborting twice must not error (abort is side-effect free to repeat).
	require.NoError(t, s.Abort(ctx, handle))
}

func TestStage_RejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	s, err := posix.New("s1", t.TempDir(), 1<<20, true)
	require.NoError(t, err)

	_, err = s.Stage(ctx, "huge", 1<<62)
	require.Error(t, err)
	assert.True(t, cmn.Is(err, cmn.KindCapacityExceeded))
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, err := posix.New("s1", t.TempDir(), 1<<20, true)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "/no/such/file"))
	require.NoError(t, s.Delete(ctx, "/no/such/file"))
}

func TestCommit_ChecksumCoversWhatWasWritten(t *testing.T) {
	ctx := context.Background()
	s, err := posix.New("s1", t.TempDir(), 1<<20, true)
	require.NoError(t, err)

	data := []byte("checksum me")
	handle, err := s.Stage(ctx, "f1", int64(len(data)))
	require.NoError(t, err)
	_, err = s.Write(ctx, handle, data)
	require.NoError(t, err)
	path, measured, err := s.Commit(ctx, handle, cos.KindSHA256)
	require.NoError(t, err)

	recomputed, err := s.Checksum(ctx, path, cos.KindSHA256)
	require.NoError(t, err)
	assert.True(t, measured.Equal(recomputed))
}
