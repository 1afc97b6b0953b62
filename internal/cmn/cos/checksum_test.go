package cos_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/cmn/cos"
)

func TestCompute_RoundTrip(t *testing.T) {
	for _, kind := range []cos.Kind{cos.KindXXHash, cos.KindMD5, cos.KindSHA256} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			a, n, err := cos.Compute(kind, strings.NewReader("hello librarian"))
			require.NoError(t, err)
			assert.EqualValues(t, len("hello librarian"), n)

			b, _, err := cos.Compute(kind, strings.NewReader("hello librarian"))
			require.NoError(t, err)
			assert.True(t, a.Equal(b))

			c, _, err := cos.Compute(kind, strings.NewReader("different bytes"))
			require.NoError(t, err)
			assert.False(t, a.Equal(c))
		})
	}
}

func TestCompute_UnsupportedKind(t *testing.T) {
	_, _, err := cos.Compute(cos.Kind("rot13"), strings.NewReader("x"))
	require.Error(t, err)
}

func TestCksum_Empty(t *testing.T) {
	var zero cos.Cksum
	assert.True(t, zero.Empty())
	assert.Equal(t, "none", zero.String())

	assert.True(t, cos.Cksum{Kind: cos.KindNone}.Empty())
	assert.False(t, cos.Cksum{Kind: cos.KindMD5, Value: "abc"}.Empty())
}

func TestCksum_Equal(t *testing.T) {
	a := cos.Cksum{Kind: cos.KindXXHash, Value: "deadbeef"}
	b := cos.Cksum{Kind: cos.KindXXHash, Value: "deadbeef"}
	c := cos.Cksum{Kind: cos.KindMD5, Value: "deadbeef"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "different kinds never compare equal even with matching values")
	assert.False(t, a.Equal(cos.Cksum{}), "empty checksums never compare equal, even to themselves")
}
