package method

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULEB(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)} {
		b := AppendULEB(nil, v)

		got, n, err := ULEB(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, v, got, "value %d", v)
	}

	_, _, err := ULEB(nil)
	assert.Error(t, err)

	_, _, err = ULEB([]byte{0x80})
	assert.Error(t, err)
}

func TestSLEB(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, 1 << 40, -(1 << 40)} {
		b := AppendSLEB(nil, v)

		got, n, err := SLEB(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, v, got, "value %d", v)
	}

	_, _, err := SLEB([]byte{0x80, 0x80})
	assert.Error(t, err)
}

func TestLEBStream(t *testing.T) {
	var b []byte

	b = AppendULEB(b, 7)
	b = AppendSLEB(b, -300)
	b = AppendULEB(b, 1000)

	u, n, err := ULEB(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), u)
	b = b[n:]

	s, n, err := SLEB(b)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), s)
	b = b[n:]

	u, n, err = ULEB(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), u)
	assert.Len(t, b, n)
}
