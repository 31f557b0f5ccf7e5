package method

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingTable(t *testing.T) {
	entries := []MapEntry{
		{NativePC: 0, BytecodePC: 0},
		{NativePC: 8, BytecodePC: 1},
		{NativePC: 24, BytecodePC: 5},
		{NativePC: 36, BytecodePC: 3}, // bytecode pc may go backward
	}

	b := EncodeMappingTable(entries)

	got, err := DecodeMappingTable(b)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = DecodeMappingTable(b[:len(b)-1])
	assert.Error(t, err)
}

func TestMappingTableEmpty(t *testing.T) {
	got, err := DecodeMappingTable(EncodeMappingTable(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVMapTable(t *testing.T) {
	entries := []VMapEntry{
		{Value: 3, InReg: true, Index: 19},
		{Value: 7, InReg: false, Index: 0},
		{Value: 12, InReg: true, Index: 26},
	}

	got, err := DecodeVMapTable(EncodeVMapTable(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestGCMap(t *testing.T) {
	entries := []GCMapEntry{
		{Key: 16, Live: 0},
		{Key: 48, Live: 1<<19 | 1<<20},
		{Key: 60, Live: 1 << 63},
	}

	got, err := DecodeGCMap(EncodeGCMap(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}
