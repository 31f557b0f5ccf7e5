package method

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrange(t *testing.T) {
	m := SrcMap{
		{From: 30, To: 5},
		{From: 10, To: 2},
		{From: 10, To: 2},
		{From: 20, To: 2},
	}

	m = m.Arrange()

	require.Equal(t, SrcMap{{From: 10, To: 2}, {From: 20, To: 2}, {From: 30, To: 5}}, m)

	// idempotent
	assert.Equal(t, m, m.Arrange())
}

func TestFindByLine(t *testing.T) {
	m := SrcMap{
		{From: 10, To: 2},
		{From: 20, To: 2},
		{From: 30, To: 5},
	}.Arrange()

	assert.Equal(t, 0, m.FindByLine(1))
	assert.Equal(t, 0, m.FindByLine(2))
	assert.Equal(t, 2, m.FindByLine(3))
	assert.Equal(t, 2, m.FindByLine(5))
	assert.Equal(t, 3, m.FindByLine(6))
}

func TestDeltaFormat(t *testing.T) {
	m := SrcMap{
		{From: 30, To: 5},
		{From: 10, To: 2},
		{From: 20, To: 2},
	}

	m.DeltaFormat(SrcMapElem{From: 10, To: 2}, 25)

	require.Equal(t, SrcMap{{From: 0, To: 0}, {From: 10, To: 0}}, m)

	// prefix sums from the reference point recover the map
	got := append(SrcMap{}, m...)

	got[0].From += 10
	got[0].To += 2

	for i := 1; i < len(got); i++ {
		got[i].From += got[i-1].From
		got[i].To += got[i-1].To
	}

	assert.Equal(t, SrcMap{{From: 10, To: 2}, {From: 20, To: 2}}, got)
}

func TestDeltaFormatKeepsFirst(t *testing.T) {
	// the first entry survives trimming even past highestPC
	m := SrcMap{{From: 30, To: 5}}

	m.DeltaFormat(SrcMapElem{}, 10)

	assert.Equal(t, SrcMap{{From: 30, To: 5}}, m)
}

func TestDeltaFormatBadStart(t *testing.T) {
	m := SrcMap{{From: 30, To: 5}}

	assert.Panics(t, func() {
		m.DeltaFormat(SrcMapElem{From: 40}, 100)
	})
}

func TestSrcMapEncoding(t *testing.T) {
	m := SrcMap{
		{From: 0, To: -3},
		{From: 12, To: 200},
		{From: 1 << 20, To: 0},
	}

	got, err := DecodeSrcMap(EncodeSrcMap(m))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = DecodeSrcMap(EncodeSrcMap(m)[:3])
	assert.Error(t, err)
}
