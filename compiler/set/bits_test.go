package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBits(t *testing.T) {
	var s Bits[int]

	for _, v := range []int{1, 64, 100, 3} {
		s.Add(v)
	}

	assert.Equal(t, 4, s.Size())
	assert.True(t, s.Has(1))
	assert.True(t, s.Has(64))
	assert.False(t, s.Has(2))
	assert.False(t, s.Has(1000))

	s.Del(64)
	assert.False(t, s.Has(64))
	assert.Equal(t, 3, s.Size())

	s.Add(1)
	assert.Equal(t, 3, s.Size())
}

func TestBitsRange(t *testing.T) {
	s := Make[int](128)

	for _, v := range []int{100, 3, 65, 0} {
		s.Add(v)
	}

	var got []int

	s.Range(func(v int) bool {
		got = append(got, v)

		return true
	})

	assert.Equal(t, []int{0, 3, 65, 100}, got)

	got = got[:0]

	s.Range(func(v int) bool {
		got = append(got, v)

		return len(got) < 2
	})

	assert.Equal(t, []int{0, 3}, got)
}

func TestBitsOr(t *testing.T) {
	var a, b Bits[int]

	a.Add(1)
	a.Add(70)

	b.Add(70)
	b.Add(2)

	changed := a.Or(b)
	assert.True(t, changed)
	assert.Equal(t, 3, a.Size())

	changed = a.Or(b)
	assert.False(t, changed)
	assert.Equal(t, 3, a.Size())
}

func TestBitsAndNot(t *testing.T) {
	var a, b Bits[int]

	for _, v := range []int{1, 2, 3, 200} {
		a.Add(v)
	}

	b.Add(2)
	b.Add(200)
	b.Add(5)

	a.AndNot(b)

	assert.True(t, a.Has(1))
	assert.True(t, a.Has(3))
	assert.False(t, a.Has(2))
	assert.False(t, a.Has(200))
}

func TestBitsCopy(t *testing.T) {
	var a Bits[int]

	a.Add(7)

	b := a.Copy()
	b.Add(8)

	assert.False(t, a.Has(8))
	assert.True(t, b.Has(7))

	a.Reset()
	assert.Equal(t, 0, a.Size())
	assert.True(t, b.Has(7))
}
