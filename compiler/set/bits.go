package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int32 | ~int64
	}

	// Bits is a dense bitset keyed by small non-negative values.
	Bits[K Key] struct {
		b []uint64
	}
)

func Make[K Key](size int) Bits[K] {
	return Bits[K]{
		b: make([]uint64, (size+63)/64),
	}
}

func (s Bits[K]) Copy() Bits[K] {
	c := Bits[K]{
		b: make([]uint64, len(s.b)),
	}

	copy(c.b, s.b)

	return c
}

func (s *Bits[K]) Add(k K) {
	i, j := ij(k)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s *Bits[K]) Del(k K) {
	i, j := ij(k)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s Bits[K]) Has(k K) bool {
	i, j := ij(k)

	if i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

// Or merges x into s and reports whether s changed.
func (s *Bits[K]) Or(x Bits[K]) (changed bool) {
	s.grow(len(x.b) - 1)

	for i, w := range x.b {
		if s.b[i]|w != s.b[i] {
			changed = true
		}

		s.b[i] |= w
	}

	return changed
}

func (s Bits[K]) And(x Bits[K]) {
	n := min(len(s.b), len(x.b))

	for i := range s.b {
		if i < n {
			s.b[i] &= x.b[i]
		} else {
			s.b[i] = 0
		}
	}
}

func (s Bits[K]) AndNot(x Bits[K]) {
	n := min(len(s.b), len(x.b))

	for i, w := range x.b[:n] {
		s.b[i] &^= w
	}
}

func (s Bits[K]) Size() (r int) {
	for _, w := range s.b {
		r += bits.OnesCount64(w)
	}

	return r
}

func (s *Bits[K]) Reset() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (s Bits[K]) Range(f func(k K) bool) {
	for i, w := range s.b {
		for w != 0 {
			j := bits.TrailingZeros64(w)
			w &^= 1 << j

			if !f(K(i*64 + j)) {
				return
			}
		}
	}
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func ij[K Key](k K) (i, j int) {
	return int(k) / 64, int(k) % 64
}

func (s *Bits[K]) grow(i int) {
	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}
}
