package method

import (
	"sort"

	"tlog.app/go/tlog/tlwire"
)

type (
	// SrcMapElem maps a native code offset (From) to a source line (To).
	SrcMapElem struct {
		From uint32
		To   int32
	}

	SrcMap []SrcMapElem
)

// key orders elements by source line first, native offset second. Used
// for line lookup only; delta encoding sorts by native offset instead.
func (e SrcMapElem) key() int64 {
	return int64(e.To)<<32 | int64(e.From)
}

// Arrange sorts by (line, offset), drops exact duplicates and compacts
// the storage. Idempotent.
func (m SrcMap) Arrange() SrcMap {
	if len(m) == 0 {
		return m
	}

	sort.Slice(m, func(i, j int) bool { return m[i].key() < m[j].key() })

	out := m[:1]

	for _, e := range m[1:] {
		if e == out[len(out)-1] {
			continue
		}

		out = append(out, e)
	}

	return out[:len(out):len(out)]
}

func (m SrcMap) SortByFrom() {
	sort.Slice(m, func(i, j int) bool { return m[i].From < m[j].From })
}

// FindByLine returns the index of the first element not below the
// line, len(m) if there is none. m must be Arranged.
func (m SrcMap) FindByLine(line int32) int {
	k := SrcMapElem{To: line}.key()

	return sort.Search(len(m), func(i int) bool { return m[i].key() >= k })
}

// DeltaFormat converts the map to consecutive differences suitable for
// compact serialization: entries are sorted by native offset, trailing
// entries at or above highestPC are dropped (the first entry always
// survives), and each entry from index 1 on becomes the difference
// with its predecessor. The first entry is made relative to start;
// its native offset must not precede start's.
//
// Prefix-summing from start recovers the trimmed offset-sorted map.
func (m *SrcMap) DeltaFormat(start SrcMapElem, highestPC uint32) {
	s := *m
	if len(s) == 0 {
		return
	}

	s.SortByFrom()

	i := len(s) - 1
	for ; i > 0; i-- {
		if s[i].From < highestPC {
			break
		}
	}

	s = s[:i+1]

	for i = len(s) - 1; i >= 1; i-- {
		s[i].From -= s[i-1].From
		s[i].To -= s[i-1].To
	}

	if s[0].From < start.From {
		panic("source map starts before the reference point")
	}

	s[0].From -= start.From
	s[0].To -= start.To

	*m = s
}

// EncodeSrcMap serializes a delta-formatted map: entry count, then
// (uleb offset delta, sleb line delta) pairs.
func EncodeSrcMap(m SrcMap) []byte {
	b := AppendULEB(nil, uint64(len(m)))

	for _, e := range m {
		b = AppendULEB(b, uint64(e.From))
		b = AppendSLEB(b, int64(e.To))
	}

	return b
}

func DecodeSrcMap(b []byte) (m SrcMap, err error) {
	cnt, n, err := ULEB(b)
	if err != nil {
		return nil, err
	}

	b = b[n:]

	m = make(SrcMap, cnt)

	for i := range m {
		f, n, err := ULEB(b)
		if err != nil {
			return nil, err
		}

		b = b[n:]

		t, n, err := SLEB(b)
		if err != nil {
			return nil, err
		}

		b = b[n:]

		m[i] = SrcMapElem{From: uint32(f), To: int32(t)}
	}

	return m, nil
}

func (e SrcMapElem) TlogAppend(b []byte) []byte {
	var enc tlwire.LowEncoder

	b = enc.AppendTag(b, tlwire.Array, 2)
	b = enc.AppendInt(b, int(e.From))
	b = enc.AppendInt(b, int(e.To))

	return b
}
