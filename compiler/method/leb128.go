package method

import "tlog.app/go/errors"

// Table byte buffers are LEB128 encoded, the original format of the
// mapping/vmap/gc tables. Unsigned values use plain base-128 little
// endian groups; signed values sign-extend the last group.

func AppendULEB(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}

	return append(b, byte(v))
}

func AppendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7

		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}

		b = append(b, c|0x80)
	}
}

func ULEB(b []byte) (v uint64, n int, err error) {
	for sh := 0; n < len(b); sh += 7 {
		c := b[n]
		n++

		v |= uint64(c&0x7f) << sh

		if c&0x80 == 0 {
			return v, n, nil
		}
	}

	return 0, n, errors.New("truncated uleb128")
}

func SLEB(b []byte) (v int64, n int, err error) {
	sh := 0

	for n < len(b) {
		c := b[n]
		n++

		v |= int64(c&0x7f) << sh
		sh += 7

		if c&0x80 == 0 {
			if c&0x40 != 0 && sh < 64 {
				v |= -1 << sh
			}

			return v, n, nil
		}
	}

	return 0, n, errors.New("truncated sleb128")
}
