package method

import "tlog.app/go/errors"

// Side tables correlating native code with bytecode. All three are
// entry-count-prefixed LEB128 buffers, opaque to callers beyond the
// encode/decode pairs here.

type (
	// MapEntry pairs a native pc offset with a bytecode pc.
	MapEntry struct {
		NativePC   uint32
		BytecodePC uint32
	}

	// VMapEntry records where an SSA value lives.
	VMapEntry struct {
		Value int
		InReg bool
		Index int // register number or spill slot
	}

	// GCMapEntry is a safepoint: Key is a native pc on the optimized
	// path, a bytecode pc on the baseline path; Live is a liveness
	// bitmask over registers or slots respectively.
	GCMapEntry struct {
		Key  uint32
		Live uint64
	}
)

// EncodeMappingTable delta-encodes entries sorted by native pc.
func EncodeMappingTable(entries []MapEntry) []byte {
	b := AppendULEB(nil, uint64(len(entries)))

	var lastNative, lastPC uint32

	for _, e := range entries {
		b = AppendULEB(b, uint64(e.NativePC-lastNative))
		b = AppendSLEB(b, int64(e.BytecodePC)-int64(lastPC))

		lastNative, lastPC = e.NativePC, e.BytecodePC
	}

	return b
}

func DecodeMappingTable(b []byte) (entries []MapEntry, err error) {
	cnt, n, err := ULEB(b)
	if err != nil {
		return nil, errors.Wrap(err, "count")
	}

	b = b[n:]

	var lastNative uint32
	var lastPC int64

	entries = make([]MapEntry, cnt)

	for i := range entries {
		dn, n, err := ULEB(b)
		if err != nil {
			return nil, errors.Wrap(err, "entry %d", i)
		}

		b = b[n:]

		dp, n, err := SLEB(b)
		if err != nil {
			return nil, errors.Wrap(err, "entry %d", i)
		}

		b = b[n:]

		lastNative += uint32(dn)
		lastPC += dp

		entries[i] = MapEntry{NativePC: lastNative, BytecodePC: uint32(lastPC)}
	}

	return entries, nil
}

func EncodeVMapTable(entries []VMapEntry) []byte {
	b := AppendULEB(nil, uint64(len(entries)))

	for _, e := range entries {
		b = AppendULEB(b, uint64(e.Value))

		kind := uint64(0)
		if !e.InReg {
			kind = 1
		}

		b = AppendULEB(b, kind)
		b = AppendULEB(b, uint64(e.Index))
	}

	return b
}

func DecodeVMapTable(b []byte) (entries []VMapEntry, err error) {
	cnt, n, err := ULEB(b)
	if err != nil {
		return nil, errors.Wrap(err, "count")
	}

	b = b[n:]

	entries = make([]VMapEntry, cnt)

	for i := range entries {
		var v [3]uint64

		for j := range v {
			v[j], n, err = ULEB(b)
			if err != nil {
				return nil, errors.Wrap(err, "entry %d", i)
			}

			b = b[n:]
		}

		entries[i] = VMapEntry{Value: int(v[0]), InReg: v[1] == 0, Index: int(v[2])}
	}

	return entries, nil
}

func EncodeGCMap(entries []GCMapEntry) []byte {
	b := AppendULEB(nil, uint64(len(entries)))

	for _, e := range entries {
		b = AppendULEB(b, uint64(e.Key))
		b = AppendULEB(b, e.Live)
	}

	return b
}

func DecodeGCMap(b []byte) (entries []GCMapEntry, err error) {
	cnt, n, err := ULEB(b)
	if err != nil {
		return nil, errors.Wrap(err, "count")
	}

	b = b[n:]

	entries = make([]GCMapEntry, cnt)

	for i := range entries {
		k, n, err := ULEB(b)
		if err != nil {
			return nil, errors.Wrap(err, "entry %d", i)
		}

		b = b[n:]

		l, n, err := ULEB(b)
		if err != nil {
			return nil, errors.Wrap(err, "entry %d", i)
		}

		b = b[n:]

		entries[i] = GCMapEntry{Key: uint32(k), Live: l}
	}

	return entries, nil
}
