package kv

import (
	"encoding/binary"

	"github.com/foster-kv/fosterbtree/slotarray"
)

// Uint64PMNK extracts a poor-man's normalized key of width P from an
// unsigned 64-bit key by taking the sizeof(P) most-significant bytes of the
// key's big-endian representation and parsing them back as an unsigned
// integer of that width. Because the prefix is read big-endian, unsigned
// comparison of the resulting P value preserves the ordering of key — the
// same contract the original maintains via a double endianness swap over a
// raw union, expressed here without unsafe memory aliasing.
func Uint64PMNK[P slotarray.PMNK](key uint64) P {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], key)
	return parsePMNK[P](buf[:slotarray.PMNKWidth[P]()])
}

// BytesPMNK extracts a poor-man's normalized key of width P from a
// variable-length key, taking its first sizeof(P) bytes (zero-padded on the
// right if the key is shorter) and parsing them as a big-endian unsigned
// integer, preserving lexicographic order.
func BytesPMNK[P slotarray.PMNK](key string) P {
	width := slotarray.PMNKWidth[P]()
	buf := make([]byte, width)
	n := min(len(key), width)
	copy(buf, key[:n])
	return parsePMNK[P](buf)
}

// IdentityPMNK is used when the key type and the PMNK type coincide: no
// prefix extraction is needed, and no full key need be stored in the
// payload.
func IdentityPMNK[P slotarray.PMNK](key P) P { return key }

func parsePMNK[P slotarray.PMNK](b []byte) P {
	var zero P
	switch any(zero).(type) {
	case uint16:
		return P(binary.BigEndian.Uint16(b))
	case uint32:
		return P(binary.BigEndian.Uint32(b))
	case uint64:
		return P(binary.BigEndian.Uint64(b))
	default:
		panic("kv: unsupported pmnk width")
	}
}
