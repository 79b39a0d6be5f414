package util

import (
	"github.com/vmihailenco/msgpack"
)

// ToByteSlice msgpack-encodes obj into a zero-padded, pageSize-sized buffer.
// It is used only for the tree's header page (root page id, tree metadata)
// — bookkeeping that has no fixed on-page layout to preserve
// §6. The core page format (slot directory, PMNK, payload heap, fences) is
// never routed through this function; it is hand-packed with
// encoding/binary instead. The caller passes the header page's length; the
// size is a parameter rather than an import to keep this package import-free of the
// disk package it is used alongside.
func ToByteSlice[T any](obj T, pageSize int) ([]byte, error) {
	res := make([]byte, pageSize)

	data, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, Wrap(err, "marshal header page")
	}
	if len(data) > len(res) {
		return nil, Wrapf(ErrNoSpace, "header page payload %d exceeds page size %d", len(data), len(res))
	}
	copy(res, data)

	return res, nil
}

// ToStruct decodes a header page previously produced by ToByteSlice.
func ToStruct[T any](data []byte) (T, error) {
	var res T

	if err := msgpack.Unmarshal(data, &res); err != nil {
		return res, Wrap(err, "unmarshal header page")
	}

	return res, nil
}
