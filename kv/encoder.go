// Package kv implements the KeyValueArray layer: it gives a slotarray.Array
// types, by layering a key encoder, a value encoder, and a PMNK extraction
// policy over the raw slot payload. This mirrors the Encoder policy from
// Caetano Sauer's foster-btree (original_source/src/encoding.h), expressed
// as Go values instead of C++ template parameters.
package kv

import (
	"bytes"
	"encoding/binary"
)

// Encoder is a stateless policy for encoding and decoding one field of a
// key or value. It owns no memory: every method operates on caller-supplied
// buffers.
type Encoder[T any] interface {
	// EncodedLen returns the span a decoded value v would occupy once encoded.
	EncodedLen(v T) int
	// EncodedLenFromBytes reads only as much of an already-encoded instance
	// as needed to learn its total span, without fully decoding it.
	EncodedLenFromBytes(b []byte) int
	// Encode writes v into dest and returns the number of bytes written.
	Encode(v T, dest []byte) int
	// Decode reads one encoded instance from src into out (skipped if nil)
	// and returns the number of bytes consumed.
	Decode(src []byte, out *T) int
}

// AssignmentEncoder copies a fixed-size scalar value verbatim, the Go
// analog of the original's memcpy-based assignment encoder.
type AssignmentEncoder[T any] struct{}

func (AssignmentEncoder[T]) EncodedLen(T) int {
	var zero T
	return binary.Size(zero)
}

func (AssignmentEncoder[T]) EncodedLenFromBytes([]byte) int {
	var zero T
	return binary.Size(zero)
}

func (AssignmentEncoder[T]) Encode(v T, dest []byte) int {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return copy(dest, buf.Bytes())
}

func (AssignmentEncoder[T]) Decode(src []byte, out *T) int {
	var zero T
	n := binary.Size(zero)
	if out != nil {
		_ = binary.Read(bytes.NewReader(src[:n]), binary.LittleEndian, out)
	}
	return n
}

// InlineStringEncoder encodes a string as a 16-bit little-endian length
// prefix followed by the raw bytes, for variable-length payload
// format.
type InlineStringEncoder struct{}

func (InlineStringEncoder) EncodedLen(v string) int { return 2 + len(v) }

func (InlineStringEncoder) EncodedLenFromBytes(b []byte) int {
	return 2 + int(binary.LittleEndian.Uint16(b[:2]))
}

func (InlineStringEncoder) Encode(v string, dest []byte) int {
	binary.LittleEndian.PutUint16(dest[:2], uint16(len(v)))
	return 2 + copy(dest[2:], v)
}

func (InlineStringEncoder) Decode(src []byte, out *string) int {
	l := int(binary.LittleEndian.Uint16(src[:2]))
	if out != nil {
		*out = string(src[2 : 2+l])
	}
	return 2 + l
}

// DummyEncoder is the zero-width encoder used when the full key is
// recoverable from the PMNK alone, so nothing needs to be stored in the
// payload.
type DummyEncoder[T any] struct{}

func (DummyEncoder[T]) EncodedLen(T) int               { return 0 }
func (DummyEncoder[T]) EncodedLenFromBytes([]byte) int { return 0 }
func (DummyEncoder[T]) Encode(T, []byte) int           { return 0 }
func (DummyEncoder[T]) Decode([]byte, *T) int          { return 0 }

// FieldCodec is a type-erased Encoder, used to build Tuple field lists
// where each field may have a different underlying Go type.
type FieldCodec struct {
	EncodedLen           func(v any) int
	EncodedLenFromBytes  func(b []byte) int
	Encode               func(v any, dest []byte) int
	Decode               func(src []byte, out *any) int
}

// ScalarField adapts an AssignmentEncoder[T] into a FieldCodec, for use as
// one element of a TupleEncoder.Fields list.
func ScalarField[T any]() FieldCodec {
	enc := AssignmentEncoder[T]{}
	return FieldCodec{
		EncodedLen:          func(v any) int { return enc.EncodedLen(v.(T)) },
		EncodedLenFromBytes: enc.EncodedLenFromBytes,
		Encode:              func(v any, dest []byte) int { return enc.Encode(v.(T), dest) },
		Decode: func(src []byte, out *any) int {
			var t T
			n := enc.Decode(src, &t)
			if out != nil {
				*out = t
			}
			return n
		},
	}
}

// BytesField adapts an InlineStringEncoder into a FieldCodec, for use as one
// element of a TupleEncoder.Fields list.
func BytesField() FieldCodec {
	enc := InlineStringEncoder{}
	return FieldCodec{
		EncodedLen:          func(v any) int { return enc.EncodedLen(v.(string)) },
		EncodedLenFromBytes: enc.EncodedLenFromBytes,
		Encode:              func(v any, dest []byte) int { return enc.Encode(v.(string), dest) },
		Decode: func(src []byte, out *any) int {
			var s string
			n := enc.Decode(src, &s)
			if out != nil {
				*out = s
			}
			return n
		},
	}
}

// Tuple is the concatenation of recursively encoded fields, mirroring
// encoding.h's TupleEncodingHelper. The field types are carried by the
// matching TupleEncoder.Fields list, not by Tuple itself.
type Tuple []any

// TupleEncoder recurses over Fields to encode/decode a Tuple, stopping at
// len(Fields) the way the original's compile-time recursion stops at the
// tuple's arity. The "allocate an unowned tuple when no output buffer is
// given" path flagged as dead code in the original is intentionally not
// reproduced: Decode with out == nil still walks the bytes to compute a
// length but never retains the decoded values.
type TupleEncoder struct {
	Fields []FieldCodec
}

func (t TupleEncoder) EncodedLen(v Tuple) int {
	n := 0
	for i, f := range t.Fields {
		n += f.EncodedLen(v[i])
	}
	return n
}

func (t TupleEncoder) EncodedLenFromBytes(b []byte) int {
	n, off := 0, 0
	for _, f := range t.Fields {
		l := f.EncodedLenFromBytes(b[off:])
		n += l
		off += l
	}
	return n
}

func (t TupleEncoder) Encode(v Tuple, dest []byte) int {
	off := 0
	for i, f := range t.Fields {
		off += f.Encode(v[i], dest[off:])
	}
	return off
}

func (t TupleEncoder) Decode(src []byte, out *Tuple) int {
	off := 0
	var vals Tuple
	if out != nil {
		vals = make(Tuple, len(t.Fields))
	}
	for i, f := range t.Fields {
		var val any
		var n int
		if out != nil {
			n = f.Decode(src[off:], &val)
			vals[i] = val
		} else {
			n = f.Decode(src[off:], nil)
		}
		off += n
	}
	if out != nil {
		*out = vals
	}
	return off
}
