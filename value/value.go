// Package value implements the tagged union stored against every key and
// its on-disk packed form: small, fixed-width values (integers, floats)
// live inline in a B-tree entry; anything else (strings, byte blobs, wide
// strings) is spilled into its own chunk chain and referenced by UID. A Go
// tagged struct plays the role of the original's std::variant — there is
// no runtime type-erasure concern to solve, just a Kind tag and a shaped
// union of typed fields.
package value

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/shelfdb/shelfdb/chunkfile"
)

// Kind identifies which alternative of Value is populated.
type Kind uint8

const (
	KindUint32 Kind = iota
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindWideString
	// KindNone marks a path segment materialized only to carry children —
	// a path prefix with no value of its own (e.g. "/a" when only "/a/b"
	// was ever Put). The original's ValueT has no such alternative; Go's
	// tagged struct can represent it cleanly with a dedicated Kind instead
	// of requiring every ancestor segment to carry a real value.
	KindNone
)

// ErrUnknownKind is returned when a PackedValue carries a type index this
// build does not recognize (e.g. written by a newer version).
var ErrUnknownKind = errors.New("value: unknown kind")

// Value is the tagged union held against a key. Exactly one field is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	U32   uint32
	U64   uint64
	F32   float32
	F64   float64
	Str   string
	Bytes []byte
	Wide  []uint16 // UTF-16 code units, for the StreamCharT=char16_t case
}

func Uint32(v uint32) Value       { return Value{Kind: KindUint32, U32: v} }
func Uint64(v uint64) Value       { return Value{Kind: KindUint64, U64: v} }
func Float32(v float32) Value     { return Value{Kind: KindFloat32, F32: v} }
func Float64(v float64) Value     { return Value{Kind: KindFloat64, F64: v} }
func String(v string) Value       { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value        { return Value{Kind: KindBytes, Bytes: v} }
func WideString(v []uint16) Value { return Value{Kind: KindWideString, Wide: v} }

// None is the sentinel "no value, container only" alternative.
func None() Value { return Value{Kind: KindNone} }

// IsNone reports whether v carries no real value.
func (v Value) IsNone() bool { return v.Kind == KindNone }

// IsBlob reports whether k's representation is a separately stored chunk
// chain rather than an inline 8-byte payload, mirroring is_blob_type<T> in
// the original: every integral/float alternative is inline, every string
// alternative is a blob, regardless of how short its content happens to be.
func (k Kind) IsBlob() bool {
	switch k {
	case KindUint32, KindUint64, KindFloat32, KindFloat64:
		return false
	case KindString, KindBytes, KindWideString:
		return true
	default:
		return false
	}
}

// PackedValue is the 16-byte on-disk representation stored inside a B-tree
// entry: a type tag plus either an inline payload or a blob chain UID.
type PackedValue struct {
	Kind    Kind
	Payload uint64 // inline value, or chunkfile.ChunkUid of the blob chain
}

// Pack stores v against an open transaction, writing a fresh blob chain
// for blob kinds or packing the value inline otherwise.
func Pack(tx *chunkfile.Transaction, v Value) (PackedValue, error) {
	switch v.Kind {
	case KindNone:
		return PackedValue{Kind: v.Kind}, nil
	case KindUint32:
		return PackedValue{Kind: v.Kind, Payload: uint64(v.U32)}, nil
	case KindUint64:
		return PackedValue{Kind: v.Kind, Payload: v.U64}, nil
	case KindFloat32:
		return PackedValue{Kind: v.Kind, Payload: uint64(math.Float32bits(v.F32))}, nil
	case KindFloat64:
		return PackedValue{Kind: v.Kind, Payload: math.Float64bits(v.F64)}, nil
	case KindString:
		uid, err := tx.WriteChain([]byte(v.Str))
		if err != nil {
			return PackedValue{}, err
		}
		return PackedValue{Kind: v.Kind, Payload: uint64(uid)}, nil
	case KindBytes:
		uid, err := tx.WriteChain(v.Bytes)
		if err != nil {
			return PackedValue{}, err
		}
		return PackedValue{Kind: v.Kind, Payload: uint64(uid)}, nil
	case KindWideString:
		uid, err := tx.WriteChain(encodeWide(v.Wide))
		if err != nil {
			return PackedValue{}, err
		}
		return PackedValue{Kind: v.Kind, Payload: uint64(uid)}, nil
	default:
		return PackedValue{}, ErrUnknownKind
	}
}

// Repack replaces the value addressed by an existing PackedValue in place,
// reusing the prior blob's chain UID (via chunkfile's UID-preserving
// overwrite) when both the old and new kinds are blobs; otherwise it
// behaves exactly like Pack. Keeping the blob's UID lets a value be updated
// without perturbing any other structure that references that chunk UID;
// the volume's Put does not call it.
func Repack(tx *chunkfile.Transaction, old PackedValue, v Value) (PackedValue, error) {
	if !old.Kind.IsBlob() || !v.Kind.IsBlob() {
		if old.Kind.IsBlob() {
			if err := tx.EraseChain(chunkfile.ChunkUid(old.Payload)); err != nil {
				return PackedValue{}, err
			}
		}
		return Pack(tx, v)
	}

	data, err := encodeBlob(v)
	if err != nil {
		return PackedValue{}, err
	}
	head := chunkfile.ChunkUid(old.Payload)
	if err := tx.OverwriteChain(head, data); err != nil {
		return PackedValue{}, err
	}
	return PackedValue{Kind: v.Kind, Payload: uint64(head)}, nil
}

func encodeBlob(v Value) ([]byte, error) {
	switch v.Kind {
	case KindString:
		return []byte(v.Str), nil
	case KindBytes:
		return v.Bytes, nil
	case KindWideString:
		return encodeWide(v.Wide), nil
	default:
		return nil, ErrUnknownKind
	}
}

// Unpack reads a PackedValue back into a Value, fetching its blob chain
// from f when the kind requires it.
func Unpack(f *chunkfile.File, pv PackedValue) (Value, error) {
	switch pv.Kind {
	case KindNone:
		return Value{Kind: pv.Kind}, nil
	case KindUint32:
		return Value{Kind: pv.Kind, U32: uint32(pv.Payload)}, nil
	case KindUint64:
		return Value{Kind: pv.Kind, U64: pv.Payload}, nil
	case KindFloat32:
		return Value{Kind: pv.Kind, F32: math.Float32frombits(uint32(pv.Payload))}, nil
	case KindFloat64:
		return Value{Kind: pv.Kind, F64: math.Float64frombits(pv.Payload)}, nil
	case KindString:
		data, err := f.ReadChain(chunkfile.ChunkUid(pv.Payload))
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: pv.Kind, Str: string(data)}, nil
	case KindBytes:
		data, err := f.ReadChain(chunkfile.ChunkUid(pv.Payload))
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: pv.Kind, Bytes: data}, nil
	case KindWideString:
		data, err := f.ReadChain(chunkfile.ChunkUid(pv.Payload))
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: pv.Kind, Wide: decodeWide(data)}, nil
	default:
		return Value{}, ErrUnknownKind
	}
}

// Delete releases a PackedValue's backing blob chain, a no-op for inline
// kinds.
func Delete(tx *chunkfile.Transaction, pv PackedValue) error {
	if !pv.Kind.IsBlob() {
		return nil
	}
	return tx.EraseChain(chunkfile.ChunkUid(pv.Payload))
}

// encodeWide/decodeWide store a []uint16 as big-endian pairs, the
// StreamCharT=char16_t case from the original: the stream hint says how
// many bytes make one character so a reader on a different-endian machine
// still round-trips correctly, which a platform-native byte dump would not.
func encodeWide(w []uint16) []byte {
	b := make([]byte, len(w)*2)
	for i, c := range w {
		binary.BigEndian.PutUint16(b[i*2:], c)
	}
	return b
}

func decodeWide(b []byte) []uint16 {
	w := make([]uint16, len(b)/2)
	for i := range w {
		w[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return w
}
