// Package btree implements the typed secondary index: per (collection,
// field) an ordered mapping from scalar or string keys to document sets,
// with a bounded in-memory write log in front of an embedded key-value
// store.
package btree

import (
	"encoding/binary"
	"math"
	"strings"

	"golang.org/x/xerrors"
)

// Kind tags the value stored in a Key. The four canonical kinds mirror
// the separate per-type trees the index keeps: 32-bit values are widened
// on construction so that, say, an int32 5 and an int64 5 land on the
// same key.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindUint
	KindFloat
	KindString
)

// kindSuffix tags auxiliary entries recording every tail of a string
// key; suffix and substring queries scan these.
const kindSuffix Kind = 0x7F

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Key is a tagged scalar-or-string index key. The zero Key is invalid.
type Key struct {
	kind Kind
	num  uint64
	str  string
}

func Int32Key(v int32) Key   { return Key{kind: KindInt, num: uint64(int64(v))} }
func Int64Key(v int64) Key   { return Key{kind: KindInt, num: uint64(v)} }
func Uint32Key(v uint32) Key { return Key{kind: KindUint, num: uint64(v)} }
func Uint64Key(v uint64) Key { return Key{kind: KindUint, num: v} }
func Float32Key(v float32) Key {
	return Key{kind: KindFloat, num: math.Float64bits(float64(v))}
}
func Float64Key(v float64) Key {
	return Key{kind: KindFloat, num: math.Float64bits(v)}
}
func StringKey(v string) Key { return Key{kind: KindString, str: v} }

// Kind returns the key's tag.
func (k Key) Kind() Kind { return k.kind }

// Str returns the string payload of a KindString key.
func (k Key) Str() string { return k.str }

// Valid reports whether the key carries a kind.
func (k Key) Valid() bool {
	switch k.kind {
	case KindInt, KindUint, KindFloat, KindString:
		return true
	}
	return false
}

// orderBits maps the numeric payload onto a uint64 whose unsigned order
// equals the value order of the kind.
func (k Key) orderBits() uint64 {
	switch k.kind {
	case KindInt:
		return k.num ^ (1 << 63)
	case KindUint:
		return k.num
	case KindFloat:
		bits := k.num
		if bits&(1<<63) != 0 {
			return ^bits
		}
		return bits | 1<<63
	}
	return 0
}

// Compare orders two keys of the same kind. Comparing across kinds is a
// programming error surfaced as such.
func Compare(a, b Key) (int, error) {
	if a.kind != b.kind {
		return 0, xerrors.Errorf("btree: comparing %s key with %s key", a.kind, b.kind)
	}
	if a.kind == KindString {
		return strings.Compare(a.str, b.str), nil
	}
	av, bv := a.orderBits(), b.orderBits()
	switch {
	case av < bv:
		return -1, nil
	case av > bv:
		return 1, nil
	}
	return 0, nil
}

// keyPrefix encodes the (collection, field, kind) partition prefix.
// Big-endian ids keep the store partition-ordered.
func keyPrefix(col, field uint16, kind Kind) []byte {
	b := make([]byte, 5, 16)
	binary.BigEndian.PutUint16(b[0:], col)
	binary.BigEndian.PutUint16(b[2:], field)
	b[4] = byte(kind)
	return b
}

// encode produces the store key: partition prefix plus an
// order-preserving payload.
func (k Key) encode(col, field uint16) []byte {
	b := keyPrefix(col, field, k.kind)
	if k.kind == KindString {
		return append(b, k.str...)
	}
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], k.orderBits())
	return append(b, num[:]...)
}

// decodeKey reverses encode for keys within a known partition.
func decodeKey(kind Kind, payload []byte) (Key, error) {
	if kind == KindString {
		return StringKey(string(payload)), nil
	}
	if len(payload) != 8 {
		return Key{}, xerrors.Errorf("btree: %s payload of %d bytes", kind, len(payload))
	}
	bits := binary.BigEndian.Uint64(payload)
	switch kind {
	case KindInt:
		return Key{kind: KindInt, num: bits ^ (1 << 63)}, nil
	case KindUint:
		return Key{kind: KindUint, num: bits}, nil
	case KindFloat:
		if bits&(1<<63) != 0 {
			return Key{kind: KindFloat, num: bits &^ (1 << 63)}, nil
		}
		return Key{kind: KindFloat, num: ^bits}, nil
	}
	return Key{}, xerrors.Errorf("btree: decoding kind %d", kind)
}

// suffixSep separates the tail from the full key in suffix entries.
// String keys containing the separator byte cannot be served by suffix
// queries; the engine rejects them at insert time.
const suffixSep = 0x00

// suffixEntryKey encodes one (tail, full string) suffix entry.
func suffixEntryKey(col, field uint16, tail, full string) []byte {
	b := keyPrefix(col, field, kindSuffix)
	b = append(b, tail...)
	b = append(b, suffixSep)
	return append(b, full...)
}
