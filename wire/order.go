// Package wire provides the low-level byte-oriented primitives used to
// marshal and unmarshal the DBus wire format: a growable little/big-endian
// writer and a cursor-based reader, both alignment-aware.
//
// Package wire knows nothing about DBus type signatures or the dbus
// package's Value type; it only understands byte order, padding, and the
// handful of framing primitives (strings, signatures, arrays) that are
// common to every DBus-derived wire format. Struct framing is left to
// callers, which align to 8 with [Writer.Align] and [Reader.Align].
package wire

import "encoding/binary"

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// ByteOrder is a DBus byte order: little-endian ('l') or big-endian ('B').
type ByteOrder struct {
	byteOrder
	flag byte
}

// Flag returns the wire byte-order marker for o ('l' or 'B').
func (o ByteOrder) Flag() byte { return o.flag }

var (
	LittleEndian = ByteOrder{binary.LittleEndian, 'l'}
	BigEndian    = ByteOrder{binary.BigEndian, 'B'}
)

// OrderForFlag returns the ByteOrder matching a wire byte-order marker, or
// false if b is not a recognized marker.
func OrderForFlag(b byte) (ByteOrder, bool) {
	switch b {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	default:
		return ByteOrder{}, false
	}
}

// Native returns the host's native byte order. New connections prefer this,
// since it avoids a byte-swap on every multi-byte field.
func Native() ByteOrder {
	if isBigEndianNative() {
		return BigEndian
	}
	return LittleEndian
}

func isBigEndianNative() bool {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], 0xABCD)
	return buf[0] == 0xAB
}
