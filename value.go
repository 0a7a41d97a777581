package dbus

import (
	"fmt"
	"math"
)

// Kind identifies the shape of a [Value]: which field of the wire grammar
// it represents.
type Kind byte

const (
	KindInvalid    Kind = 0
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindUnixFD     Kind = 'h'
	KindVariant    Kind = 'v'
	KindStruct     Kind = '('
	KindArray      Kind = 'a'
	KindDictEntry  Kind = '{'
)

func (k Kind) String() string { return string(byte(k)) }

// A Value is a DBus value tagged with its own shape: one of the basic
// scalar kinds, a variant wrapping exactly one other Value, an ordered
// struct of fields, an ordered array of like-signatured elements, or a
// dict entry (legal only as an array element).
//
// Values are normally constructed with the kind-specific constructors
// ([Byte], [StructOf], [ArrayOf], ...) and consumed with the kind-specific
// accessors ([Value.ByteValue], [Value.Fields], ...). A Value's wire
// signature is always computable from its shape; [Value.Signature]
// computes it from the shape on each call and does not cache the result.
type Value struct {
	kind Kind

	num uint64 // byte, bool, int16/uint16, int32/uint32, int64/uint64, double (bits), unix fd
	str string // string, object path, signature

	elemSig Signature // array element signature, set explicitly so empty arrays still know their type
	items   []Value   // struct fields, array elements, or [key, value] for a dict entry

	sig *Signature // consulted by Signature when non-nil; Signature assigns it only on its receiver copy, so it stays nil
}

// Byte returns a byte value.
func Byte(v byte) Value { return Value{kind: KindByte, num: uint64(v)} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int16 returns an int16 value.
func Int16(v int16) Value { return Value{kind: KindInt16, num: uint64(uint16(v))} }

// Uint16 returns a uint16 value.
func Uint16(v uint16) Value { return Value{kind: KindUint16, num: uint64(v)} }

// Int32 returns an int32 value.
func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(uint32(v))} }

// Uint32 returns a uint32 value.
func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }

// Int64 returns an int64 value.
func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} }

// Uint64 returns a uint64 value.
func Uint64(v uint64) Value { return Value{kind: KindUint64, num: v} }

// Double returns a float64 value.
func Double(v float64) Value { return Value{kind: KindDouble, num: math.Float64bits(v)} }

// String returns a UTF-8 string value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// ObjectPathValue returns an object path value.
func ObjectPathValue(v ObjectPath) Value { return Value{kind: KindObjectPath, str: string(v)} }

// SignatureValue returns a signature value.
func SignatureValue(v Signature) Value { return Value{kind: KindSignature, str: string(v)} }

// UnixFD returns a value holding a numeric file descriptor handle. The
// codec never transfers the underlying descriptor, only this u32.
func UnixFD(v uint32) Value { return Value{kind: KindUnixFD, num: uint64(v)} }

// VariantOf wraps inner in a variant value. inner must not itself be
// absent; a variant always carries exactly one value.
func VariantOf(inner Value) Value {
	return Value{kind: KindVariant, items: []Value{inner}}
}

// StructOf returns a struct value with the given fields, in order. A
// struct with no fields is not a legal DBus value.
func StructOf(fields ...Value) Value {
	return Value{kind: KindStruct, items: fields}
}

// ArrayOf returns an array value whose elements all share elemSig. elemSig
// must be given explicitly (rather than inferred from elems) so that an
// empty array still carries a well-defined element type.
func ArrayOf(elemSig Signature, elems ...Value) Value {
	return Value{kind: KindArray, elemSig: elemSig, items: elems}
}

// DictEntryOf returns a dict-entry value. key must be a basic value, and
// val must not itself be a dict entry; DictEntryOf panics if either
// invariant is violated. A dict entry is only a legal DBus value as the
// element of an array.
func DictEntryOf(key, val Value) Value {
	if !key.Kind().isBasic() {
		panic(fmt.Sprintf("dbus: dict entry key must be a basic type, got %s", key.kind))
	}
	if val.kind == KindDictEntry {
		panic("dbus: dict entry value cannot itself be a dict entry")
	}
	return Value{kind: KindDictEntry, items: []Value{key, val}}
}

// Kind returns v's shape.
func (v Value) Kind() Kind { return v.kind }

func (k Kind) isBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32,
		KindInt64, KindUint64, KindDouble, KindString, KindObjectPath,
		KindSignature, KindUnixFD:
		return true
	default:
		return false
	}
}

// ByteValue returns v's value as a byte. It panics if v.Kind() != KindByte.
func (v Value) ByteValue() byte { v.mustBe(KindByte); return byte(v.num) }

// BoolValue returns v's value as a bool. It panics if v.Kind() != KindBool.
func (v Value) BoolValue() bool { v.mustBe(KindBool); return v.num != 0 }

// Int16Value returns v's value as an int16.
func (v Value) Int16Value() int16 { v.mustBe(KindInt16); return int16(uint16(v.num)) }

// Uint16Value returns v's value as a uint16.
func (v Value) Uint16Value() uint16 { v.mustBe(KindUint16); return uint16(v.num) }

// Int32Value returns v's value as an int32.
func (v Value) Int32Value() int32 { v.mustBe(KindInt32); return int32(uint32(v.num)) }

// Uint32Value returns v's value as a uint32.
func (v Value) Uint32Value() uint32 { v.mustBe(KindUint32); return uint32(v.num) }

// Int64Value returns v's value as an int64.
func (v Value) Int64Value() int64 { v.mustBe(KindInt64); return int64(v.num) }

// Uint64Value returns v's value as a uint64.
func (v Value) Uint64Value() uint64 { v.mustBe(KindUint64); return v.num }

// DoubleValue returns v's value as a float64.
func (v Value) DoubleValue() float64 { v.mustBe(KindDouble); return math.Float64frombits(v.num) }

// StringValue returns v's value as a string.
func (v Value) StringValue() string { v.mustBe(KindString); return v.str }

// ObjectPathValue returns v's value as an ObjectPath.
func (v Value) ObjectPathValue() ObjectPath { v.mustBe(KindObjectPath); return ObjectPath(v.str) }

// SignatureValue returns v's value as a Signature.
func (v Value) SignatureValue() Signature { v.mustBe(KindSignature); return Signature(v.str) }

// UnixFDValue returns v's numeric file descriptor handle.
func (v Value) UnixFDValue() uint32 { v.mustBe(KindUnixFD); return uint32(v.num) }

// Variant returns the single value wrapped by v. It panics if v.Kind() !=
// KindVariant.
func (v Value) Variant() Value { v.mustBe(KindVariant); return v.items[0] }

// Fields returns a struct's fields, in declaration order, or a dict
// entry's [key, value] pair.
func (v Value) Fields() []Value {
	if v.kind != KindStruct && v.kind != KindDictEntry {
		panic(fmt.Sprintf("dbus: Fields called on a %s value", v.kind))
	}
	return v.items
}

// Elements returns an array's elements, in order.
func (v Value) Elements() []Value { v.mustBe(KindArray); return v.items }

// DictKey returns a dict entry's key.
func (v Value) DictKey() Value { v.mustBe(KindDictEntry); return v.items[0] }

// DictVal returns a dict entry's value.
func (v Value) DictVal() Value { v.mustBe(KindDictEntry); return v.items[1] }

func (v Value) mustBe(k Kind) {
	if v.kind != k {
		panic(fmt.Sprintf("dbus: called a %s accessor on a %s value", k, v.kind))
	}
}

// Signature returns v's wire type signature.
func (v Value) Signature() Signature {
	if v.sig != nil {
		return *v.sig
	}
	sig := v.computeSignature()
	v.sig = &sig
	return sig
}

func (v Value) computeSignature() Signature {
	switch v.kind {
	case KindStruct:
		var s string
		for _, f := range v.items {
			s += f.Signature().String()
		}
		return Signature("(" + s + ")")
	case KindArray:
		return Signature("a" + v.elemSig.String())
	case KindDictEntry:
		return Signature("{" + v.items[0].Signature().String() + v.items[1].Signature().String() + "}")
	case KindVariant:
		return Signature("v")
	default:
		return Signature(string(byte(v.kind)))
	}
}

// Equal reports whether v and other have the same shape and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindStruct, KindArray, KindDictEntry, KindVariant:
		if v.kind == KindArray && v.elemSig != other.elemSig {
			return false
		}
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case KindString, KindObjectPath, KindSignature:
		return v.str == other.str
	default:
		return v.num == other.num
	}
}

// ArrayOfDict builds an array-of-dict-entry Value (signature a{KV}) from an
// ordered list of key/value pairs. Later duplicate keys win, matching the
// wire decode rule for dictionaries.
func ArrayOfDict(keySig, valSig Signature, entries ...[2]Value) Value {
	elemSig := Signature("{" + keySig.String() + valSig.String() + "}")
	byKey := map[string]int{}
	var items []Value
	for _, kv := range entries {
		k := kv[0].cacheKey()
		if i, ok := byKey[k]; ok {
			items[i] = DictEntryOf(kv[0], kv[1])
			continue
		}
		byKey[k] = len(items)
		items = append(items, DictEntryOf(kv[0], kv[1]))
	}
	return ArrayOf(elemSig, items...)
}

// cacheKey returns a comparable representation of a basic value, suitable
// for use as a Go map key when folding duplicate dict keys.
func (v Value) cacheKey() string {
	switch v.kind {
	case KindString, KindObjectPath, KindSignature:
		return string(byte(v.kind)) + v.str
	default:
		return string(byte(v.kind)) + fmt.Sprint(v.num)
	}
}
