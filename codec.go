package dbus

import (
	"fmt"

	"github.com/busline/dbus/wire"
)

// marshal writes v to w, following v's own shape. Values carry their own
// signature, so marshal never re-parses a signature string: it switches on
// v.Kind() and recurses into containers directly.
func marshal(w *wire.Writer, v Value) error {
	switch v.kind {
	case KindByte:
		w.WriteByte(v.ByteValue())
	case KindBool:
		w.WriteBool(v.BoolValue())
	case KindInt16:
		w.WriteInt16(v.Int16Value())
	case KindUint16:
		w.WriteUint16(v.Uint16Value())
	case KindInt32:
		w.WriteInt32(v.Int32Value())
	case KindUint32:
		w.WriteUint32(v.Uint32Value())
	case KindInt64:
		w.WriteInt64(v.Int64Value())
	case KindUint64:
		w.WriteUint64(v.Uint64Value())
	case KindDouble:
		w.WriteFloat64(v.DoubleValue())
	case KindString:
		w.WriteString(v.StringValue())
	case KindObjectPath:
		w.WriteObjectPath(string(v.ObjectPathValue()))
	case KindSignature:
		w.WriteSignature(v.SignatureValue().String())
	case KindUnixFD:
		w.WriteUnixFD(v.UnixFDValue())
	case KindVariant:
		return marshalVariant(w, v)
	case KindStruct:
		return marshalStruct(w, v)
	case KindArray:
		return marshalArray(w, v)
	case KindDictEntry:
		return marshalDictEntry(w, v)
	default:
		return fmt.Errorf("dbus: cannot marshal value of kind %q", v.kind)
	}
	return nil
}

func marshalVariant(w *wire.Writer, v Value) error {
	inner := v.Variant()
	w.WriteSignature(inner.Signature().String())
	return marshal(w, inner)
}

func marshalStruct(w *wire.Writer, v Value) error {
	fields := v.Fields()
	if len(fields) == 0 {
		return fmt.Errorf("dbus: cannot marshal an empty struct")
	}
	w.Align(8)
	for _, f := range fields {
		if err := marshal(w, f); err != nil {
			return err
		}
	}
	return nil
}

func marshalDictEntry(w *wire.Writer, v Value) error {
	w.Align(8)
	if err := marshal(w, v.DictKey()); err != nil {
		return err
	}
	return marshal(w, v.DictVal())
}

func marshalArray(w *wire.Writer, v Value) error {
	// Parse the whole array signature so that a dict-entry element is
	// accepted in its array context.
	arrTypes, err := v.Signature().Types()
	if err != nil {
		return fmt.Errorf("dbus: array element signature %q: %w", v.elemSig, err)
	}
	if len(arrTypes) != 1 {
		return fmt.Errorf("dbus: array element signature %q is not a single complete type", v.elemSig)
	}
	itemAlign := arrTypes[0].Elem.Align()

	w.Align(4)
	lenOffset := w.Len()
	w.WriteUint32(0)
	w.Align(itemAlign)
	start := w.Len()
	for _, elem := range v.Elements() {
		if err := marshal(w, elem); err != nil {
			return err
		}
	}
	w.SetUint32(lenOffset, uint32(w.Len()-start))
	return nil
}

// unmarshal reads one value of type t from r.
func unmarshal(r *wire.Reader, t Type) (Value, error) {
	if err := r.Align(t.Align()); err != nil {
		return Value{}, err
	}
	switch t.Code {
	case 'y':
		v, err := r.ReadByte()
		return Byte(v), err
	case 'b':
		v, err := r.ReadBool()
		return Bool(v), err
	case 'n':
		v, err := r.ReadInt16()
		return Int16(v), err
	case 'q':
		v, err := r.ReadUint16()
		return Uint16(v), err
	case 'i':
		v, err := r.ReadInt32()
		return Int32(v), err
	case 'u':
		v, err := r.ReadUint32()
		return Uint32(v), err
	case 'x':
		v, err := r.ReadInt64()
		return Int64(v), err
	case 't':
		v, err := r.ReadUint64()
		return Uint64(v), err
	case 'd':
		v, err := r.ReadFloat64()
		return Double(v), err
	case 's':
		v, err := r.ReadString()
		return String(v), err
	case 'o':
		v, err := r.ReadObjectPath()
		return ObjectPathValue(ObjectPath(v)), err
	case 'g':
		v, err := r.ReadSignature()
		return SignatureValue(Signature(v)), err
	case 'h':
		v, err := r.ReadUnixFD()
		return UnixFD(v), err
	case 'v':
		return unmarshalVariant(r)
	case '(':
		return unmarshalStruct(r, t)
	case 'a':
		return unmarshalArray(r, t)
	case '{':
		key, err := unmarshal(r, t.Fields[0])
		if err != nil {
			return Value{}, err
		}
		val, err := unmarshal(r, t.Fields[1])
		if err != nil {
			return Value{}, err
		}
		return DictEntryOf(key, val), nil
	default:
		return Value{}, fmt.Errorf("dbus: cannot unmarshal type code %q", t.Code)
	}
}

func unmarshalVariant(r *wire.Reader) (Value, error) {
	sigStr, err := r.ReadSignature()
	if err != nil {
		return Value{}, err
	}
	types, err := Signature(sigStr).Types()
	if err != nil {
		return Value{}, fmt.Errorf("dbus: variant signature %q: %w", sigStr, err)
	}
	if len(types) != 1 {
		return Value{}, fmt.Errorf("dbus: variant signature %q is not exactly one single complete type", sigStr)
	}
	inner, err := unmarshal(r, types[0])
	if err != nil {
		return Value{}, err
	}
	return VariantOf(inner), nil
}

func unmarshalStruct(r *wire.Reader, t Type) (Value, error) {
	if len(t.Fields) == 0 {
		return Value{}, fmt.Errorf("dbus: empty struct is not a legal DBus type")
	}
	fields := make([]Value, 0, len(t.Fields))
	for _, ft := range t.Fields {
		v, err := unmarshal(r, ft)
		if err != nil {
			return Value{}, err
		}
		fields = append(fields, v)
	}
	return StructOf(fields...), nil
}

func unmarshalArray(r *wire.Reader, t Type) (Value, error) {
	elem := *t.Elem
	itemAlign := elem.Align()
	var items []Value
	var byKey map[string]int // dict entries only: key -> index in items
	if elem.Code == '{' {
		byKey = map[string]int{}
	}
	err := r.ConsumeArray(itemAlign, func() error {
		v, err := unmarshal(r, elem)
		if err != nil {
			return err
		}
		if byKey != nil {
			k := v.DictKey().cacheKey()
			if i, ok := byKey[k]; ok {
				items[i] = v // later duplicate keys win
				return nil
			}
			byKey[k] = len(items)
		}
		items = append(items, v)
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	return ArrayOf(Signature(elem.String()), items...), nil
}

// unmarshalSignature reads every single complete type in sig from r, in
// order, returning one Value per type.
func unmarshalSignature(r *wire.Reader, sig Signature) ([]Value, error) {
	types, err := sig.Types()
	if err != nil {
		return nil, err
	}
	vals := make([]Value, 0, len(types))
	for _, t := range types {
		v, err := unmarshal(r, t)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// signatureOfValues returns the concatenated wire signature of vals, in
// order: the signature a message body with these values would declare.
func signatureOfValues(vals []Value) Signature {
	var s string
	for _, v := range vals {
		s += v.Signature().String()
	}
	return Signature(s)
}
