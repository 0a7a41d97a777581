package dbus

// Native converts v into the most convenient native Go representation of
// its content: scalars become the matching Go scalar type, structs become
// []any in field order, arrays of bytes, strings and uint32s become
// []byte, []string and []uint32, arrays of any other element type
// (including the other basic types) become []any, arrays of dict entries become a
// map (later duplicate keys overwrite earlier ones, matching the wire
// decode rule), and a variant unwraps to its inner value's Native result.
//
// Native is a convenience for callers that don't want to walk a Value
// tree by hand; round-tripping through Native and back is not guaranteed
// to reproduce the exact same Value (an empty array's element signature,
// for instance, doesn't survive the trip).
func (v Value) Native() any {
	switch v.kind {
	case KindByte:
		return v.ByteValue()
	case KindBool:
		return v.BoolValue()
	case KindInt16:
		return v.Int16Value()
	case KindUint16:
		return v.Uint16Value()
	case KindInt32:
		return v.Int32Value()
	case KindUint32:
		return v.Uint32Value()
	case KindInt64:
		return v.Int64Value()
	case KindUint64:
		return v.Uint64Value()
	case KindDouble:
		return v.DoubleValue()
	case KindString:
		return v.StringValue()
	case KindObjectPath:
		return v.ObjectPathValue()
	case KindSignature:
		return v.SignatureValue()
	case KindUnixFD:
		return v.UnixFDValue()
	case KindVariant:
		return v.Variant().Native()
	case KindStruct:
		fields := v.Fields()
		out := make([]any, len(fields))
		for i, f := range fields {
			out[i] = f.Native()
		}
		return out
	case KindDictEntry:
		return [2]any{v.DictKey().Native(), v.DictVal().Native()}
	case KindArray:
		return v.arrayNative()
	default:
		return nil
	}
}

func (v Value) arrayNative() any {
	elems := v.Elements()
	arrTypes, err := v.Signature().Types()
	if err != nil || len(arrTypes) != 1 {
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = e.Native()
		}
		return out
	}
	elemCode := arrTypes[0].Elem.Code

	if elemCode == '{' {
		m := map[any]any{}
		for _, e := range elems {
			m[e.DictKey().Native()] = e.DictVal().Native()
		}
		return m
	}

	switch elemCode {
	case 'y':
		out := make([]byte, len(elems))
		for i, e := range elems {
			out[i] = e.ByteValue()
		}
		return out
	case 's':
		out := make([]string, len(elems))
		for i, e := range elems {
			out[i] = e.StringValue()
		}
		return out
	case 'u':
		out := make([]uint32, len(elems))
		for i, e := range elems {
			out[i] = e.Uint32Value()
		}
		return out
	default:
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = e.Native()
		}
		return out
	}
}
