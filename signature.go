package dbus

import (
	"fmt"
	"strings"
)

// Signature is a DBus type signature string, as described in the DBus
// specification: a sequence of single complete types drawn from the basic
// type codes plus the structural delimiters '(' ')' '{' '}' and the
// container codes 'a' and 'v'.
//
// The zero Signature is the empty signature, describing a message with no
// body.
type Signature string

// String returns the signature's wire text.
func (s Signature) String() string { return string(s) }

// IsEmpty reports whether s has no complete types at all.
func (s Signature) IsEmpty() bool { return s == "" }

// Types parses s into its sequence of single complete types.
func (s Signature) Types() ([]Type, error) {
	return parseSignature(string(s))
}

// maxNestingDepth bounds how deeply structs, arrays and dict entries may
// nest in a single signature. This matches the limit the DBus wire protocol
// itself imposes, and keeps a malicious or corrupt signature from blowing
// the stack during parsing.
const maxNestingDepth = 32

// A Type is one node of a parsed signature: either a basic type code, a
// variant, a struct, an array, or a dict entry (legal only as an array's
// element).
type Type struct {
	// Code identifies the type: one of the basic type letters, 'v'
	// (variant), '(' (struct), 'a' (array), or '{' (dict entry).
	Code byte
	// Elem is the element type, for arrays only.
	Elem *Type
	// Fields holds, in order, a struct's field types, or a dict entry's
	// [key, value] types.
	Fields []Type
}

// String reconstructs the signature text for t.
func (t Type) String() string {
	switch t.Code {
	case 'a':
		return "a" + t.Elem.String()
	case '(':
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range t.Fields {
			b.WriteString(f.String())
		}
		b.WriteByte(')')
		return b.String()
	case '{':
		return "{" + t.Fields[0].String() + t.Fields[1].String() + "}"
	default:
		return string(t.Code)
	}
}

// Align returns the wire alignment of t: the offset (relative to the start
// of the message) at which a value of this type must begin.
func (t Type) Align() int {
	switch t.Code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h', 's', 'o':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	case 'a':
		return 4
	default:
		return 1
	}
}

// IsBasic reports whether t is one of the basic (non-container) type
// codes, the only kind legal as a dict entry's key.
func (t Type) IsBasic() bool {
	switch t.Code {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 'h', 's', 'o', 'g':
		return true
	default:
		return false
	}
}

var basicCodes = map[byte]bool{
	'y': true, 'b': true, 'n': true, 'q': true, 'i': true, 'u': true,
	'x': true, 't': true, 'd': true, 'h': true, 's': true, 'o': true, 'g': true,
}

// parseSignature parses every single complete type in sig, left to right.
func parseSignature(sig string) ([]Type, error) {
	var types []Type
	rest := sig
	for rest != "" {
		t, next, err := parseOne(rest, false, 0)
		if err != nil {
			return nil, fmt.Errorf("dbus: invalid signature %q: %w", sig, err)
		}
		types = append(types, t)
		rest = next
	}
	return types, nil
}

// parseOne consumes one single complete type from the front of sig, and
// returns the remainder. inArray indicates that the enclosing context is
// an array element position, the only place a dict entry is legal.
func parseOne(sig string, inArray bool, depth int) (Type, string, error) {
	if sig == "" {
		return Type{}, "", fmt.Errorf("unexpected end of signature")
	}
	if depth > maxNestingDepth {
		return Type{}, "", fmt.Errorf("signature nests more than %d levels deep", maxNestingDepth)
	}

	c := sig[0]
	if basicCodes[c] {
		return Type{Code: c}, sig[1:], nil
	}

	switch c {
	case 'v':
		return Type{Code: 'v'}, sig[1:], nil

	case 'a':
		elem, rest, err := parseOne(sig[1:], true, depth+1)
		if err != nil {
			return Type{}, "", fmt.Errorf("in array element: %w", err)
		}
		return Type{Code: 'a', Elem: &elem}, rest, nil

	case '(':
		rest := sig[1:]
		var fields []Type
		for {
			if rest == "" {
				return Type{}, "", fmt.Errorf("unterminated struct, missing ')'")
			}
			if rest[0] == ')' {
				rest = rest[1:]
				break
			}
			var f Type
			var err error
			f, rest, err = parseOne(rest, false, depth+1)
			if err != nil {
				return Type{}, "", fmt.Errorf("in struct field: %w", err)
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, "", fmt.Errorf("empty struct is not a legal DBus type")
		}
		return Type{Code: '(', Fields: fields}, rest, nil

	case '{':
		if !inArray {
			return Type{}, "", fmt.Errorf("dict entry '{...}' is only legal as an array element")
		}
		key, rest, err := parseOne(sig[1:], false, depth+1)
		if err != nil {
			return Type{}, "", fmt.Errorf("in dict entry key: %w", err)
		}
		if !key.IsBasic() {
			return Type{}, "", fmt.Errorf("dict entry key %q must be a basic type", key)
		}
		val, rest2, err := parseOne(rest, false, depth+1)
		if err != nil {
			return Type{}, "", fmt.Errorf("in dict entry value: %w", err)
		}
		if val.Code == '{' {
			return Type{}, "", fmt.Errorf("dict entry value cannot itself be a dict entry")
		}
		if rest2 == "" || rest2[0] != '}' {
			return Type{}, "", fmt.Errorf("unterminated dict entry, missing '}'")
		}
		return Type{Code: '{', Fields: []Type{key, val}}, rest2[1:], nil

	default:
		return Type{}, "", fmt.Errorf("unknown type code %q", c)
	}
}
