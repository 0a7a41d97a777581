package dbus

import (
	"fmt"

	"github.com/busline/dbus/wire"
)

// MessageType identifies the kind of a DBus message.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// HeaderFlags are the flag bits carried in a message header.
type HeaderFlags byte

const (
	FlagNoReplyExpected HeaderFlags = 0x1
	FlagNoAutoStart      HeaderFlags = 0x2
	FlagAllowInteractiveAuthorization HeaderFlags = 0x4
)

// headerFieldCode identifies one entry of a message header's field array.
type headerFieldCode byte

const (
	fieldPath        headerFieldCode = 1
	fieldInterface   headerFieldCode = 2
	fieldMember      headerFieldCode = 3
	fieldErrorName   headerFieldCode = 4
	fieldReplySerial headerFieldCode = 5
	fieldDestination headerFieldCode = 6
	fieldSender      headerFieldCode = 7
	fieldSignature   headerFieldCode = 8
	fieldUnixFDs     headerFieldCode = 9
)

// Header is a DBus message header: the fixed fields common to every
// message, plus the subset of header fields relevant to that message's
// type.
type Header struct {
	Order   wire.ByteOrder
	Type    MessageType
	Flags   HeaderFlags
	Version uint8

	// BodyLength is the length, in bytes, of the marshaled body. It is
	// filled in automatically by [WriteMessage].
	BodyLength uint32
	// Serial is this message's serial number. It must be nonzero for a
	// message to be valid on the wire.
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	UnixFDs     uint32
}

// Valid reports whether h carries the header fields its Type requires.
func (h *Header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("dbus: invalid header with zero Serial")
	}
	switch h.Type {
	case TypeMethodCall:
		if h.Path == "" {
			return fmt.Errorf("dbus: method call missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("dbus: method call missing required header field Member")
		}
	case TypeMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("dbus: method return missing required header field ReplySerial")
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("dbus: error missing required header field ReplySerial")
		}
		if h.ErrorName == "" {
			return fmt.Errorf("dbus: error missing required header field ErrorName")
		}
	case TypeSignal:
		if h.Path == "" {
			return fmt.Errorf("dbus: signal missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("dbus: signal missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("dbus: signal missing required header field Member")
		}
	default:
		return fmt.Errorf("dbus: invalid header with unknown Type %d", byte(h.Type))
	}
	return nil
}

// WantReply reports whether the sender of a method call expects a reply.
func (h *Header) WantReply() bool {
	return h.Type == TypeMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// writeHeader writes h's fixed fields and header field array to w. The
// BodyLength field is written as whatever value h.BodyLength currently
// holds; callers that don't know the body length yet should patch the
// bytes at offset 4 afterward (see [WriteMessage]).
func writeHeader(w *wire.Writer, h *Header) error {
	w.WriteByte(h.Order.Flag())
	w.WriteByte(byte(h.Type))
	w.WriteByte(byte(h.Flags))
	w.WriteByte(h.Version)
	w.WriteUint32(h.BodyLength)
	w.WriteUint32(h.Serial)

	fields := headerFields(h)

	w.Align(4)
	lenOffset := w.Len()
	w.WriteUint32(0)
	start := w.Len()
	for _, f := range fields {
		w.Align(8)
		w.WriteByte(byte(f.code))
		w.WriteSignature(f.value.Signature().String())
		if err := marshal(w, f.value); err != nil {
			return fmt.Errorf("dbus: marshaling header field %d: %w", f.code, err)
		}
	}
	w.SetUint32(lenOffset, uint32(w.Len()-start))
	w.Align(8)
	return nil
}

type headerField struct {
	code  headerFieldCode
	value Value
}

func headerFields(h *Header) []headerField {
	var fields []headerField
	if h.Path != "" {
		fields = append(fields, headerField{fieldPath, ObjectPathValue(h.Path)})
	}
	if h.Interface != "" {
		fields = append(fields, headerField{fieldInterface, String(h.Interface)})
	}
	if h.Member != "" {
		fields = append(fields, headerField{fieldMember, String(h.Member)})
	}
	if h.ErrorName != "" {
		fields = append(fields, headerField{fieldErrorName, String(h.ErrorName)})
	}
	if h.ReplySerial != 0 {
		fields = append(fields, headerField{fieldReplySerial, Uint32(h.ReplySerial)})
	}
	if h.Destination != "" {
		fields = append(fields, headerField{fieldDestination, String(h.Destination)})
	}
	if h.Sender != "" {
		fields = append(fields, headerField{fieldSender, String(h.Sender)})
	}
	if !h.Signature.IsEmpty() {
		fields = append(fields, headerField{fieldSignature, SignatureValue(h.Signature)})
	}
	if h.UnixFDs != 0 {
		fields = append(fields, headerField{fieldUnixFDs, Uint32(h.UnixFDs)})
	}
	return fields
}

// readHeader reads a complete header from r: the fixed 12-byte prefix, the
// header field array, and the trailing padding to an 8-byte boundary. r
// must be freshly constructed (or freshly [wire.Reader.MarkStart]ed) so
// that alignment is computed relative to the start of the message.
func readHeader(r *wire.Reader) (*Header, error) {
	orderFlag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	order, ok := wire.OrderForFlag(orderFlag)
	if !ok {
		return nil, fmt.Errorf("dbus: unrecognized byte order marker %q", orderFlag)
	}
	r.Order = order

	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	bodyLen, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	serial, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	h := &Header{
		Order:      order,
		Type:       MessageType(typ),
		Flags:      HeaderFlags(flags),
		Version:    version,
		BodyLength: bodyLen,
		Serial:     serial,
	}

	err = r.ConsumeArray(8, func() error {
		code, err := r.ReadByte()
		if err != nil {
			return err
		}
		sig, err := r.ReadSignature()
		if err != nil {
			return err
		}
		types, err := Signature(sig).Types()
		if err != nil {
			return fmt.Errorf("header field %d signature %q: %w", code, sig, err)
		}
		if len(types) != 1 {
			return fmt.Errorf("header field %d signature %q is not a single complete type", code, sig)
		}
		val, err := unmarshal(r, types[0])
		if err != nil {
			return fmt.Errorf("header field %d: %w", code, err)
		}
		switch headerFieldCode(code) {
		case fieldPath:
			h.Path = val.ObjectPathValue()
		case fieldInterface:
			h.Interface = val.StringValue()
		case fieldMember:
			h.Member = val.StringValue()
		case fieldErrorName:
			h.ErrorName = val.StringValue()
		case fieldReplySerial:
			h.ReplySerial = val.Uint32Value()
		case fieldDestination:
			h.Destination = val.StringValue()
		case fieldSender:
			h.Sender = val.StringValue()
		case fieldSignature:
			h.Signature = val.SignatureValue()
		case fieldUnixFDs:
			h.UnixFDs = val.Uint32Value()
		default:
			return fmt.Errorf("header field code %d is not a recognized field (1-9)", code)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dbus: reading header field array: %w", err)
	}
	if err := r.Align(8); err != nil {
		return nil, err
	}
	return h, nil
}
