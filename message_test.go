package dbus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/busline/dbus/wire"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	for _, order := range []wire.ByteOrder{wire.LittleEndian, wire.BigEndian} {
		h := &Header{
			Order:       order,
			Type:        TypeMethodCall,
			Version:     1,
			Serial:      7,
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "Hello",
			Destination: "org.freedesktop.DBus",
		}
		body := []Value{Uint32(1), String("hello")}

		raw, err := WriteMessage(h, body)
		if err != nil {
			t.Fatalf("order=%v: WriteMessage: %v", order.Flag(), err)
		}
		msg, err := ReadMessage(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("order=%v: ReadMessage: %v", order.Flag(), err)
		}
		if msg.Header.Type != h.Type || msg.Header.Serial != h.Serial ||
			msg.Header.Path != h.Path || msg.Header.Member != h.Member {
			t.Errorf("order=%v: header mismatch: %#v", order.Flag(), msg.Header)
		}
		if got := Signature("us"); msg.Header.Signature != got {
			t.Errorf("order=%v: auto-filled Signature = %q, want %q", order.Flag(), msg.Header.Signature, got)
		}
		if len(msg.Body) != 2 || !msg.Body[0].Equal(body[0]) || !msg.Body[1].Equal(body[1]) {
			t.Errorf("order=%v: body mismatch: %#v", order.Flag(), msg.Body)
		}
	}
}

func TestWriteMessageNoBody(t *testing.T) {
	h := &Header{
		Order:  wire.LittleEndian,
		Type:   TypeMethodReturn,
		Serial: 1, ReplySerial: 1,
	}
	raw, err := WriteMessage(h, nil)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Body) != 0 {
		t.Errorf("body = %#v, want empty", msg.Body)
	}
	if !msg.Header.Signature.IsEmpty() {
		t.Errorf("Signature = %q, want empty", msg.Header.Signature)
	}
}

func TestReadMessageBodyLengthMatchesActual(t *testing.T) {
	h := &Header{Order: wire.LittleEndian, Type: TypeSignal, Serial: 1, Path: "/a", Interface: "org.x", Member: "M"}
	raw, err := WriteMessage(h, []Value{String("a reasonably long body string")})
	if err != nil {
		t.Fatal(err)
	}
	// bytes 4:8 (little endian here) must equal the body length.
	bodyLenField := wire.LittleEndian.Uint32(raw[4:8])
	if int(bodyLenField) != int(h.BodyLength) {
		t.Errorf("raw bytes[4:8] = %d, want %d", bodyLenField, h.BodyLength)
	}
	if bodyLenField == 0 {
		t.Fatal("body length field is zero, want nonzero")
	}
}

func TestReadMessageMalformedBodyStillConsumesDeclaredLength(t *testing.T) {
	// A message declaring signature "s" but whose body is actually a
	// marshaled uint32 (too short to satisfy a string), followed by a
	// well-formed message in the same stream.
	bad := &Header{Order: wire.LittleEndian, Type: TypeMethodReturn, Serial: 1, ReplySerial: 1, Signature: "s"}
	w := wire.NewWriter(wire.LittleEndian, 64)
	if err := writeHeader(w, bad); err != nil {
		t.Fatal(err)
	}
	bodyStart := w.Len()
	w.WriteUint32(99)
	w.SetUint32(4, uint32(w.Len()-bodyStart))

	good := &Header{Order: wire.LittleEndian, Type: TypeMethodReturn, Serial: 2, ReplySerial: 2}
	raw2, err := WriteMessage(good, []Value{String("next message")})
	if err != nil {
		t.Fatal(err)
	}

	stream := bytes.NewReader(append(w.Bytes(), raw2...))

	if _, err := ReadMessage(stream); err == nil {
		t.Fatal("ReadMessage on a malformed body succeeded, want error")
	}
	msg, err := ReadMessage(stream)
	if err != nil {
		t.Fatalf("ReadMessage of the following message failed: %v", err)
	}
	if len(msg.Body) != 1 || msg.Body[0].StringValue() != "next message" {
		t.Errorf("second message body = %#v, want [\"next message\"]", msg.Body)
	}
}

func TestReadMessageMalformedBodyReturnsDecodeError(t *testing.T) {
	bad := &Header{Order: wire.LittleEndian, Type: TypeMethodReturn, Serial: 1, ReplySerial: 1, Signature: "s"}
	w := wire.NewWriter(wire.LittleEndian, 64)
	if err := writeHeader(w, bad); err != nil {
		t.Fatal(err)
	}
	bodyStart := w.Len()
	w.WriteUint32(99)
	w.SetUint32(4, uint32(w.Len()-bodyStart))

	_, err := ReadMessage(bytes.NewReader(w.Bytes()))
	var de decodeError
	if !errors.As(err, &de) {
		t.Fatalf("ReadMessage error = %v (%T), want a decodeError", err, err)
	}
}

func TestReadMessageMalformedHeaderFieldStillConsumesDeclaredBody(t *testing.T) {
	// A message with an out-of-range header field code: the field array
	// fails to parse, but the declared body length must still be drained
	// so a following well-formed message in the same stream stays readable.
	order := wire.LittleEndian
	raw := writeHeaderWithField(order, 250, Byte(1))
	// writeHeaderWithField builds only the header; append a body matching
	// BodyLength (zero, since no signature was set) and then a good message.
	good := &Header{Order: order, Type: TypeMethodReturn, Serial: 2, ReplySerial: 2}
	raw2, err := WriteMessage(good, []Value{String("next message")})
	if err != nil {
		t.Fatal(err)
	}

	stream := bytes.NewReader(append(raw, raw2...))

	_, err = ReadMessage(stream)
	var de decodeError
	if !errors.As(err, &de) {
		t.Fatalf("ReadMessage error = %v (%T), want a decodeError", err, err)
	}

	msg, err := ReadMessage(stream)
	if err != nil {
		t.Fatalf("ReadMessage of the following message failed: %v", err)
	}
	if len(msg.Body) != 1 || msg.Body[0].StringValue() != "next message" {
		t.Errorf("second message body = %#v, want [\"next message\"]", msg.Body)
	}
}
