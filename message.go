package dbus

import (
	"fmt"
	"io"

	"github.com/busline/dbus/wire"
)

// A Message is a complete DBus message: a header plus its body, already
// decoded into [Value]s.
type Message struct {
	Header *Header
	Body   []Value
}

// WriteMessage marshals h and body into a complete wire-format message. If
// h.Signature is empty and body is non-empty, the signature is filled in
// automatically from body's own shape. h.BodyLength is also overwritten
// with the marshaled body's actual length.
func WriteMessage(h *Header, body []Value) ([]byte, error) {
	if h.Signature.IsEmpty() && len(body) > 0 {
		h.Signature = signatureOfValues(body)
	}

	w := wire.NewWriter(h.Order, 256)
	if err := writeHeader(w, h); err != nil {
		return nil, codecErr("message header", err)
	}
	bodyStart := w.Len()
	for _, v := range body {
		if err := marshal(w, v); err != nil {
			return nil, codecErr("message body", err)
		}
	}
	bodyLen := w.Len() - bodyStart
	w.SetUint32(4, uint32(bodyLen))
	h.BodyLength = uint32(bodyLen)
	return w.Bytes(), nil
}

// decodeError marks a [ReadMessage] failure that happened after the
// offending message's bytes were already fully drained from the stream:
// a malformed header field or a body that doesn't match its declared
// signature. The stream itself is still in sync, so a caller reading a
// sequence of messages can drop this one and call ReadMessage again
// instead of tearing down the connection. Any other error from
// ReadMessage means the stream's framing itself is no longer trustworthy.
type decodeError struct{ err error }

func (e decodeError) Error() string { return e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

// messageHeaderPrefixLen is the length, in bytes, of the fixed portion of
// every message header up to and including the header field array's
// length prefix: 1 (order) + 1 (type) + 1 (flags) + 1 (version) + 4
// (body length) + 4 (serial) + 4 (field array length).
const messageHeaderPrefixLen = 16

// ReadMessage reads one complete message from r: the fixed header prefix,
// the header field array and its trailing padding, and the body.
//
// Unlike a single shared-buffer decode, ReadMessage always consumes
// exactly as many bytes as the header declares, even if the body fails to
// unmarshal against the declared signature; callers that want to skip a
// malformed message and keep reading the stream can do so simply by
// calling ReadMessage again.
func ReadMessage(r io.Reader) (*Message, error) {
	prefix := make([]byte, messageHeaderPrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	order, ok := wire.OrderForFlag(prefix[0])
	if !ok {
		return nil, fmt.Errorf("dbus: unrecognized byte order marker %q", prefix[0])
	}
	bodyLen := order.Uint32(prefix[4:8])
	fieldArrayLen := order.Uint32(prefix[12:16])

	fieldsEnd := messageHeaderPrefixLen + int(fieldArrayLen)
	pad := (8 - fieldsEnd%8) % 8
	rest := make([]byte, int(fieldArrayLen)+pad)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	headerBytes := append(prefix, rest...)
	hr := wire.NewReader(order, headerBytes)
	h, err := readHeader(hr)
	if err != nil {
		// The header field array has already been fully consumed above;
		// drain the declared body length too so the stream stays in sync
		// and the caller can simply read the next message.
		if _, drainErr := io.CopyN(io.Discard, r, int64(bodyLen)); drainErr != nil {
			return nil, fmt.Errorf("dbus: draining body after malformed header: %w", drainErr)
		}
		return nil, decodeError{codecErr("message header", err)}
	}

	bodyBytes := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBytes); err != nil {
		return nil, fmt.Errorf("dbus: reading message body: %w", err)
	}

	var body []Value
	if !h.Signature.IsEmpty() {
		br := wire.NewReader(order, bodyBytes)
		body, err = unmarshalSignature(br, h.Signature)
		if err != nil {
			return nil, decodeError{codecErr(fmt.Sprintf("message body with signature %q", h.Signature), err)}
		}
	}
	return &Message{Header: h, Body: body}, nil
}
