package wire

import (
	"fmt"
	"io"
	"math"
)

// A Reader is a cursor over an immutable byte slice, unmarshaling DBus
// wire-format primitives in a given byte order and tracking alignment
// relative to the slice's logical start.
//
// The zero Reader is not usable; construct one with [NewReader].
type Reader struct {
	// Order is the byte order used to decode multi-byte values.
	Order ByteOrder

	buf  []byte
	pos  int
	base int
}

// NewReader returns a Reader over buf, with the cursor at the start.
func NewReader(order ByteOrder, buf []byte) *Reader {
	return &Reader{Order: order, buf: buf}
}

// MarkStart rebases alignment to the current cursor position: subsequent
// calls to [Reader.Align] measure offsets relative to here rather than to
// the start of buf.
//
// DBus alignment is always relative to the start of a message. A Reader
// that decodes several back-to-back messages out of one shared buffer must
// call MarkStart between messages so that the next message's alignment is
// computed from its own first byte.
func (r *Reader) MarkStart() { r.base = r.pos }

// Remaining returns the number of unread bytes between the cursor and the
// end of the buffer.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Align advances the cursor past padding bytes, if needed, so that the next
// read starts at an offset that is a multiple of n, measured from the most
// recent [Reader.MarkStart] (or the start of the buffer, if MarkStart was
// never called). n must be one of 1, 2, 4, 8.
func (r *Reader) Align(n int) error {
	if n <= 1 {
		return nil
	}
	extra := (r.pos - r.base) % n
	if extra == 0 {
		return nil
	}
	return r.advance(n - extra)
}

func (r *Reader) advance(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	r.pos += n
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByte reads a single unaligned byte.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a DBus boolean, encoded as a 4-byte 0 or 1. Any nonzero
// value decodes as true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadUint16 aligns to 2 bytes, then reads a uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.Align(2); err != nil {
		return 0, err
	}
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint16(b), nil
}

// ReadInt16 aligns to 2 bytes, then reads an int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 aligns to 4 bytes, then reads a uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.Align(4); err != nil {
		return 0, err
	}
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint32(b), nil
}

// ReadInt32 aligns to 4 bytes, then reads an int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUnixFD reads a DBus UNIX_FD value, returning only the numeric handle.
func (r *Reader) ReadUnixFD() (uint32, error) { return r.ReadUint32() }

// ReadUint64 aligns to 8 bytes, then reads a uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.Align(8); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return r.Order.Uint64(b), nil
}

// ReadInt64 aligns to 8 bytes, then reads an int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFloat64 aligns to 8 bytes, then reads an IEEE-754 double.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString aligns to 4 bytes, then reads a DBus string: a u32 byte
// length, UTF-8 bytes, and a trailing NUL.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

// ReadObjectPath reads an object path, using the same encoding as
// [Reader.ReadString].
func (r *Reader) ReadObjectPath() (string, error) { return r.ReadString() }

// ReadSignature reads a DBus signature: a u8 byte length, ASCII bytes, and
// a trailing NUL. Unlike strings, signatures are not aligned first.
func (r *Reader) ReadSignature() (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

// ConsumeArray reads a DBus array. It reads the u32 byte-length prefix,
// aligns to itemAlign (even if the array turns out to be empty), and then
// calls perItem repeatedly, realigning to itemAlign between calls, until
// the cursor has advanced exactly byteLength bytes past the
// post-alignment point.
//
// perItem is responsible for decoding exactly one element; it must not
// read beyond the element's own bytes. An element that overruns the
// declared array length is a codec error.
func (r *Reader) ConsumeArray(itemAlign int, perItem func() error) error {
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if err := r.Align(itemAlign); err != nil {
		return err
	}
	end := r.pos + int(n)
	if end < r.pos || end > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	for r.pos < end {
		if err := perItem(); err != nil {
			return err
		}
		if r.pos > end {
			return fmt.Errorf("dbus/wire: array element overran declared length of %d bytes", n)
		}
		if r.pos < end {
			if err := r.Align(itemAlign); err != nil {
				return err
			}
		}
	}
	return nil
}
