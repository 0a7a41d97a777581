package wire

import "math"

// A Writer is a growable byte buffer that marshals DBus wire-format
// primitives in a given byte order, inserting alignment padding as it goes.
//
// The zero Writer is not usable; construct one with [NewWriter]. Writer
// grows geometrically as needed (it is backed by a plain Go slice), and
// never forgets bytes already written: growth always preserves the
// previously written prefix.
type Writer struct {
	// Order is the byte order used to encode multi-byte values.
	Order ByteOrder

	buf []byte
}

// NewWriter returns a Writer with the given initial capacity. Writing more
// than capacity bytes is fine; the backing buffer reallocates as needed.
func NewWriter(order ByteOrder, capacity int) *Writer {
	return &Writer{Order: order, buf: make([]byte, 0, capacity)}
}

// Len returns the number of bytes written so far, including padding.
func (w *Writer) Len() int { return len(w.buf) }

// Align inserts padding bytes, if needed, so that the next write starts at
// an offset that is a multiple of n. n must be one of 1, 2, 4, 8.
func (w *Writer) Align(n int) {
	if n <= 1 {
		return
	}
	extra := len(w.buf) % n
	if extra == 0 {
		return
	}
	w.buf = append(w.buf, make([]byte, n-extra)...)
}

// WriteRaw appends bs verbatim, with no padding or framing.
func (w *Writer) WriteRaw(bs []byte) {
	w.buf = append(w.buf, bs...)
}

// WriteByte appends a single unaligned byte.
func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBool writes a DBus boolean, encoded as a 4-byte 0 or 1.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint32(1)
	} else {
		w.WriteUint32(0)
	}
}

// WriteUint16 aligns to 2 bytes, then writes v.
func (w *Writer) WriteUint16(v uint16) {
	w.Align(2)
	w.buf = w.Order.AppendUint16(w.buf, v)
}

// WriteInt16 aligns to 2 bytes, then writes v.
func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

// WriteUint32 aligns to 4 bytes, then writes v.
func (w *Writer) WriteUint32(v uint32) {
	w.Align(4)
	w.buf = w.Order.AppendUint32(w.buf, v)
}

// WriteInt32 aligns to 4 bytes, then writes v.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUnixFD writes a DBus UNIX_FD value. The core codec only ever encodes
// the numeric handle; it never transfers an actual file descriptor.
func (w *Writer) WriteUnixFD(v uint32) { w.WriteUint32(v) }

// WriteUint64 aligns to 8 bytes, then writes v.
func (w *Writer) WriteUint64(v uint64) {
	w.Align(8)
	w.buf = w.Order.AppendUint64(w.buf, v)
}

// WriteInt64 aligns to 8 bytes, then writes v.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteFloat64 aligns to 8 bytes, then writes the IEEE-754 bits of v.
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteString aligns to 4 bytes, then writes a DBus string: a u32 byte
// length, the UTF-8 bytes, and a trailing NUL.
func (w *Writer) WriteString(s string) {
	w.Align(4)
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteObjectPath writes s using the same encoding as [Writer.WriteString].
func (w *Writer) WriteObjectPath(s string) { w.WriteString(s) }

// WriteSignature writes a DBus signature: a u8 byte length, the ASCII
// bytes, and a trailing NUL. Unlike strings, signatures are not aligned
// first.
func (w *Writer) WriteSignature(s string) {
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// SetUint32 overwrites the 4 bytes at offset with v, without touching the
// write cursor. It's used to patch array and message body lengths after
// their contents have been written.
func (w *Writer) SetUint32(offset int, v uint32) {
	w.Order.PutUint32(w.buf[offset:offset+4], v)
}

// Bytes returns the buffer written so far. The caller must not write to w
// again if it intends to keep using the returned slice, as subsequent
// writes may reallocate the backing array.
func (w *Writer) Bytes() []byte { return w.buf }
