package protocol

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder is a protobuf wire-format encoder that appends fields to an
// internal buffer. Zero-valued scalars are omitted, matching proto3 encoding.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 256),
	}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
func NewEncoderWithCap(cap int) *Encoder {
	return &Encoder{
		buf: make([]byte, 0, cap),
	}
}

// Reset resets the encoder to empty state, reusing the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next call to Reset or any Write method.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteUvarint appends a varint field. Zero is omitted.
func (e *Encoder) WriteUvarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// WriteInt64 appends an int64 field using two's complement varint encoding.
func (e *Encoder) WriteInt64(num protowire.Number, v int64) {
	e.WriteUvarint(num, uint64(v))
}

// WriteBool appends a bool field. False is omitted.
func (e *Encoder) WriteBool(num protowire.Number, b bool) {
	if !b {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeBool(b))
}

// WriteFloat64 appends a double field. Positive zero is omitted.
func (e *Encoder) WriteFloat64(num protowire.Number, v float64) {
	bits := math.Float64bits(v)
	if bits == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, bits)
}

// WriteString appends a length-delimited string field. Empty is omitted.
func (e *Encoder) WriteString(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// WriteLenBytes appends a length-delimited bytes field. Empty is omitted.
func (e *Encoder) WriteLenBytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// WriteMessage appends an embedded message field whose body is produced by fn.
// The field is always written, even when the body is empty, so that a
// present-but-empty submessage survives a round trip.
func (e *Encoder) WriteMessage(num protowire.Number, fn func(*Encoder)) {
	sub := NewEncoderWithCap(64)
	fn(sub)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, sub.buf)
}
