package protocol

import (
	"errors"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Common decoding errors.
var (
	ErrBufferTooShort     = errors.New("protocol: buffer too short")
	ErrInvalidWireType    = errors.New("protocol: invalid wire type")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
)

// Decoder reads protobuf wire-format fields from a byte buffer.
//
// Typical use:
//
//	d := NewDecoder(data)
//	for !d.EOF() {
//	    num, typ, err := d.Next()
//	    ...
//	    switch num {
//	    case 1:
//	        v, err := d.ReadUvarint(typ)
//	    default:
//	        err = d.Skip(num, typ)
//	    }
//	}
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// Position returns the current read position.
func (d *Decoder) Position() int {
	return d.pos
}

// Next reads the next field tag.
func (d *Decoder) Next() (protowire.Number, protowire.Type, error) {
	if d.EOF() {
		return 0, 0, io.EOF
	}
	num, typ, n := protowire.ConsumeTag(d.buf[d.pos:])
	if n < 0 {
		return 0, 0, wireError(n)
	}
	d.pos += n
	return num, typ, nil
}

// ReadUvarint reads a varint field value.
func (d *Decoder) ReadUvarint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, ErrInvalidWireType
	}
	v, n := protowire.ConsumeVarint(d.buf[d.pos:])
	if n < 0 {
		return 0, wireError(n)
	}
	d.pos += n
	return v, nil
}

// ReadInt64 reads a varint field value as int64.
func (d *Decoder) ReadInt64(typ protowire.Type) (int64, error) {
	v, err := d.ReadUvarint(typ)
	return int64(v), err
}

// ReadBool reads a varint field value as bool. Any non-zero value is true.
func (d *Decoder) ReadBool(typ protowire.Type) (bool, error) {
	v, err := d.ReadUvarint(typ)
	return protowire.DecodeBool(v), err
}

// ReadFloat64 reads a double field value.
func (d *Decoder) ReadFloat64(typ protowire.Type) (float64, error) {
	if typ != protowire.Fixed64Type {
		return 0, ErrInvalidWireType
	}
	v, n := protowire.ConsumeFixed64(d.buf[d.pos:])
	if n < 0 {
		return 0, wireError(n)
	}
	d.pos += n
	return math.Float64frombits(v), nil
}

// ReadLenBytes reads a length-delimited field value.
// Returns a copy of the bytes (safe to retain).
func (d *Decoder) ReadLenBytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, ErrInvalidWireType
	}
	v, n := protowire.ConsumeBytes(d.buf[d.pos:])
	if n < 0 {
		return nil, wireError(n)
	}
	if len(v) > DefaultMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	d.pos += n
	b := make([]byte, len(v))
	copy(b, v)
	return b, nil
}

// ReadString reads a length-delimited field value as a string.
func (d *Decoder) ReadString(typ protowire.Type) (string, error) {
	b, err := d.ReadLenBytes(typ)
	return string(b), err
}

// ReadMessage reads an embedded message and returns a decoder over its body.
func (d *Decoder) ReadMessage(typ protowire.Type) (*Decoder, error) {
	b, err := d.ReadLenBytes(typ)
	if err != nil {
		return nil, err
	}
	return NewDecoder(b), nil
}

// Skip discards the value of an unknown field.
func (d *Decoder) Skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, d.buf[d.pos:])
	if n < 0 {
		return wireError(n)
	}
	d.pos += n
	return nil
}

// wireError maps a negative protowire length to a decoding error.
func wireError(n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrBufferTooShort
	}
	return err
}
