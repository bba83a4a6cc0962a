package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Grain state payloads are encoded as protobuf wire data with hand-assigned
// field numbers. Tag numbers are a wire format: once a field ships, its
// number must never be reused for anything else. Unknown fields are skipped
// on decode, which is what makes old payloads readable by new code.
//
// JSON is reserved for human-readable surfaces (HTTP bodies, seed files);
// it never lands in the payload_binary column.

// Encoder appends tagged fields to a buffer. Zero values are skipped, so
// encoding is deterministic for a given logical state.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *Encoder) Int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(v))
}

func (e *Encoder) Uint32(num protowire.Number, v uint32) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 1)
}

// Message encodes a nested record produced by fn as a length-delimited field.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	nested := NewEncoder()
	fn(nested)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, nested.buf)
}

func (e *Encoder) Finish() []byte { return e.buf }

// Decoder walks tagged fields. Callers switch on the field number from
// Next and consume the value with the matching typed accessor; fields they
// do not recognize are skipped with Skip.
type Decoder struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
}

func NewDecoder(data []byte) *Decoder { return &Decoder{buf: data} }

// Next advances to the next field, returning false at end of input.
func (d *Decoder) Next() (protowire.Number, bool) {
	if len(d.buf) == 0 {
		return 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		d.buf = nil
		return 0, false
	}
	d.buf = d.buf[n:]
	d.num, d.typ = num, typ
	return num, true
}

func (d *Decoder) String() (string, error) {
	v, n := protowire.ConsumeString(d.buf)
	if n < 0 {
		return "", fmt.Errorf("codec: bad string field %d", d.num)
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *Decoder) BytesField() ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		return nil, fmt.Errorf("codec: bad bytes field %d", d.num)
	}
	out := make([]byte, len(v))
	copy(out, v)
	d.buf = d.buf[n:]
	return out, nil
}

func (d *Decoder) Int64() (int64, error) {
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		return 0, fmt.Errorf("codec: bad varint field %d", d.num)
	}
	d.buf = d.buf[n:]
	return int64(v), nil
}

func (d *Decoder) Uint32() (uint32, error) {
	v, err := d.Int64()
	return uint32(v), err
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Int64()
	return v != 0, err
}

// Message decodes a nested length-delimited record with fn.
func (d *Decoder) Message(fn func(*Decoder) error) error {
	raw, err := d.BytesField()
	if err != nil {
		return err
	}
	return fn(NewDecoder(raw))
}

// Skip discards the current field's value, whatever its wire type.
func (d *Decoder) Skip() error {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.buf)
	if n < 0 {
		return fmt.Errorf("codec: bad field %d", d.num)
	}
	d.buf = d.buf[n:]
	return nil
}
