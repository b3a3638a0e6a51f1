// Package wire implements the canonical binary encoding used for every
// hashed or persisted structure in norn (borsh-equivalent: little-endian
// integers, length-prefixed sequences, fields written in declared struct
// order with no field names), plus the gossip MessageEnvelope and message
// variants of spec.md §6. The teacher relies on json.Marshal's stable
// field ordering for the same purpose (core/transaction.go, its
// storage/statedb.go state root); this package generalizes that idea into
// an explicit binary canonical form rather than JSON, since the target
// protocol mandates borsh-style encoding, not JSON, as its wire and
// hashing format.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encoder appends canonically-encoded fields to an internal buffer in
// the order they are written; callers are responsible for writing fields
// in a fixed, documented order so the output is reproducible.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated canonical encoding.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v uint8) { e.buf.WriteByte(v) }

// WriteBool appends 1 or 0.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// WriteUint32 appends v little-endian.
func (e *Encoder) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// WriteUint64 appends v little-endian.
func (e *Encoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

// WriteInt64 appends v little-endian as its bit pattern.
func (e *Encoder) WriteInt64(v int64) { e.WriteUint64(uint64(v)) }

// WriteFixed appends b verbatim with no length prefix; used for
// fixed-size fields (hashes, public keys, signatures) whose length is
// already implied by the type.
func (e *Encoder) WriteFixed(b []byte) { e.buf.Write(b) }

// WriteBytes appends a u32 length prefix followed by b.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUint32(uint32(len(b)))
	e.buf.Write(b)
}

// WriteString appends a u32 length prefix followed by the UTF-8 bytes of s.
func (e *Encoder) WriteString(s string) { e.WriteBytes([]byte(s)) }

// WriteSlice writes a u32 count prefix then calls encode for each element
// in order, giving canonical encoding of sequences of any element type.
func WriteSlice[T any](e *Encoder, items []T, encode func(*Encoder, T)) {
	e.WriteUint32(uint32(len(items)))
	for _, it := range items {
		encode(e, it)
	}
}

// Decoder reads canonically-encoded fields back out of a byte slice in
// the same fixed order they were written.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps b for sequential decoding.
func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

// Remaining reports how many bytes are left unconsumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return fmt.Errorf("wire: short buffer, need %d have %d", n, d.Remaining())
	}
	return nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	return v != 0, err
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Decoder) ReadFixed(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	return d.ReadFixed(int(n))
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadSlice reads a u32 count prefix then decodes that many elements with
// decode, the inverse of WriteSlice.
func ReadSlice[T any](d *Decoder, decode func(*Decoder) (T, error)) ([]T, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := decode(d)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
