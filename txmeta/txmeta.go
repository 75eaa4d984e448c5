// Package txmeta encodes and decodes the optional metadata blob attached to
// onchain transactions. The layout is three fields in fixed order, each
// preceded by a one-byte presence flag: the receiver subaddress, the sender
// subaddress and a variable-length referenced event.
//
// Onchain metadata formats evolve independently of this service, so decoding
// is deliberately forgiving: anything that does not contain a complete,
// well-formed layout degrades to the empty Metadata value instead of failing.
package txmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	flagAbsent  byte = 0x00
	flagPresent byte = 0x01

	// SubaddressLength is the fixed byte length of both subaddress fields.
	SubaddressLength = 8
)

// Metadata carries the optional routing hints decoded from a transaction.
// A nil slice means the field was absent.
type Metadata struct {
	ToSubaddress    []byte
	FromSubaddress  []byte
	ReferencedEvent []byte
}

// IsEmpty reports whether no field is present.
func (m Metadata) IsEmpty() bool {
	return m.ToSubaddress == nil && m.FromSubaddress == nil && m.ReferencedEvent == nil
}

// Equal reports field-wise equality.
func (m Metadata) Equal(o Metadata) bool {
	return bytes.Equal(m.ToSubaddress, o.ToSubaddress) &&
		bytes.Equal(m.FromSubaddress, o.FromSubaddress) &&
		bytes.Equal(m.ReferencedEvent, o.ReferencedEvent)
}

// Encode serializes the metadata into the exact byte layout Decode reverses.
func Encode(m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFixed(&buf, m.ToSubaddress, "to_subaddress"); err != nil {
		return nil, err
	}
	if err := writeFixed(&buf, m.FromSubaddress, "from_subaddress"); err != nil {
		return nil, err
	}
	if m.ReferencedEvent == nil {
		buf.WriteByte(flagAbsent)
	} else {
		buf.WriteByte(flagPresent)
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(m.ReferencedEvent)))
		buf.Write(length[:])
		buf.Write(m.ReferencedEvent)
	}
	return buf.Bytes(), nil
}

func writeFixed(buf *bytes.Buffer, field []byte, name string) error {
	if field == nil {
		buf.WriteByte(flagAbsent)
		return nil
	}
	if len(field) != SubaddressLength {
		return fmt.Errorf("txmeta: %s must be %d bytes, got %d", name, SubaddressLength, len(field))
	}
	buf.WriteByte(flagPresent)
	buf.Write(field)
	return nil
}

// Decode parses a metadata blob. Truncated, empty or unrecognizable input
// yields the empty Metadata value; Decode never fails.
func Decode(raw []byte) Metadata {
	r := reader{buf: raw}

	toSub, ok := r.fixed()
	if !ok || toSub == nil {
		// The receiver subaddress is the primary field. Without it the
		// rest of the blob is of no use for routing.
		return Metadata{}
	}
	m := Metadata{ToSubaddress: toSub}

	fromSub, ok := r.fixed()
	if !ok {
		return m
	}
	m.FromSubaddress = fromSub

	event, ok := r.varbytes()
	if !ok {
		return m
	}
	m.ReferencedEvent = event
	return m
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) take(n int) ([]byte, bool) {
	if r.pos+n > len(r.buf) {
		return nil, false
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, true
}

// fixed reads one presence-flagged subaddress field. The second return value
// is false when the buffer ends before a complete field.
func (r *reader) fixed() ([]byte, bool) {
	flag, ok := r.byte()
	if !ok || flag != flagPresent {
		return nil, ok && flag == flagAbsent
	}
	field, ok := r.take(SubaddressLength)
	if !ok {
		return nil, false
	}
	out := make([]byte, SubaddressLength)
	copy(out, field)
	return out, true
}

func (r *reader) varbytes() ([]byte, bool) {
	flag, ok := r.byte()
	if !ok || flag != flagPresent {
		return nil, ok && flag == flagAbsent
	}
	lengthBytes, ok := r.take(4)
	if !ok {
		return nil, false
	}
	length := int(binary.LittleEndian.Uint32(lengthBytes))
	payload, ok := r.take(length)
	if !ok {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, payload)
	return out, true
}
