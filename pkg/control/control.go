// Package control encodes the bootstrap and teardown messages carried as
// payloads on the control association.
package control

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/juanpablocruz/alpha/pkg/wire"
)

type Type uint8

const (
	MT_NEW_ASS     Type = 9
	MT_NEW_ASS_ACK Type = 10
	MT_ASS_DIE     Type = 11
)

// RecordSize is the encoded size of one Record.
const RecordSize = 2 + 2*wire.H

// MaxRecords keeps a NEW_ASS_ACK inside one S2 datagram.
const MaxRecords = (wire.UDPMaxPacketSize - wire.HeaderSize - wire.H - 3 - 2*wire.H) / RecordSize

var (
	ErrInvalidControlType = errors.New("control: invalid control type")
	ErrMalformed          = errors.New("control: malformed message")
)

// Record announces one association. Sign or Ack is zero when the
// association does not use that chain.
type Record struct {
	ID   uint8
	Mode wire.Mode
	Sign []byte
	Ack  []byte
}

// Message is one of NewAss, NewAssAck or AssDie.
type Message interface {
	Type() Type
	Encode() []byte
}

type NewAss struct {
	Assoc   uint8
	Anchor  []byte
	Records []Record
}

type NewAssAck struct {
	Assoc     uint8
	Anchor    []byte
	RetAnchor []byte
	Records   []Record
}

type AssDie struct {
	IDs []uint8
}

func (NewAss) Type() Type    { return MT_NEW_ASS }
func (NewAssAck) Type() Type { return MT_NEW_ASS_ACK }
func (AssDie) Type() Type    { return MT_ASS_DIE }

func putH(b *bytes.Buffer, d []byte) {
	var tmp [wire.H]byte
	copy(tmp[:], d)
	b.Write(tmp[:])
}

func putRecords(b *bytes.Buffer, rs []Record) {
	b.WriteByte(uint8(len(rs)))
	for _, r := range rs {
		b.WriteByte(r.ID)
		b.WriteByte(uint8(r.Mode))
		putH(b, r.Sign)
		putH(b, r.Ack)
	}
}

func (m NewAss) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte(byte(MT_NEW_ASS))
	b.WriteByte(m.Assoc)
	putH(&b, m.Anchor)
	putRecords(&b, m.Records)
	return b.Bytes()
}

func (m NewAssAck) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte(byte(MT_NEW_ASS_ACK))
	b.WriteByte(m.Assoc)
	putH(&b, m.Anchor)
	putH(&b, m.RetAnchor)
	putRecords(&b, m.Records)
	return b.Bytes()
}

func (m AssDie) Encode() []byte {
	b := make([]byte, 0, 1+len(m.IDs))
	b = append(b, byte(MT_ASS_DIE))
	return append(b, m.IDs...)
}

func readRecords(r *bytes.Reader) ([]Record, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing record count", ErrMalformed)
	}
	if r.Len() != int(n)*RecordSize {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrMalformed, n, r.Len())
	}
	out := make([]Record, n)
	for i := range out {
		id, _ := r.ReadByte()
		mode, _ := r.ReadByte()
		sign, _ := wire.GetBytes(r, wire.H)
		ack, _ := wire.GetBytes(r, wire.H)
		if !wire.Mode(mode).Valid() {
			return nil, fmt.Errorf("%w: record %d has mode %d", ErrMalformed, id, mode)
		}
		out[i] = Record{ID: id, Mode: wire.Mode(mode), Sign: sign, Ack: ack}
	}
	return out, nil
}

// Decode parses a control payload.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	switch Type(b[0]) {
	case MT_NEW_ASS:
		if len(b) < 2+wire.H+1 {
			return nil, fmt.Errorf("%w: short NEW_ASS", ErrMalformed)
		}
		r := bytes.NewReader(b[1:])
		var m NewAss
		m.Assoc, _ = r.ReadByte()
		m.Anchor, _ = wire.GetBytes(r, wire.H)
		recs, err := readRecords(r)
		if err != nil {
			return nil, err
		}
		m.Records = recs
		return m, nil
	case MT_NEW_ASS_ACK:
		if len(b) < 2+2*wire.H+1 {
			return nil, fmt.Errorf("%w: short NEW_ASS_ACK", ErrMalformed)
		}
		r := bytes.NewReader(b[1:])
		var m NewAssAck
		m.Assoc, _ = r.ReadByte()
		m.Anchor, _ = wire.GetBytes(r, wire.H)
		m.RetAnchor, _ = wire.GetBytes(r, wire.H)
		recs, err := readRecords(r)
		if err != nil {
			return nil, err
		}
		m.Records = recs
		return m, nil
	case MT_ASS_DIE:
		return AssDie{IDs: append([]uint8(nil), b[1:]...)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidControlType, b[0])
}

// Chunk splits records so each message fits MaxRecords.
func Chunk(rs []Record) [][]Record {
	var out [][]Record
	for len(rs) > MaxRecords {
		out = append(out, rs[:MaxRecords])
		rs = rs[MaxRecords:]
	}
	if len(rs) > 0 {
		out = append(out, rs)
	}
	return out
}
