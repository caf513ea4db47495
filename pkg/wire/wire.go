// Package wire encodes the tunnel packets. Every packet starts with a
// 1-byte type and a 1-byte association id; integers are big-endian.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/juanpablocruz/alpha/pkg/digest"
)

// Type tags a packet.
type Type uint8

const (
	MT_CONNECT        Type = 1
	MT_RETURN_CONNECT Type = 2
	MT_SYN            Type = 3
	MT_ACK            Type = 4
	MT_ACKACK         Type = 5
	MT_S1             Type = 6
	MT_A1             Type = 7
	MT_S2             Type = 8
	MT_Z              Type = 12
)

func (t Type) String() string {
	switch t {
	case MT_CONNECT:
		return "CONNECT"
	case MT_RETURN_CONNECT:
		return "RETURN_CONNECT"
	case MT_SYN:
		return "SYN"
	case MT_ACK:
		return "ACK"
	case MT_ACKACK:
		return "ACKACK"
	case MT_S1:
		return "S1"
	case MT_A1:
		return "A1"
	case MT_S2:
		return "S2"
	case MT_Z:
		return "Z"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	H   = digest.Size
	SIG = 64

	HeaderSize = 2

	// UDPMaxPacketSize leaves room for IP and UDP headers inside a 1500
	// byte MTU.
	UDPMaxPacketSize = 1500 - 60 - 8
	S1HeaderSize     = HeaderSize + H + 2
	MaxPresigCount   = (UDPMaxPacketSize - S1HeaderSize) / H
)

var ErrMalformed = errors.New("wire: malformed packet")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Header is the common packet prefix.
type Header struct {
	Type  Type
	Assoc uint8
}

func PeekHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, malformed("short frame (%d bytes)", len(b))
	}
	return Header{Type: Type(b[0]), Assoc: b[1]}, nil
}

func putHeader(b *bytes.Buffer, t Type, assoc uint8) {
	b.WriteByte(byte(t))
	b.WriteByte(assoc)
}

// putH writes a digest field, zero filled when d is nil.
func putH(b *bytes.Buffer, d []byte) {
	var tmp [H]byte
	copy(tmp[:], d)
	b.Write(tmp[:])
}

func PutU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func PutU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func GetU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func GetU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

// GetBytes reads exactly n bytes.
func GetBytes(r *bytes.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// body checks the header type and returns a reader positioned after it.
func body(b []byte, want Type, min int) (uint8, *bytes.Reader, error) {
	h, err := PeekHeader(b)
	if err != nil {
		return 0, nil, err
	}
	if h.Type != want {
		return 0, nil, malformed("expected %s, got %s", want, h.Type)
	}
	if len(b) < HeaderSize+min {
		return 0, nil, malformed("short %s (%d bytes)", want, len(b))
	}
	return h.Assoc, bytes.NewReader(b[HeaderSize:]), nil
}

// exact rejects packets with trailing bytes.
func exact(r *bytes.Reader, t Type) error {
	if r.Len() != 0 {
		return malformed("%d trailing bytes in %s", r.Len(), t)
	}
	return nil
}

// readNodes reads count digests.
func readNodes(r *bytes.Reader, count int) ([][]byte, error) {
	if r.Len() < count*H {
		return nil, malformed("want %d nodes, have %d bytes", count, r.Len())
	}
	out := make([][]byte, count)
	for i := range out {
		out[i], _ = GetBytes(r, H)
	}
	return out, nil
}
