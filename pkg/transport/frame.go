package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Stream transports carry each datagram behind a 2 byte length.
const maxStreamFrame = math.MaxUint16

// writeFrame emits header and body in one Write so concurrent senders on
// a shared conn never interleave.
func writeFrame(w io.Writer, p []byte) error {
	if len(p) > maxStreamFrame {
		return fmt.Errorf("%w: %d bytes on a stream", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
