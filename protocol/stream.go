package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// ReadFrame reads one length-prefixed message from a TCP session.
func ReadFrame(r io.Reader) (*Message, error) {
	var length uint16
	err := binary.Read(r, binary.BigEndian, &length)
	if err != nil {
		return nil, err
	}
	if length < headerLen {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, length)
	}

	data := make([]byte, length)
	_, err = io.ReadFull(r, data)
	if err != nil {
		return nil, err
	}
	return Unpack(data)
}

// WriteFrame packs m and writes it with its 16-bit big-endian length prefix.
func WriteFrame(w io.Writer, m *Message) error {
	out, err := Pack(m)
	if err != nil {
		return err
	}
	if len(out) > math.MaxUint16 {
		return fmt.Errorf("%w: message of %d bytes does not fit in a frame", ErrMalformed, len(out))
	}
	frame := make([]byte, 0, len(out)+2)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(out)))
	frame = append(frame, out...)
	_, err = w.Write(frame)
	return err
}
