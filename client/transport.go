package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// readFrame reads one frame from the stream.
// A frame is prepended with a 4-byte header, which encodes its length.
func readFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("error reading transport header: %w", err)
	}
	if buf[0] != 0 {
		return nil, errors.New("first byte is supposed to be zero")
	}

	length := binary.BigEndian.Uint32(buf)
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("error reading frame: %w", err)
	}

	return frame, nil
}

// writeFrame writes the frame with its length header in a single write.
func writeFrame(w io.Writer, frame []byte) error {
	length := uint32(len(frame))
	if length >= maxMessageSize {
		return errors.New("message too long")
	}

	buf := make([]byte, 4, 4+len(frame))
	binary.BigEndian.PutUint32(buf, length)
	buf = append(buf, frame...)

	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("error writing frame: %w", err)
	}
	if n < len(buf) {
		return fmt.Errorf("supposed to write %d bytes but got %d", len(buf), n)
	}

	return nil
}
