package smbtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const maxMessageSize = 1 << 24

// readMessage reads a new SMB message from the connection.
// An SMB message is prepended with a 4-byte header, which encodes the length of the message.
func readMessage(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("error reading transport header: %w", err)
	}
	if buf[0] != 0 {
		return nil, errors.New("first byte is supposed to be zero")
	}

	length := binary.BigEndian.Uint32(buf)
	msg := make([]byte, length)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, fmt.Errorf("error reading message: %w", err)
	}

	return msg, nil
}

// writeMessage writes the SMB message to the underlying connection.
func writeMessage(conn net.Conn, msg []byte) error {
	length := uint32(len(msg))
	if length >= maxMessageSize {
		return errors.New("message too long")
	}

	frame := make([]byte, 4, 4+len(msg))
	binary.BigEndian.PutUint32(frame, length)
	frame = append(frame, msg...)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("error writing message: %w", err)
	}

	return nil
}

// localIP returns the IP of a TCP address, or nil for other transports.
func localIP(addr net.Addr) net.IP {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.IP
	}
	return nil
}
