package smb2

import (
	"encoding/binary"
	"encoding/hex"
)

// Encoder is implemented by every request and response body.
type Encoder interface {
	Encode() []byte
}

// Decoder is implemented by every request and response body.
type Decoder interface {
	Decode(body []byte) error
}

// Request is an outgoing SMB2 request body.
type Request interface {
	Encoder
	Command() uint16
	// PayloadSize returns the larger of the bytes sent and the bytes
	// expected back, which determines the credit charge.
	PayloadSize() int
}

// FileRequest is a request addressed to an open file.
type FileRequest interface {
	Request
	SetFileID(id FileID)
}

// FileID is the SMB2_FILEID of an open: persistent and volatile halves.
type FileID [16]byte

// DummyFileID refers to the file opened by the previous request of a related compound.
var DummyFileID = FileID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// NewFileID builds a FileID from its two halves.
func NewFileID(persistent, volatile uint64) FileID {
	var id FileID
	binary.LittleEndian.PutUint64(id[:8], persistent)
	binary.LittleEndian.PutUint64(id[8:], volatile)
	return id
}

// Persistent returns the persistent half of the FileID.
func (id FileID) Persistent() uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

// Volatile returns the volatile half of the FileID.
func (id FileID) Volatile() uint64 {
	return binary.LittleEndian.Uint64(id[8:])
}

// IsZero reports whether the FileID is unset.
func (id FileID) IsZero() bool {
	return id == FileID{}
}

func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// EchoRequest represents an SMB2_ECHO request or response; both have the same layout.
type EchoRequest struct{}

// Command implements Request interface.
func (EchoRequest) Command() uint16 { return SMB2_ECHO }

// PayloadSize implements Request interface.
func (EchoRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (EchoRequest) Encode() []byte { return encodeEmpty() }

// Decode implements Decoder interface.
func (EchoRequest) Decode(body []byte) error { return decodeEmpty(body) }

// CancelRequest represents an SMB2_CANCEL request.
type CancelRequest struct{}

// Command implements Request interface.
func (CancelRequest) Command() uint16 { return SMB2_CANCEL }

// PayloadSize implements Request interface.
func (CancelRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (CancelRequest) Encode() []byte { return encodeEmpty() }

// Decode implements Decoder interface.
func (CancelRequest) Decode(body []byte) error { return decodeEmpty(body) }

// EmptyResponse represents the four-byte bodies of LOGOFF, TREE_DISCONNECT,
// FLUSH, LOCK and ECHO responses.
type EmptyResponse struct{}

// Encode implements Encoder interface.
func (EmptyResponse) Encode() []byte { return encodeEmpty() }

// Decode implements Decoder interface.
func (EmptyResponse) Decode(body []byte) error { return decodeEmpty(body) }

func encodeEmpty() []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint16(body[:2], 4)
	return body
}

func decodeEmpty(body []byte) error {
	if len(body) < 4 {
		return ErrWrongLength
	}
	if binary.LittleEndian.Uint16(body[:2]) != 4 {
		return ErrWrongFormat
	}
	return nil
}

// structureSize checks the StructureSize field and minimum length of a body.
func structureSize(body []byte, size uint16, minLen int) error {
	if len(body) < minLen {
		return ErrWrongLength
	}
	if binary.LittleEndian.Uint16(body[:2]) != size {
		return ErrWrongFormat
	}
	return nil
}

// buffer returns the variable part of a body given an offset relative to the
// start of the SMB2 header.
func buffer(body []byte, offset uint32, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if offset < SMB2HeaderSize {
		return nil, ErrWrongFormat
	}
	start := int(offset) - SMB2HeaderSize
	end := start + int(length)
	if end > len(body) || end < start {
		return nil, ErrWrongLength
	}
	return body[start:end], nil
}
