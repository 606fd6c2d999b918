package smb2

import (
	"encoding/binary"
)

const (
	SMB2SessionSetupRequestMinSize       = 24
	SMB2SessionSetupRequestStructureSize = 25

	SMB2SessionSetupResponseMinSize       = 8
	SMB2SessionSetupResponseStructureSize = 9
)

const (
	// Session setup request flags.
	SESSION_FLAG_BINDING = 0x01
)

const (
	// Session flags.
	SESSION_FLAG_IS_GUEST     = 0x0001
	SESSION_FLAG_IS_NULL      = 0x0002
	SESSION_FLAG_ENCRYPT_DATA = 0x0004
)

// SessionSetupRequest represents an SMB2_SESSION_SETUP request.
type SessionSetupRequest struct {
	Flags             uint8
	SecurityMode      uint8
	Capabilities      uint32
	PreviousSessionID uint64
	SecurityBuffer    []byte
}

// Command implements Request interface.
func (ssr *SessionSetupRequest) Command() uint16 { return SMB2_SESSION_SETUP }

// PayloadSize implements Request interface.
func (ssr *SessionSetupRequest) PayloadSize() int { return len(ssr.SecurityBuffer) }

// Encode implements Encoder interface.
func (ssr *SessionSetupRequest) Encode() []byte {
	body := make([]byte, SMB2SessionSetupRequestMinSize, SMB2SessionSetupRequestMinSize+len(ssr.SecurityBuffer))
	binary.LittleEndian.PutUint16(body[:2], SMB2SessionSetupRequestStructureSize)
	body[2] = ssr.Flags
	body[3] = ssr.SecurityMode
	binary.LittleEndian.PutUint32(body[4:8], ssr.Capabilities)
	binary.LittleEndian.PutUint16(body[12:14], SMB2HeaderSize+SMB2SessionSetupRequestMinSize)
	binary.LittleEndian.PutUint16(body[14:16], uint16(len(ssr.SecurityBuffer)))
	binary.LittleEndian.PutUint64(body[16:24], ssr.PreviousSessionID)
	return append(body, ssr.SecurityBuffer...)
}

// Decode implements Decoder interface.
func (ssr *SessionSetupRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2SessionSetupRequestStructureSize, SMB2SessionSetupRequestMinSize); err != nil {
		return err
	}

	ssr.Flags = body[2]
	ssr.SecurityMode = body[3]
	ssr.Capabilities = binary.LittleEndian.Uint32(body[4:8])
	ssr.PreviousSessionID = binary.LittleEndian.Uint64(body[16:24])
	sb, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[12:14])), uint32(binary.LittleEndian.Uint16(body[14:16])))
	if err != nil {
		return err
	}
	ssr.SecurityBuffer = sb
	return nil
}

// SessionSetupResponse represents an SMB2_SESSION_SETUP response.
type SessionSetupResponse struct {
	SessionFlags   uint16
	SecurityBuffer []byte
}

// Encode implements Encoder interface.
func (ssr *SessionSetupResponse) Encode() []byte {
	body := make([]byte, SMB2SessionSetupResponseMinSize, SMB2SessionSetupResponseMinSize+max(1, len(ssr.SecurityBuffer)))
	binary.LittleEndian.PutUint16(body[:2], SMB2SessionSetupResponseStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], ssr.SessionFlags)
	if len(ssr.SecurityBuffer) == 0 {
		return append(body, 0)
	}
	binary.LittleEndian.PutUint16(body[4:6], SMB2HeaderSize+SMB2SessionSetupResponseMinSize)
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(ssr.SecurityBuffer)))
	return append(body, ssr.SecurityBuffer...)
}

// Decode implements Decoder interface.
func (ssr *SessionSetupResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2SessionSetupResponseStructureSize, SMB2SessionSetupResponseMinSize); err != nil {
		return err
	}

	ssr.SessionFlags = binary.LittleEndian.Uint16(body[2:4])
	sb, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[4:6])), uint32(binary.LittleEndian.Uint16(body[6:8])))
	if err != nil {
		return err
	}
	ssr.SecurityBuffer = sb
	return nil
}

// LogoffRequest represents an SMB2_LOGOFF request.
type LogoffRequest struct{}

// Command implements Request interface.
func (LogoffRequest) Command() uint16 { return SMB2_LOGOFF }

// PayloadSize implements Request interface.
func (LogoffRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (LogoffRequest) Encode() []byte { return encodeEmpty() }

// Decode implements Decoder interface.
func (LogoffRequest) Decode(body []byte) error { return decodeEmpty(body) }
