package smb2

import (
	"encoding/binary"
	"time"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2CloseRequestMinSize       = 24
	SMB2CloseRequestStructureSize = 24

	SMB2CloseResponseMinSize       = 60
	SMB2CloseResponseStructureSize = 60

	SMB2FlushRequestMinSize       = 24
	SMB2FlushRequestStructureSize = 24
)

const (
	CLOSE_FLAG_POSTQUERY_ATTRIB = 0x0001
)

// CloseRequest represents an SMB2_CLOSE request.
type CloseRequest struct {
	Flags  uint16
	FileID FileID
}

// Command implements Request interface.
func (cr *CloseRequest) Command() uint16 { return SMB2_CLOSE }

// PayloadSize implements Request interface.
func (cr *CloseRequest) PayloadSize() int { return 0 }

// SetFileID implements FileRequest interface.
func (cr *CloseRequest) SetFileID(id FileID) { cr.FileID = id }

// Encode implements Encoder interface.
func (cr *CloseRequest) Encode() []byte {
	body := make([]byte, SMB2CloseRequestMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2CloseRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], cr.Flags)
	copy(body[8:24], cr.FileID[:])
	return body
}

// Decode implements Decoder interface.
func (cr *CloseRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2CloseRequestStructureSize, SMB2CloseRequestMinSize); err != nil {
		return err
	}
	cr.Flags = binary.LittleEndian.Uint16(body[2:4])
	copy(cr.FileID[:], body[8:24])
	return nil
}

// CloseResponse represents an SMB2_CLOSE response. The attributes are only
// set when CLOSE_FLAG_POSTQUERY_ATTRIB was requested.
type CloseResponse struct {
	Flags          uint16
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	ChangeTime     time.Time
	AllocationSize uint64
	EndOfFile      uint64
	FileAttributes uint32
}

// Encode implements Encoder interface.
func (cr *CloseResponse) Encode() []byte {
	body := make([]byte, SMB2CloseResponseMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2CloseResponseStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], cr.Flags)
	if cr.Flags&CLOSE_FLAG_POSTQUERY_ATTRIB == 0 {
		return body
	}
	binary.LittleEndian.PutUint64(body[8:16], utils.UnixToFiletime(cr.CreationTime))
	binary.LittleEndian.PutUint64(body[16:24], utils.UnixToFiletime(cr.LastAccessTime))
	binary.LittleEndian.PutUint64(body[24:32], utils.UnixToFiletime(cr.LastWriteTime))
	binary.LittleEndian.PutUint64(body[32:40], utils.UnixToFiletime(cr.ChangeTime))
	binary.LittleEndian.PutUint64(body[40:48], cr.AllocationSize)
	binary.LittleEndian.PutUint64(body[48:56], cr.EndOfFile)
	binary.LittleEndian.PutUint32(body[56:60], cr.FileAttributes)
	return body
}

// Decode implements Decoder interface.
func (cr *CloseResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2CloseResponseStructureSize, SMB2CloseResponseMinSize); err != nil {
		return err
	}
	cr.Flags = binary.LittleEndian.Uint16(body[2:4])
	cr.CreationTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[8:16]))
	cr.LastAccessTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[16:24]))
	cr.LastWriteTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[24:32]))
	cr.ChangeTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[32:40]))
	cr.AllocationSize = binary.LittleEndian.Uint64(body[40:48])
	cr.EndOfFile = binary.LittleEndian.Uint64(body[48:56])
	cr.FileAttributes = binary.LittleEndian.Uint32(body[56:60])
	return nil
}

// FlushRequest represents an SMB2_FLUSH request.
type FlushRequest struct {
	FileID FileID
}

// Command implements Request interface.
func (fr *FlushRequest) Command() uint16 { return SMB2_FLUSH }

// PayloadSize implements Request interface.
func (fr *FlushRequest) PayloadSize() int { return 0 }

// SetFileID implements FileRequest interface.
func (fr *FlushRequest) SetFileID(id FileID) { fr.FileID = id }

// Encode implements Encoder interface.
func (fr *FlushRequest) Encode() []byte {
	body := make([]byte, SMB2FlushRequestMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2FlushRequestStructureSize)
	copy(body[8:24], fr.FileID[:])
	return body
}

// Decode implements Decoder interface.
func (fr *FlushRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2FlushRequestStructureSize, SMB2FlushRequestMinSize); err != nil {
		return err
	}
	copy(fr.FileID[:], body[8:24])
	return nil
}
