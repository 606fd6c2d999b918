package smb2

import (
	"encoding/binary"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2ChangeNotifyRequestMinSize       = 32
	SMB2ChangeNotifyRequestStructureSize = 32
)

const (
	WATCH_TREE = 0x0001
)

const (
	FILE_NOTIFY_CHANGE_FILE_NAME    = 0x00000001
	FILE_NOTIFY_CHANGE_DIR_NAME     = 0x00000002
	FILE_NOTIFY_CHANGE_ATTRIBUTES   = 0x00000004
	FILE_NOTIFY_CHANGE_SIZE         = 0x00000008
	FILE_NOTIFY_CHANGE_LAST_WRITE   = 0x00000010
	FILE_NOTIFY_CHANGE_LAST_ACCESS  = 0x00000020
	FILE_NOTIFY_CHANGE_CREATION     = 0x00000040
	FILE_NOTIFY_CHANGE_EA           = 0x00000080
	FILE_NOTIFY_CHANGE_SECURITY     = 0x00000100
	FILE_NOTIFY_CHANGE_STREAM_NAME  = 0x00000200
	FILE_NOTIFY_CHANGE_STREAM_SIZE  = 0x00000400
	FILE_NOTIFY_CHANGE_STREAM_WRITE = 0x00000800
)

// ChangeNotifyRequest represents an SMB2_CHANGE_NOTIFY request. The response
// is decoded with QueryInfoResponse.
type ChangeNotifyRequest struct {
	Flags              uint16
	OutputBufferLength uint32
	FileID             FileID
	CompletionFilter   uint32
}

// Command implements Request interface.
func (cnr *ChangeNotifyRequest) Command() uint16 { return SMB2_CHANGE_NOTIFY }

// PayloadSize implements Request interface.
func (cnr *ChangeNotifyRequest) PayloadSize() int { return int(cnr.OutputBufferLength) }

// SetFileID implements FileRequest interface.
func (cnr *ChangeNotifyRequest) SetFileID(id FileID) { cnr.FileID = id }

// Encode implements Encoder interface.
func (cnr *ChangeNotifyRequest) Encode() []byte {
	body := make([]byte, SMB2ChangeNotifyRequestMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2ChangeNotifyRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], cnr.Flags)
	binary.LittleEndian.PutUint32(body[4:8], cnr.OutputBufferLength)
	copy(body[8:24], cnr.FileID[:])
	binary.LittleEndian.PutUint32(body[24:28], cnr.CompletionFilter)
	return body
}

// Decode implements Decoder interface.
func (cnr *ChangeNotifyRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2ChangeNotifyRequestStructureSize, SMB2ChangeNotifyRequestMinSize); err != nil {
		return err
	}
	cnr.Flags = binary.LittleEndian.Uint16(body[2:4])
	cnr.OutputBufferLength = binary.LittleEndian.Uint32(body[4:8])
	copy(cnr.FileID[:], body[8:24])
	cnr.CompletionFilter = binary.LittleEndian.Uint32(body[24:28])
	return nil
}

const (
	FILE_ACTION_ADDED            = 0x00000001
	FILE_ACTION_REMOVED          = 0x00000002
	FILE_ACTION_MODIFIED         = 0x00000003
	FILE_ACTION_RENAMED_OLD_NAME = 0x00000004
	FILE_ACTION_RENAMED_NEW_NAME = 0x00000005
)

// FileNotifyInformation is one FILE_NOTIFY_INFORMATION entry of a change
// notification (MS-FSCC 2.7.1).
type FileNotifyInformation struct {
	Action   uint32
	FileName string
}

// EncodeFileNotifyInformation chains entries with 4-byte aligned offsets.
func EncodeFileNotifyInformation(entries []FileNotifyInformation) []byte {
	var buf []byte
	last := 0
	for i, e := range entries {
		name := utils.EncodeStringToBytes(e.FileName)
		start := len(buf)
		if i > 0 {
			binary.LittleEndian.PutUint32(buf[last:last+4], uint32(start-last))
		}
		entry := make([]byte, 12+len(name))
		binary.LittleEndian.PutUint32(entry[4:8], e.Action)
		binary.LittleEndian.PutUint32(entry[8:12], uint32(len(name)))
		copy(entry[12:], name)
		buf = append(buf, entry...)
		if i < len(entries)-1 {
			buf = append(buf, make([]byte, utils.Roundup(len(buf), 4)-len(buf))...)
		}
		last = start
	}
	return buf
}

// DecodeFileNotifyInformation parses a chain of entries.
func DecodeFileNotifyInformation(buf []byte) ([]FileNotifyInformation, error) {
	var entries []FileNotifyInformation
	off := 0
	for off < len(buf) {
		if len(buf)-off < 12 {
			return nil, ErrWrongLength
		}
		next := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		n := int(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		if off+12+n > len(buf) {
			return nil, ErrWrongLength
		}
		entries = append(entries, FileNotifyInformation{
			Action:   binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			FileName: utils.DecodeToString(buf[off+12 : off+12+n]),
		})
		if next == 0 {
			break
		}
		off += next
	}
	return entries, nil
}
