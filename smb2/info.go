package smb2

import (
	"encoding/binary"
	"time"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2QueryInfoRequestMinSize       = 40
	SMB2QueryInfoRequestStructureSize = 41

	SMB2QueryInfoResponseMinSize       = 8
	SMB2QueryInfoResponseStructureSize = 9

	SMB2SetInfoRequestMinSize       = 32
	SMB2SetInfoRequestStructureSize = 33

	SMB2SetInfoResponseMinSize       = 2
	SMB2SetInfoResponseStructureSize = 2
)

const (
	// Info types.
	INFO_FILE       = 0x01
	INFO_FILESYSTEM = 0x02
	INFO_SECURITY   = 0x03
	INFO_QUOTA      = 0x04
)

const (
	// File information classes.
	FileBasicInformation       = 0x04
	FileStandardInformation    = 0x05
	FileInternalInformation    = 0x06
	FileRenameInformation      = 0x0a
	FileDispositionInformation = 0x0d
	FileAllInformation         = 0x12
	FileEndOfFileInformation   = 0x14
)

const (
	FileStandardInformationSize  = 24
	FileEndOfFileInformationSize = 8
)

// QueryInfoRequest represents an SMB2_QUERY_INFO request.
type QueryInfoRequest struct {
	InfoType              uint8
	FileInfoClass         uint8
	OutputBufferLength    uint32
	AdditionalInformation uint32
	Flags                 uint32
	FileID                FileID
	Input                 []byte
}

// Command implements Request interface.
func (qir *QueryInfoRequest) Command() uint16 { return SMB2_QUERY_INFO }

// PayloadSize implements Request interface.
func (qir *QueryInfoRequest) PayloadSize() int {
	return max(len(qir.Input), int(qir.OutputBufferLength))
}

// SetFileID implements FileRequest interface.
func (qir *QueryInfoRequest) SetFileID(id FileID) { qir.FileID = id }

// Encode implements Encoder interface.
func (qir *QueryInfoRequest) Encode() []byte {
	body := make([]byte, SMB2QueryInfoRequestMinSize, SMB2QueryInfoRequestMinSize+max(1, len(qir.Input)))
	binary.LittleEndian.PutUint16(body[:2], SMB2QueryInfoRequestStructureSize)
	body[2] = qir.InfoType
	body[3] = qir.FileInfoClass
	binary.LittleEndian.PutUint32(body[4:8], qir.OutputBufferLength)
	binary.LittleEndian.PutUint32(body[16:20], qir.AdditionalInformation)
	binary.LittleEndian.PutUint32(body[20:24], qir.Flags)
	copy(body[24:40], qir.FileID[:])
	if len(qir.Input) == 0 {
		return append(body, 0)
	}
	binary.LittleEndian.PutUint16(body[8:10], SMB2HeaderSize+SMB2QueryInfoRequestMinSize)
	binary.LittleEndian.PutUint32(body[12:16], uint32(len(qir.Input)))
	return append(body, qir.Input...)
}

// Decode implements Decoder interface.
func (qir *QueryInfoRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2QueryInfoRequestStructureSize, SMB2QueryInfoRequestMinSize); err != nil {
		return err
	}
	qir.InfoType = body[2]
	qir.FileInfoClass = body[3]
	qir.OutputBufferLength = binary.LittleEndian.Uint32(body[4:8])
	qir.AdditionalInformation = binary.LittleEndian.Uint32(body[16:20])
	qir.Flags = binary.LittleEndian.Uint32(body[20:24])
	copy(qir.FileID[:], body[24:40])
	input, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[8:10])), binary.LittleEndian.Uint32(body[12:16]))
	if err != nil {
		return err
	}
	qir.Input = input
	return nil
}

// QueryInfoResponse represents an SMB2_QUERY_INFO response. It shares its
// layout with the SMB2_CHANGE_NOTIFY response.
type QueryInfoResponse struct {
	Output []byte
}

// Encode implements Encoder interface.
func (qir *QueryInfoResponse) Encode() []byte {
	body := make([]byte, SMB2QueryInfoResponseMinSize, SMB2QueryInfoResponseMinSize+max(1, len(qir.Output)))
	binary.LittleEndian.PutUint16(body[:2], SMB2QueryInfoResponseStructureSize)
	if len(qir.Output) == 0 {
		return append(body, 0)
	}
	binary.LittleEndian.PutUint16(body[2:4], SMB2HeaderSize+SMB2QueryInfoResponseMinSize)
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(qir.Output)))
	return append(body, qir.Output...)
}

// Decode implements Decoder interface.
func (qir *QueryInfoResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2QueryInfoResponseStructureSize, SMB2QueryInfoResponseMinSize); err != nil {
		return err
	}
	output, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[2:4])), binary.LittleEndian.Uint32(body[4:8]))
	if err != nil {
		return err
	}
	qir.Output = output
	return nil
}

// SetInfoRequest represents an SMB2_SET_INFO request.
type SetInfoRequest struct {
	InfoType              uint8
	FileInfoClass         uint8
	AdditionalInformation uint32
	FileID                FileID
	Info                  []byte
}

// Command implements Request interface.
func (sir *SetInfoRequest) Command() uint16 { return SMB2_SET_INFO }

// PayloadSize implements Request interface.
func (sir *SetInfoRequest) PayloadSize() int { return len(sir.Info) }

// SetFileID implements FileRequest interface.
func (sir *SetInfoRequest) SetFileID(id FileID) { sir.FileID = id }

// Encode implements Encoder interface.
func (sir *SetInfoRequest) Encode() []byte {
	body := make([]byte, SMB2SetInfoRequestMinSize, SMB2SetInfoRequestMinSize+len(sir.Info))
	binary.LittleEndian.PutUint16(body[:2], SMB2SetInfoRequestStructureSize)
	body[2] = sir.InfoType
	body[3] = sir.FileInfoClass
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(sir.Info)))
	binary.LittleEndian.PutUint16(body[8:10], SMB2HeaderSize+SMB2SetInfoRequestMinSize)
	binary.LittleEndian.PutUint32(body[12:16], sir.AdditionalInformation)
	copy(body[16:32], sir.FileID[:])
	return append(body, sir.Info...)
}

// Decode implements Decoder interface.
func (sir *SetInfoRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2SetInfoRequestStructureSize, SMB2SetInfoRequestMinSize); err != nil {
		return err
	}
	sir.InfoType = body[2]
	sir.FileInfoClass = body[3]
	sir.AdditionalInformation = binary.LittleEndian.Uint32(body[12:16])
	copy(sir.FileID[:], body[16:32])
	info, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[8:10])), binary.LittleEndian.Uint32(body[4:8]))
	if err != nil {
		return err
	}
	sir.Info = info
	return nil
}

// SetInfoResponse represents an SMB2_SET_INFO response.
type SetInfoResponse struct{}

// Encode implements Encoder interface.
func (SetInfoResponse) Encode() []byte {
	body := make([]byte, SMB2SetInfoResponseMinSize)
	binary.LittleEndian.PutUint16(body, SMB2SetInfoResponseStructureSize)
	return body
}

// Decode implements Decoder interface.
func (SetInfoResponse) Decode(body []byte) error {
	return structureSize(body, SMB2SetInfoResponseStructureSize, SMB2SetInfoResponseMinSize)
}

// FileStandardInfo is FILE_STANDARD_INFORMATION (MS-FSCC).
type FileStandardInfo struct {
	AllocationSize uint64
	EndOfFile      uint64
	NumberOfLinks  uint32
	DeletePending  bool
	Directory      bool
}

// Encode implements Encoder interface.
func (fsi *FileStandardInfo) Encode() []byte {
	buf := make([]byte, FileStandardInformationSize)
	binary.LittleEndian.PutUint64(buf[:8], fsi.AllocationSize)
	binary.LittleEndian.PutUint64(buf[8:16], fsi.EndOfFile)
	binary.LittleEndian.PutUint32(buf[16:20], fsi.NumberOfLinks)
	if fsi.DeletePending {
		buf[20] = 1
	}
	if fsi.Directory {
		buf[21] = 1
	}
	return buf
}

// Decode implements Decoder interface.
func (fsi *FileStandardInfo) Decode(buf []byte) error {
	if len(buf) < FileStandardInformationSize {
		return ErrWrongLength
	}
	fsi.AllocationSize = binary.LittleEndian.Uint64(buf[:8])
	fsi.EndOfFile = binary.LittleEndian.Uint64(buf[8:16])
	fsi.NumberOfLinks = binary.LittleEndian.Uint32(buf[16:20])
	fsi.DeletePending = buf[20] != 0
	fsi.Directory = buf[21] != 0
	return nil
}

// EndOfFileInfo encodes FILE_END_OF_FILE_INFORMATION.
func EndOfFileInfo(size uint64) []byte {
	buf := make([]byte, FileEndOfFileInformationSize)
	binary.LittleEndian.PutUint64(buf, size)
	return buf
}

const (
	FileBasicInformationSize       = 40
	FileInternalInformationSize    = 8
	FileDispositionInformationSize = 1
)

// FileBasicInfo is FILE_BASIC_INFORMATION (MS-FSCC). Zero times are left
// unchanged by SET_INFO.
type FileBasicInfo struct {
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	ChangeTime     time.Time
	FileAttributes uint32
}

func putFiletime(b []byte, t time.Time) {
	if t.IsZero() {
		return
	}
	binary.LittleEndian.PutUint64(b, utils.UnixToFiletime(t))
}

func getFiletime(b []byte) time.Time {
	ft := binary.LittleEndian.Uint64(b)
	if ft == 0 {
		return time.Time{}
	}
	return utils.FiletimeToUnix(ft)
}

// Encode implements Encoder interface.
func (fbi *FileBasicInfo) Encode() []byte {
	buf := make([]byte, FileBasicInformationSize)
	putFiletime(buf[:8], fbi.CreationTime)
	putFiletime(buf[8:16], fbi.LastAccessTime)
	putFiletime(buf[16:24], fbi.LastWriteTime)
	putFiletime(buf[24:32], fbi.ChangeTime)
	binary.LittleEndian.PutUint32(buf[32:36], fbi.FileAttributes)
	return buf
}

// Decode implements Decoder interface.
func (fbi *FileBasicInfo) Decode(buf []byte) error {
	if len(buf) < FileBasicInformationSize {
		return ErrWrongLength
	}
	fbi.CreationTime = getFiletime(buf[:8])
	fbi.LastAccessTime = getFiletime(buf[8:16])
	fbi.LastWriteTime = getFiletime(buf[16:24])
	fbi.ChangeTime = getFiletime(buf[24:32])
	fbi.FileAttributes = binary.LittleEndian.Uint32(buf[32:36])
	return nil
}

// DispositionInfo encodes FILE_DISPOSITION_INFORMATION.
func DispositionInfo(deletePending bool) []byte {
	buf := make([]byte, FileDispositionInformationSize)
	if deletePending {
		buf[0] = 1
	}
	return buf
}
