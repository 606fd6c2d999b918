package smb2

import (
	"encoding/binary"
	"time"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2CreateRequestMinSize       = 56
	SMB2CreateRequestStructureSize = 57

	SMB2CreateResponseMinSize       = 88
	SMB2CreateResponseStructureSize = 89
)

const (
	// Oplock level
	OPLOCK_LEVEL_NONE      = 0x00
	OPLOCK_LEVEL_II        = 0x01
	OPLOCK_LEVEL_EXCLUSIVE = 0x08
	OPLOCK_LEVEL_BATCH     = 0x09
	OPLOCK_LEVEL_LEASE     = 0xff
)

const (
	// Impersonation level
	IMPERSONATION_ANONYMOUS      = 0x00000000
	IMPERSONATION_IDENTIFICATION = 0x00000001
	IMPERSONATION_IMPERSONATION  = 0x00000002
	IMPERSONATION_DELEGATE       = 0x00000003
)

const (
	// Access mask
	FILE_READ_DATA        = 0x00000001
	FILE_WRITE_DATA       = 0x00000002
	FILE_APPEND_DATA      = 0x00000004
	FILE_READ_EA          = 0x00000008
	FILE_WRITE_EA         = 0x00000010
	FILE_EXECUTE          = 0x00000020
	FILE_READ_ATTRIBUTES  = 0x00000080
	FILE_WRITE_ATTRIBUTES = 0x00000100
	DELETE                = 0x00010000
	READ_CONTROL          = 0x00020000
	WRITE_DAC             = 0x00040000
	WRITE_OWNER           = 0x00080000
	SYNCHRONIZE           = 0x00100000
	MAXIMUM_ALLOWED       = 0x02000000
	GENERIC_ALL           = 0x10000000
	GENERIC_EXECUTE       = 0x20000000
	GENERIC_WRITE         = 0x40000000
	GENERIC_READ          = 0x80000000
)

const (
	// Share access
	FILE_SHARE_READ   = 0x00000001
	FILE_SHARE_WRITE  = 0x00000002
	FILE_SHARE_DELETE = 0x00000004
)

const (
	// Create disposition
	FILE_SUPERSEDE    = 0x00000000
	FILE_OPEN         = 0x00000001
	FILE_CREATE       = 0x00000002
	FILE_OPEN_IF      = 0x00000003
	FILE_OVERWRITE    = 0x00000004
	FILE_OVERWRITE_IF = 0x00000005
)

const (
	// Create options
	FILE_DIRECTORY_FILE          = 0x00000001
	FILE_WRITE_THROUGH           = 0x00000002
	FILE_SEQUENTIAL_ONLY         = 0x00000004
	FILE_SYNCHRONOUS_IO_NONALERT = 0x00000020
	FILE_NON_DIRECTORY_FILE      = 0x00000040
	FILE_COMPLETE_IF_OPLOCKED    = 0x00000100
	FILE_RANDOM_ACCESS           = 0x00000800
	FILE_DELETE_ON_CLOSE         = 0x00001000
	FILE_OPEN_REPARSE_POINT      = 0x00200000
)

const (
	// File attributes
	FILE_ATTRIBUTE_READONLY  = 0x00000001
	FILE_ATTRIBUTE_HIDDEN    = 0x00000002
	FILE_ATTRIBUTE_SYSTEM    = 0x00000004
	FILE_ATTRIBUTE_DIRECTORY = 0x00000010
	FILE_ATTRIBUTE_ARCHIVE   = 0x00000020
	FILE_ATTRIBUTE_NORMAL    = 0x00000080
)

const (
	// Create action
	FILE_SUPERSEDED  = 0x00000000
	FILE_OPENED      = 0x00000001
	FILE_CREATED     = 0x00000002
	FILE_OVERWRITTEN = 0x00000003
)

const (
	// Create context names
	CREATE_EA_BUFFER                    = "ExtA"
	CREATE_SD_BUFFER                    = "SecD"
	CREATE_DURABLE_HANDLE_REQUEST       = "DHnQ"
	CREATE_DURABLE_HANDLE_RECONNECT     = "DHnC"
	CREATE_DURABLE_HANDLE_REQUEST_V2    = "DH2Q"
	CREATE_DURABLE_HANDLE_RECONNECT_V2  = "DH2C"
	CREATE_ALLOCATION_SIZE              = "AlSi"
	CREATE_QUERY_MAXIMAL_ACCESS_REQUEST = "MxAc"
	CREATE_TIMEWARP_TOKEN               = "TWrp"
	CREATE_QUERY_ON_DISK_ID             = "QFid"
	CREATE_REQUEST_LEASE                = "RqLs"
)

const (
	// Durable handle v2 flags
	DHANDLE_FLAG_PERSISTENT = 0x00000002
)

const (
	// Lease flags
	LEASE_FLAG_BREAK_IN_PROGRESS    = 0x00000002
	LEASE_FLAG_PARENT_LEASE_KEY_SET = 0x00000004
)

const (
	createContextHeaderSize = 16
	leaseV1Size             = 32
	leaseV2Size             = 52
)

// CreateContext represents an SMB2_CREATE_CONTEXT entry.
type CreateContext struct {
	Name string
	Data []byte
}

// EncodeCreateContexts serializes a chain of create contexts.
func EncodeCreateContexts(ccs []CreateContext) []byte {
	var buf []byte
	for i, cc := range ccs {
		start := len(buf)
		name := []byte(cc.Name)
		dataOff := utils.Roundup(createContextHeaderSize+len(name), 8)
		entry := make([]byte, dataOff+len(cc.Data))
		binary.LittleEndian.PutUint16(entry[4:6], createContextHeaderSize)
		binary.LittleEndian.PutUint16(entry[6:8], uint16(len(name)))
		if len(cc.Data) > 0 {
			binary.LittleEndian.PutUint16(entry[10:12], uint16(dataOff))
			binary.LittleEndian.PutUint32(entry[12:16], uint32(len(cc.Data)))
		}
		copy(entry[createContextHeaderSize:], name)
		copy(entry[dataOff:], cc.Data)
		buf = append(buf, entry...)
		if i < len(ccs)-1 {
			buf = append(buf, make([]byte, utils.Roundup(len(buf), 8)-len(buf))...)
			binary.LittleEndian.PutUint32(buf[start:start+4], uint32(len(buf)-start))
		}
	}
	return buf
}

// DecodeCreateContexts parses a chain of create contexts.
func DecodeCreateContexts(buf []byte) ([]CreateContext, error) {
	var ccs []CreateContext
	for len(buf) > 0 {
		if len(buf) < createContextHeaderSize {
			return nil, ErrWrongLength
		}

		next := binary.LittleEndian.Uint32(buf[:4])
		nameOff := int(binary.LittleEndian.Uint16(buf[4:6]))
		nameLen := int(binary.LittleEndian.Uint16(buf[6:8]))
		dataOff := int(binary.LittleEndian.Uint16(buf[10:12]))
		dataLen := int(binary.LittleEndian.Uint32(buf[12:16]))
		if nameOff+nameLen > len(buf) || dataOff+dataLen > len(buf) {
			return nil, ErrWrongLength
		}

		cc := CreateContext{Name: string(buf[nameOff : nameOff+nameLen])}
		if dataLen > 0 {
			cc.Data = make([]byte, dataLen)
			copy(cc.Data, buf[dataOff:dataOff+dataLen])
		}
		ccs = append(ccs, cc)

		if next == 0 {
			break
		}
		if int(next) > len(buf) {
			return nil, ErrWrongFormat
		}
		buf = buf[next:]
	}
	return ccs, nil
}

// FindCreateContext returns the data of the named context.
func FindCreateContext(ccs []CreateContext, name string) ([]byte, bool) {
	for _, cc := range ccs {
		if cc.Name == name {
			return cc.Data, true
		}
	}
	return nil, false
}

// DurableHandleRequestContext builds a DHnQ context.
func DurableHandleRequestContext() CreateContext {
	return CreateContext{CREATE_DURABLE_HANDLE_REQUEST, make([]byte, 16)}
}

// DurableHandleReconnectContext builds a DHnC context.
func DurableHandleReconnectContext(id FileID) CreateContext {
	data := make([]byte, 16)
	copy(data, id[:])
	return CreateContext{CREATE_DURABLE_HANDLE_RECONNECT, data}
}

// DurableHandleV2 represents the DH2Q request and DH2C reconnect payloads.
type DurableHandleV2 struct {
	Timeout    uint32
	Flags      uint32
	CreateGuid [16]byte
	FileID     FileID
}

// RequestContext builds a DH2Q context.
func (d DurableHandleV2) RequestContext() CreateContext {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint32(data[:4], d.Timeout)
	binary.LittleEndian.PutUint32(data[4:8], d.Flags)
	copy(data[16:32], d.CreateGuid[:])
	return CreateContext{CREATE_DURABLE_HANDLE_REQUEST_V2, data}
}

// ReconnectContext builds a DH2C context.
func (d DurableHandleV2) ReconnectContext() CreateContext {
	data := make([]byte, 36)
	copy(data[:16], d.FileID[:])
	copy(data[16:32], d.CreateGuid[:])
	binary.LittleEndian.PutUint32(data[32:36], d.Flags)
	return CreateContext{CREATE_DURABLE_HANDLE_RECONNECT_V2, data}
}

// DecodeRequest parses DH2Q data.
func (d *DurableHandleV2) DecodeRequest(data []byte) error {
	if len(data) < 32 {
		return ErrWrongLength
	}
	d.Timeout = binary.LittleEndian.Uint32(data[:4])
	d.Flags = binary.LittleEndian.Uint32(data[4:8])
	copy(d.CreateGuid[:], data[16:32])
	return nil
}

// DecodeReconnect parses DH2C data.
func (d *DurableHandleV2) DecodeReconnect(data []byte) error {
	if len(data) < 36 {
		return ErrWrongLength
	}
	copy(d.FileID[:], data[:16])
	copy(d.CreateGuid[:], data[16:32])
	d.Flags = binary.LittleEndian.Uint32(data[32:36])
	return nil
}

// ResponseContext builds the DH2Q response context.
func (d DurableHandleV2) ResponseContext() CreateContext {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[:4], d.Timeout)
	binary.LittleEndian.PutUint32(data[4:8], d.Flags)
	return CreateContext{CREATE_DURABLE_HANDLE_REQUEST_V2, data}
}

// DecodeResponse parses the DH2Q response data.
func (d *DurableHandleV2) DecodeResponse(data []byte) error {
	if len(data) < 8 {
		return ErrWrongLength
	}
	d.Timeout = binary.LittleEndian.Uint32(data[:4])
	d.Flags = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// Lease represents the SMB2_CREATE_REQUEST_LEASE(_V2) payload, used both in
// requests and responses.
type Lease struct {
	Key       [16]byte
	State     LeaseState
	Flags     uint32
	Duration  uint64
	ParentKey [16]byte
	Epoch     uint16
	V2        bool
}

// Context builds an RqLs context.
func (l Lease) Context() CreateContext {
	size := leaseV1Size
	if l.V2 {
		size = leaseV2Size
	}
	data := make([]byte, size)
	copy(data[:16], l.Key[:])
	binary.LittleEndian.PutUint32(data[16:20], uint32(l.State))
	binary.LittleEndian.PutUint32(data[20:24], l.Flags)
	binary.LittleEndian.PutUint64(data[24:32], l.Duration)
	if l.V2 {
		copy(data[32:48], l.ParentKey[:])
		binary.LittleEndian.PutUint16(data[48:50], l.Epoch)
	}
	return CreateContext{CREATE_REQUEST_LEASE, data}
}

// Decode parses RqLs data of either version.
func (l *Lease) Decode(data []byte) error {
	if len(data) < leaseV1Size {
		return ErrWrongLength
	}
	copy(l.Key[:], data[:16])
	l.State = LeaseState(binary.LittleEndian.Uint32(data[16:20]))
	l.Flags = binary.LittleEndian.Uint32(data[20:24])
	l.Duration = binary.LittleEndian.Uint64(data[24:32])
	l.V2 = len(data) >= leaseV2Size
	if l.V2 {
		copy(l.ParentKey[:], data[32:48])
		l.Epoch = binary.LittleEndian.Uint16(data[48:50])
	}
	return nil
}

// CreateRequest represents an SMB2_CREATE request.
type CreateRequest struct {
	SecurityFlags        uint8
	RequestedOplockLevel uint8
	ImpersonationLevel   uint32
	DesiredAccess        uint32
	FileAttributes       uint32
	ShareAccess          uint32
	CreateDisposition    uint32
	CreateOptions        uint32
	Name                 string
	Contexts             []CreateContext
}

// Command implements Request interface.
func (cr *CreateRequest) Command() uint16 { return SMB2_CREATE }

// PayloadSize implements Request interface.
func (cr *CreateRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (cr *CreateRequest) Encode() []byte {
	name := utils.EncodeStringToBytes(cr.Name)
	body := make([]byte, SMB2CreateRequestMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2CreateRequestStructureSize)
	body[2] = cr.SecurityFlags
	body[3] = cr.RequestedOplockLevel
	binary.LittleEndian.PutUint32(body[4:8], cr.ImpersonationLevel)
	binary.LittleEndian.PutUint32(body[24:28], cr.DesiredAccess)
	binary.LittleEndian.PutUint32(body[28:32], cr.FileAttributes)
	binary.LittleEndian.PutUint32(body[32:36], cr.ShareAccess)
	binary.LittleEndian.PutUint32(body[36:40], cr.CreateDisposition)
	binary.LittleEndian.PutUint32(body[40:44], cr.CreateOptions)
	binary.LittleEndian.PutUint16(body[44:46], SMB2HeaderSize+SMB2CreateRequestMinSize)
	binary.LittleEndian.PutUint16(body[46:48], uint16(len(name)))
	body = append(body, name...)

	if len(cr.Contexts) > 0 {
		off := utils.Roundup(SMB2HeaderSize+len(body), 8)
		body = append(body, make([]byte, off-SMB2HeaderSize-len(body))...)
		ccs := EncodeCreateContexts(cr.Contexts)
		binary.LittleEndian.PutUint32(body[48:52], uint32(off))
		binary.LittleEndian.PutUint32(body[52:56], uint32(len(ccs)))
		body = append(body, ccs...)
	} else if len(name) == 0 {
		body = append(body, 0)
	}

	return body
}

// Decode implements Decoder interface.
func (cr *CreateRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2CreateRequestStructureSize, SMB2CreateRequestMinSize); err != nil {
		return err
	}

	cr.SecurityFlags = body[2]
	cr.RequestedOplockLevel = body[3]
	cr.ImpersonationLevel = binary.LittleEndian.Uint32(body[4:8])
	cr.DesiredAccess = binary.LittleEndian.Uint32(body[24:28])
	cr.FileAttributes = binary.LittleEndian.Uint32(body[28:32])
	cr.ShareAccess = binary.LittleEndian.Uint32(body[32:36])
	cr.CreateDisposition = binary.LittleEndian.Uint32(body[36:40])
	cr.CreateOptions = binary.LittleEndian.Uint32(body[40:44])

	name, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[44:46])), uint32(binary.LittleEndian.Uint16(body[46:48])))
	if err != nil {
		return err
	}
	cr.Name = utils.DecodeToString(name)

	ccs, err := buffer(body, binary.LittleEndian.Uint32(body[48:52]), binary.LittleEndian.Uint32(body[52:56]))
	if err != nil {
		return err
	}
	cr.Contexts, err = DecodeCreateContexts(ccs)
	return err
}

// CreateResponse represents an SMB2_CREATE response.
type CreateResponse struct {
	OplockLevel    uint8
	Flags          uint8
	CreateAction   uint32
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	ChangeTime     time.Time
	AllocationSize uint64
	EndOfFile      uint64
	FileAttributes uint32
	FileID         FileID
	Contexts       []CreateContext
}

// Encode implements Encoder interface.
func (cr *CreateResponse) Encode() []byte {
	body := make([]byte, SMB2CreateResponseMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2CreateResponseStructureSize)
	body[2] = cr.OplockLevel
	body[3] = cr.Flags
	binary.LittleEndian.PutUint32(body[4:8], cr.CreateAction)
	binary.LittleEndian.PutUint64(body[8:16], utils.UnixToFiletime(cr.CreationTime))
	binary.LittleEndian.PutUint64(body[16:24], utils.UnixToFiletime(cr.LastAccessTime))
	binary.LittleEndian.PutUint64(body[24:32], utils.UnixToFiletime(cr.LastWriteTime))
	binary.LittleEndian.PutUint64(body[32:40], utils.UnixToFiletime(cr.ChangeTime))
	binary.LittleEndian.PutUint64(body[40:48], cr.AllocationSize)
	binary.LittleEndian.PutUint64(body[48:56], cr.EndOfFile)
	binary.LittleEndian.PutUint32(body[56:60], cr.FileAttributes)
	copy(body[64:80], cr.FileID[:])

	if len(cr.Contexts) > 0 {
		ccs := EncodeCreateContexts(cr.Contexts)
		binary.LittleEndian.PutUint32(body[80:84], SMB2HeaderSize+SMB2CreateResponseMinSize)
		binary.LittleEndian.PutUint32(body[84:88], uint32(len(ccs)))
		return append(body, ccs...)
	}

	return append(body, 0)
}

// Decode implements Decoder interface.
func (cr *CreateResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2CreateResponseStructureSize, SMB2CreateResponseMinSize); err != nil {
		return err
	}

	cr.OplockLevel = body[2]
	cr.Flags = body[3]
	cr.CreateAction = binary.LittleEndian.Uint32(body[4:8])
	cr.CreationTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[8:16]))
	cr.LastAccessTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[16:24]))
	cr.LastWriteTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[24:32]))
	cr.ChangeTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[32:40]))
	cr.AllocationSize = binary.LittleEndian.Uint64(body[40:48])
	cr.EndOfFile = binary.LittleEndian.Uint64(body[48:56])
	cr.FileAttributes = binary.LittleEndian.Uint32(body[56:60])
	copy(cr.FileID[:], body[64:80])

	ccs, err := buffer(body, binary.LittleEndian.Uint32(body[80:84]), binary.LittleEndian.Uint32(body[84:88]))
	if err != nil {
		return err
	}
	cr.Contexts, err = DecodeCreateContexts(ccs)
	return err
}
