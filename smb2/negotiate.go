package smb2

import (
	"encoding/binary"
	"time"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	SMB2NegotiateRequestMinSize       = 36
	SMB2NegotiateRequestStructureSize = 36

	SMB2NegotiateResponseMinSize       = 64
	SMB2NegotiateResponseStructureSize = 65
)

const (
	// SMB2 dialects.
	SMB_DIALECT_202         = 0x0202
	SMB_DIALECT_21          = 0x0210
	SMB_DIALECT_30          = 0x0300
	SMB_DIALECT_302         = 0x0302
	SMB_DIALECT_311         = 0x0311
	SMB_DIALECT_MULTICREDIT = 0x02ff
)

const (
	// Security modes.
	NEGOTIATE_SIGNING_ENABLED  = 0x0001
	NEGOTIATE_SIGNING_REQUIRED = 0x0002
)

const (
	// Capabilities.
	GLOBAL_CAP_DFS                = 0x00000001
	GLOBAL_CAP_LEASING            = 0x00000002
	GLOBAL_CAP_LARGE_MTU          = 0x00000004
	GLOBAL_CAP_MULTI_CHANNEL      = 0x00000008
	GLOBAL_CAP_PERSISTENT_HANDLES = 0x00000010
	GLOBAL_CAP_DIRECTORY_LEASING  = 0x00000020
	GLOBAL_CAP_ENCRYPTION         = 0x00000040
	GLOBAL_CAP_NOTIFICATIONS      = 0x00000080
)

const (
	// Negotiate context types.
	PREAUTH_INTEGRITY_CAPABILITIES = 0x0001
	ENCRYPTION_CAPABILITIES        = 0x0002
	COMPRESSION_CAPABILITIES       = 0x0003
	NETNAME_NEGOTIATE_CONTEXT_ID   = 0x0005
	TRANSPORT_CAPABILITIES         = 0x0006
	RDMA_TRANSFORM_CAPABILITIES    = 0x0007
	SIGNING_CAPABILITIES           = 0x0008
)

const (
	// Hash algorithms.
	SHA_512 = 0x0001
)

const (
	// Encryption ciphers.
	AES_128_CCM = 0x0001
	AES_128_GCM = 0x0002
	AES_256_CCM = 0x0003
	AES_256_GCM = 0x0004
)

const (
	// Compression capabilities.
	COMPRESSION_CAPABILITIES_FLAG_NONE    = 0x0000
	COMPRESSION_CAPABILITIES_FLAG_CHAINED = 0x0001
)

const (
	// Compression algorithms.
	COMPRESSION_NONE         = 0x0000
	COMPRESSION_LZNT1        = 0x0001
	COMPRESSION_LZ77         = 0x0002
	COMPRESSION_LZ77_HUFFMAN = 0x0003
	COMPRESSION_PATTERN_V1   = 0x0004
	COMPRESSION_LZ4          = 0x0005
)

const (
	// Signing algorithms.
	HMAC_SHA256 = 0x0000
	AES_CMAC    = 0x0001
	AES_GMAC    = 0x0002
)

// Is3X returns true if the dialect belongs to the 3.x family.
func Is3X(dialect uint16) bool {
	return dialect >= SMB_DIALECT_30 && dialect != SMB_DIALECT_MULTICREDIT
}

// NegotiateContext represents a NEGOTIATE_CONTEXT value.
type NegotiateContext struct {
	ContextType uint16
	Data        []byte
}

// PreauthIntegrityContext builds an SMB2_PREAUTH_INTEGRITY_CAPABILITIES context.
func PreauthIntegrityContext(salt []byte) NegotiateContext {
	data := make([]byte, 6+len(salt))
	binary.LittleEndian.PutUint16(data[:2], 1)
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(salt)))
	binary.LittleEndian.PutUint16(data[4:6], SHA_512)
	copy(data[6:], salt)
	return NegotiateContext{PREAUTH_INTEGRITY_CAPABILITIES, data}
}

// EncryptionContext builds an SMB2_ENCRYPTION_CAPABILITIES context.
func EncryptionContext(ciphers []uint16) NegotiateContext {
	return NegotiateContext{ENCRYPTION_CAPABILITIES, encodeIDList(nil, ciphers)}
}

// SigningContext builds an SMB2_SIGNING_CAPABILITIES context.
func SigningContext(algos []uint16) NegotiateContext {
	return NegotiateContext{SIGNING_CAPABILITIES, encodeIDList(nil, algos)}
}

// CompressionContext builds an SMB2_COMPRESSION_CAPABILITIES context.
func CompressionContext(algos []uint16, flags uint32) NegotiateContext {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[:2], uint16(len(algos)))
	binary.LittleEndian.PutUint32(data[4:8], flags)
	for _, a := range algos {
		data = binary.LittleEndian.AppendUint16(data, a)
	}
	return NegotiateContext{COMPRESSION_CAPABILITIES, data}
}

func encodeIDList(prefix []byte, ids []uint16) []byte {
	data := binary.LittleEndian.AppendUint16(prefix, uint16(len(ids)))
	for _, id := range ids {
		data = binary.LittleEndian.AppendUint16(data, id)
	}
	return data
}

// IDs returns the algorithm identifiers listed in an encryption, signing,
// preauth or compression context.
func (nc NegotiateContext) IDs() []uint16 {
	var start int
	switch nc.ContextType {
	case PREAUTH_INTEGRITY_CAPABILITIES:
		start = 4
	case COMPRESSION_CAPABILITIES:
		start = 8
	case ENCRYPTION_CAPABILITIES, SIGNING_CAPABILITIES:
		start = 2
	default:
		return nil
	}
	if len(nc.Data) < 2 {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(nc.Data[:2]))
	var ids []uint16
	for i := range count {
		off := start + 2*i
		if off+2 > len(nc.Data) {
			break
		}
		ids = append(ids, binary.LittleEndian.Uint16(nc.Data[off:off+2]))
	}
	return ids
}

// CompressionFlags returns the Flags field of a compression context.
func (nc NegotiateContext) CompressionFlags() uint32 {
	if nc.ContextType != COMPRESSION_CAPABILITIES || len(nc.Data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint32(nc.Data[4:8])
}

// FindContext returns the first context of the given type.
func FindContext(ncs []NegotiateContext, t uint16) (NegotiateContext, bool) {
	for _, nc := range ncs {
		if nc.ContextType == t {
			return nc, true
		}
	}
	return NegotiateContext{}, false
}

func encodeNegotiateContexts(dst []byte, ncs []NegotiateContext) []byte {
	for i, nc := range ncs {
		if i > 0 {
			dst = append(dst, make([]byte, utils.Roundup(len(dst), 8)-len(dst))...)
		}
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint16(hdr[:2], nc.ContextType)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(nc.Data)))
		dst = append(dst, hdr...)
		dst = append(dst, nc.Data...)
	}
	return dst
}

func decodeNegotiateContexts(buf []byte, count int) ([]NegotiateContext, error) {
	var ncs []NegotiateContext
	off := 0
	for range count {
		if off+8 > len(buf) {
			return nil, ErrWrongLength
		}
		t := binary.LittleEndian.Uint16(buf[off : off+2])
		l := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		if off+8+l > len(buf) {
			return nil, ErrWrongLength
		}
		data := make([]byte, l)
		copy(data, buf[off+8:off+8+l])
		ncs = append(ncs, NegotiateContext{t, data})
		off = utils.Roundup(off+8+l, 8)
	}
	return ncs, nil
}

// NegotiateRequest represents an SMB2_NEGOTIATE request.
type NegotiateRequest struct {
	SecurityMode uint16
	Capabilities uint32
	ClientGuid   [16]byte
	Dialects     []uint16
	Contexts     []NegotiateContext
}

// Command implements Request interface.
func (nr *NegotiateRequest) Command() uint16 { return SMB2_NEGOTIATE }

// PayloadSize implements Request interface.
func (nr *NegotiateRequest) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (nr *NegotiateRequest) Encode() []byte {
	body := make([]byte, SMB2NegotiateRequestMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2NegotiateRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(nr.Dialects)))
	binary.LittleEndian.PutUint16(body[4:6], nr.SecurityMode)
	binary.LittleEndian.PutUint32(body[8:12], nr.Capabilities)
	copy(body[12:28], nr.ClientGuid[:])
	for _, d := range nr.Dialects {
		body = binary.LittleEndian.AppendUint16(body, d)
	}

	if len(nr.Contexts) > 0 {
		off := utils.Roundup(SMB2HeaderSize+len(body), 8)
		body = append(body, make([]byte, off-SMB2HeaderSize-len(body))...)
		binary.LittleEndian.PutUint32(body[28:32], uint32(off))
		binary.LittleEndian.PutUint16(body[32:34], uint16(len(nr.Contexts)))
		body = encodeNegotiateContexts(body, nr.Contexts)
	}

	return body
}

// Decode implements Decoder interface.
func (nr *NegotiateRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2NegotiateRequestStructureSize, SMB2NegotiateRequestMinSize); err != nil {
		return err
	}

	count := int(binary.LittleEndian.Uint16(body[2:4]))
	if count == 0 {
		return ErrInvalidParameter
	}
	if len(body) < SMB2NegotiateRequestMinSize+2*count {
		return ErrWrongLength
	}

	nr.SecurityMode = binary.LittleEndian.Uint16(body[4:6])
	nr.Capabilities = binary.LittleEndian.Uint32(body[8:12])
	copy(nr.ClientGuid[:], body[12:28])
	nr.Dialects = make([]uint16, count)
	for i := range count {
		off := SMB2NegotiateRequestMinSize + 2*i
		nr.Dialects[i] = binary.LittleEndian.Uint16(body[off : off+2])
	}

	ctxOffset := binary.LittleEndian.Uint32(body[28:32])
	ctxCount := int(binary.LittleEndian.Uint16(body[32:34]))
	if ctxCount > 0 && ctxOffset >= SMB2HeaderSize && int(ctxOffset)-SMB2HeaderSize <= len(body) {
		ncs, err := decodeNegotiateContexts(body[int(ctxOffset)-SMB2HeaderSize:], ctxCount)
		if err != nil {
			return err
		}
		nr.Contexts = ncs
	}

	return nil
}

// NegotiateResponse represents an SMB2_NEGOTIATE response.
type NegotiateResponse struct {
	SecurityMode    uint16
	DialectRevision uint16
	ServerGuid      [16]byte
	Capabilities    uint32
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	SystemTime      time.Time
	ServerStartTime time.Time
	SecurityBuffer  []byte
	Contexts        []NegotiateContext
}

// Encode implements Encoder interface.
func (nr *NegotiateResponse) Encode() []byte {
	body := make([]byte, SMB2NegotiateResponseMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2NegotiateResponseStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], nr.SecurityMode)
	binary.LittleEndian.PutUint16(body[4:6], nr.DialectRevision)
	copy(body[8:24], nr.ServerGuid[:])
	binary.LittleEndian.PutUint32(body[24:28], nr.Capabilities)
	binary.LittleEndian.PutUint32(body[28:32], nr.MaxTransactSize)
	binary.LittleEndian.PutUint32(body[32:36], nr.MaxReadSize)
	binary.LittleEndian.PutUint32(body[36:40], nr.MaxWriteSize)
	binary.LittleEndian.PutUint64(body[40:48], utils.UnixToFiletime(nr.SystemTime))
	if !nr.ServerStartTime.IsZero() {
		binary.LittleEndian.PutUint64(body[48:56], utils.UnixToFiletime(nr.ServerStartTime))
	}
	binary.LittleEndian.PutUint16(body[56:58], SMB2HeaderSize+SMB2NegotiateResponseMinSize)
	binary.LittleEndian.PutUint16(body[58:60], uint16(len(nr.SecurityBuffer)))
	body = append(body, nr.SecurityBuffer...)

	if nr.DialectRevision == SMB_DIALECT_311 && len(nr.Contexts) > 0 {
		off := utils.Roundup(SMB2HeaderSize+len(body), 8)
		body = append(body, make([]byte, off-SMB2HeaderSize-len(body))...)
		binary.LittleEndian.PutUint16(body[6:8], uint16(len(nr.Contexts)))
		binary.LittleEndian.PutUint32(body[60:64], uint32(off))
		body = encodeNegotiateContexts(body, nr.Contexts)
	}

	return body
}

// Decode implements Decoder interface.
func (nr *NegotiateResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2NegotiateResponseStructureSize, SMB2NegotiateResponseMinSize); err != nil {
		return err
	}

	nr.SecurityMode = binary.LittleEndian.Uint16(body[2:4])
	nr.DialectRevision = binary.LittleEndian.Uint16(body[4:6])
	copy(nr.ServerGuid[:], body[8:24])
	nr.Capabilities = binary.LittleEndian.Uint32(body[24:28])
	nr.MaxTransactSize = binary.LittleEndian.Uint32(body[28:32])
	nr.MaxReadSize = binary.LittleEndian.Uint32(body[32:36])
	nr.MaxWriteSize = binary.LittleEndian.Uint32(body[36:40])
	nr.SystemTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[40:48]))
	nr.ServerStartTime = utils.FiletimeToUnix(binary.LittleEndian.Uint64(body[48:56]))

	sb, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[56:58])), uint32(binary.LittleEndian.Uint16(body[58:60])))
	if err != nil {
		return err
	}
	nr.SecurityBuffer = sb

	if nr.DialectRevision == SMB_DIALECT_311 {
		count := int(binary.LittleEndian.Uint16(body[6:8]))
		off := int(binary.LittleEndian.Uint32(body[60:64]))
		if count > 0 {
			if off < SMB2HeaderSize || off-SMB2HeaderSize > len(body) {
				return ErrWrongFormat
			}
			ncs, err := decodeNegotiateContexts(body[off-SMB2HeaderSize:], count)
			if err != nil {
				return err
			}
			nr.Contexts = ncs
		}
	}

	return nil
}

// ValidateNegotiateInfoRequest represents the input of FSCTL_VALIDATE_NEGOTIATE_INFO.
type ValidateNegotiateInfoRequest struct {
	Capabilities uint32
	Guid         [16]byte
	SecurityMode uint16
	Dialects     []uint16
}

// Encode implements Encoder interface.
func (v *ValidateNegotiateInfoRequest) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[:4], v.Capabilities)
	copy(buf[4:20], v.Guid[:])
	binary.LittleEndian.PutUint16(buf[20:22], v.SecurityMode)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(v.Dialects)))
	for _, d := range v.Dialects {
		buf = binary.LittleEndian.AppendUint16(buf, d)
	}
	return buf
}

// Decode implements Decoder interface.
func (v *ValidateNegotiateInfoRequest) Decode(buf []byte) error {
	if len(buf) < 24 {
		return ErrWrongLength
	}
	v.Capabilities = binary.LittleEndian.Uint32(buf[:4])
	copy(v.Guid[:], buf[4:20])
	v.SecurityMode = binary.LittleEndian.Uint16(buf[20:22])
	count := int(binary.LittleEndian.Uint16(buf[22:24]))
	if len(buf) < 24+2*count {
		return ErrWrongLength
	}
	v.Dialects = make([]uint16, count)
	for i := range count {
		v.Dialects[i] = binary.LittleEndian.Uint16(buf[24+2*i : 26+2*i])
	}
	return nil
}

// ValidateNegotiateInfoResponse represents the output of FSCTL_VALIDATE_NEGOTIATE_INFO.
type ValidateNegotiateInfoResponse struct {
	Capabilities uint32
	Guid         [16]byte
	SecurityMode uint16
	Dialect      uint16
}

// Encode implements Encoder interface.
func (v *ValidateNegotiateInfoResponse) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[:4], v.Capabilities)
	copy(buf[4:20], v.Guid[:])
	binary.LittleEndian.PutUint16(buf[20:22], v.SecurityMode)
	binary.LittleEndian.PutUint16(buf[22:24], v.Dialect)
	return buf
}

// Decode implements Decoder interface.
func (v *ValidateNegotiateInfoResponse) Decode(buf []byte) error {
	if len(buf) < 24 {
		return ErrWrongLength
	}
	v.Capabilities = binary.LittleEndian.Uint32(buf[:4])
	copy(v.Guid[:], buf[4:20])
	v.SecurityMode = binary.LittleEndian.Uint16(buf[20:22])
	v.Dialect = binary.LittleEndian.Uint16(buf[22:24])
	return nil
}
