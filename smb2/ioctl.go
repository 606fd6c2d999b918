package smb2

import (
	"encoding/binary"
	"net"
)

const (
	SMB2IoctlRequestMinSize       = 56
	SMB2IoctlRequestStructureSize = 57

	SMB2IoctlResponseMinSize       = 48
	SMB2IoctlResponseStructureSize = 49
)

const (
	// FSCTL control codes.
	FSCTL_DFS_GET_REFERRALS            = 0x00060194
	FSCTL_PIPE_PEEK                    = 0x0011400c
	FSCTL_PIPE_WAIT                    = 0x00110018
	FSCTL_PIPE_TRANSCEIVE              = 0x0011c017
	FSCTL_SRV_COPYCHUNK                = 0x001440f2
	FSCTL_SRV_ENUMERATE_SNAPSHOTS      = 0x00144064
	FSCTL_SRV_REQUEST_RESUME_KEY       = 0x00140078
	FSCTL_SRV_READ_HASH                = 0x001441bb
	FSCTL_SRV_COPYCHUNK_WRITE          = 0x001480f2
	FSCTL_LMR_REQUEST_RESILIENCY       = 0x001401d4
	FSCTL_QUERY_NETWORK_INTERFACE_INFO = 0x001401fc
	FSCTL_SET_REPARSE_POINT            = 0x000900a4
	FSCTL_DFS_GET_REFERRALS_EX         = 0x000601b0
	FSCTL_FILE_LEVEL_TRIM              = 0x00098208
	FSCTL_VALIDATE_NEGOTIATE_INFO      = 0x00140204
)

const (
	// IOCTL flags.
	IOCTL_IS_FSCTL = 0x00000001
)

const (
	// Network interface capabilities.
	RSS_CAPABLE  = 0x00000001
	RDMA_CAPABLE = 0x00000002
)

const (
	NetworkResiliencyRequestSize = 8
	NetworkInterfaceInfoSize     = 152
	ResumeKeySize                = 24
	SrvCopychunkSize             = 24
	SrvCopychunkResponseSize     = 12

	addressFamilyInet  = 0x0002
	addressFamilyInet6 = 0x0017
)

// IoctlRequest represents an SMB2_IOCTL request.
type IoctlRequest struct {
	CtlCode           uint32
	FileID            FileID
	MaxInputResponse  uint32
	MaxOutputResponse uint32
	Flags             uint32
	Input             []byte
}

// Command implements Request interface.
func (ir *IoctlRequest) Command() uint16 { return SMB2_IOCTL }

// PayloadSize implements Request interface.
func (ir *IoctlRequest) PayloadSize() int {
	return max(len(ir.Input), int(ir.MaxInputResponse)+int(ir.MaxOutputResponse))
}

// SetFileID implements FileRequest interface.
func (ir *IoctlRequest) SetFileID(id FileID) { ir.FileID = id }

// Encode implements Encoder interface.
func (ir *IoctlRequest) Encode() []byte {
	body := make([]byte, SMB2IoctlRequestMinSize, SMB2IoctlRequestMinSize+len(ir.Input))
	binary.LittleEndian.PutUint16(body[:2], SMB2IoctlRequestStructureSize)
	binary.LittleEndian.PutUint32(body[4:8], ir.CtlCode)
	copy(body[8:24], ir.FileID[:])
	if len(ir.Input) > 0 {
		binary.LittleEndian.PutUint32(body[24:28], SMB2HeaderSize+SMB2IoctlRequestMinSize)
		binary.LittleEndian.PutUint32(body[28:32], uint32(len(ir.Input)))
	}
	binary.LittleEndian.PutUint32(body[32:36], ir.MaxInputResponse)
	binary.LittleEndian.PutUint32(body[44:48], ir.MaxOutputResponse)
	binary.LittleEndian.PutUint32(body[48:52], ir.Flags)
	return append(body, ir.Input...)
}

// Decode implements Decoder interface.
func (ir *IoctlRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2IoctlRequestStructureSize, SMB2IoctlRequestMinSize); err != nil {
		return err
	}
	ir.CtlCode = binary.LittleEndian.Uint32(body[4:8])
	copy(ir.FileID[:], body[8:24])
	ir.MaxInputResponse = binary.LittleEndian.Uint32(body[32:36])
	ir.MaxOutputResponse = binary.LittleEndian.Uint32(body[44:48])
	ir.Flags = binary.LittleEndian.Uint32(body[48:52])
	input, err := buffer(body, binary.LittleEndian.Uint32(body[24:28]), binary.LittleEndian.Uint32(body[28:32]))
	if err != nil {
		return err
	}
	ir.Input = input
	return nil
}

// IoctlResponse represents an SMB2_IOCTL response.
type IoctlResponse struct {
	CtlCode uint32
	FileID  FileID
	Flags   uint32
	Output  []byte
}

// Encode implements Encoder interface.
func (ir *IoctlResponse) Encode() []byte {
	body := make([]byte, SMB2IoctlResponseMinSize, SMB2IoctlResponseMinSize+len(ir.Output))
	binary.LittleEndian.PutUint16(body[:2], SMB2IoctlResponseStructureSize)
	binary.LittleEndian.PutUint32(body[4:8], ir.CtlCode)
	copy(body[8:24], ir.FileID[:])
	binary.LittleEndian.PutUint32(body[24:28], SMB2HeaderSize+SMB2IoctlResponseMinSize)
	if len(ir.Output) > 0 {
		binary.LittleEndian.PutUint32(body[32:36], SMB2HeaderSize+SMB2IoctlResponseMinSize)
		binary.LittleEndian.PutUint32(body[36:40], uint32(len(ir.Output)))
	}
	binary.LittleEndian.PutUint32(body[40:44], ir.Flags)
	return append(body, ir.Output...)
}

// Decode implements Decoder interface.
func (ir *IoctlResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2IoctlResponseStructureSize, SMB2IoctlResponseMinSize); err != nil {
		return err
	}
	ir.CtlCode = binary.LittleEndian.Uint32(body[4:8])
	copy(ir.FileID[:], body[8:24])
	ir.Flags = binary.LittleEndian.Uint32(body[40:44])
	output, err := buffer(body, binary.LittleEndian.Uint32(body[32:36]), binary.LittleEndian.Uint32(body[36:40]))
	if err != nil {
		return err
	}
	ir.Output = output
	return nil
}

// NetworkResiliencyRequest is the input of FSCTL_LMR_REQUEST_RESILIENCY.
type NetworkResiliencyRequest struct {
	Timeout uint32 // milliseconds
}

// Encode implements Encoder interface.
func (nrr NetworkResiliencyRequest) Encode() []byte {
	buf := make([]byte, NetworkResiliencyRequestSize)
	binary.LittleEndian.PutUint32(buf[:4], nrr.Timeout)
	return buf
}

// Decode implements Decoder interface.
func (nrr *NetworkResiliencyRequest) Decode(buf []byte) error {
	if len(buf) < NetworkResiliencyRequestSize {
		return ErrWrongLength
	}
	nrr.Timeout = binary.LittleEndian.Uint32(buf[:4])
	return nil
}

// NetworkInterfaceInfo is one entry of the FSCTL_QUERY_NETWORK_INTERFACE_INFO output.
type NetworkInterfaceInfo struct {
	IfIndex    uint32
	Capability uint32
	LinkSpeed  uint64
	IP         net.IP
	Port       uint16
}

// EncodeNetworkInterfaces serializes the interface list.
func EncodeNetworkInterfaces(ifs []NetworkInterfaceInfo) []byte {
	buf := make([]byte, NetworkInterfaceInfoSize*len(ifs))
	for i, ni := range ifs {
		e := buf[i*NetworkInterfaceInfoSize : (i+1)*NetworkInterfaceInfoSize]
		if i < len(ifs)-1 {
			binary.LittleEndian.PutUint32(e[:4], NetworkInterfaceInfoSize)
		}
		binary.LittleEndian.PutUint32(e[4:8], ni.IfIndex)
		binary.LittleEndian.PutUint32(e[8:12], ni.Capability)
		binary.LittleEndian.PutUint64(e[16:24], ni.LinkSpeed)
		sa := e[24:]
		binary.BigEndian.PutUint16(sa[2:4], ni.Port)
		if ip4 := ni.IP.To4(); ip4 != nil {
			binary.LittleEndian.PutUint16(sa[:2], addressFamilyInet)
			copy(sa[4:8], ip4)
		} else {
			binary.LittleEndian.PutUint16(sa[:2], addressFamilyInet6)
			copy(sa[8:24], ni.IP.To16())
		}
	}
	return buf
}

// DecodeNetworkInterfaces parses the interface list.
func DecodeNetworkInterfaces(buf []byte) ([]NetworkInterfaceInfo, error) {
	var ifs []NetworkInterfaceInfo
	for len(buf) > 0 {
		if len(buf) < NetworkInterfaceInfoSize {
			return nil, ErrWrongLength
		}
		ni := NetworkInterfaceInfo{
			IfIndex:    binary.LittleEndian.Uint32(buf[4:8]),
			Capability: binary.LittleEndian.Uint32(buf[8:12]),
			LinkSpeed:  binary.LittleEndian.Uint64(buf[16:24]),
		}
		sa := buf[24:NetworkInterfaceInfoSize]
		ni.Port = binary.BigEndian.Uint16(sa[2:4])
		switch binary.LittleEndian.Uint16(sa[:2]) {
		case addressFamilyInet:
			ni.IP = net.IP(append([]byte(nil), sa[4:8]...))
		case addressFamilyInet6:
			ni.IP = net.IP(append([]byte(nil), sa[8:24]...))
		default:
			return nil, ErrWrongFormat
		}
		ifs = append(ifs, ni)

		next := binary.LittleEndian.Uint32(buf[:4])
		if next == 0 {
			break
		}
		if int(next) > len(buf) {
			return nil, ErrWrongFormat
		}
		buf = buf[next:]
	}
	return ifs, nil
}

// ResumeKey is the output of FSCTL_SRV_REQUEST_RESUME_KEY.
type ResumeKey [ResumeKeySize]byte

// EncodeResumeKey builds the SRV_REQUEST_RESUME_KEY output.
func EncodeResumeKey(key ResumeKey) []byte {
	buf := make([]byte, ResumeKeySize+4)
	copy(buf, key[:])
	return buf
}

// DecodeResumeKey parses the SRV_REQUEST_RESUME_KEY output.
func DecodeResumeKey(buf []byte) (key ResumeKey, err error) {
	if len(buf) < ResumeKeySize+4 {
		return key, ErrWrongLength
	}
	copy(key[:], buf[:ResumeKeySize])
	return key, nil
}

// Chunk is one SRV_COPYCHUNK range.
type Chunk struct {
	SourceOffset uint64
	TargetOffset uint64
	Length       uint32
}

// CopychunkRequest is the input of FSCTL_SRV_COPYCHUNK(_WRITE).
type CopychunkRequest struct {
	SourceKey ResumeKey
	Chunks    []Chunk
}

// Encode implements Encoder interface.
func (cr *CopychunkRequest) Encode() []byte {
	buf := make([]byte, ResumeKeySize+8+SrvCopychunkSize*len(cr.Chunks))
	copy(buf, cr.SourceKey[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(cr.Chunks)))
	for i, c := range cr.Chunks {
		off := 32 + i*SrvCopychunkSize
		binary.LittleEndian.PutUint64(buf[off:off+8], c.SourceOffset)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], c.TargetOffset)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], c.Length)
	}
	return buf
}

// Decode implements Decoder interface.
func (cr *CopychunkRequest) Decode(buf []byte) error {
	if len(buf) < ResumeKeySize+8 {
		return ErrWrongLength
	}
	copy(cr.SourceKey[:], buf[:ResumeKeySize])
	count := int(binary.LittleEndian.Uint32(buf[24:28]))
	if len(buf) < 32+count*SrvCopychunkSize {
		return ErrWrongLength
	}
	cr.Chunks = make([]Chunk, count)
	for i := range cr.Chunks {
		off := 32 + i*SrvCopychunkSize
		cr.Chunks[i] = Chunk{
			SourceOffset: binary.LittleEndian.Uint64(buf[off : off+8]),
			TargetOffset: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Length:       binary.LittleEndian.Uint32(buf[off+16 : off+20]),
		}
	}
	return nil
}

// CopychunkResponse is the output of FSCTL_SRV_COPYCHUNK(_WRITE).
type CopychunkResponse struct {
	ChunksWritten     uint32
	ChunkBytesWritten uint32
	TotalBytesWritten uint32
}

// Encode implements Encoder interface.
func (cr *CopychunkResponse) Encode() []byte {
	buf := make([]byte, SrvCopychunkResponseSize)
	binary.LittleEndian.PutUint32(buf[:4], cr.ChunksWritten)
	binary.LittleEndian.PutUint32(buf[4:8], cr.ChunkBytesWritten)
	binary.LittleEndian.PutUint32(buf[8:12], cr.TotalBytesWritten)
	return buf
}

// Decode implements Decoder interface.
func (cr *CopychunkResponse) Decode(buf []byte) error {
	if len(buf) < SrvCopychunkResponseSize {
		return ErrWrongLength
	}
	cr.ChunksWritten = binary.LittleEndian.Uint32(buf[:4])
	cr.ChunkBytesWritten = binary.LittleEndian.Uint32(buf[4:8])
	cr.TotalBytesWritten = binary.LittleEndian.Uint32(buf[8:12])
	return nil
}
