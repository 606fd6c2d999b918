package smb2

import "encoding/binary"

const (
	SMB2ReadRequestMinSize       = 48
	SMB2ReadRequestStructureSize = 49

	SMB2ReadResponseMinSize       = 16
	SMB2ReadResponseStructureSize = 17

	SMB2WriteRequestMinSize       = 48
	SMB2WriteRequestStructureSize = 49

	SMB2WriteResponseMinSize       = 16
	SMB2WriteResponseStructureSize = 17
)

const (
	// Read flags.
	READFLAG_READ_UNBUFFERED    = 0x01
	READFLAG_REQUEST_COMPRESSED = 0x02
)

const (
	// Write flags.
	WRITEFLAG_WRITE_THROUGH    = 0x00000001
	WRITEFLAG_WRITE_UNBUFFERED = 0x00000002
)

// ReadRequest represents an SMB2_READ request.
type ReadRequest struct {
	Flags          uint8
	Length         uint32
	Offset         uint64
	FileID         FileID
	MinimumCount   uint32
	RemainingBytes uint32
}

// Command implements Request interface.
func (rr *ReadRequest) Command() uint16 { return SMB2_READ }

// PayloadSize implements Request interface.
func (rr *ReadRequest) PayloadSize() int { return int(rr.Length) }

// SetFileID implements FileRequest interface.
func (rr *ReadRequest) SetFileID(id FileID) { rr.FileID = id }

// Encode implements Encoder interface.
func (rr *ReadRequest) Encode() []byte {
	body := make([]byte, SMB2ReadRequestMinSize+1)
	binary.LittleEndian.PutUint16(body[:2], SMB2ReadRequestStructureSize)
	body[3] = rr.Flags
	binary.LittleEndian.PutUint32(body[4:8], rr.Length)
	binary.LittleEndian.PutUint64(body[8:16], rr.Offset)
	copy(body[16:32], rr.FileID[:])
	binary.LittleEndian.PutUint32(body[32:36], rr.MinimumCount)
	binary.LittleEndian.PutUint32(body[40:44], rr.RemainingBytes)
	return body
}

// Decode implements Decoder interface.
func (rr *ReadRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2ReadRequestStructureSize, SMB2ReadRequestMinSize); err != nil {
		return err
	}
	rr.Flags = body[3]
	rr.Length = binary.LittleEndian.Uint32(body[4:8])
	rr.Offset = binary.LittleEndian.Uint64(body[8:16])
	copy(rr.FileID[:], body[16:32])
	rr.MinimumCount = binary.LittleEndian.Uint32(body[32:36])
	rr.RemainingBytes = binary.LittleEndian.Uint32(body[40:44])
	return nil
}

// ReadResponse represents an SMB2_READ response.
type ReadResponse struct {
	DataRemaining uint32
	Data          []byte
}

// Encode implements Encoder interface.
func (rr *ReadResponse) Encode() []byte {
	body := make([]byte, SMB2ReadResponseMinSize, SMB2ReadResponseMinSize+len(rr.Data))
	binary.LittleEndian.PutUint16(body[:2], SMB2ReadResponseStructureSize)
	body[2] = SMB2HeaderSize + SMB2ReadResponseMinSize
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(rr.Data)))
	binary.LittleEndian.PutUint32(body[8:12], rr.DataRemaining)
	if len(rr.Data) == 0 {
		return append(body, 0)
	}
	return append(body, rr.Data...)
}

// Decode implements Decoder interface.
func (rr *ReadResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2ReadResponseStructureSize, SMB2ReadResponseMinSize); err != nil {
		return err
	}
	rr.DataRemaining = binary.LittleEndian.Uint32(body[8:12])
	data, err := buffer(body, uint32(body[2]), binary.LittleEndian.Uint32(body[4:8]))
	if err != nil {
		return err
	}
	rr.Data = data
	return nil
}

// WriteRequest represents an SMB2_WRITE request.
type WriteRequest struct {
	Offset         uint64
	FileID         FileID
	RemainingBytes uint32
	Flags          uint32
	Data           []byte
}

// Command implements Request interface.
func (wr *WriteRequest) Command() uint16 { return SMB2_WRITE }

// PayloadSize implements Request interface.
func (wr *WriteRequest) PayloadSize() int { return len(wr.Data) }

// SetFileID implements FileRequest interface.
func (wr *WriteRequest) SetFileID(id FileID) { wr.FileID = id }

// Encode implements Encoder interface.
func (wr *WriteRequest) Encode() []byte {
	body := make([]byte, SMB2WriteRequestMinSize, SMB2WriteRequestMinSize+len(wr.Data))
	binary.LittleEndian.PutUint16(body[:2], SMB2WriteRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], SMB2HeaderSize+SMB2WriteRequestMinSize)
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(wr.Data)))
	binary.LittleEndian.PutUint64(body[8:16], wr.Offset)
	copy(body[16:32], wr.FileID[:])
	binary.LittleEndian.PutUint32(body[36:40], wr.RemainingBytes)
	binary.LittleEndian.PutUint32(body[44:48], wr.Flags)
	if len(wr.Data) == 0 {
		return append(body, 0)
	}
	return append(body, wr.Data...)
}

// Decode implements Decoder interface.
func (wr *WriteRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2WriteRequestStructureSize, SMB2WriteRequestMinSize); err != nil {
		return err
	}
	wr.Offset = binary.LittleEndian.Uint64(body[8:16])
	copy(wr.FileID[:], body[16:32])
	wr.RemainingBytes = binary.LittleEndian.Uint32(body[36:40])
	wr.Flags = binary.LittleEndian.Uint32(body[44:48])
	data, err := buffer(body, uint32(binary.LittleEndian.Uint16(body[2:4])), binary.LittleEndian.Uint32(body[4:8]))
	if err != nil {
		return err
	}
	wr.Data = data
	return nil
}

// WriteResponse represents an SMB2_WRITE response.
type WriteResponse struct {
	Count     uint32
	Remaining uint32
}

// Encode implements Encoder interface.
func (wr *WriteResponse) Encode() []byte {
	body := make([]byte, SMB2WriteResponseMinSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2WriteResponseStructureSize)
	binary.LittleEndian.PutUint32(body[4:8], wr.Count)
	binary.LittleEndian.PutUint32(body[8:12], wr.Remaining)
	return body
}

// Decode implements Decoder interface.
func (wr *WriteResponse) Decode(body []byte) error {
	if err := structureSize(body, SMB2WriteResponseStructureSize, SMB2WriteResponseMinSize); err != nil {
		return err
	}
	wr.Count = binary.LittleEndian.Uint32(body[4:8])
	wr.Remaining = binary.LittleEndian.Uint32(body[8:12])
	return nil
}
