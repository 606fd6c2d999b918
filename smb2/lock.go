package smb2

import "encoding/binary"

const (
	SMB2LockRequestMinSize       = 24
	SMB2LockRequestStructureSize = 48

	lockElementSize = 24
)

const (
	LOCKFLAG_SHARED_LOCK      = 0x00000001
	LOCKFLAG_EXCLUSIVE_LOCK   = 0x00000002
	LOCKFLAG_UNLOCK           = 0x00000004
	LOCKFLAG_FAIL_IMMEDIATELY = 0x00000010
)

// Lock is a single SMB2_LOCK_ELEMENT.
type Lock struct {
	Offset uint64
	Length uint64
	Flags  uint32
}

// LockRequest represents an SMB2_LOCK request.
type LockRequest struct {
	LockSequence uint32
	FileID       FileID
	Locks        []Lock
}

// Command implements Request interface.
func (lr *LockRequest) Command() uint16 { return SMB2_LOCK }

// PayloadSize implements Request interface.
func (lr *LockRequest) PayloadSize() int { return 0 }

// SetFileID implements FileRequest interface.
func (lr *LockRequest) SetFileID(id FileID) { lr.FileID = id }

// Encode implements Encoder interface.
func (lr *LockRequest) Encode() []byte {
	body := make([]byte, SMB2LockRequestMinSize+lockElementSize*len(lr.Locks))
	binary.LittleEndian.PutUint16(body[:2], SMB2LockRequestStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(lr.Locks)))
	binary.LittleEndian.PutUint32(body[4:8], lr.LockSequence)
	copy(body[8:24], lr.FileID[:])
	for i, l := range lr.Locks {
		off := SMB2LockRequestMinSize + i*lockElementSize
		binary.LittleEndian.PutUint64(body[off:off+8], l.Offset)
		binary.LittleEndian.PutUint64(body[off+8:off+16], l.Length)
		binary.LittleEndian.PutUint32(body[off+16:off+20], l.Flags)
	}
	return body
}

// Decode implements Decoder interface.
func (lr *LockRequest) Decode(body []byte) error {
	if err := structureSize(body, SMB2LockRequestStructureSize, SMB2LockRequestMinSize); err != nil {
		return err
	}

	count := int(binary.LittleEndian.Uint16(body[2:4]))
	if count == 0 {
		return ErrInvalidParameter
	}
	if len(body) < SMB2LockRequestMinSize+lockElementSize*count {
		return ErrWrongLength
	}

	lr.LockSequence = binary.LittleEndian.Uint32(body[4:8])
	copy(lr.FileID[:], body[8:24])
	lr.Locks = make([]Lock, count)
	for i := range lr.Locks {
		off := SMB2LockRequestMinSize + i*lockElementSize
		lr.Locks[i] = Lock{
			Offset: binary.LittleEndian.Uint64(body[off : off+8]),
			Length: binary.LittleEndian.Uint64(body[off+8 : off+16]),
			Flags:  binary.LittleEndian.Uint32(body[off+16 : off+20]),
		}
	}
	return nil
}
