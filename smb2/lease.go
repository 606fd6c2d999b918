package smb2

import (
	"encoding/binary"
	"strings"
)

const (
	SMB2OplockBreakStructureSize = 24

	SMB2LeaseBreakNotificationStructureSize = 44
	SMB2LeaseBreakAckStructureSize          = 36
)

// LeaseState is a combination of the caching bits a lease grants.
type LeaseState uint32

const (
	LEASE_NONE           LeaseState = 0x00
	LEASE_READ_CACHING   LeaseState = 0x01
	LEASE_HANDLE_CACHING LeaseState = 0x02
	LEASE_WRITE_CACHING  LeaseState = 0x04

	LEASE_RH  = LEASE_READ_CACHING | LEASE_HANDLE_CACHING
	LEASE_RW  = LEASE_READ_CACHING | LEASE_WRITE_CACHING
	LEASE_RWH = LEASE_READ_CACHING | LEASE_WRITE_CACHING | LEASE_HANDLE_CACHING
)

const (
	// Lease break notification flags
	NOTIFY_BREAK_LEASE_FLAG_ACK_REQUIRED = 0x01
)

// Valid reports whether the state is one a server may grant.
func (s LeaseState) Valid() bool {
	switch s {
	case LEASE_NONE, LEASE_READ_CACHING, LEASE_RH, LEASE_RW, LEASE_RWH:
		return true
	}
	return false
}

// Normalize returns the largest grantable subset of s.
func (s LeaseState) Normalize() LeaseState {
	if s&LEASE_READ_CACHING == 0 {
		return LEASE_NONE
	}
	return s & LEASE_RWH
}

// Contains reports whether every bit of other is also set in s.
func (s LeaseState) Contains(other LeaseState) bool {
	return other&^s == 0
}

func (s LeaseState) String() string {
	if s == LEASE_NONE {
		return "NONE"
	}
	var sb strings.Builder
	if s&LEASE_READ_CACHING != 0 {
		sb.WriteByte('R')
	}
	if s&LEASE_WRITE_CACHING != 0 {
		sb.WriteByte('W')
	}
	if s&LEASE_HANDLE_CACHING != 0 {
		sb.WriteByte('H')
	}
	return sb.String()
}

// BreakCause is the kind of conflicting access that triggers a break.
type BreakCause int

const (
	// BreakOpen is a new open of the same file with compatible sharing.
	BreakOpen BreakCause = iota
	// BreakSharingViolation is a new open that would fail with
	// STATUS_SHARING_VIOLATION unless cached handles are released.
	BreakSharingViolation
	// BreakWrite is a write, overwrite or truncation by another open.
	BreakWrite
)

// GrantLease returns the lease state granted to a new requester given the
// states already held on the file under other lease keys.
func GrantLease(requested LeaseState, held []LeaseState) LeaseState {
	grant := requested.Normalize()
	for _, h := range held {
		if h != LEASE_NONE {
			return grant &^ LEASE_WRITE_CACHING
		}
	}
	return grant
}

// BreakLease returns the state a holder is broken to. The result is always
// a subset of held.
func BreakLease(held LeaseState, cause BreakCause) LeaseState {
	switch cause {
	case BreakOpen:
		return held &^ LEASE_WRITE_CACHING
	case BreakSharingViolation:
		return held &^ (LEASE_WRITE_CACHING | LEASE_HANDLE_CACHING)
	default:
		return LEASE_NONE
	}
}

// GrantOplock returns the oplock level granted to a new requester. othersOpen
// tells whether another open on the file survives the request.
func GrantOplock(requested uint8, othersOpen bool) uint8 {
	if requested == OPLOCK_LEVEL_LEASE {
		return OPLOCK_LEVEL_NONE
	}
	if othersOpen && requested != OPLOCK_LEVEL_NONE {
		return OPLOCK_LEVEL_II
	}
	return requested
}

// BreakOplock returns the level a holder is broken to.
func BreakOplock(held uint8, cause BreakCause) uint8 {
	if cause != BreakOpen {
		return OPLOCK_LEVEL_NONE
	}
	switch held {
	case OPLOCK_LEVEL_EXCLUSIVE, OPLOCK_LEVEL_BATCH:
		return OPLOCK_LEVEL_II
	}
	return held
}

// OplockRank orders oplock levels by strength.
func OplockRank(level uint8) int {
	switch level {
	case OPLOCK_LEVEL_II:
		return 1
	case OPLOCK_LEVEL_EXCLUSIVE:
		return 2
	case OPLOCK_LEVEL_BATCH:
		return 3
	}
	return 0
}

// OplockBreak represents an oplock break notification, acknowledgment and
// response; all three share one layout.
type OplockBreak struct {
	OplockLevel uint8
	FileID      FileID
}

// Command implements Request interface.
func (ob *OplockBreak) Command() uint16 { return SMB2_OPLOCK_BREAK }

// PayloadSize implements Request interface.
func (ob *OplockBreak) PayloadSize() int { return 0 }

// SetFileID implements FileRequest interface.
func (ob *OplockBreak) SetFileID(id FileID) { ob.FileID = id }

// Encode implements Encoder interface.
func (ob *OplockBreak) Encode() []byte {
	body := make([]byte, SMB2OplockBreakStructureSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2OplockBreakStructureSize)
	body[2] = ob.OplockLevel
	copy(body[8:24], ob.FileID[:])
	return body
}

// Decode implements Decoder interface.
func (ob *OplockBreak) Decode(body []byte) error {
	if err := structureSize(body, SMB2OplockBreakStructureSize, SMB2OplockBreakStructureSize); err != nil {
		return err
	}
	ob.OplockLevel = body[2]
	copy(ob.FileID[:], body[8:24])
	return nil
}

// LeaseBreakNotification represents an unsolicited lease break.
type LeaseBreakNotification struct {
	NewEpoch          uint16
	Flags             uint32
	LeaseKey          [16]byte
	CurrentLeaseState LeaseState
	NewLeaseState     LeaseState
}

// AckRequired reports whether the server waits for an acknowledgment.
func (lbn *LeaseBreakNotification) AckRequired() bool {
	return lbn.Flags&NOTIFY_BREAK_LEASE_FLAG_ACK_REQUIRED != 0
}

// Encode implements Encoder interface.
func (lbn *LeaseBreakNotification) Encode() []byte {
	body := make([]byte, SMB2LeaseBreakNotificationStructureSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2LeaseBreakNotificationStructureSize)
	binary.LittleEndian.PutUint16(body[2:4], lbn.NewEpoch)
	binary.LittleEndian.PutUint32(body[4:8], lbn.Flags)
	copy(body[8:24], lbn.LeaseKey[:])
	binary.LittleEndian.PutUint32(body[24:28], uint32(lbn.CurrentLeaseState))
	binary.LittleEndian.PutUint32(body[28:32], uint32(lbn.NewLeaseState))
	return body
}

// Decode implements Decoder interface.
func (lbn *LeaseBreakNotification) Decode(body []byte) error {
	if err := structureSize(body, SMB2LeaseBreakNotificationStructureSize, SMB2LeaseBreakNotificationStructureSize); err != nil {
		return err
	}
	lbn.NewEpoch = binary.LittleEndian.Uint16(body[2:4])
	lbn.Flags = binary.LittleEndian.Uint32(body[4:8])
	copy(lbn.LeaseKey[:], body[8:24])
	lbn.CurrentLeaseState = LeaseState(binary.LittleEndian.Uint32(body[24:28]))
	lbn.NewLeaseState = LeaseState(binary.LittleEndian.Uint32(body[28:32]))
	return nil
}

// LeaseBreakAck represents a lease break acknowledgment and its response.
type LeaseBreakAck struct {
	LeaseKey   [16]byte
	LeaseState LeaseState
}

// Command implements Request interface.
func (lba *LeaseBreakAck) Command() uint16 { return SMB2_OPLOCK_BREAK }

// PayloadSize implements Request interface.
func (lba *LeaseBreakAck) PayloadSize() int { return 0 }

// Encode implements Encoder interface.
func (lba *LeaseBreakAck) Encode() []byte {
	body := make([]byte, SMB2LeaseBreakAckStructureSize)
	binary.LittleEndian.PutUint16(body[:2], SMB2LeaseBreakAckStructureSize)
	copy(body[8:24], lba.LeaseKey[:])
	binary.LittleEndian.PutUint32(body[24:28], uint32(lba.LeaseState))
	return body
}

// Decode implements Decoder interface.
func (lba *LeaseBreakAck) Decode(body []byte) error {
	if err := structureSize(body, SMB2LeaseBreakAckStructureSize, SMB2LeaseBreakAckStructureSize); err != nil {
		return err
	}
	copy(lba.LeaseKey[:], body[8:24])
	lba.LeaseState = LeaseState(binary.LittleEndian.Uint32(body[24:28]))
	return nil
}

// BreakStructureSize returns the StructureSize of an OPLOCK_BREAK body,
// which tells oplock and lease variants apart.
func BreakStructureSize(body []byte) uint16 {
	if len(body) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(body[:2])
}
