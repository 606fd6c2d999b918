package smb2

import (
	"encoding/binary"
	"errors"

	"github.com/mike76-dev/smbprobe/utils"
)

const (
	PROTOCOL_SMB2            = 0x424d53fe
	PROTOCOL_SMB2_ENCRYPTED  = 0x424d53fd
	PROTOCOL_SMB2_COMPRESSED = 0x424d53fc
)

const (
	// SMB2 command codes.
	SMB2_NEGOTIATE                     = 0x0000
	SMB2_SESSION_SETUP                 = 0x0001
	SMB2_LOGOFF                        = 0x0002
	SMB2_TREE_CONNECT                  = 0x0003
	SMB2_TREE_DISCONNECT               = 0x0004
	SMB2_CREATE                        = 0x0005
	SMB2_CLOSE                         = 0x0006
	SMB2_FLUSH                         = 0x0007
	SMB2_READ                          = 0x0008
	SMB2_WRITE                         = 0x0009
	SMB2_LOCK                          = 0x000a
	SMB2_IOCTL                         = 0x000b
	SMB2_CANCEL                        = 0x000c
	SMB2_ECHO                          = 0x000d
	SMB2_QUERY_DIRECTORY               = 0x000e
	SMB2_CHANGE_NOTIFY                 = 0x000f
	SMB2_QUERY_INFO                    = 0x0010
	SMB2_SET_INFO                      = 0x0011
	SMB2_OPLOCK_BREAK                  = 0x0012
	SMB2_SERVER_TO_CLIENT_NOTIFICATION = 0x0013
)

const (
	// SMB2 header flags.
	FLAGS_SERVER_TO_REDIR    = 0x00000001
	FLAGS_ASYNC_COMMAND      = 0x00000002
	FLAGS_RELATED_OPERATIONS = 0x00000004
	FLAGS_SIGNED             = 0x00000008
	FLAGS_PRIORITY_MASK      = 0x00000070
	FLAGS_DFS_OPERATIONS     = 0x10000000
	FLAGS_REPLAY_OPERATION   = 0x20000000
)

const (
	SMB2HeaderSize                     = 64
	SMB2HeaderStructureSize            = 64
	SMB2TransformHeaderSize            = 52
	SMB2CompressionTransformHeaderSize = 16
	SMB2CompressionPayloadHeaderSize   = 8
	SMB2CompressionPayloadHeaderOffset = 8
)

// UnsolicitedMessageID is the MessageId of server-initiated notifications.
const UnsolicitedMessageID = 0xffffffffffffffff

var (
	ErrWrongLength      = errors.New("wrong data length")
	ErrWrongFormat      = errors.New("wrong data format")
	ErrWrongProtocol    = errors.New("unsupported protocol")
	ErrInvalidParameter = errors.New("wrong parameter supplied")
)

// Header extends the raw byte sequence with SMB2 functionality.
type Header []byte

// NewHeader allocates a zeroed SMB2 header for the given command.
func NewHeader(command uint16) Header {
	h := Header(make([]byte, SMB2HeaderSize))
	binary.LittleEndian.PutUint32(h[:4], PROTOCOL_SMB2)
	binary.LittleEndian.PutUint16(h[4:6], SMB2HeaderStructureSize)
	h.SetCommand(command)
	return h
}

// Validate returns an error if the header is malformed, nil otherwise.
func (h Header) Validate() error {
	if len(h) < SMB2HeaderSize {
		return ErrWrongLength
	}

	if h.ProtocolID() != PROTOCOL_SMB2 {
		return ErrWrongProtocol
	}

	if binary.LittleEndian.Uint16(h[4:6]) != SMB2HeaderStructureSize {
		return ErrWrongFormat
	}

	return nil
}

// ProtocolID returns the ProtocolID of the header.
func (h Header) ProtocolID() uint32 {
	return binary.LittleEndian.Uint32(h[:4])
}

// CreditCharge returns the CreditCharge field of the SMB2 header.
func (h Header) CreditCharge() uint16 {
	return binary.LittleEndian.Uint16(h[6:8])
}

// SetCreditCharge sets the CreditCharge field of the SMB2 header.
func (h Header) SetCreditCharge(cc uint16) {
	binary.LittleEndian.PutUint16(h[6:8], cc)
}

// Status returns the Status field of a response header.
func (h Header) Status() uint32 {
	return binary.LittleEndian.Uint32(h[8:12])
}

// SetStatus sets the Status field of a response header.
func (h Header) SetStatus(status uint32) {
	binary.LittleEndian.PutUint32(h[8:12], status)
}

// ChannelSequence returns the ChannelSequence field of a 3.x request header.
func (h Header) ChannelSequence() uint16 {
	return binary.LittleEndian.Uint16(h[8:10])
}

// SetChannelSequence sets the ChannelSequence field of a 3.x request header.
func (h Header) SetChannelSequence(cs uint16) {
	binary.LittleEndian.PutUint16(h[8:10], cs)
	binary.LittleEndian.PutUint16(h[10:12], 0)
}

// Command returns the Command field of the SMB2 header.
func (h Header) Command() uint16 {
	return binary.LittleEndian.Uint16(h[12:14])
}

// SetCommand sets the Command field of the SMB2 header.
func (h Header) SetCommand(command uint16) {
	binary.LittleEndian.PutUint16(h[12:14], command)
}

// CreditRequest returns the CreditRequest field of a request header.
func (h Header) CreditRequest() uint16 {
	return binary.LittleEndian.Uint16(h[14:16])
}

// SetCreditRequest sets the CreditRequest field of a request header.
func (h Header) SetCreditRequest(cr uint16) {
	binary.LittleEndian.PutUint16(h[14:16], cr)
}

// CreditResponse returns the number of credits granted by a response.
func (h Header) CreditResponse() uint16 {
	return binary.LittleEndian.Uint16(h[14:16])
}

// SetCreditResponse sets the CreditResponse field of a response header.
func (h Header) SetCreditResponse(cr uint16) {
	binary.LittleEndian.PutUint16(h[14:16], cr)
}

// Flags returns the Flags field of the SMB2 header.
func (h Header) Flags() uint32 {
	return binary.LittleEndian.Uint32(h[16:20])
}

// SetFlags sets the Flags field of the SMB2 header.
func (h Header) SetFlags(flags uint32) {
	binary.LittleEndian.PutUint32(h[16:20], flags)
}

// IsFlagSet returns true if the specified bit(s) is (are) set in the Flags field of the SMB2 header.
func (h Header) IsFlagSet(flag uint32) bool {
	return h.Flags()&flag > 0
}

// SetFlag sets the specified bit(s) in the Flags field of the SMB2 header.
func (h Header) SetFlag(flag uint32) {
	h.SetFlags(h.Flags() | flag)
}

// ClearFlag clears the specified bit(s) in the Flags field of the SMB2 header.
func (h Header) ClearFlag(flag uint32) {
	h.SetFlags(h.Flags() &^ flag)
}

// IsResponse reports whether the header was sent by a server.
func (h Header) IsResponse() bool {
	return h.IsFlagSet(FLAGS_SERVER_TO_REDIR)
}

// IsAsync reports whether the header carries an AsyncId instead of a TreeId.
func (h Header) IsAsync() bool {
	return h.IsFlagSet(FLAGS_ASYNC_COMMAND)
}

// IsInterim reports whether the header is an interim STATUS_PENDING response.
func (h Header) IsInterim() bool {
	return h.IsAsync() && h.Status() == STATUS_PENDING
}

// NextCommand returns the NextCommand field of the SMB2 header.
func (h Header) NextCommand() uint32 {
	return binary.LittleEndian.Uint32(h[20:24])
}

// SetNextCommand sets the NextCommand field of the SMB2 header.
func (h Header) SetNextCommand(nc uint32) {
	binary.LittleEndian.PutUint32(h[20:24], nc)
}

// MessageID returns the MessageID field of the SMB2 header.
func (h Header) MessageID() uint64 {
	return binary.LittleEndian.Uint64(h[24:32])
}

// SetMessageID sets the MessageID field of the SMB2 header.
func (h Header) SetMessageID(mid uint64) {
	binary.LittleEndian.PutUint64(h[24:32], mid)
}

// AsyncID returns the AsyncID field of the SMB2 header.
func (h Header) AsyncID() uint64 {
	return binary.LittleEndian.Uint64(h[32:40])
}

// SetAsyncID sets the AsyncID field of the SMB2 header.
func (h Header) SetAsyncID(aid uint64) {
	binary.LittleEndian.PutUint64(h[32:40], aid)
}

// TreeID returns the TreeID field of the SMB2 header.
func (h Header) TreeID() uint32 {
	return binary.LittleEndian.Uint32(h[36:40])
}

// SetTreeID sets the TreeID field of the SMB2 header.
func (h Header) SetTreeID(tid uint32) {
	binary.LittleEndian.PutUint32(h[36:40], tid)
}

// SessionID returns the SessionID field of the SMB2 header.
func (h Header) SessionID() uint64 {
	return binary.LittleEndian.Uint64(h[40:48])
}

// SetSessionID sets the SessionID field of the SMB2 header.
func (h Header) SetSessionID(sid uint64) {
	binary.LittleEndian.PutUint64(h[40:48], sid)
}

// Signature returns the Signature field of the SMB2 header.
func (h Header) Signature() []byte {
	signature := make([]byte, 16)
	copy(signature, h[48:64])
	return signature
}

// SetSignature sets the Signature field of the SMB2 header.
func (h Header) SetSignature(signature []byte) {
	copy(h[48:64], signature)
}

// WipeSignature clears the Signature field of the SMB2 header.
func (h Header) WipeSignature() {
	clear(h[48:64])
}

// Body returns the part of the message following the header.
func (h Header) Body() []byte {
	return h[SMB2HeaderSize:]
}

// Split breaks a (possibly compounded) message into its constituent messages
// following the NextCommand chain.
func Split(msg []byte) ([][]byte, error) {
	var msgs [][]byte
	for {
		if err := Header(msg).Validate(); err != nil {
			return nil, err
		}

		next := Header(msg).NextCommand()
		if next == 0 {
			return append(msgs, msg), nil
		}

		if next < SMB2HeaderSize || int(next) > len(msg) || next%8 != 0 {
			return nil, ErrWrongFormat
		}

		msgs = append(msgs, msg[:next])
		msg = msg[next:]
	}
}

// Chain concatenates messages into a compound, padding each but the last
// to an 8-byte boundary and setting NextCommand accordingly.
func Chain(msgs [][]byte) []byte {
	var out []byte
	for i, m := range msgs {
		if i < len(msgs)-1 {
			padded := make([]byte, utils.Roundup(len(m), 8))
			copy(padded, m)
			Header(padded).SetNextCommand(uint32(len(padded)))
			m = padded
		} else {
			Header(m).SetNextCommand(0)
		}
		out = append(out, m...)
	}
	return out
}

// TransformHeader is the SMB2_TRANSFORM_HEADER prefixing encrypted messages.
type TransformHeader []byte

// NewTransformHeader allocates a transform header.
func NewTransformHeader(sessionID uint64, nonce []byte, size uint32, flags uint16) TransformHeader {
	th := TransformHeader(make([]byte, SMB2TransformHeaderSize))
	binary.LittleEndian.PutUint32(th[:4], PROTOCOL_SMB2_ENCRYPTED)
	copy(th[20:36], nonce)
	binary.LittleEndian.PutUint32(th[36:40], size)
	binary.LittleEndian.PutUint16(th[42:44], flags)
	binary.LittleEndian.PutUint64(th[44:52], sessionID)
	return th
}

// Signature returns the Signature field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) Signature() []byte {
	return th[4:20]
}

// SetSignature sets the Signature field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) SetSignature(signature []byte) {
	copy(th[4:20], signature)
}

// Nonce returns the Nonce field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) Nonce() []byte {
	return th[20:36]
}

// OriginalMessageSize returns the OriginalMessageSize field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) OriginalMessageSize() uint32 {
	return binary.LittleEndian.Uint32(th[36:40])
}

// Flags returns the Flags field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) Flags() uint16 {
	return binary.LittleEndian.Uint16(th[42:44])
}

// SessionID returns the SessionID field of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) SessionID() uint64 {
	return binary.LittleEndian.Uint64(th[44:52])
}

// AssociatedData returns the authenticated part of the SMB2_TRANSFORM_HEADER.
func (th TransformHeader) AssociatedData() []byte {
	return th[20:52]
}

// CompressionHeader is the SMB2_COMPRESSION_TRANSFORM_HEADER.
type CompressionHeader []byte

// OriginalCompressedSegmentSize returns the OriginalCompressedSegmentSize field.
func (ch CompressionHeader) OriginalCompressedSegmentSize() uint32 {
	return binary.LittleEndian.Uint32(ch[4:8])
}

// CompressionAlgorithm returns the algorithm of an unchained header.
func (ch CompressionHeader) CompressionAlgorithm() uint16 {
	return binary.LittleEndian.Uint16(ch[8:10])
}

// Flags returns the Flags field of the header.
func (ch CompressionHeader) Flags() uint16 {
	return binary.LittleEndian.Uint16(ch[10:12])
}

// Offset returns the Offset field of an unchained header.
func (ch CompressionHeader) Offset() uint32 {
	return binary.LittleEndian.Uint32(ch[12:16])
}

// NewUnchainedCompressionHeader builds an unchained compression transform header.
func NewUnchainedCompressionHeader(originalSize uint32, algo uint16, offset uint32) CompressionHeader {
	ch := CompressionHeader(make([]byte, SMB2CompressionTransformHeaderSize))
	binary.LittleEndian.PutUint32(ch[:4], PROTOCOL_SMB2_COMPRESSED)
	binary.LittleEndian.PutUint32(ch[4:8], originalSize)
	binary.LittleEndian.PutUint16(ch[8:10], algo)
	binary.LittleEndian.PutUint16(ch[10:12], COMPRESSION_CAPABILITIES_FLAG_NONE)
	binary.LittleEndian.PutUint32(ch[12:16], offset)
	return ch
}

// PayloadHeader is the SMB2_COMPRESSION_CHAINED_PAYLOAD_HEADER.
type PayloadHeader []byte

// CompressionAlgorithm returns the CompressionAlgorithm field of the payload header.
func (ph PayloadHeader) CompressionAlgorithm() uint16 {
	return binary.LittleEndian.Uint16(ph[:2])
}

// Flags returns the Flags field of the payload header.
func (ph PayloadHeader) Flags() uint16 {
	return binary.LittleEndian.Uint16(ph[2:4])
}

// Length returns the Length field of the payload header.
func (ph PayloadHeader) Length() uint32 {
	return binary.LittleEndian.Uint32(ph[4:8])
}

// PatternV1 represents a SMB2_COMPRESSION_PATTERN_PAYLOAD_V1 structure.
type PatternV1 struct {
	Pattern     uint8
	Repetitions uint32
}

// Marshal converts a PatternV1 structure into a byte sequence.
func (p PatternV1) Marshal() []byte {
	b := make([]byte, 8)
	b[0] = p.Pattern
	binary.LittleEndian.PutUint32(b[4:8], p.Repetitions)
	return b
}

// Unmarshal converts a byte sequence into a PatternV1 structure.
func (p *PatternV1) Unmarshal(b []byte) error {
	if len(b) != 8 {
		return ErrWrongLength
	}
	p.Pattern = b[0]
	p.Repetitions = binary.LittleEndian.Uint32(b[4:8])
	return nil
}
