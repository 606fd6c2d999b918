package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	HeaderSize = 16

	// MaxFragSize is the fragment size announced in BIND.
	MaxFragSize = 4280
)

var (
	ErrShortPacket   = errors.New("rpc: short packet")
	ErrWrongVersion  = errors.New("rpc: unsupported version")
	ErrFragmented    = errors.New("rpc: fragmented packets not supported")
	ErrUnexpectedPDU = errors.New("rpc: unexpected packet type")
)

const (
	// MS-RPC packet types.
	PACKET_TYPE_REQUEST                = 0x00
	PACKET_TYPE_RESPONSE               = 0x02
	PACKET_TYPE_FAULT                  = 0x03
	PACKET_TYPE_BIND                   = 0x0b
	PACKET_TYPE_BIND_ACK               = 0x0c
	PACKET_TYPE_BIND_NAK               = 0x0d
	PACKET_TYPE_ALTER_CONTEXT          = 0x0e
	PACKET_TYPE_ALTER_CONTEXT_RESPONSE = 0x0f
	PACKET_TYPE_AUTH3                  = 0x10
	PACKET_TYPE_SHUTDOWN               = 0x11
	PACKET_TYPE_CANCEL                 = 0x12
	PACKET_TYPE_ORPHANED               = 0x13
)

const (
	// MS-RPC packet flags.
	PFC_FIRST_FRAG          = 0x01
	PFC_LAST_FRAG           = 0x02
	PFC_PENDING_CANCEL      = 0x04
	PFC_SUPPORT_HEADER_SIGN = 0x04
	PFC_CONC_MPX            = 0x10
	PFC_DID_NOT_EXECUTE     = 0x20
	PFC_MAYBE               = 0x40
	PFC_OBJECT_UUID         = 0x80
)

// Header represents the common header of a connection-oriented MS-RPC
// packet.
type Header struct {
	RPCVersionMajor    uint8
	RPCVersionMinor    uint8
	PacketType         uint8
	PacketFlags        uint8
	DataRepresentation uint32
	FragLength         uint16
	AuthLength         uint16
	CallID             uint32
}

// Encode implements Encoder interface.
func (h *Header) Encode(w io.Writer) {
	buf := make([]byte, HeaderSize)
	buf[0] = h.RPCVersionMajor
	buf[1] = h.RPCVersionMinor
	buf[2] = h.PacketType
	buf[3] = h.PacketFlags
	binary.LittleEndian.PutUint32(buf[4:8], h.DataRepresentation)
	binary.LittleEndian.PutUint16(buf[8:10], h.FragLength)
	binary.LittleEndian.PutUint16(buf[10:12], h.AuthLength)
	binary.LittleEndian.PutUint32(buf[12:], h.CallID)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (h *Header) Decode(r io.Reader) error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ErrShortPacket
	}

	h.RPCVersionMajor = buf[0]
	h.RPCVersionMinor = buf[1]
	h.PacketType = buf[2]
	h.PacketFlags = buf[3]
	h.DataRepresentation = binary.LittleEndian.Uint32(buf[4:8])
	h.FragLength = binary.LittleEndian.Uint16(buf[8:10])
	h.AuthLength = binary.LittleEndian.Uint16(buf[10:12])
	h.CallID = binary.LittleEndian.Uint32(buf[12:])
	if h.RPCVersionMajor != 5 {
		return ErrWrongVersion
	}
	return nil
}

// NewHeader returns a standard single-fragment MS-RPC packet header.
func NewHeader(pt uint8, callID uint32) *Header {
	return &Header{
		RPCVersionMajor:    5,
		RPCVersionMinor:    0,
		PacketType:         pt,
		PacketFlags:        PFC_FIRST_FRAG | PFC_LAST_FRAG,
		DataRepresentation: 0x00000010, // LE byte order, ASCII character format, IEEE float format
		CallID:             callID,
	}
}

// InboundPacket is a decoded MS-RPC packet.
type InboundPacket struct {
	Header  *Header
	Body    Decoder
	Payload []byte
}

// Unmarshal decodes a single-fragment packet.
func (ip *InboundPacket) Unmarshal(b []byte) error {
	r := bytes.NewReader(b)
	ip.Header = &Header{}
	if err := ip.Header.Decode(r); err != nil {
		return err
	}
	if int(ip.Header.FragLength) > len(b) || ip.Header.FragLength < HeaderSize {
		return ErrShortPacket
	}
	if ip.Header.PacketFlags&(PFC_FIRST_FRAG|PFC_LAST_FRAG) != PFC_FIRST_FRAG|PFC_LAST_FRAG {
		return ErrFragmented
	}
	r = bytes.NewReader(b[HeaderSize:ip.Header.FragLength])

	switch ip.Header.PacketType {
	case PACKET_TYPE_BIND:
		ip.Body = &Bind{}
	case PACKET_TYPE_BIND_ACK:
		ip.Body = &BindAck{}
	case PACKET_TYPE_BIND_NAK:
		ip.Body = &BindNak{}
	case PACKET_TYPE_REQUEST:
		ip.Body = &Request{}
	case PACKET_TYPE_RESPONSE:
		ip.Body = &Response{}
	case PACKET_TYPE_FAULT:
		ip.Body = &Fault{}
	default:
		return ErrUnexpectedPDU
	}

	if err := ip.Body.Decode(r); err != nil {
		return err
	}
	if r.Len() > 0 {
		ip.Payload = make([]byte, r.Len())
		r.Read(ip.Payload)
	}
	return nil
}

// OutboundPacket is an MS-RPC packet to be sent.
type OutboundPacket struct {
	Header *Header
	Body   Encoder
}

// Marshal encodes the packet, filling in the fragment length.
func (op *OutboundPacket) Marshal() []byte {
	var body bytes.Buffer
	op.Body.Encode(&body)
	op.Header.FragLength = uint16(body.Len()) + HeaderSize

	var buf bytes.Buffer
	op.Header.Encode(&buf)
	buf.Write(body.Bytes())
	return buf.Bytes()
}
