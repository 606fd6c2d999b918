package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/mike76-dev/smbprobe/utils"
	"github.com/oiweiwei/go-msrpc/ndr"
)

var errNDR = errors.New("rpc: malformed NDR data")

// Encoder is an interface for encoding outbound MS-RPC packets.
type Encoder interface {
	Encode(w io.Writer)
}

// Decoder is an interface for decoding inbound MS-RPC packets.
type Decoder interface {
	Decode(r io.Reader) error
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShortPacket
	}
	return buf, nil
}

// SyntaxID names an interface or a transfer syntax.
type SyntaxID struct {
	IfUUID         [16]byte
	IfVersionMajor uint16
	IfVersionMinor uint16
}

// Encode implements Encoder interface.
func (sid *SyntaxID) Encode(w io.Writer) {
	buf := make([]byte, 16)
	copy(buf, sid.IfUUID[:])
	buf = binary.LittleEndian.AppendUint16(buf, sid.IfVersionMajor)
	buf = binary.LittleEndian.AppendUint16(buf, sid.IfVersionMinor)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (sid *SyntaxID) Decode(r io.Reader) error {
	buf, err := readFull(r, 20)
	if err != nil {
		return err
	}

	copy(sid.IfUUID[:], buf[:16])
	sid.IfVersionMajor = binary.LittleEndian.Uint16(buf[16:18])
	sid.IfVersionMinor = binary.LittleEndian.Uint16(buf[18:20])
	return nil
}

// Context is a presentation context offered in BIND.
type Context struct {
	ContextID        uint16
	AbstractSyntax   *SyntaxID
	TransferSyntaxes []*SyntaxID
}

// Encode implements Encoder interface.
func (c *Context) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, c.ContextID)
	buf = append(buf, uint8(len(c.TransferSyntaxes)), 0)
	w.Write(buf)
	c.AbstractSyntax.Encode(w)
	for _, ts := range c.TransferSyntaxes {
		ts.Encode(w)
	}
}

// Decode implements Decoder interface.
func (c *Context) Decode(r io.Reader) error {
	buf, err := readFull(r, 4)
	if err != nil {
		return err
	}

	c.ContextID = binary.LittleEndian.Uint16(buf[:2])
	c.TransferSyntaxes = make([]*SyntaxID, buf[2])
	c.AbstractSyntax = &SyntaxID{}
	if err := c.AbstractSyntax.Decode(r); err != nil {
		return err
	}
	for i := range c.TransferSyntaxes {
		c.TransferSyntaxes[i] = &SyntaxID{}
		if err := c.TransferSyntaxes[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// Bind represents an MS-RPC Bind call.
type Bind struct {
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	ContextList  []*Context
}

// Encode implements Encoder interface.
func (b *Bind) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, b.MaxXmitFrag)
	buf = binary.LittleEndian.AppendUint16(buf, b.MaxRecvFrag)
	buf = binary.LittleEndian.AppendUint32(buf, b.AssocGroupID)
	buf = append(buf, uint8(len(b.ContextList)), 0, 0, 0)
	w.Write(buf)
	for _, c := range b.ContextList {
		c.Encode(w)
	}
}

// Decode implements Decoder interface.
func (b *Bind) Decode(r io.Reader) error {
	buf, err := readFull(r, 12)
	if err != nil {
		return err
	}

	b.MaxXmitFrag = binary.LittleEndian.Uint16(buf[:2])
	b.MaxRecvFrag = binary.LittleEndian.Uint16(buf[2:4])
	b.AssocGroupID = binary.LittleEndian.Uint32(buf[4:8])
	b.ContextList = make([]*Context, buf[8])
	for i := range b.ContextList {
		b.ContextList[i] = &Context{}
		if err := b.ContextList[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// Result is the verdict on one presentation context.
type Result struct {
	DefResult      uint16
	ProviderReason uint16
	TransferSyntax *SyntaxID
}

const (
	RESULT_ACCEPTANCE         = 0
	RESULT_USER_REJECTION     = 1
	RESULT_PROVIDER_REJECTION = 2
)

// Encode implements Encoder interface.
func (res *Result) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, res.DefResult)
	buf = binary.LittleEndian.AppendUint16(buf, res.ProviderReason)
	w.Write(buf)
	res.TransferSyntax.Encode(w)
}

// Decode implements Decoder interface.
func (res *Result) Decode(r io.Reader) error {
	buf, err := readFull(r, 4)
	if err != nil {
		return err
	}

	res.DefResult = binary.LittleEndian.Uint16(buf[:2])
	res.ProviderReason = binary.LittleEndian.Uint16(buf[2:4])
	res.TransferSyntax = &SyntaxID{}
	return res.TransferSyntax.Decode(r)
}

// BindAck represents an MS-RPC Bind_ack call.
type BindAck struct {
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	PortSpec     string
	ResultList   []*Result
}

// Encode implements Encoder interface.
func (ba *BindAck) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, ba.MaxXmitFrag)
	buf = binary.LittleEndian.AppendUint16(buf, ba.MaxRecvFrag)
	buf = binary.LittleEndian.AppendUint32(buf, ba.AssocGroupID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ba.PortSpec)+1))
	buf = append(buf, []byte(ba.PortSpec)...)
	buf = append(buf, 0)
	padLen := utils.Roundup(len(buf), 4)
	buf = append(buf, make([]byte, padLen-len(buf))...)
	buf = append(buf, uint8(len(ba.ResultList)), 0, 0, 0)
	w.Write(buf)
	for _, res := range ba.ResultList {
		res.Encode(w)
	}
}

// Decode implements Decoder interface.
func (ba *BindAck) Decode(r io.Reader) error {
	buf, err := readFull(r, 10)
	if err != nil {
		return err
	}

	ba.MaxXmitFrag = binary.LittleEndian.Uint16(buf[:2])
	ba.MaxRecvFrag = binary.LittleEndian.Uint16(buf[2:4])
	ba.AssocGroupID = binary.LittleEndian.Uint32(buf[4:8])
	addrLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if addrLen > 0 {
		addr, err := readFull(r, addrLen)
		if err != nil {
			return err
		}
		ba.PortSpec = string(addr[:addrLen-1])
	}

	padLen := utils.Roundup(len(buf)+addrLen, 4) - len(buf) - addrLen
	if _, err := readFull(r, padLen); err != nil {
		return err
	}

	resNum, err := readFull(r, 4)
	if err != nil {
		return err
	}

	ba.ResultList = make([]*Result, resNum[0])
	for i := range ba.ResultList {
		ba.ResultList[i] = &Result{}
		if err := ba.ResultList[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// BindNak represents an MS-RPC Bind_nak call.
type BindNak struct {
	RejectReason uint16
}

// Encode implements Encoder interface.
func (bn *BindNak) Encode(w io.Writer) {
	// One supported protocol version follows the reason.
	w.Write([]byte{byte(bn.RejectReason), byte(bn.RejectReason >> 8), 1, 5, 0})
}

// Decode implements Decoder interface.
func (bn *BindNak) Decode(r io.Reader) error {
	buf, err := readFull(r, 2)
	if err != nil {
		return err
	}
	bn.RejectReason = binary.LittleEndian.Uint16(buf)
	return nil
}

// Request represents an MS-RPC Request call.
type Request struct {
	AllocHint uint32
	ContextID uint16
	OpNum     uint16
}

// Encode implements Encoder interface.
func (req *Request) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, req.AllocHint)
	buf = binary.LittleEndian.AppendUint16(buf, req.ContextID)
	buf = binary.LittleEndian.AppendUint16(buf, req.OpNum)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (req *Request) Decode(r io.Reader) error {
	buf, err := readFull(r, 8)
	if err != nil {
		return err
	}

	req.AllocHint = binary.LittleEndian.Uint32(buf[:4])
	req.ContextID = binary.LittleEndian.Uint16(buf[4:6])
	req.OpNum = binary.LittleEndian.Uint16(buf[6:8])
	return nil
}

// Response represents an MS-RPC Response call.
type Response struct {
	AllocHint   uint32
	ContextID   uint16
	CancelCount uint16
}

// Encode implements Encoder interface.
func (resp *Response) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, resp.AllocHint)
	buf = binary.LittleEndian.AppendUint16(buf, resp.ContextID)
	buf = append(buf, uint8(resp.CancelCount), 0)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (resp *Response) Decode(r io.Reader) error {
	buf, err := readFull(r, 8)
	if err != nil {
		return err
	}

	resp.AllocHint = binary.LittleEndian.Uint32(buf[:4])
	resp.ContextID = binary.LittleEndian.Uint16(buf[4:6])
	resp.CancelCount = uint16(buf[6])
	return nil
}

// Fault represents an MS-RPC Fault call.
type Fault struct {
	ContextID uint16
	Status    uint32
}

// Encode implements Encoder interface.
func (f *Fault) Encode(w io.Writer) {
	buf := make([]byte, 4, 16)
	buf = binary.LittleEndian.AppendUint16(buf, f.ContextID)
	buf = append(buf, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, f.Status)
	buf = append(buf, 0, 0, 0, 0)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (f *Fault) Decode(r io.Reader) error {
	buf, err := readFull(r, 12)
	if err != nil {
		return err
	}
	f.ContextID = binary.LittleEndian.Uint16(buf[4:6])
	f.Status = binary.LittleEndian.Uint32(buf[8:12])
	return nil
}

// RequestBody carries the NDR stub of a call.
type RequestBody struct {
	Header  Request
	Payload ndr.Marshaler
}

// Encode implements Encoder interface.
func (rb *RequestBody) Encode(w io.Writer) {
	payload, err := ndr.Marshal(rb.Payload)
	if err != nil {
		payload = nil
	}

	rb.Header.AllocHint = uint32(len(payload))
	rb.Header.Encode(w)
	w.Write(payload)
}

// ResponseBody carries the NDR stub of a reply.
type ResponseBody struct {
	Header  Response
	Payload ndr.Marshaler
}

// Encode implements Encoder interface.
func (rb *ResponseBody) Encode(w io.Writer) {
	payload, err := ndr.Marshal(rb.Payload)
	if err != nil {
		payload = nil
	}

	rb.Header.AllocHint = uint32(len(payload))
	rb.Header.Encode(w)
	w.Write(payload)
}

// ShareInfo1 is a SHARE_INFO_1 entry.
type ShareInfo1 struct {
	Name    string
	Type    uint32
	Comment string
}

// appendString appends a conformant varying, null-terminated UTF-16
// string aligned to four bytes.
func appendString(buf []byte, s string) []byte {
	n := uint32(utils.EncodedStringLen(s)/2 + 1)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = append(buf, utils.EncodeStringToBytes(s)...)
	buf = append(buf, 0, 0)
	padLen := utils.Roundup(len(buf), 4) - len(buf)
	return append(buf, make([]byte, padLen)...)
}

// ndrReader walks an NDR20 stub.
type ndrReader struct {
	buf []byte
	off int
	err error
}

func (r *ndrReader) uint32() uint32 {
	r.align(4)
	if r.err != nil || r.off+4 > len(r.buf) {
		r.err = errNDR
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *ndrReader) align(n int) {
	r.off = utils.Roundup(r.off, n)
}

func (r *ndrReader) string() string {
	r.uint32()
	offset := r.uint32()
	count := r.uint32()
	if r.err != nil {
		return ""
	}
	start := r.off + int(offset)*2
	end := start + int(count)*2
	if offset > count || end > len(r.buf) {
		r.err = errNDR
		return ""
	}
	r.off = end
	return utils.DecodeToString(r.buf[start:end])
}

const (
	OPNUM_NET_SHARE_ENUM_ALL = 15
)

// NetShareEnumAllRequest represents an MS-RPC NetShareEnumAll request at
// info level 1.
type NetShareEnumAllRequest struct {
	Server    string
	Level     uint32
	MaxBuffer uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (req *NetShareEnumAllRequest) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020000)
	buf = appendString(buf, req.Server)
	buf = binary.LittleEndian.AppendUint32(buf, req.Level)
	buf = binary.LittleEndian.AppendUint32(buf, req.Level)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020004)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // EntriesRead
	buf = binary.LittleEndian.AppendUint32(buf, 0) // Buffer
	buf = binary.LittleEndian.AppendUint32(buf, req.MaxBuffer)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020008)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // ResumeHandle
	_, err := w.Write(buf)
	return err
}

// Unmarshal decodes the NetShareEnumAll request.
func (req *NetShareEnumAllRequest) Unmarshal(buf []byte) error {
	r := &ndrReader{buf: buf}
	if r.uint32() != 0 {
		req.Server = r.string()
	}
	req.Level = r.uint32()
	if r.uint32() != req.Level {
		return errNDR
	}
	if r.uint32() != 0 {
		r.uint32()
		r.uint32()
	}
	req.MaxBuffer = r.uint32()
	return r.err
}

// NetShareEnumAllResponse represents an MS-RPC NetShareEnumAll response at
// info level 1.
type NetShareEnumAllResponse struct {
	Shares []ShareInfo1
	Result uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (resp *NetShareEnumAllResponse) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0x0002000c)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(resp.Shares)))
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020010)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(resp.Shares)))
	for i, share := range resp.Shares {
		buf = binary.LittleEndian.AppendUint32(buf, 0x00020014+uint32(i)*8)
		buf = binary.LittleEndian.AppendUint32(buf, share.Type)
		buf = binary.LittleEndian.AppendUint32(buf, 0x00020018+uint32(i)*8)
	}

	for _, share := range resp.Shares {
		buf = appendString(buf, share.Name)
		buf = appendString(buf, share.Comment)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(resp.Shares)))
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020014+uint32(len(resp.Shares))*8)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, resp.Result)
	_, err := w.Write(buf)
	return err
}

// Unmarshal decodes the NetShareEnumAll response.
func (resp *NetShareEnumAllResponse) Unmarshal(buf []byte) error {
	r := &ndrReader{buf: buf}
	level := r.uint32()
	if r.uint32() != level {
		return errNDR
	}
	if level != 1 {
		return errNDR
	}

	if r.uint32() != 0 {
		entries := r.uint32()
		if r.uint32() != 0 {
			count := r.uint32()
			if count != entries || int(count)*12 > len(buf) {
				return errNDR
			}
			type refs struct{ name, comment uint32 }
			ptrs := make([]refs, count)
			resp.Shares = make([]ShareInfo1, count)
			for i := range resp.Shares {
				ptrs[i].name = r.uint32()
				resp.Shares[i].Type = r.uint32()
				ptrs[i].comment = r.uint32()
			}
			for i := range resp.Shares {
				if ptrs[i].name != 0 {
					resp.Shares[i].Name = r.string()
				}
				if ptrs[i].comment != 0 {
					resp.Shares[i].Comment = r.string()
				}
			}
		}
	}

	r.uint32() // TotalEntries
	if r.uint32() != 0 {
		r.uint32()
	}
	resp.Result = r.uint32()
	return r.err
}
