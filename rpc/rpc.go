// Package rpc is a minimal DCE/RPC client over SMB2 named pipes, enough to
// enumerate shares through SRVSVC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oiweiwei/go-msrpc/ndr"
)

var (
	// SRVSVC is the interface id of the server service.
	SRVSVC = uuid.MustParse("4b324fc8-1670-01d3-1278-5a47bf6ee188")

	// NDR20 is the NDR transfer syntax.
	NDR20 = uuid.MustParse("8a885d04-1ceb-11c9-9fe8-08002b104860")
)

const (
	SRVSVC_VERSION_MAJOR = 3
	SRVSVC_VERSION_MINOR = 0

	// SRVSVCPipe is the pipe name opened on IPC$.
	SRVSVCPipe = "srvsvc"

	// MaxResponse is the largest reply read in one transceive.
	MaxResponse = 0xffff
)

var (
	ErrBindRejected   = errors.New("rpc: bind rejected")
	ErrCallIDMismatch = errors.New("rpc: call id mismatch")
)

// FaultError is a fault returned by the remote end of a call.
type FaultError struct {
	Status uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("rpc: fault 0x%08x", e.Status)
}

// Transport exchanges one packet with the server. It is implemented by a
// named-pipe open.
type Transport interface {
	Transceive(ctx context.Context, in []byte, maxOut uint32) ([]byte, error)
}

// syntaxID converts a UUID in string order into the wire layout.
func syntaxID(id uuid.UUID, major, minor uint16) *SyntaxID {
	sid := &SyntaxID{IfVersionMajor: major, IfVersionMinor: minor}
	copy(sid.IfUUID[:], id[:])
	// The first three fields are little-endian on the wire.
	sid.IfUUID[0], sid.IfUUID[1], sid.IfUUID[2], sid.IfUUID[3] = id[3], id[2], id[1], id[0]
	sid.IfUUID[4], sid.IfUUID[5] = id[5], id[4]
	sid.IfUUID[6], sid.IfUUID[7] = id[7], id[6]
	return sid
}

// Client is a bound DCE/RPC association.
type Client struct {
	t         Transport
	contextID uint16
	callID    atomic.Uint32
}

// BindSRVSVC binds the SRVSVC interface on t.
func BindSRVSVC(ctx context.Context, t Transport) (*Client, error) {
	c := &Client{t: t}
	callID := c.callID.Add(1)
	packet := &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_BIND, callID),
		Body: &Bind{
			MaxXmitFrag: MaxFragSize,
			MaxRecvFrag: MaxFragSize,
			ContextList: []*Context{{
				ContextID:        c.contextID,
				AbstractSyntax:   syntaxID(SRVSVC, SRVSVC_VERSION_MAJOR, SRVSVC_VERSION_MINOR),
				TransferSyntaxes: []*SyntaxID{syntaxID(NDR20, 2, 0)},
			}},
		},
	}

	ip, err := c.exchange(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	switch body := ip.Body.(type) {
	case *BindAck:
		if len(body.ResultList) == 0 || body.ResultList[0].DefResult != RESULT_ACCEPTANCE {
			return nil, ErrBindRejected
		}
	case *BindNak:
		return nil, fmt.Errorf("%w: reason %d", ErrBindRejected, body.RejectReason)
	default:
		return nil, ErrUnexpectedPDU
	}
	return c, nil
}

func (c *Client) exchange(ctx context.Context, packet *OutboundPacket) (*InboundPacket, error) {
	out, err := c.t.Transceive(ctx, packet.Marshal(), MaxResponse)
	if err != nil {
		return nil, err
	}
	ip := &InboundPacket{}
	if err := ip.Unmarshal(out); err != nil {
		return nil, err
	}
	if ip.Header.CallID != packet.Header.CallID {
		return nil, ErrCallIDMismatch
	}
	return ip, nil
}

// Call invokes opnum with the given stub and returns the reply stub.
func (c *Client) Call(ctx context.Context, opnum uint16, payload ndr.Marshaler) ([]byte, error) {
	callID := c.callID.Add(1)
	packet := &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_REQUEST, callID),
		Body: &RequestBody{
			Header:  Request{ContextID: c.contextID, OpNum: opnum},
			Payload: payload,
		},
	}

	ip, err := c.exchange(ctx, packet)
	if err != nil {
		return nil, err
	}
	switch body := ip.Body.(type) {
	case *Response:
		return ip.Payload, nil
	case *Fault:
		return nil, &FaultError{Status: body.Status}
	default:
		return nil, ErrUnexpectedPDU
	}
}

// NetShareEnumAll lists the shares of server at info level 1.
func (c *Client) NetShareEnumAll(ctx context.Context, server string) ([]ShareInfo1, error) {
	stub, err := c.Call(ctx, OPNUM_NET_SHARE_ENUM_ALL, &NetShareEnumAllRequest{
		Server:    `\\` + server,
		Level:     1,
		MaxBuffer: 0xffffffff,
	})
	if err != nil {
		return nil, fmt.Errorf("NetShareEnumAll: %w", err)
	}

	var resp NetShareEnumAllResponse
	if err := resp.Unmarshal(stub); err != nil {
		return nil, fmt.Errorf("NetShareEnumAll: %w", err)
	}
	if resp.Result != 0 {
		return nil, fmt.Errorf("NetShareEnumAll: %w", &FaultError{Status: resp.Result})
	}
	return resp.Shares, nil
}
