package rpc

import (
	"errors"
)

const (
	// NERR_Success is the result of a successful call.
	NERR_Success = 0

	// Fault codes.
	NCA_S_OP_RNG_ERROR   = 0x1c010002
	NCA_S_FAULT_NDR      = 0x000006f7
	NCA_S_UNK_IF         = 0x1c010003
	ERROR_INVALID_LEVEL  = 0x0000007c
	REASON_NOT_SPECIFIED = 0
)

const (
	// Share types in SHARE_INFO_1.
	STYPE_DISKTREE = 0x00000000
	STYPE_PRINTQ   = 0x00000001
	STYPE_IPC      = 0x00000003
	STYPE_SPECIAL  = 0x80000000
)

var errNotBound = errors.New("rpc: request before bind")

// ShareServer answers SRVSVC calls on one pipe open.
type ShareServer struct {
	shares    func() []ShareInfo1
	bound     bool
	contextID uint16
}

// NewShareServer returns a pipe handler listing the shares returned by
// shares.
func NewShareServer(shares func() []ShareInfo1) *ShareServer {
	return &ShareServer{shares: shares}
}

// Transact handles one packet written to the pipe and returns the reply.
func (ss *ShareServer) Transact(in []byte) ([]byte, error) {
	ip := &InboundPacket{}
	if err := ip.Unmarshal(in); err != nil {
		return nil, err
	}
	callID := ip.Header.CallID

	switch body := ip.Body.(type) {
	case *Bind:
		return ss.bind(callID, body).Marshal(), nil
	case *Request:
		if !ss.bound {
			return nil, errNotBound
		}
		return ss.request(callID, body, ip.Payload).Marshal(), nil
	default:
		return nil, ErrUnexpectedPDU
	}
}

func (ss *ShareServer) bind(callID uint32, b *Bind) *OutboundPacket {
	want := syntaxID(SRVSVC, SRVSVC_VERSION_MAJOR, SRVSVC_VERSION_MINOR)
	ndr20 := syntaxID(NDR20, 2, 0)

	ack := &BindAck{
		MaxXmitFrag:  min(b.MaxRecvFrag, MaxFragSize),
		MaxRecvFrag:  min(b.MaxXmitFrag, MaxFragSize),
		AssocGroupID: 0x12345,
		PortSpec:     `\PIPE\srvsvc`,
	}
	for _, ctx := range b.ContextList {
		res := &Result{
			DefResult:      RESULT_PROVIDER_REJECTION,
			TransferSyntax: &SyntaxID{},
		}
		if *ctx.AbstractSyntax == *want {
			for _, ts := range ctx.TransferSyntaxes {
				if *ts == *ndr20 {
					res.DefResult = RESULT_ACCEPTANCE
					res.TransferSyntax = ndr20
					ss.bound = true
					ss.contextID = ctx.ContextID
					break
				}
			}
		}
		ack.ResultList = append(ack.ResultList, res)
	}
	if !ss.bound {
		return &OutboundPacket{
			Header: NewHeader(PACKET_TYPE_BIND_NAK, callID),
			Body:   &BindNak{RejectReason: REASON_NOT_SPECIFIED},
		}
	}

	return &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_BIND_ACK, callID),
		Body:   ack,
	}
}

func (ss *ShareServer) request(callID uint32, req *Request, stub []byte) *OutboundPacket {
	fault := func(status uint32) *OutboundPacket {
		return &OutboundPacket{
			Header: NewHeader(PACKET_TYPE_FAULT, callID),
			Body:   &Fault{ContextID: req.ContextID, Status: status},
		}
	}
	if req.ContextID != ss.contextID {
		return fault(NCA_S_UNK_IF)
	}
	if req.OpNum != OPNUM_NET_SHARE_ENUM_ALL {
		return fault(NCA_S_OP_RNG_ERROR)
	}

	var enum NetShareEnumAllRequest
	if err := enum.Unmarshal(stub); err != nil {
		return fault(NCA_S_FAULT_NDR)
	}
	resp := &NetShareEnumAllResponse{Result: NERR_Success}
	if enum.Level != 1 {
		resp.Result = ERROR_INVALID_LEVEL
	} else {
		resp.Shares = ss.shares()
	}

	return &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_RESPONSE, callID),
		Body: &ResponseBody{
			Header:  Response{ContextID: req.ContextID},
			Payload: resp,
		},
	}
}
