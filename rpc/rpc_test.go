package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback feeds packets straight into a ShareServer.
type loopback struct {
	ss *ShareServer
}

func (l *loopback) Transceive(ctx context.Context, in []byte, maxOut uint32) ([]byte, error) {
	out, err := l.ss.Transact(in)
	if err != nil {
		return nil, err
	}
	if len(out) > int(maxOut) {
		return out[:maxOut], errors.New("overflow")
	}
	return out, nil
}

func testShares() []ShareInfo1 {
	return []ShareInfo1{
		{Name: "IPC$", Type: STYPE_IPC | STYPE_SPECIAL, Comment: "Remote IPC"},
		{Name: "data", Type: STYPE_DISKTREE, Comment: "Übung"},
		{Name: "scratch", Type: STYPE_DISKTREE},
	}
}

func TestNetShareEnumAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := BindSRVSVC(ctx, &loopback{ss: NewShareServer(testShares)})
	require.NoError(t, err)

	shares, err := c.NetShareEnumAll(ctx, "localhost")
	require.NoError(t, err)
	assert.Equal(t, testShares(), shares)
}

func TestNetShareEnumAllEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := BindSRVSVC(ctx, &loopback{ss: NewShareServer(func() []ShareInfo1 { return nil })})
	require.NoError(t, err)

	shares, err := c.NetShareEnumAll(ctx, "localhost")
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestUnknownOpnumFaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := BindSRVSVC(ctx, &loopback{ss: NewShareServer(testShares)})
	require.NoError(t, err)

	_, err = c.Call(ctx, 99, &NetShareEnumAllRequest{Level: 1})
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.EqualValues(t, NCA_S_OP_RNG_ERROR, fault.Status)
}

func TestRequestBeforeBind(t *testing.T) {
	t.Parallel()

	c := &Client{t: &loopback{ss: NewShareServer(testShares)}}
	_, err := c.NetShareEnumAll(context.Background(), "localhost")
	assert.ErrorIs(t, err, errNotBound)
}

func TestBindUnknownInterface(t *testing.T) {
	t.Parallel()

	ss := NewShareServer(testShares)
	packet := &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_BIND, 7),
		Body: &Bind{
			MaxXmitFrag: MaxFragSize,
			MaxRecvFrag: MaxFragSize,
			ContextList: []*Context{{
				AbstractSyntax:   syntaxID(uuid.New(), 1, 0),
				TransferSyntaxes: []*SyntaxID{syntaxID(NDR20, 2, 0)},
			}},
		},
	}
	out, err := ss.Transact(packet.Marshal())
	require.NoError(t, err)

	var ip InboundPacket
	require.NoError(t, ip.Unmarshal(out))
	assert.EqualValues(t, PACKET_TYPE_BIND_NAK, ip.Header.PacketType)
	assert.EqualValues(t, 7, ip.Header.CallID)
}

func TestSyntaxIDLayout(t *testing.T) {
	sid := syntaxID(NDR20, 2, 0)
	assert.Equal(t, [16]byte{
		0x04, 0x5d, 0x88, 0x8a, 0xeb, 0x1c, 0xc9, 0x11,
		0x9f, 0xe8, 0x08, 0x00, 0x2b, 0x10, 0x48, 0x60,
	}, sid.IfUUID)
}

func TestFragmentedPacketRejected(t *testing.T) {
	packet := &OutboundPacket{
		Header: NewHeader(PACKET_TYPE_RESPONSE, 1),
		Body:   &Response{},
	}
	packet.Header.PacketFlags = PFC_FIRST_FRAG
	var ip InboundPacket
	assert.ErrorIs(t, ip.Unmarshal(packet.Marshal()), ErrFragmented)
}
