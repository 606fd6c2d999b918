package spnego

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegTokenInit(t *testing.T) {
	types := []asn1.ObjectIdentifier{NlmpOid}
	bs, err := EncodeNegTokenInit(types, []byte("NTLMSSP\x00negotiate"))
	require.NoError(t, err)
	assert.EqualValues(t, 0x60, bs[0])

	tok, err := DecodeNegTokenInit(bs)
	require.NoError(t, err)
	require.Len(t, tok.MechTypes, 1)
	assert.True(t, tok.MechTypes[0].Equal(NlmpOid))
	assert.Equal(t, []byte("NTLMSSP\x00negotiate"), tok.MechToken)

	_, err = DecodeNegTokenInit([]byte{0x60, 0x00})
	assert.Error(t, err)
}

func TestNegTokenResp(t *testing.T) {
	tests := []struct {
		name  string
		state asn1.Enumerated
		mech  asn1.ObjectIdentifier
		token []byte
		mic   []byte
	}{
		{"challenge", AcceptIncomplete, NlmpOid, []byte("challenge"), nil},
		{"authenticate", AcceptIncomplete, nil, []byte("authenticate"), []byte("0123456789abcdef")},
		{"completed", AcceptCompleted, nil, nil, nil},
		{"large token", AcceptIncomplete, nil, make([]byte, 1000), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := EncodeNegTokenResp(tt.state, tt.mech, tt.token, tt.mic)
			require.NoError(t, err)
			assert.EqualValues(t, 0xa1, bs[0])

			resp, err := DecodeNegTokenResp(bs)
			require.NoError(t, err)
			assert.Equal(t, tt.state, resp.NegState)
			assert.Equal(t, len(tt.mech) > 0, resp.SupportedMech.Equal(NlmpOid))
			assert.Equal(t, len(tt.token), len(resp.ResponseToken))
			assert.Equal(t, tt.mic, resp.MechListMIC)
		})
	}

	_, err := DecodeNegTokenResp(nil)
	assert.ErrorIs(t, err, errNoToken)
}

func TestMechTypeList(t *testing.T) {
	bs, err := MechTypeList([]asn1.ObjectIdentifier{NlmpOid})
	require.NoError(t, err)
	assert.EqualValues(t, 0x30, bs[0])
	assert.EqualValues(t, len(bs)-2, bs[1])
}
