// Package spnego wraps GSS mechanism tokens into the SPNEGO tokens carried
// by SESSION_SETUP (RFC 4178).
package spnego

import (
	"encoding/asn1"
	"errors"

	"github.com/geoffgarside/ber"
)

var (
	SpnegoOid = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 5, 5, 2})
	NlmpOid   = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 311, 2, 2, 10})
)

// NegState values of a NegTokenResp.
const (
	AcceptCompleted  asn1.Enumerated = 0
	AcceptIncomplete asn1.Enumerated = 1
	Reject           asn1.Enumerated = 2
	RequestMIC       asn1.Enumerated = 3
)

var errNoToken = errors.New("spnego: empty negotiation token")

// initialContextToken ::= [APPLICATION 0] IMPLICIT SEQUENCE {
//   thisMech          MechType
//   innerContextToken NegotiationToken
// }
type initialContextToken struct {
	ThisMech asn1.ObjectIdentifier `asn1:"optional"`
	Init     []NegTokenInit        `asn1:"optional,explict,tag:0"`
	Resp     []NegTokenResp        `asn1:"optional,explict,tag:1"`
}

// NegTokenInit is the first token a client sends. It lists the mechanisms
// the client offers and the optimistic token of the first one.
type NegTokenInit struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,optional,tag:0"`
	ReqFlags    asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken   []byte                  `asn1:"explicit,optional,tag:2"`
	MechListMIC []byte                  `asn1:"explicit,optional,tag:3"`
}

// NegTokenResp carries every later token in both directions.
type NegTokenResp struct {
	NegState      asn1.Enumerated       `asn1:"optional,explicit,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"optional,explicit,tag:1"`
	ResponseToken []byte                `asn1:"optional,explicit,tag:2"`
	MechListMIC   []byte                `asn1:"optional,explicit,tag:3"`
}

// MechTypeList returns the DER encoding of types that the mechListMIC is
// computed over.
func MechTypeList(types []asn1.ObjectIdentifier) ([]byte, error) {
	return asn1.Marshal(types)
}

// EncodeNegTokenInit builds the client's initial token offering types, with
// token as the optimistic token of types[0].
func EncodeNegTokenInit(types []asn1.ObjectIdentifier, token []byte) ([]byte, error) {
	bs, err := asn1.Marshal(initialContextToken{
		ThisMech: SpnegoOid,
		Init:     []NegTokenInit{{MechTypes: types, MechToken: token}},
	})
	if err != nil {
		return nil, err
	}
	bs[0] = 0x60 // [APPLICATION 0]
	return bs, nil
}

// DecodeNegTokenInit parses a client's initial token.
func DecodeNegTokenInit(bs []byte) (*NegTokenInit, error) {
	var ict initialContextToken
	if _, err := ber.UnmarshalWithParams(bs, &ict, "application,tag:0"); err != nil {
		return nil, err
	}
	if len(ict.Init) == 0 {
		return nil, errNoToken
	}
	if !ict.ThisMech.Equal(SpnegoOid) {
		return nil, errors.New("spnego: not a SPNEGO token")
	}
	return &ict.Init[0], nil
}

// EncodeNegTokenResp builds a [1] NegTokenResp. mech is only set by the
// acceptor in its first reply.
func EncodeNegTokenResp(state asn1.Enumerated, mech asn1.ObjectIdentifier, token, mechListMIC []byte) ([]byte, error) {
	bs, err := asn1.Marshal(initialContextToken{
		Resp: []NegTokenResp{{
			NegState:      state,
			SupportedMech: mech,
			ResponseToken: token,
			MechListMIC:   mechListMIC,
		}},
	})
	if err != nil {
		return nil, err
	}
	return stripSequence(bs), nil
}

// stripSequence drops the tag and length of the outer SEQUENCE that
// asn1.Marshal wraps the choice in.
func stripSequence(bs []byte) []byte {
	skip := 2
	if bs[1] >= 0x80 {
		skip += int(bs[1] & 0x7f)
	}
	return bs[skip:]
}

// DecodeNegTokenResp parses a [1] NegTokenResp.
func DecodeNegTokenResp(bs []byte) (*NegTokenResp, error) {
	if len(bs) == 0 {
		return nil, errNoToken
	}
	var resp NegTokenResp
	if _, err := ber.UnmarshalWithParams(bs, &resp, "explicit,tag:1"); err != nil {
		return nil, err
	}
	return &resp, nil
}
