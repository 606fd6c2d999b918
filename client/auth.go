package client

import (
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/mike76-dev/smbprobe/ntlm"
	"github.com/mike76-dev/smbprobe/spnego"
)

// Initiator is a GSS mechanism negotiated through SPNEGO during session
// setup. krb5.Initiator and NTLMInitiator implement it.
type Initiator interface {
	OID() asn1.ObjectIdentifier
	InitSecContext() ([]byte, error)
	AcceptSecContext(sc []byte) ([]byte, error)
	// Sum returns the mechListMIC over bs, or nil if the mechanism has none.
	Sum(bs []byte) []byte
	SessionKey() []byte
}

// NTLMInitiator authenticates with NTLMv2.
type NTLMInitiator struct {
	User        string
	Password    string
	Hash        []byte // NT hash; used instead of Password when set
	Domain      string
	Workstation string
	TargetSPN   string

	ntlm   *ntlm.Client
	seqNum uint32
}

// OID implements Initiator.
func (i *NTLMInitiator) OID() asn1.ObjectIdentifier {
	return spnego.NlmpOid
}

// InitSecContext implements Initiator.
func (i *NTLMInitiator) InitSecContext() ([]byte, error) {
	i.ntlm = &ntlm.Client{
		User:        i.User,
		Password:    i.Password,
		Hash:        i.Hash,
		Domain:      i.Domain,
		Workstation: i.Workstation,
		TargetSPN:   i.TargetSPN,
	}
	return i.ntlm.Negotiate()
}

// AcceptSecContext implements Initiator.
func (i *NTLMInitiator) AcceptSecContext(sc []byte) ([]byte, error) {
	if i.ntlm == nil {
		return nil, errors.New("ntlm: negotiate message has not been sent")
	}
	return i.ntlm.Authenticate(sc)
}

// Sum implements Initiator.
func (i *NTLMInitiator) Sum(bs []byte) []byte {
	if i.ntlm == nil || i.ntlm.Session() == nil {
		return nil
	}
	mic, _ := i.ntlm.Session().Sum(bs, i.seqNum)
	return mic
}

// SessionKey implements Initiator.
func (i *NTLMInitiator) SessionKey() []byte {
	if i.ntlm == nil || i.ntlm.Session() == nil {
		return nil
	}
	return i.ntlm.Session().SessionKey()
}

// InfoMap returns the target information the server sent.
func (i *NTLMInitiator) InfoMap() *ntlm.InfoMap {
	if i.ntlm == nil || i.ntlm.Session() == nil {
		return nil
	}
	return i.ntlm.Session().InfoMap()
}

// spnegoClient wraps one mechanism into SPNEGO tokens.
type spnegoClient struct {
	mech      Initiator
	mechTypes []asn1.ObjectIdentifier
}

func newSpnegoClient(mech Initiator) *spnegoClient {
	return &spnegoClient{
		mech:      mech,
		mechTypes: []asn1.ObjectIdentifier{mech.OID()},
	}
}

func (c *spnegoClient) initSecContext() ([]byte, error) {
	mechToken, err := c.mech.InitSecContext()
	if err != nil {
		return nil, err
	}
	return spnego.EncodeNegTokenInit(c.mechTypes, mechToken)
}

func (c *spnegoClient) acceptSecContext(sc []byte) ([]byte, error) {
	nt, err := spnego.DecodeNegTokenResp(sc)
	if err != nil {
		return nil, err
	}
	if len(nt.SupportedMech) > 0 && !nt.SupportedMech.Equal(c.mech.OID()) {
		return nil, fmt.Errorf("spnego: server selected unsupported mechanism %v", nt.SupportedMech)
	}

	token, err := c.mech.AcceptSecContext(nt.ResponseToken)
	if err != nil {
		return nil, err
	}

	ms, err := spnego.MechTypeList(c.mechTypes)
	if err != nil {
		return nil, err
	}

	return spnego.EncodeNegTokenResp(spnego.AcceptIncomplete, nil, token, c.mech.Sum(ms))
}

// complete consumes the token of the final SESSION_SETUP response, which
// carries the AP-REP for Kerberos.
func (c *spnegoClient) complete(sc []byte) error {
	nt, err := spnego.DecodeNegTokenResp(sc)
	if err != nil {
		return err
	}
	if nt.NegState != spnego.AcceptCompleted {
		return fmt.Errorf("spnego: negotiation state %d", nt.NegState)
	}
	if len(nt.ResponseToken) > 0 {
		_, err = c.mech.AcceptSecContext(nt.ResponseToken)
	}
	return err
}
