package ntlm

import (
	"crypto/hmac"

	"github.com/mike76-dev/smbprobe/utils"
)

// Session is the security context produced by a completed exchange.
type Session struct {
	clientSide bool
	user       string
	domain     string
	flags      uint32
	key        []byte

	// Indexed by sender.
	fromClient channel
	fromServer channel

	pairs avPairs
}

func newSession(clientSide bool, user, domain string, flags uint32, key []byte, pairs avPairs) (*Session, error) {
	s := &Session{
		clientSide: clientSide,
		user:       user,
		domain:     domain,
		flags:      flags,
		key:        key,
		pairs:      pairs,
	}
	var err error
	if s.fromClient, err = newChannel(flags, key, true); err != nil {
		return nil, err
	}
	if s.fromServer, err = newChannel(flags, key, false); err != nil {
		return nil, err
	}
	return s, nil
}

// User returns the authenticated user name.
func (s *Session) User() string {
	return s.user
}

// Domain returns the domain the user authenticated in.
func (s *Session) Domain() string {
	return s.domain
}

// SessionKey returns the exported session key.
func (s *Session) SessionKey() []byte {
	return s.key
}

// InfoMap holds the names the peer announced in its AV pairs.
type InfoMap struct {
	NbComputerName  string
	NbDomainName    string
	DnsComputerName string
	DnsDomainName   string
	DnsTreeName     string
}

// InfoMap returns the names from the peer's target info.
func (s *Session) InfoMap() *InfoMap {
	name := func(id uint16) string { return utils.DecodeToString(s.pairs[id]) }
	return &InfoMap{
		NbComputerName:  name(MsvAvNbComputerName),
		NbDomainName:    name(MsvAvNbDomainName),
		DnsComputerName: name(MsvAvDnsComputerName),
		DnsDomainName:   name(MsvAvDnsDomainName),
		DnsTreeName:     name(MsvAvDnsTreeName),
	}
}

func (s *Session) outbound() channel {
	if s.clientSide {
		return s.fromClient
	}
	return s.fromServer
}

func (s *Session) inbound() channel {
	if s.clientSide {
		return s.fromServer
	}
	return s.fromClient
}

// Sum returns the NTLMSSP message signature of msg and the next sequence
// number. It is nil when signing was not negotiated.
func (s *Session) Sum(msg []byte, seqNum uint32) ([]byte, uint32) {
	if s.flags&NTLMSSP_NEGOTIATE_SIGN == 0 {
		return nil, 0
	}
	return s.outbound().sign(s.flags, seqNum, msg)
}

// CheckSum verifies a signature produced by the peer.
func (s *Session) CheckSum(sum, msg []byte, seqNum uint32) (bool, uint32) {
	if s.flags&NTLMSSP_NEGOTIATE_SIGN == 0 {
		return sum == nil, 0
	}
	want, next := s.inbound().sign(s.flags, seqNum, msg)
	if !hmac.Equal(sum, want) {
		return false, 0
	}
	return true, next
}
