package ntlm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rc4"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/mike76-dev/smbprobe/spnego"
	"github.com/mike76-dev/smbprobe/utils"
)

// Server is the acceptor side of an NTLMv2 exchange. The test server uses it
// to check what the client sends.
type Server struct {
	targetName   string
	targetDomain string
	accounts     map[string]string

	nmsg    []byte
	cmsg    []byte
	session *Session
}

// NewServer returns a Server announcing the given target names.
func NewServer(targetName, targetDomain string) *Server {
	return &Server{
		targetName:   targetName,
		targetDomain: targetDomain,
		accounts:     make(map[string]string),
	}
}

// AddAccount registers a user the server accepts. Names are case-insensitive.
func (s *Server) AddAccount(user, password string) {
	s.accounts[strings.ToLower(user)] = password
}

// Negotiate returns the SPNEGO hint sent in the NEGOTIATE response.
func (s *Server) Negotiate() ([]byte, error) {
	return spnego.EncodeNegTokenInit([]asn1.ObjectIdentifier{spnego.NlmpOid}, nil)
}

// Challenge answers a NEGOTIATE_MESSAGE.
func (s *Server) Challenge(nmsg []byte) ([]byte, error) {
	if err := checkHeader(nmsg, NtLmNegotiate, 32); err != nil {
		return nil, err
	}
	s.nmsg = nmsg

	flags := binary.LittleEndian.Uint32(nmsg[12:16])&defaultFlags |
		NTLMSSP_NEGOTIATE_TARGET_INFO |
		NTLMSSP_TARGET_TYPE_SERVER

	var name []byte
	if flags&NTLMSSP_REQUEST_TARGET != 0 {
		name = utils.EncodeStringToBytes(s.targetName)
	}

	var info avWriter
	info.add(MsvAvNbComputerName, utils.EncodeStringToBytes(s.targetName))
	info.add(MsvAvNbDomainName, utils.EncodeStringToBytes(s.targetName))
	info.add(MsvAvDnsComputerName, utils.EncodeStringToBytes(strings.ToLower(s.targetName)))
	info.add(MsvAvDnsDomainName, utils.EncodeStringToBytes(s.targetDomain))
	info.add(MsvAvTimestamp, binary.LittleEndian.AppendUint64(nil, utils.UnixToFiletime(time.Now())))
	targetInfo := info.bytes()

	cmsg := make([]byte, challengeHeaderSize+len(name)+len(targetInfo))
	copy(cmsg, signature)
	binary.LittleEndian.PutUint32(cmsg[8:12], NtLmChallenge)
	off := putField(cmsg, 12, challengeHeaderSize, name)
	binary.LittleEndian.PutUint32(cmsg[20:24], flags)
	if _, err := rand.Read(cmsg[24:32]); err != nil {
		return nil, err
	}
	putField(cmsg, 40, off, targetInfo)
	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		copy(cmsg[48:56], version)
	}

	s.cmsg = cmsg
	return cmsg, nil
}

// Authenticate verifies an AUTHENTICATE_MESSAGE against the known accounts.
func (s *Server) Authenticate(amsg []byte) error {
	if s.cmsg == nil {
		return errors.New("ntlm: no challenge was issued")
	}
	if err := checkHeader(amsg, NtLmAuthenticate, 64); err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint32(amsg[60:64])

	var fields [4][]byte // NtChallengeResponse, DomainName, UserName, EncryptedRandomSessionKey
	for i, off := range []int{20, 28, 36, 52} {
		bs, err := field(amsg, off)
		if err != nil {
			return err
		}
		fields[i] = bs
	}
	ntResponse, domainName, userName, encryptedKey := fields[0], fields[1], fields[2], fields[3]

	if len(userName) == 0 && len(ntResponse) == 0 {
		return errors.New("ntlm: anonymous credentials")
	}
	if len(ntResponse) < 16+28 {
		return errLoginFailure
	}
	user := strings.ToLower(utils.DecodeToString(userName))
	domain := utils.DecodeToString(domainName)
	password, ok := s.accounts[user]
	if !ok {
		return errLoginFailure
	}

	blob := ntResponse[16:]
	key := ntOWFv2(ntHash(password), user, domain)
	want := ntProofStr(key, s.cmsg[24:32], blob[16:24], blob[8:16], blob[28:])
	if !hmac.Equal(ntResponse, want) {
		return errLoginFailure
	}

	keyExchangeKey := sessionBaseKey(key, ntResponse)
	exportedKey := keyExchangeKey
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		if len(encryptedKey) != 16 {
			return errors.New("ntlm: bad encrypted session key")
		}
		rc, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return err
		}
		exportedKey = make([]byte, 16)
		rc.XORKeyStream(exportedKey, encryptedKey)
	}

	pairs, err := parseAvPairs(blob[28:])
	if err == nil {
		if av := pairs[MsvAvFlags]; len(av) == 4 && binary.LittleEndian.Uint32(av)&msvAvFlagMIC != 0 {
			off := micOffsetOf(flags)
			if len(amsg) < off+16 {
				return errLoginFailure
			}
			mic := computeMIC(exportedKey, s.nmsg, s.cmsg, amsg, off)
			if !hmac.Equal(mic, amsg[off:off+16]) {
				return errLoginFailure
			}
		}
	}

	session, err := newSession(false, user, domain, flags, exportedKey, pairs)
	if err != nil {
		return err
	}
	s.session = session
	return nil
}

// Session returns the security context of the last successful exchange.
func (s *Server) Session() *Session {
	return s.session
}
