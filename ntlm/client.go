package ntlm

import (
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"time"

	"github.com/mike76-dev/smbprobe/utils"
)

// Client is the initiator side of an NTLMv2 exchange.
type Client struct {
	User        string
	Password    string
	Hash        []byte // NT hash; used instead of Password when set
	Domain      string
	Workstation string
	TargetSPN   string

	nmsg    []byte
	session *Session
}

// Negotiate returns the NEGOTIATE_MESSAGE opening the exchange. Domain and
// workstation are not supplied here.
func (c *Client) Negotiate() ([]byte, error) {
	nmsg := make([]byte, negotiateHeaderSize)
	copy(nmsg, signature)
	binary.LittleEndian.PutUint32(nmsg[8:12], NtLmNegotiate)
	binary.LittleEndian.PutUint32(nmsg[12:16], defaultFlags)
	copy(nmsg[32:40], version)
	c.nmsg = nmsg
	return nmsg, nil
}

// Authenticate consumes the server's CHALLENGE_MESSAGE and returns the
// AUTHENTICATE_MESSAGE.
func (c *Client) Authenticate(cmsg []byte) ([]byte, error) {
	if c.nmsg == nil {
		return nil, errors.New("ntlm: negotiate message has not been sent")
	}
	if err := checkHeader(cmsg, NtLmChallenge, 48); err != nil {
		return nil, err
	}

	flags := defaultFlags & binary.LittleEndian.Uint32(cmsg[20:24])
	if flags&NTLMSSP_NEGOTIATE_TARGET_INFO == 0 {
		return nil, errors.New("ntlm: server sent no target info")
	}
	serverInfo, err := field(cmsg, 40)
	if err != nil {
		return nil, err
	}
	pairs, err := parseAvPairs(serverInfo)
	if err != nil {
		return nil, err
	}

	// The server's timestamp is preferred so clock skew does not matter.
	timestamp := pairs[MsvAvTimestamp]
	if len(timestamp) != 8 {
		timestamp = binary.LittleEndian.AppendUint64(nil, utils.UnixToFiletime(time.Now()))
	}
	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, err
	}

	hash := c.Hash
	if hash == nil {
		hash = ntHash(c.Password)
	}
	key := ntOWFv2(hash, c.User, c.Domain)
	info := append(clientTargetInfo(serverInfo, utils.EncodeStringToBytes(c.TargetSPN)), 0, 0, 0, 0) // Z(4)
	ntResponse := ntProofStr(key, cmsg[24:32], clientChallenge, timestamp, info)
	keyExchangeKey := sessionBaseKey(key, ntResponse)

	exportedKey := keyExchangeKey
	var encryptedKey []byte
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		exportedKey = make([]byte, 16)
		if _, err := rand.Read(exportedKey); err != nil {
			return nil, err
		}
		rc, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return nil, err
		}
		encryptedKey = make([]byte, 16)
		rc.XORKeyStream(encryptedKey, exportedKey)
	}

	domain := utils.EncodeStringToBytes(c.Domain)
	user := utils.EncodeStringToBytes(c.User)
	workstation := utils.EncodeStringToBytes(c.Workstation)
	lmResponse := make([]byte, 24) // zero with NTLMv2

	amsg := make([]byte, authenticateHeaderSize+len(lmResponse)+len(ntResponse)+len(domain)+len(user)+len(workstation)+len(encryptedKey))
	copy(amsg, signature)
	binary.LittleEndian.PutUint32(amsg[8:12], NtLmAuthenticate)
	off := putField(amsg, 12, authenticateHeaderSize, lmResponse)
	off = putField(amsg, 20, off, ntResponse)
	off = putField(amsg, 28, off, domain)
	off = putField(amsg, 36, off, user)
	off = putField(amsg, 44, off, workstation)
	putField(amsg, 52, off, encryptedKey)
	binary.LittleEndian.PutUint32(amsg[60:64], flags)
	copy(amsg[64:72], version)
	copy(amsg[micOffset:], computeMIC(exportedKey, c.nmsg, cmsg, amsg, micOffset))

	s, err := newSession(true, c.User, c.Domain, flags, exportedKey, pairs)
	if err != nil {
		return nil, err
	}
	c.session = s
	return amsg, nil
}

// Session returns the security context established by Authenticate.
func (c *Client) Session() *Session {
	return c.session
}
