// Package ntlm implements the NTLMv2 exchange (MS-NLMP) carried inside
// SPNEGO during SESSION_SETUP, plus the message signing used for the
// mechListMIC.
//
// Key derivation and message signing are adapted from
// https://github.com/hirochachacha/go-smb2.
package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"

	"github.com/mike76-dev/smbprobe/utils"
	"golang.org/x/crypto/md4"
)

// Message types.
const (
	NtLmNegotiate    = 0x00000001
	NtLmChallenge    = 0x00000002
	NtLmAuthenticate = 0x00000003
)

// Negotiate flags.
const (
	NTLMSSP_NEGOTIATE_UNICODE = 1 << iota
	NTLM_NEGOTIATE_OEM
	NTLMSSP_REQUEST_TARGET
	_
	NTLMSSP_NEGOTIATE_SIGN
	NTLMSSP_NEGOTIATE_SEAL
	NTLMSSP_NEGOTIATE_DATAGRAM
	NTLMSSP_NEGOTIATE_LM_KEY
	_
	NTLMSSP_NEGOTIATE_NTLM
	_
	NTLMSSP_ANONYMOUS
	NTLMSSP_NEGOTIATE_OEM_DOMAIN_SUPPLIED
	NTLMSSP_NEGOTIATE_OEM_WORKSTATION_SUPPLIED
	_
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN
	NTLMSSP_TARGET_TYPE_DOMAIN
	NTLMSSP_TARGET_TYPE_SERVER
	_
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY
	NTLMSSP_NEGOTIATE_IDENTIFY
	_
	NTLMSSP_REQUEST_NON_NT_SESSION_KEY
	NTLMSSP_NEGOTIATE_TARGET_INFO
	_
	NTLMSSP_NEGOTIATE_VERSION
	_
	_
	_
	NTLMSSP_NEGOTIATE_128
	NTLMSSP_NEGOTIATE_KEY_EXCH
	NTLMSSP_NEGOTIATE_56
)

const defaultFlags = NTLMSSP_NEGOTIATE_56 |
	NTLMSSP_NEGOTIATE_KEY_EXCH |
	NTLMSSP_NEGOTIATE_128 |
	NTLMSSP_NEGOTIATE_TARGET_INFO |
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN |
	NTLMSSP_NEGOTIATE_NTLM |
	NTLMSSP_NEGOTIATE_SIGN |
	NTLMSSP_REQUEST_TARGET |
	NTLMSSP_NEGOTIATE_UNICODE |
	NTLMSSP_NEGOTIATE_VERSION

// AV pair identifiers of the target info.
const (
	MsvAvEOL = iota
	MsvAvNbComputerName
	MsvAvNbDomainName
	MsvAvDnsComputerName
	MsvAvDnsDomainName
	MsvAvDnsTreeName
	MsvAvFlags
	MsvAvTimestamp
	MsvAvSingleHost
	MsvAvTargetName
	MsvAvChannelBindings
)

// msvAvFlagMIC in MsvAvFlags announces a MIC in the AUTHENTICATE_MESSAGE.
const msvAvFlagMIC = 0x02

// Fixed header sizes. The MIC follows the version field.
const (
	negotiateHeaderSize    = 40
	challengeHeaderSize    = 56
	authenticateHeaderSize = 88
	micOffset              = 72
)

// micOffsetOf returns where the MIC sits in an AUTHENTICATE_MESSAGE
// negotiated with flags.
func micOffsetOf(flags uint32) int {
	if flags&NTLMSSP_NEGOTIATE_VERSION == 0 {
		return micOffset - 8
	}
	return micOffset
}

var (
	signature = []byte("NTLMSSP\x00")

	// Windows 10.0, NTLMSSP revision 15.
	version = []byte{0: 0x0a, 1: 0x00, 7: 0x0f}

	errLoginFailure = errors.New("ntlm: login failure")
)

// checkHeader verifies the signature and message type of msg.
func checkHeader(msg []byte, typ uint32, minLen int) error {
	if len(msg) < minLen {
		return errors.New("ntlm: message too short")
	}
	if string(msg[:8]) != string(signature) {
		return errors.New("ntlm: invalid signature")
	}
	if binary.LittleEndian.Uint32(msg[8:12]) != typ {
		return errors.New("ntlm: unexpected message type")
	}
	return nil
}

// field returns the payload referenced by the len/maxlen/offset triple at off.
func field(msg []byte, off int) ([]byte, error) {
	n := int(binary.LittleEndian.Uint16(msg[off : off+2]))
	if int(binary.LittleEndian.Uint16(msg[off+2:off+4])) < n {
		return nil, errors.New("ntlm: malformed field")
	}
	start := int(binary.LittleEndian.Uint32(msg[off+4 : off+8]))
	if start > len(msg) || len(msg)-start < n {
		return nil, errors.New("ntlm: field out of bounds")
	}
	return msg[start : start+n], nil
}

// putField copies payload to payloadOff, writes its triple at fieldOff and
// returns the next payload offset.
func putField(msg []byte, fieldOff, payloadOff int, payload []byte) int {
	n := copy(msg[payloadOff:], payload)
	binary.LittleEndian.PutUint16(msg[fieldOff:fieldOff+2], uint16(n))
	binary.LittleEndian.PutUint16(msg[fieldOff+2:fieldOff+4], uint16(n))
	binary.LittleEndian.PutUint32(msg[fieldOff+4:fieldOff+8], uint32(payloadOff))
	return payloadOff + n
}

// ntHash is MD4 over the UTF-16LE password.
func ntHash(password string) []byte {
	h := md4.New()
	h.Write(utils.EncodeStringToBytes(password))
	return h.Sum(nil)
}

// ntOWFv2 keys the NTLMv2 response with the upper-cased user and the domain.
func ntOWFv2(hash []byte, user, domain string) []byte {
	hm := hmac.New(md5.New, hash)
	hm.Write(utils.EncodeStringToBytes(strings.ToUpper(user)))
	hm.Write(utils.EncodeStringToBytes(domain))
	return hm.Sum(nil)
}

// ntProofStr returns the NTLMv2 response: the 16-byte proof followed by the
// client blob carrying timestamp, client challenge and target info.
func ntProofStr(key, serverChallenge, clientChallenge, timestamp, targetInfo []byte) []byte {
	blob := make([]byte, 28+len(targetInfo))
	blob[0] = 1 // RespType
	blob[1] = 1 // HiRespType
	copy(blob[8:16], timestamp)
	copy(blob[16:24], clientChallenge)
	copy(blob[28:], targetInfo)

	h := hmac.New(md5.New, key)
	h.Write(serverChallenge)
	h.Write(blob)
	return append(h.Sum(nil), blob...)
}

// sessionBaseKey is HMAC-MD5 of the proof under the NTOWFv2 key; it is the
// key exchange key for NTLMv2.
func sessionBaseKey(key, response []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(response[:16])
	return h.Sum(nil)
}

// computeMIC covers the three messages with the MIC field at off zeroed.
func computeMIC(key, nmsg, cmsg, amsg []byte, off int) []byte {
	h := hmac.New(md5.New, key)
	h.Write(nmsg)
	h.Write(cmsg)
	h.Write(amsg[:off])
	h.Write(make([]byte, 16))
	h.Write(amsg[off+16:])
	return h.Sum(nil)
}

func magicKey(key []byte, constant string) []byte {
	h := md5.New()
	h.Write(key)
	h.Write([]byte(constant))
	return h.Sum(nil)
}

func signingKey(flags uint32, key []byte, fromClient bool) []byte {
	if flags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY == 0 {
		return nil
	}
	if fromClient {
		return magicKey(key, "session key to client-to-server signing key magic constant\x00")
	}
	return magicKey(key, "session key to server-to-client signing key magic constant\x00")
}

func sealingKey(flags uint32, key []byte, fromClient bool) []byte {
	if flags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY != 0 {
		switch {
		case flags&NTLMSSP_NEGOTIATE_128 != 0:
		case flags&NTLMSSP_NEGOTIATE_56 != 0:
			key = key[:7]
		default:
			key = key[:5]
		}
		if fromClient {
			return magicKey(key, "session key to client-to-server sealing key magic constant\x00")
		}
		return magicKey(key, "session key to server-to-client sealing key magic constant\x00")
	}

	if flags&NTLMSSP_NEGOTIATE_LM_KEY != 0 {
		sk := make([]byte, 8)
		if flags&NTLMSSP_NEGOTIATE_56 != 0 {
			copy(sk, key[:7])
			sk[7] = 0xa0
		} else {
			copy(sk, key[:5])
			sk[5], sk[6], sk[7] = 0xe5, 0x38, 0xb0
		}
		return sk
	}
	return key
}

// channel is one direction of the signing state.
type channel struct {
	key    []byte
	handle *rc4.Cipher
}

func newChannel(flags uint32, key []byte, fromClient bool) (channel, error) {
	handle, err := rc4.NewCipher(sealingKey(flags, key, fromClient))
	if err != nil {
		return channel{}, err
	}
	return channel{key: signingKey(flags, key, fromClient), handle: handle}, nil
}

// sign returns the 16-byte message signature of msg and the next sequence
// number.
func (ch channel) sign(flags, seqNum uint32, msg []byte) ([]byte, uint32) {
	tag := make([]byte, 16)
	binary.LittleEndian.PutUint32(tag[:4], 1)

	if flags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY != 0 {
		// Version, Checksum[8], SeqNum.
		binary.LittleEndian.PutUint32(tag[12:16], seqNum)
		h := hmac.New(md5.New, ch.key)
		h.Write(tag[12:16])
		h.Write(msg)
		copy(tag[4:12], h.Sum(nil))
		if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
			ch.handle.XORKeyStream(tag[4:12], tag[4:12])
		}
		return tag, seqNum + 1
	}

	// Version, RandomPad, Checksum[4], SeqNum; the pad goes out zeroed.
	binary.LittleEndian.PutUint32(tag[8:12], crc32.ChecksumIEEE(msg))
	ch.handle.XORKeyStream(tag[4:16], tag[4:16])
	seq := binary.LittleEndian.Uint32(tag[12:16]) ^ seqNum
	binary.LittleEndian.PutUint32(tag[12:16], seq)
	clear(tag[4:8])
	if flags&NTLMSSP_NEGOTIATE_DATAGRAM == 0 {
		seqNum++
	}
	return tag, seqNum
}
